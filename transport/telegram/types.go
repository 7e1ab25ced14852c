package telegram

// Update is the subset of a Bot API update the bot handles.
type Update struct {
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
	UpdateID      int64          `json:"update_id"`
}

// Message is an incoming or sent message.
type Message struct {
	Chat      *Chat  `json:"chat,omitempty"`
	From      *User  `json:"from,omitempty"`
	Text      string `json:"text,omitempty"`
	MessageID int64  `json:"message_id"`
}

// Chat identifies a conversation.
type Chat struct {
	Type string `json:"type,omitempty"`
	ID   int64  `json:"id"`
}

// User is a message author.
type User struct {
	Username string `json:"username,omitempty"`
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot,omitempty"`
}

// CallbackQuery is an inline button press.
type CallbackQuery struct {
	From    *User    `json:"from,omitempty"`
	Message *Message `json:"message,omitempty"`
	ID      string   `json:"id"`
	Data    string   `json:"data"`
}
