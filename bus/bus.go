// Package bus publishes turn events to NATS and takes confirmation
// decisions from it.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bazelment/yoloswe/switchboard/agentstream"
	"github.com/bazelment/yoloswe/switchboard/confirm"
)

// DefaultPrefix is the subject prefix when none is configured.
const DefaultPrefix = "switchboard"

// Subjects, relative to the prefix:
//
//	<prefix>.turn.<event kind>   turn events, JSON Envelope
//	<prefix>.decision            confirmation decisions, "<id>:<approve|reject>"
const (
	turnSubject     = "turn"
	decisionSubject = "decision"
)

// DecisionFunc applies a decision and reports whether it was accepted.
type DecisionFunc func(id string, approved bool) bool

// Client is a NATS connection scoped to one subject prefix.
type Client struct {
	conn   *nats.Conn
	logger *slog.Logger
	prefix string
	subs   []*nats.Subscription
	mu     sync.Mutex
}

// Config configures a Client.
type Config struct {
	Logger *slog.Logger
	URL    string
	Token  string
	Prefix string
	// Name identifies the connection on the server.
	Name string
}

// Connect dials NATS. Connection attempts are retried in the background, so
// a server that is down at startup does not fail the caller.
func Connect(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := strings.TrimSuffix(cfg.Prefix, ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Client{conn: nc, logger: logger, prefix: prefix}, nil
}

// TurnSubject returns the subject events of kind are published on.
func TurnSubject(prefix, kind string) string {
	return prefix + "." + turnSubject + "." + kind
}

// DecisionSubject returns the subject decisions are read from.
func DecisionSubject(prefix string) string {
	return prefix + "." + decisionSubject
}

// Publish sends env on its turn subject.
func (c *Client) Publish(_ context.Context, env agentstream.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return c.conn.Publish(TurnSubject(c.prefix, env.Kind), payload)
}

// SubscribeDecisions feeds decisions published on the decision subject to
// fn. Requests with a reply subject get "ok", "unknown" or an error text.
func (c *Client) SubscribeDecisions(fn DecisionFunc) error {
	subject := DecisionSubject(c.prefix)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		reply := handleDecision(msg.Data, fn)
		if reply != "ok" {
			c.logger.Warn("decision not applied", "payload", string(msg.Data), "result", reply)
		}
		if msg.Reply != "" {
			if err := msg.Respond([]byte(reply)); err != nil {
				c.logger.Warn("failed to answer decision request", "error", err)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

// decisionMessage is the JSON alternative to the "<id>:<verdict>" payload.
type decisionMessage struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
}

func handleDecision(data []byte, fn DecisionFunc) string {
	id, approved, err := parseDecision(data)
	if err != nil {
		return "error: " + err.Error()
	}
	if !fn(id, approved) {
		return "unknown"
	}
	return "ok"
}

func parseDecision(data []byte) (string, bool, error) {
	text := strings.TrimSpace(string(data))
	if strings.HasPrefix(text, "{") {
		var m decisionMessage
		if err := json.Unmarshal([]byte(text), &m); err != nil {
			return "", false, fmt.Errorf("decode decision: %w", err)
		}
		if m.ID == "" {
			return "", false, confirm.ErrBadCallback
		}
		return m.ID, m.Approved, nil
	}
	return confirm.ParseCallback(text)
}

// Close drains subscriptions and closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
