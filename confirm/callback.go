package confirm

import (
	"errors"
	"fmt"
	"strings"
)

const (
	actionApprove = "approve"
	actionReject  = "reject"
)

// ErrBadCallback is returned for payloads that are not "<id>:<approve|reject>".
var ErrBadCallback = errors.New("malformed confirmation callback")

// EncodeCallback builds the inline-button payload for a decision.
func EncodeCallback(id string, approved bool) string {
	if approved {
		return id + ":" + actionApprove
	}
	return id + ":" + actionReject
}

// ParseCallback decodes a payload built by EncodeCallback.
func ParseCallback(data string) (id string, approved bool, err error) {
	i := strings.LastIndex(data, ":")
	if i <= 0 {
		return "", false, fmt.Errorf("%w: %q", ErrBadCallback, data)
	}
	id, action := data[:i], data[i+1:]
	switch action {
	case actionApprove:
		return id, true, nil
	case actionReject:
		return id, false, nil
	default:
		return "", false, fmt.Errorf("%w: unknown action %q", ErrBadCallback, action)
	}
}
