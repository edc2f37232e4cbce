package models

import "time"

// IntentMatch is produced by a matcher for one request and discarded after dispatch
type IntentMatch struct {
	HandlerName string            `json:"handler_name"`
	Params      map[string]string `json:"params,omitempty"`
}

// Param returns the named extracted parameter or ""
func (m *IntentMatch) Param(name string) string {
	if m == nil || m.Params == nil {
		return ""
	}
	return m.Params[name]
}

// Source identifies a document that grounded an answer
type Source struct {
	Name         string `json:"name"`
	RemoteID     string `json:"remote_id"`
	IdentityHash string `json:"identity_hash,omitempty"`
}

// Reply is what a query handler returns to the dispatcher
type Reply struct {
	Text     string   `json:"text"`
	Sources  []Source `json:"sources,omitempty"`
	Grounded bool     `json:"grounded"`
	Handler  string   `json:"handler"`
}

// ChatRole represents who authored a chat message
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// ChatMessage represents one turn of a session's history
type ChatMessage struct {
	Role      ChatRole  `json:"role"`
	Text      string    `json:"text"`
	Handler   string    `json:"handler,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
