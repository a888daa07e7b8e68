// Package transport connects the runtime to chat platforms. A Source
// delivers inbound updates together with the Responder that answers them.
package transport

import (
	"context"
	"time"

	"github.com/HerbHall/bote/pkg/plugin"
)

// Inbound is an update and the path its replies take.
type Inbound struct {
	Update    plugin.Update
	Responder plugin.Responder
}

// Source delivers updates to out until ctx is done or the source fails.
// A nil return means the source was exhausted or stopped cleanly.
type Source interface {
	Run(ctx context.Context, out chan<- Inbound) error
}

// MessageType discriminates relay messages.
type MessageType string

const (
	MessageUpdate MessageType = "update"
	MessageReply  MessageType = "reply"
	MessageError  MessageType = "error"
)

// Message is the envelope for all relay messages.
type Message struct {
	Type      MessageType    `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Update    *plugin.Update `json:"update,omitempty"`
	Reply     *ReplyData     `json:"reply,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ReplyData is the payload of reply messages.
type ReplyData struct {
	ChatID  int64  `json:"chat_id"`
	ReplyTo int64  `json:"reply_to"`
	Text    string `json:"text"`
}
