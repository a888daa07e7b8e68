// Package testutil provides update fixtures and a recording responder for tests.
package testutil

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/HerbHall/bote/pkg/plugin"
)

var nextMessageID atomic.Int64

// NewUpdate returns an Update with sensible defaults, suitable for test
// fixtures. Override individual fields with options.
func NewUpdate(opts ...func(*plugin.Update)) plugin.Update {
	u := plugin.Update{
		Text:      "hello",
		ChatID:    100,
		SenderID:  42,
		MessageID: nextMessageID.Add(1),
	}
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

// WithText sets plain text with no entities.
func WithText(text string) func(*plugin.Update) {
	return func(u *plugin.Update) {
		u.Text = text
		u.Entities = nil
	}
}

// WithCommand sets text starting with a command and adds the leading command
// entity spanning the first word.
func WithCommand(text string) func(*plugin.Update) {
	return func(u *plugin.Update) {
		u.Text = text
		first, _, _ := strings.Cut(text, " ")
		u.Entities = append([]plugin.Entity{{
			Kind:   plugin.EntityCommand,
			Offset: 0,
			Length: utf8.RuneCountInString(first),
		}}, u.Entities...)
	}
}

// WithEntity appends a formatting entity.
func WithEntity(kind string, offset, length int) func(*plugin.Update) {
	return func(u *plugin.Update) {
		u.Entities = append(u.Entities, plugin.Entity{Kind: kind, Offset: offset, Length: length})
	}
}

// WithSender sets the sender id.
func WithSender(id int64) func(*plugin.Update) {
	return func(u *plugin.Update) { u.SenderID = id }
}

// WithChat sets the chat id.
func WithChat(id int64) func(*plugin.Update) {
	return func(u *plugin.Update) { u.ChatID = id }
}

// Reply is one recorded reply.
type Reply struct {
	ChatID  int64
	ReplyTo int64
	Text    string
}

// Replies is a plugin.Responder that records what it was asked to send.
type Replies struct {
	mu   sync.Mutex
	sent []Reply
	Err  error // returned from every Reply call when set
}

var _ plugin.Responder = (*Replies)(nil)

func (r *Replies) Reply(_ context.Context, chatID, replyTo int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Reply{ChatID: chatID, ReplyTo: replyTo, Text: text})
	return r.Err
}

// Sent returns the recorded replies.
func (r *Replies) Sent() []Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Reply(nil), r.sent...)
}

// Texts returns the text of every recorded reply.
func (r *Replies) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, s := range r.sent {
		out[i] = s.Text
	}
	return out
}
