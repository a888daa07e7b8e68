package plugin

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"go.uber.org/zap"
)

// EntityCommand is the entity kind reserved for the leading command marker.
const EntityCommand = "command"

// ErrNoResponder is returned by CommandContext.Reply when the update has no
// reply path.
var ErrNoResponder = errors.New("no responder for update")

// Entity is a labeled span over update text. Offset and Length count runes.
type Entity struct {
	Kind   string `json:"kind"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

// Update is an inbound chat update.
type Update struct {
	Text      string   `json:"text"`
	Entities  []Entity `json:"entities,omitempty"`
	ChatID    int64    `json:"chat_id"`
	SenderID  int64    `json:"sender_id"`
	MessageID int64    `json:"message_id"`
}

// Subject returns the permission subject for the sender.
func (u Update) Subject() string {
	return strconv.FormatInt(u.SenderID, 10)
}

// Trigger identifies the update for log records.
func (u Update) Trigger() string {
	return strconv.FormatInt(u.ChatID, 10) + ":" + strconv.FormatInt(u.SenderID, 10)
}

// Responder sends replies back to the chat an update came from.
type Responder interface {
	Reply(ctx context.Context, chatID, replyTo int64, text string) error
}

// CommandContext is passed to command handlers.
type CommandContext struct {
	Update    Update
	Command   string // resolved path, e.g. "plugins unload"
	Args      []string
	Responder Responder
	Logger    *zap.Logger
}

// Reply answers the update that triggered the command.
func (c *CommandContext) Reply(ctx context.Context, text string) error {
	if c.Responder == nil {
		return ErrNoResponder
	}
	return c.Responder.Reply(ctx, c.Update.ChatID, c.Update.MessageID, text)
}

// CommandHandler handles a resolved command.
type CommandHandler func(ctx context.Context, cc *CommandContext) error

// Command is a node in a command tree. Build the tree before registering it.
type Command struct {
	Name        string
	Description string
	Permission  string // required node; empty means unrestricted
	Handler     CommandHandler

	children map[string]*Command
}

// NewCommand creates a command with an optional leaf handler.
func NewCommand(name string, handler CommandHandler) *Command {
	return &Command{Name: name, Handler: handler}
}

// WithPermission sets the node required to run this command's own handler.
func (c *Command) WithPermission(node string) *Command {
	c.Permission = node
	return c
}

// WithDescription sets the help text.
func (c *Command) WithDescription(desc string) *Command {
	c.Description = desc
	return c
}

// Sub attaches child commands, replacing any with the same name.
func (c *Command) Sub(children ...*Command) *Command {
	if c.children == nil {
		c.children = make(map[string]*Command, len(children))
	}
	for _, ch := range children {
		c.children[ch.Name] = ch
	}
	return c
}

// Child returns the named child command.
func (c *Command) Child(name string) (*Command, bool) {
	ch, ok := c.children[name]
	return ch, ok
}

// Children returns the child commands sorted by name.
func (c *Command) Children() []*Command {
	out := make([]*Command, 0, len(c.children))
	for _, ch := range c.children {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
