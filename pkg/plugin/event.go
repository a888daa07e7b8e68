package plugin

import (
	"context"
	"time"
)

// Subscription priorities. Lower values run earlier.
const (
	DefaultPriority = 10
	MaxPriority     = 9999
)

// Event topics emitted by the runtime.
const (
	TopicMessageUpdate  = "message.update"
	TopicPreCommand     = "command.pre"
	TopicCommandProcess = "command.process"

	TopicStartup       = "lifecycle.startup"
	TopicPostStartup   = "lifecycle.post_startup"
	TopicFinalization  = "lifecycle.finalization"
	TopicShutdown      = "lifecycle.shutdown"
	TopicBotError      = "bot.error"
	TopicRequestUnload = "plugin.request_unload"
)

// Outcome is the result of an emission.
type Outcome int

const (
	Proceeded Outcome = iota
	Cancelled
)

func (o Outcome) String() string {
	if o == Cancelled {
		return "cancelled"
	}
	return "proceeded"
}

// Event represents a message on the event bus.
type Event struct {
	Topic     string
	Source    string // Owner name that emitted the event
	Timestamp time.Time
	Payload   any // Type depends on topic
}

// EventHandler processes events from the bus. Returning an error aborts the
// remaining handlers of that emission.
type EventHandler func(ctx context.Context, event Event) error

// SubscriptionID identifies a subscription. It is unique within its owner.
type SubscriptionID string

// SubscribeOptions are resolved subscription settings.
type SubscribeOptions struct {
	Priority int
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*SubscribeOptions)

// WithPriority sets the subscription priority.
func WithPriority(p int) SubscribeOption {
	return func(o *SubscribeOptions) { o.Priority = p }
}

// EventBus provides ordered, ownership-scoped publish/subscribe.
type EventBus interface {
	Subscribe(owner, topic string, handler EventHandler, opts ...SubscribeOption) SubscriptionID
	Once(owner, topic string) <-chan Event
	Unsubscribe(id SubscriptionID) bool
	UnsubscribeAllForOwner(owner string) int
	Emit(ctx context.Context, sender, topic string, payload any) (Outcome, error)
}

// Cancelable is implemented by payloads that carry an advisory cancel flag.
type Cancelable interface {
	Cancel()
	Cancelled() bool
}

// CancelFlag is embedded in payloads to make them Cancelable.
type CancelFlag struct {
	cancelled bool
}

func (c *CancelFlag) Cancel()         { c.cancelled = true }
func (c *CancelFlag) Cancelled() bool { return c.cancelled }

// MessageEvent is the payload of TopicMessageUpdate.
type MessageEvent struct {
	Update    Update
	Responder Responder
}

// PreCommandEvent is the payload of TopicPreCommand. Cancelling it is
// observed and logged but never stops dispatch.
type PreCommandEvent struct {
	CancelFlag
	Update  Update
	Command string
	Args    []string
}

// CommandProcessEvent is the payload of TopicCommandProcess. Cancelling it
// stops dispatch; handlers may rewrite Args.
type CommandProcessEvent struct {
	CancelFlag
	Update  Update
	Command string
	Args    []string
}

// ErrorEvent is the payload of TopicBotError.
type ErrorEvent struct {
	Err     error
	Context string
}

// UnloadRequest is the payload of TopicRequestUnload, emitted before a
// plugin's hooks run and its registrations are revoked.
type UnloadRequest struct {
	Plugin string
	Reload bool
}
