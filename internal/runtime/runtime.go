package runtime

import (
	"context"

	"github.com/google/uuid"
)

// Activity kinds with dedicated handling. Kind is an open set; channels may
// deliver kinds nothing here names, and handlers decide what to do with them.
const (
	KindMessage            = "message"
	KindConversationUpdate = "conversationUpdate"
)

// Member identifies one conversation participant on a channel.
type Member struct {
	ID   string
	Name string
}

// Activity is one inbound channel event.
type Activity struct {
	ID   string
	Kind string

	// Text is set for message activities.
	Text string

	// MembersAdded is set for conversation updates.
	MembersAdded []Member

	// Recipient is the bot's own identity on the channel.
	Recipient Member
}

// NewMessageActivity returns a message activity with a fresh id.
func NewMessageActivity(text string) *Activity {
	return &Activity{
		ID:   uuid.NewString(),
		Kind: KindMessage,
		Text: text,
	}
}

// NewConversationUpdate returns a conversation-update activity with a fresh id.
func NewConversationUpdate(recipient Member, added ...Member) *Activity {
	return &Activity{
		ID:           uuid.NewString(),
		Kind:         KindConversationUpdate,
		MembersAdded: added,
		Recipient:    recipient,
	}
}

// NewEventActivity returns an activity of an arbitrary channel-defined kind.
func NewEventActivity(kind string) *Activity {
	return &Activity{
		ID:   uuid.NewString(),
		Kind: kind,
	}
}

// ResponseWriter sends handler responses back to the active channel transport.
type ResponseWriter interface {
	WriteMessage(ctx context.Context, text string) error
}

// Handler processes inbound activities and writes responses.
type Handler interface {
	HandleActivity(ctx context.Context, w ResponseWriter, activity *Activity) error
}

// Listener receives channel input and dispatches it to a Handler.
type Listener interface {
	Listen(ctx context.Context, handler Handler) error
}
