package flow

import (
	"time"

	"github.com/modularbot/bot-factory/internal/domain/shared"
)

// ConversationTTL is how long an idle conversation survives before the
// sweep job drops it and the user has to start over.
const ConversationTTL = 10 * time.Minute

// Conversation is the in-memory per-user companion of a flow: which
// dialogue state the user is in and, between stages 2 and 3, the full
// bot token. The token is never persisted anywhere but the registry.
type Conversation struct {
	// State mirrors the flow status for dialogue routing.
	State Status

	// Token is held only between token acceptance and creation start.
	Token shared.BotToken

	// FlowID links back to the durable flow row.
	FlowID shared.FlowID

	// LastTouch is refreshed on every inbound message from the user.
	LastTouch time.Time
}

// NewConversation starts a conversation for a freshly created flow.
func NewConversation(flowID shared.FlowID) *Conversation {
	return &Conversation{
		State:     StatusWaitingToken,
		FlowID:    flowID,
		LastTouch: time.Now().UTC(),
	}
}

// Touch refreshes the inactivity clock.
func (c *Conversation) Touch() {
	c.LastTouch = time.Now().UTC()
}

// Expired reports whether the conversation passed its idle TTL.
func (c *Conversation) Expired(now time.Time) bool {
	return now.Sub(c.LastTouch) > ConversationTTL
}

// HoldToken stores the validated token and moves to waiting_description.
func (c *Conversation) HoldToken(token shared.BotToken) {
	c.Token = token
	c.State = StatusWaitingDescription
	c.Touch()
}

// DropToken clears the held token. Called on every exit from the
// creation procedure so the secret does not outlive its use.
func (c *Conversation) DropToken() {
	c.Token = ""
}

// Recovered rebuilds a conversation from a persisted in-flight flow after
// a restart. The token is not recoverable (it was only held in memory), so
// a flow that was waiting for a description restarts at waiting_token.
func Recovered(f *BotFlow) *Conversation {
	state := f.Status
	if state == StatusWaitingDescription || state == StatusCreating {
		state = StatusWaitingToken
	}
	return &Conversation{
		State:     state,
		FlowID:    f.ID,
		LastTouch: time.Now().UTC(),
	}
}
