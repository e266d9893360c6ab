package funnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modularbot/bot-factory/internal/domain/shared"
)

const flowID = shared.FlowID("0e3f9a52-6c1d-4f0e-9b7a-2d8c4e5f6a7b")

func TestNewEvent(t *testing.T) {
	e, err := NewEvent(KindTokenAccepted, flowID, 42)
	require.NoError(t, err)

	assert.Equal(t, "token_accepted_"+flowID.String(), e.Key)
	assert.Equal(t, shared.StageTokenAccepted, e.Stage)
	assert.Equal(t, shared.TelegramID(42), e.UserID)
	assert.False(t, e.At.IsZero())
}

func TestNewEvent_Invalid(t *testing.T) {
	_, err := NewEvent("made_up", flowID, 1)
	assert.Error(t, err)

	_, err = NewEvent(KindFlowStarted, "not-a-uuid", 1)
	assert.ErrorIs(t, err, shared.ErrInvalidID)
}

func TestEventKey_StableAcrossRetries(t *testing.T) {
	// The whole idempotency story rests on key determinism.
	a, err := NewEvent(KindBotActivatedByCreator, flowID, 1)
	require.NoError(t, err)
	b, err := NewEvent(KindBotActivatedByCreator, flowID, 1)
	require.NoError(t, err)

	assert.Equal(t, a.Key, b.Key)
	assert.Equal(t, EventKey(KindBotActivatedByCreator, flowID), a.Key)
}

func TestEventKind_Stage(t *testing.T) {
	assert.Equal(t, shared.StageStarted, KindFlowStarted.Stage())
	assert.Equal(t, shared.StageCreated, KindBotCreated.Stage())
	// The degraded-success path still marks stage 4.
	assert.Equal(t, shared.StageCreated, KindBotCreatedWebhookPending.Stage())
	assert.Equal(t, shared.StageActivated, KindBotActivatedByCreator.Stage())

	// Friction and terminal signals are not funnel progress.
	assert.Equal(t, shared.Stage(0), KindTokenAlreadyUsed.Stage())
	assert.Equal(t, shared.Stage(0), KindCreationFailed.Stage())
	assert.Equal(t, shared.Stage(0), KindFlowCancelled.Stage())
}

func TestWithReason(t *testing.T) {
	e, err := NewEvent(KindCreationFailed, flowID, 1)
	require.NoError(t, err)

	e.WithReason("provider_unavailable")
	assert.Equal(t, "provider_unavailable", e.Reason)
}

func TestNewUserAction(t *testing.T) {
	a, err := NewUserAction(7, "bot_123456789", ActionMessage)
	require.NoError(t, err)
	assert.Equal(t, "message", a.Action)

	_, err = NewUserAction(0, "bot_123456789", ActionMessage)
	assert.ErrorIs(t, err, shared.ErrInvalidID)

	_, err = NewUserAction(7, "bot_123456789", "")
	assert.Error(t, err)
}
