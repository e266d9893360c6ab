package mongo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modularbot/bot-factory/internal/domain/flow"
	"github.com/modularbot/bot-factory/internal/domain/shared"
)

func TestFlowDocMapping(t *testing.T) {
	f, err := flow.NewBotFlow(42)
	require.NoError(t, err)
	require.NoError(t, f.AcceptToken("123456789"))
	require.NoError(t, f.AdvanceStage(shared.StageCreated, flow.StatusCreated))
	f.HandlerName = "bot_123456789"

	got := fromFlowDoc(toFlowDoc(f))

	assert.Equal(t, f.ID, got.ID)
	assert.Equal(t, f.UserID, got.UserID)
	assert.Equal(t, f.Status, got.Status)
	assert.Equal(t, f.CurrentStage, got.CurrentStage)
	assert.Equal(t, f.BotTokenID, got.BotTokenID)
	assert.Equal(t, f.HandlerName, got.HandlerName)
	assert.Equal(t, f.FinalStatus, got.FinalStatus)

	// Stage times survive the string-keyed round trip.
	require.Len(t, got.StageTimes, len(f.StageTimes))
	for stage, at := range f.StageTimes {
		assert.WithinDuration(t, at, got.StageTimes[stage], time.Millisecond)
	}
}

func TestFlowDocMapping_UnboundTokenStaysAbsent(t *testing.T) {
	// The partial unique index only works if flows without a token do not
	// serialize an empty bot_token_id.
	f, err := flow.NewBotFlow(1)
	require.NoError(t, err)

	doc := toFlowDoc(f)
	assert.Empty(t, doc.BotTokenID)
	assert.Nil(t, doc.CompletedAt)
	assert.Empty(t, doc.FinalStatus)
}

func TestWindowField(t *testing.T) {
	assert.Equal(t, "created_at", windowField(flow.WindowStart))
	assert.Equal(t, "updated_at", windowField(flow.WindowActivity))
}

func TestAsInt64(t *testing.T) {
	assert.Equal(t, int64(3), asInt64(int32(3)))
	assert.Equal(t, int64(4), asInt64(int64(4)))
	assert.Equal(t, int64(5), asInt64(float64(5)))
	assert.Equal(t, int64(0), asInt64(nil))
}
