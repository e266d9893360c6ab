package flow

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modularbot/bot-factory/internal/domain/shared"
)

func TestNewBotFlow(t *testing.T) {
	f, err := NewBotFlow(shared.TelegramID(42))
	require.NoError(t, err)

	assert.True(t, f.ID.IsValid())
	assert.Equal(t, shared.TelegramID(42), f.UserID)
	assert.Equal(t, shared.TelegramID(42), f.CreatorID)
	assert.Equal(t, StatusWaitingToken, f.Status)
	assert.Equal(t, shared.StageStarted, f.CurrentStage)
	assert.True(t, f.InFlight())
	assert.Contains(t, f.StageTimes, shared.StageStarted)
}

func TestNewBotFlow_InvalidUser(t *testing.T) {
	_, err := NewBotFlow(0)
	assert.Error(t, err)
}

func TestAdvanceStage_Guardrail(t *testing.T) {
	f, err := NewBotFlow(1)
	require.NoError(t, err)

	require.NoError(t, f.AdvanceStage(shared.StageTokenAccepted, StatusWaitingDescription))
	assert.Equal(t, shared.StageTokenAccepted, f.CurrentStage)

	// Same stage again is a regression.
	err = f.AdvanceStage(shared.StageTokenAccepted, StatusWaitingDescription)
	assert.ErrorIs(t, err, shared.ErrStageRegression)

	// Going backwards is a regression.
	err = f.AdvanceStage(shared.StageStarted, StatusStarted)
	assert.ErrorIs(t, err, shared.ErrStageRegression)

	// Skipping ahead is fine: stage only has to increase.
	require.NoError(t, f.AdvanceStage(shared.StageCreated, StatusCreated))
	assert.Equal(t, shared.StageCreated, f.CurrentStage)
}

func TestAdvanceStage_MonotonicUnderRandomSequences(t *testing.T) {
	// Property: for any sequence of stage updates, current_stage never
	// decreases until a terminal status is set.
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		f, err := NewBotFlow(shared.TelegramID(rng.Int63n(1_000_000) + 1))
		require.NoError(t, err)

		prev := f.CurrentStage
		for j := 0; j < 20; j++ {
			stage := shared.Stage(rng.Intn(7)) // includes out-of-range values
			_ = f.AdvanceStage(stage, StatusCreating)

			assert.GreaterOrEqual(t, f.CurrentStage, prev,
				"stage regressed from %d via update %d", prev, stage)
			prev = f.CurrentStage
		}
	}
}

func TestAdvanceStage_AfterTerminal(t *testing.T) {
	f, err := NewBotFlow(1)
	require.NoError(t, err)
	require.NoError(t, f.Fail("synthesis_failed"))

	err = f.AdvanceStage(shared.StageCreated, StatusCreated)
	assert.ErrorIs(t, err, shared.ErrFlowAlreadyFinal)
}

func TestAcceptToken(t *testing.T) {
	f, err := NewBotFlow(1)
	require.NoError(t, err)

	require.NoError(t, f.AcceptToken(shared.BotTokenID("123456789")))
	assert.Equal(t, shared.StageTokenAccepted, f.CurrentStage)
	assert.Equal(t, StatusWaitingDescription, f.Status)
	assert.Equal(t, shared.BotTokenID("123456789"), f.BotTokenID)
}

func TestFail_CarriesAnyStage(t *testing.T) {
	f, err := NewBotFlow(1)
	require.NoError(t, err)
	require.NoError(t, f.AdvanceStage(shared.StageDescriptionSubmitted, StatusCreating))

	require.NoError(t, f.Fail("provider_unavailable"))
	assert.Equal(t, StatusFailed, f.Status)
	assert.Equal(t, FinalFailed, f.FinalStatus)
	assert.Equal(t, "provider_unavailable", f.FailReason)
	assert.Equal(t, shared.StageDescriptionSubmitted, f.CurrentStage)
	assert.False(t, f.CompletedAt.IsZero())

	// Double-fail is rejected.
	assert.ErrorIs(t, f.Fail("again"), shared.ErrFlowAlreadyFinal)
}

func TestCancel(t *testing.T) {
	f, err := NewBotFlow(1)
	require.NoError(t, err)

	require.NoError(t, f.Cancel())
	assert.Equal(t, FinalCancelled, f.FinalStatus)
	assert.ErrorIs(t, f.Cancel(), shared.ErrFlowAlreadyFinal)
}

func TestActivate(t *testing.T) {
	f, err := NewBotFlow(1)
	require.NoError(t, err)
	require.NoError(t, f.AdvanceStage(shared.StageCreated, StatusCreated))

	require.NoError(t, f.Activate())
	assert.Equal(t, StatusActivated, f.Status)
	assert.Equal(t, FinalActivated, f.FinalStatus)
	assert.Equal(t, shared.StageActivated, f.CurrentStage)
	assert.Contains(t, f.StageTimes, shared.StageActivated)

	// At-most-once.
	assert.ErrorIs(t, f.Activate(), shared.ErrFlowAlreadyFinal)
}

func TestConversation_Expiry(t *testing.T) {
	c := NewConversation("f-1")
	assert.False(t, c.Expired(time.Now().UTC()))
	assert.True(t, c.Expired(time.Now().UTC().Add(ConversationTTL+time.Second)))
}

func TestConversation_HoldAndDropToken(t *testing.T) {
	c := NewConversation("f-1")
	c.HoldToken(shared.BotToken("123456789:ABCdefGHIjklMNOpqrSTUvwxYZ"))

	assert.Equal(t, StatusWaitingDescription, c.State)
	assert.NotEmpty(t, c.Token)

	c.DropToken()
	assert.Empty(t, c.Token)
}

func TestRecovered_DropsUnrecoverableToken(t *testing.T) {
	f, err := NewBotFlow(1)
	require.NoError(t, err)
	require.NoError(t, f.AcceptToken("123456789"))

	c := Recovered(f)
	// The full token only ever lived in memory, so recovery backs off to
	// asking for it again.
	assert.Equal(t, StatusWaitingToken, c.State)
	assert.Equal(t, f.ID, c.FlowID)
	assert.Empty(t, c.Token)
}
