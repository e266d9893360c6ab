package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modularbot/bot-factory/internal/domain/shared"
)

func TestNewEntry(t *testing.T) {
	e, err := NewEntry("123456789:ABCdefGHIjklMNOpqrSTUvwxYZ", "bot_123456789", 42)
	require.NoError(t, err)

	assert.Equal(t, shared.BotTokenID("123456789"), e.TokenID())
	assert.Equal(t, shared.HandlerName("bot_123456789"), e.HandlerName)
	assert.Equal(t, shared.TelegramID(42), e.CreatedByUserID)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestNewEntry_Invalid(t *testing.T) {
	// Too short and no colon.
	_, err := NewEntry("short", "bot_x", 1)
	assert.ErrorIs(t, err, shared.ErrInvalidBotToken)

	// Handler names are identifiers.
	_, err = NewEntry("123456789:ABCdefGHIjklMNOpqrSTUvwxYZ", "1bad-name", 1)
	assert.ErrorIs(t, err, shared.ErrInvalidHandlerName)
}

func TestNewEntry_SystemCreator(t *testing.T) {
	// Creator 0 marks out-of-band registrations (seeded builtins).
	e, err := NewEntry("987654321:ABCdefGHIjklMNOpqrSTUvwxYZ", "architect", 0)
	require.NoError(t, err)
	assert.Equal(t, shared.TelegramID(0), e.CreatedByUserID)
}
