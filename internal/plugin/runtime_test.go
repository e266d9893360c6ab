package plugin

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modularbot/bot-factory/internal/domain/handler"
	"github.com/modularbot/bot-factory/internal/domain/shared"
)

// ─────────────────────────────────────────────────────────────────────────────
// Fakes
// ─────────────────────────────────────────────────────────────────────────────

type memStateStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemStateStore() *memStateStore {
	return &memStateStore{blobs: make(map[string][]byte)}
}

func (s *memStateStore) key(name shared.HandlerName, userID int64, key string) string {
	return name.String() + ":" + strconv.FormatInt(userID, 10) + ":" + key
}

func (s *memStateStore) Save(_ context.Context, name shared.HandlerName, userID int64, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[s.key(name, userID, key)] = value
	return nil
}

func (s *memStateStore) Load(_ context.Context, name shared.HandlerName, userID int64, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blobs[s.key(name, userID, key)], nil
}

func (s *memStateStore) DeleteByHandler(_ context.Context, name shared.HandlerName) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k := range s.blobs {
		if strings.HasPrefix(k, name.String()+":") {
			delete(s.blobs, k)
			n++
		}
	}
	return n, nil
}

type fakeActions struct {
	mu      sync.Mutex
	sent    []string
	deleted []int64
	muted   []shared.TelegramID
	admin   bool
}

func (a *fakeActions) SendMessage(_ context.Context, _ int64, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, text)
	return nil
}
func (a *fakeActions) DeleteMessage(_ context.Context, _ int64, messageID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted = append(a.deleted, messageID)
	return nil
}
func (a *fakeActions) Kick(context.Context, int64, shared.TelegramID) error { return nil }
func (a *fakeActions) Ban(context.Context, int64, shared.TelegramID) error  { return nil }
func (a *fakeActions) Mute(_ context.Context, _ int64, userID shared.TelegramID, _ int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.muted = append(a.muted, userID)
	return nil
}
func (a *fakeActions) Unmute(context.Context, int64, shared.TelegramID) error { return nil }
func (a *fakeActions) IsAdmin(context.Context, int64, shared.TelegramID) (bool, error) {
	return a.admin, nil
}

func mustHandler(t *testing.T, source string, states handler.StateStore) *JSHandler {
	t.Helper()
	h, err := NewJSHandler("testbot", source, states, nil)
	require.NoError(t, err)
	return h
}

// ─────────────────────────────────────────────────────────────────────────────
// Tests
// ─────────────────────────────────────────────────────────────────────────────

func TestNewJSHandler_ProbesCapabilities(t *testing.T) {
	h := mustHandler(t, `function handle_message(text) { return text; }`, nil)

	caps := h.Capabilities()
	assert.True(t, caps.HasHandleMessage)
	assert.False(t, caps.HasWidget)
	assert.False(t, caps.HasHandleCallback)
	assert.Equal(t, shared.HandlerName("testbot"), h.Name())
}

func TestNewJSHandler_RejectsEmptySource(t *testing.T) {
	_, err := NewJSHandler("testbot", `var x = 1;`, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrHandlerLoadFailed)
}

func TestNewJSHandler_RejectsTopLevelThrow(t *testing.T) {
	_, err := NewJSHandler("testbot", `throw new Error("boom");`, nil, nil)
	require.Error(t, err)
}

func TestHandleMessage_StringReply(t *testing.T) {
	h := mustHandler(t, `
function handle_message(text, user_id, ctx) {
    return "hello " + ctx.first_name + " (" + user_id + ")";
}`, nil)

	reply, err := h.HandleMessage(context.Background(), &handler.MessageContext{
		ChatID:    42,
		UserID:    7,
		FirstName: "Alice",
		Text:      "hi",
	})
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "hello Alice (7)", reply.Text)
}

func TestHandleMessage_StructuredReply(t *testing.T) {
	h := mustHandler(t, `
function handle_message(text) {
    return {
        text: "pick one",
        parse_mode: "HTML",
        reply_markup: [[{text: "A", callback_data: "a"}, {text: "B", callback_data: "b"}]]
    };
}`, nil)

	reply, err := h.HandleMessage(context.Background(), &handler.MessageContext{ChatID: 1, UserID: 1, Text: "go"})
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "pick one", reply.Text)
	assert.Equal(t, "HTML", reply.ParseMode)
	require.Len(t, reply.Keyboard, 1)
	require.Len(t, reply.Keyboard[0], 2)
	assert.Equal(t, handler.Button{Text: "A", CallbackData: "a"}, reply.Keyboard[0][0])
	assert.Equal(t, handler.Button{Text: "B", CallbackData: "b"}, reply.Keyboard[0][1])
}

func TestHandleMessage_WrappedReplyMarkup(t *testing.T) {
	h := mustHandler(t, `
function handle_message(text) {
    return {text: "t", reply_markup: {inline_keyboard: [[{text: "X", callback_data: "x"}]]}};
}`, nil)

	reply, err := h.HandleMessage(context.Background(), &handler.MessageContext{ChatID: 1, UserID: 1, Text: "go"})
	require.NoError(t, err)
	require.Len(t, reply.Keyboard, 1)
	assert.Equal(t, "X", reply.Keyboard[0][0].Text)
}

func TestHandleMessage_NullMeansSilent(t *testing.T) {
	h := mustHandler(t, `function handle_message(text) { return null; }`, nil)

	reply, err := h.HandleMessage(context.Background(), &handler.MessageContext{ChatID: 1, UserID: 1, Text: "x"})
	assert.NoError(t, err)
	assert.Nil(t, reply)
}

func TestHandleMessage_UndefinedMeansSilent(t *testing.T) {
	h := mustHandler(t, `function handle_message(text) { }`, nil)

	reply, err := h.HandleMessage(context.Background(), &handler.MessageContext{ChatID: 1, UserID: 1, Text: "x"})
	assert.NoError(t, err)
	assert.Nil(t, reply)
}

func TestHandleMessage_ThrowBecomesFault(t *testing.T) {
	h := mustHandler(t, `function handle_message(text) { throw new Error("kaboom"); }`, nil)

	_, err := h.HandleMessage(context.Background(), &handler.MessageContext{ChatID: 1, UserID: 1, Text: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrHandlerFaulted)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestHandleCallback_TwoArgumentContract(t *testing.T) {
	h := mustHandler(t, `
function handle_callback(data, user_id) {
    return data + "|" + user_id;
}`, nil)

	reply, err := h.HandleCallback(context.Background(), &handler.MessageContext{
		ChatID:       5,
		UserID:       9,
		CallbackID:   "cb123",
		CallbackData: "vote_yes",
	})
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "vote_yes|9", reply.Text)
}

func TestHandleCallback_NotDefinedIsSilent(t *testing.T) {
	h := mustHandler(t, `function handle_message(text) { return text; }`, nil)

	reply, err := h.HandleCallback(context.Background(), &handler.MessageContext{ChatID: 1, UserID: 1})
	assert.NoError(t, err)
	assert.Nil(t, reply)
}

func TestContextCapabilities_BoundToActions(t *testing.T) {
	actions := &fakeActions{admin: true}
	h := mustHandler(t, `
function handle_message(text, user_id, ctx) {
    if (!ctx.is_admin(user_id)) {
        return "not admin";
    }
    ctx.reply("direct message");
    ctx.delete_message(ctx.message_id);
    ctx.mute_user(user_id, 60);
    return null;
}`, nil)

	reply, err := h.HandleMessage(context.Background(), &handler.MessageContext{
		ChatID:    10,
		UserID:    20,
		MessageID: 30,
		IsGroup:   true,
		Actions:   actions,
	})
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Equal(t, []string{"direct message"}, actions.sent)
	assert.Equal(t, []int64{30}, actions.deleted)
	assert.Equal(t, []shared.TelegramID{20}, actions.muted)
}

func TestContextCapabilities_NilActionsAreNoOps(t *testing.T) {
	h := mustHandler(t, `
function handle_message(text, user_id, ctx) {
    ctx.reply("ignored");
    return ctx.is_admin(user_id) ? "admin" : "not admin";
}`, nil)

	reply, err := h.HandleMessage(context.Background(), &handler.MessageContext{ChatID: 1, UserID: 1, Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, "not admin", reply.Text)
}

func TestStateBridge_RoundTrip(t *testing.T) {
	states := newMemStateStore()
	h := mustHandler(t, `
function handle_message(text, user_id) {
    var raw = __host_load_state(user_id, "counter");
    var count = 0;
    if (raw !== null && raw !== undefined) {
        count = JSON.parse(raw);
    }
    count++;
    __host_save_state(user_id, "counter", JSON.stringify(count));
    return "count=" + count;
}`, states)

	ctx := context.Background()
	mc := &handler.MessageContext{ChatID: 77, UserID: 501, Text: "tick"}

	reply, err := h.HandleMessage(ctx, mc)
	require.NoError(t, err)
	assert.Equal(t, "count=1", reply.Text)

	reply, err = h.HandleMessage(ctx, mc)
	require.NoError(t, err)
	assert.Equal(t, "count=2", reply.Text)

	// A different user starts fresh.
	reply, err = h.HandleMessage(ctx, &handler.MessageContext{ChatID: 77, UserID: 502, Text: "tick"})
	require.NoError(t, err)
	assert.Equal(t, "count=1", reply.Text)
}

func TestWidget_FromScript(t *testing.T) {
	h := mustHandler(t, `
function get_widget() {
    return {title: "Quiz Bot", value: 42, label: "games played", status: "success", icon: "🎲"};
}
function handle_message(text) { return null; }`, nil)

	w := h.Widget()
	assert.Equal(t, "Quiz Bot", w.Title)
	assert.Equal(t, "42", w.Value)
	assert.Equal(t, "games played", w.Label)
	assert.Equal(t, "success", w.Status)
	assert.Equal(t, "🎲", w.Icon)
}

func TestWidget_FallsBackToName(t *testing.T) {
	h := mustHandler(t, `function handle_message(text) { return null; }`, nil)

	w := h.Widget()
	assert.Equal(t, "testbot", w.Title)
}
