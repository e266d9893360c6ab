package plugin

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modularbot/bot-factory/internal/domain/handler"
	"github.com/modularbot/bot-factory/internal/domain/registry"
	"github.com/modularbot/bot-factory/internal/domain/shared"
)

// ─────────────────────────────────────────────────────────────────────────────
// Fakes
// ─────────────────────────────────────────────────────────────────────────────

type fakeRegistry struct {
	mu      sync.Mutex
	deleted []shared.HandlerName
}

func (r *fakeRegistry) Lookup(context.Context, shared.BotToken) (*registry.Entry, error) {
	return nil, shared.ErrBotNotRegistered
}
func (r *fakeRegistry) Register(context.Context, *registry.Entry) error { return nil }
func (r *fakeRegistry) Exists(context.Context, shared.BotToken) (bool, error) {
	return false, nil
}
func (r *fakeRegistry) Delete(context.Context, shared.BotToken) error { return nil }
func (r *fakeRegistry) DeleteByHandlerName(_ context.Context, name shared.HandlerName) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, name)
	return 1, nil
}
func (r *fakeRegistry) CountCreatedBy(context.Context, shared.TelegramID, time.Time) (int64, error) {
	return 0, nil
}
func (r *fakeRegistry) List(context.Context, int) ([]*registry.Entry, error) { return nil, nil }
func (r *fakeRegistry) Count(context.Context) (int64, error)                 { return 0, nil }

type capturingBus struct {
	mu     sync.Mutex
	events []shared.Event
}

func (b *capturingBus) Publish(event shared.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *capturingBus) published() []shared.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]shared.Event(nil), b.events...)
}

type cacheFixture struct {
	cache    *Cache
	dir      string
	states   *memStateStore
	registry *fakeRegistry
	bus      *capturingBus
}

func newCacheFixture(t *testing.T) *cacheFixture {
	t.Helper()
	dir := t.TempDir()
	states := newMemStateStore()
	reg := &fakeRegistry{}
	bus := &capturingBus{}
	cache := NewCache(CacheConfig{Dir: dir}, states, reg, bus)
	return &cacheFixture{cache: cache, dir: dir, states: states, registry: reg, bus: bus}
}

func (f *cacheFixture) writeArtifact(t *testing.T, name, source string) {
	t.Helper()
	path := filepath.Join(f.dir, name+".js")
	require.NoError(t, os.WriteFile(path, []byte(source), 0o644))
}

const goodSource = `function handle_message(text) { return "ok: " + text; }`

// ─────────────────────────────────────────────────────────────────────────────
// Tests
// ─────────────────────────────────────────────────────────────────────────────

func TestCache_LoadFromFile(t *testing.T) {
	f := newCacheFixture(t)
	f.writeArtifact(t, "quiz_bot", goodSource)

	h, err := f.cache.Load(context.Background(), "quiz_bot")
	require.NoError(t, err)

	reply, err := h.HandleMessage(context.Background(), &handler.MessageContext{ChatID: 1, Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok: hi", reply.Text)

	// Second load is served from memory even if the file disappears.
	require.NoError(t, os.Remove(filepath.Join(f.dir, "quiz_bot.js")))
	again, err := f.cache.Load(context.Background(), "quiz_bot")
	require.NoError(t, err)
	assert.Same(t, h, again)
}

func TestCache_MissingArtifactQuarantines(t *testing.T) {
	f := newCacheFixture(t)

	_, err := f.cache.Load(context.Background(), "ghost_bot")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrHandlerQuarantined)

	reasons := f.cache.Quarantined()
	assert.Contains(t, reasons[shared.HandlerName("ghost_bot")], "artifact file missing")
}

func TestCache_ForbiddenSourceQuarantines(t *testing.T) {
	f := newCacheFixture(t)
	f.writeArtifact(t, "evil_bot", `function handle_message(t) { return eval(t); }`)

	_, err := f.cache.Load(context.Background(), "evil_bot")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrHandlerQuarantined)

	// The local file is gone, the registry rows and state are purged,
	// and the quarantine event went out.
	_, statErr := os.Stat(filepath.Join(f.dir, "evil_bot.js"))
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, []shared.HandlerName{"evil_bot"}, f.registry.deleted)

	events := f.bus.published()
	require.Len(t, events, 1)
	assert.Equal(t, shared.EventHandlerQuarantined, events[0].EventType())
}

func TestCache_QuarantineIsSticky(t *testing.T) {
	f := newCacheFixture(t)
	f.writeArtifact(t, "broken_bot", `function handle_message(t { return t; }`)

	_, err := f.cache.Load(context.Background(), "broken_bot")
	require.Error(t, err)

	// A second lookup does not retry the load or fire another event.
	_, err = f.cache.Load(context.Background(), "broken_bot")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrHandlerQuarantined)
	assert.Len(t, f.bus.published(), 1)
}

func TestCache_VetSkipsStatePreamble(t *testing.T) {
	f := newCacheFixture(t)
	// A stored artifact legitimately contains __host_* calls above the
	// sentinel; only the generated portion below it is vetted.
	artifact := `"use strict";
var BOT_ID = "counter_bot";
function save_state(user_id, key, value) { __host_save_state(user_id, key, JSON.stringify(value)); }
function load_state(user_id, key, def) { var r = __host_load_state(user_id, key); return r ? JSON.parse(r) : def; }
` + preambleSentinel + `
function handle_message(text, user_id) {
    var n = load_state(user_id, "n", 0);
    n++;
    save_state(user_id, "n", n);
    return "n=" + n;
}`
	f.writeArtifact(t, "counter_bot", artifact)

	h, err := f.cache.Load(context.Background(), "counter_bot")
	require.NoError(t, err)

	reply, err := h.HandleMessage(context.Background(), &handler.MessageContext{ChatID: 3, UserID: 3, Text: "go"})
	require.NoError(t, err)
	assert.Equal(t, "n=1", reply.Text)
}

func TestCache_InstallWritesAndLoads(t *testing.T) {
	f := newCacheFixture(t)

	require.NoError(t, f.cache.Install(context.Background(), "fresh_bot", goodSource))

	data, err := os.ReadFile(filepath.Join(f.dir, "fresh_bot.js"))
	require.NoError(t, err)
	assert.Equal(t, goodSource, string(data))
	assert.Equal(t, 1, f.cache.Count())
}

func TestCache_InstallClearsQuarantine(t *testing.T) {
	f := newCacheFixture(t)
	f.writeArtifact(t, "flaky_bot", `not even javascript {{{`)

	_, err := f.cache.Load(context.Background(), "flaky_bot")
	require.Error(t, err)
	assert.NotEmpty(t, f.cache.Quarantined())

	require.NoError(t, f.cache.Install(context.Background(), "flaky_bot", goodSource))
	assert.Empty(t, f.cache.Quarantined())

	_, err = f.cache.Load(context.Background(), "flaky_bot")
	assert.NoError(t, err)
}

func TestCache_SyncLoadsDirectory(t *testing.T) {
	f := newCacheFixture(t)
	f.writeArtifact(t, "bot_a", goodSource)
	f.writeArtifact(t, "bot_b", goodSource)
	f.writeArtifact(t, "bot_c", `syntactically (((((`)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "README.md"), []byte("notes"), 0o644))

	loaded, failed, err := f.cache.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)
	assert.Equal(t, 1, failed)

	assert.Equal(t, []shared.HandlerName{"bot_a", "bot_b"}, f.cache.Names())
}

func TestCache_SyncEvictsRemovedArtifacts(t *testing.T) {
	f := newCacheFixture(t)
	f.writeArtifact(t, "bot_a", goodSource)
	f.writeArtifact(t, "bot_b", goodSource)
	_, _, err := f.cache.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, []shared.HandlerName{"bot_a", "bot_b"}, f.cache.Names())

	require.NoError(t, os.Remove(filepath.Join(f.dir, "bot_b.js")))

	loaded, failed, err := f.cache.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, loaded)
	assert.Zero(t, failed)

	assert.Equal(t, []shared.HandlerName{"bot_a"}, f.cache.Names())
	assert.Contains(t, f.registry.deleted, shared.HandlerName("bot_b"))
	// Not quarantined: a reinstated file reloads on the next pass.
	assert.Empty(t, f.cache.Quarantined())
}

func TestCache_SyncMissingDirIsEmpty(t *testing.T) {
	cache := NewCache(CacheConfig{Dir: filepath.Join(t.TempDir(), "nope")}, nil, nil, nil)

	loaded, failed, err := cache.Sync(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, loaded)
	assert.Zero(t, failed)
}

func TestCache_BuiltinShadowsFile(t *testing.T) {
	f := newCacheFixture(t)
	status := NewStatusHandler(f.cache)
	f.cache.RegisterBuiltin(status)

	h, err := f.cache.Load(context.Background(), StatusHandlerName)
	require.NoError(t, err)
	assert.True(t, h.Capabilities().HasWidget)
	assert.False(t, h.Capabilities().HasHandleMessage)

	w := h.Widget()
	assert.Equal(t, "Factory Status", w.Title)
	assert.Equal(t, "1", w.Value)
	assert.Equal(t, handler.WidgetSuccess, w.Status)
}
