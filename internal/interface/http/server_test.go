package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modularbot/bot-factory/internal/application/analytics"
	"github.com/modularbot/bot-factory/internal/domain/flow"
	"github.com/modularbot/bot-factory/internal/domain/funnel"
	"github.com/modularbot/bot-factory/internal/domain/handler"
	"github.com/modularbot/bot-factory/internal/domain/shared"
	"github.com/modularbot/bot-factory/internal/infrastructure/external/telegram"
)

const testToken = "123456789:AAtestTOKENtestTOKEN"

// ─────────────────────────────────────────────────────────────────────────────
// Fakes
// ─────────────────────────────────────────────────────────────────────────────

type fakeDispatcher struct {
	mu      sync.Mutex
	tokens  []shared.BotToken
	updates []*telegram.Update
}

func (d *fakeDispatcher) HandleUpdate(_ context.Context, token shared.BotToken, update *telegram.Update) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	d.updates = append(d.updates, update)
}

func (d *fakeDispatcher) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

type widgetHandler struct {
	name   string
	widget handler.Widget
	panics bool
}

func (h *widgetHandler) Name() shared.HandlerName { return shared.HandlerName(h.name) }
func (h *widgetHandler) Capabilities() handler.Capabilities {
	return handler.Capabilities{HasWidget: true}
}

func (h *widgetHandler) Widget() handler.Widget {
	if h.panics {
		panic("widget exploded")
	}
	return h.widget
}

func (h *widgetHandler) HandleMessage(context.Context, *handler.MessageContext) (*handler.Reply, error) {
	return nil, nil
}

func (h *widgetHandler) HandleCallback(context.Context, *handler.MessageContext) (*handler.Reply, error) {
	return nil, nil
}

type fakeWidgets struct {
	handlers []handler.Handler
}

func (f *fakeWidgets) Handlers() []handler.Handler { return f.handlers }
func (f *fakeWidgets) Count() int                  { return len(f.handlers) }

type fakePinger struct{ err error }

func (p *fakePinger) Ping(context.Context) error { return p.err }

type stubFlows struct {
	flow.Repository
}

func (s *stubFlows) CountStages(context.Context, time.Time, flow.Window) (*flow.StageCounts, error) {
	return &flow.StageCounts{
		ReachedStage: map[shared.Stage]int64{shared.StageStarted: 10, shared.StageActivated: 3},
		Total:        10,
	}, nil
}

func (s *stubFlows) UserBreakdown(context.Context, time.Time, shared.Stage, int) ([]flow.UserFunnelStat, error) {
	return []flow.UserFunnelStat{{UserID: 7, MaxStage: 2, Attempts: 1}}, nil
}

type stubEvents struct {
	funnel.EventRepository
}

func (s *stubEvents) TopErrors(context.Context, time.Time, int) ([]funnel.ErrorCount, error) {
	return []funnel.ErrorCount{{Reason: "synthesis_quota", Count: 4}}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Fixture
// ─────────────────────────────────────────────────────────────────────────────

type fixture struct {
	server     *Server
	dispatcher *fakeDispatcher
	pinger     *fakePinger
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	cfg := DefaultConfig()
	cfg.APIRateLimit = 0
	if mutate != nil {
		mutate(&cfg)
	}

	svc := analytics.NewService(&stubFlows{}, &stubEvents{}, nil)
	t.Cleanup(svc.Close)

	dispatcher := &fakeDispatcher{}
	pinger := &fakePinger{}
	server := NewServer(cfg, Dependencies{
		Dispatcher: dispatcher,
		Widgets: &fakeWidgets{handlers: []handler.Handler{
			&widgetHandler{name: "architect", widget: handler.Widget{
				Title: "Architect", Value: "2", Label: "active conversations", Status: handler.WidgetInfo, Icon: "🧙",
			}},
		}},
		Analytics: svc,
		Pinger:    pinger,
	})

	return &fixture{server: server, dispatcher: dispatcher, pinger: pinger}
}

func (f *fixture) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for k, v := range header {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, r)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Webhook
// ─────────────────────────────────────────────────────────────────────────────

func TestWebhook_DispatchesAndAcks(t *testing.T) {
	f := newFixture(t, nil)

	update := `{"update_id":1,"message":{"message_id":2,"text":"hi","chat":{"id":100,"type":"private"},"from":{"id":7,"first_name":"Dana"}}}`
	w := f.do(http.MethodPost, "/"+testToken, update, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())

	require.Equal(t, 1, f.dispatcher.calls())
	assert.Equal(t, shared.BotToken(testToken), f.dispatcher.tokens[0])
	assert.Equal(t, "hi", f.dispatcher.updates[0].Message.Text)
}

func TestWebhook_MalformedTokenStillAcks(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodPost, "/short", `{"update_id":1}`, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
	assert.Zero(t, f.dispatcher.calls())
}

func TestWebhook_UndecodableBodyStillAcks(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodPost, "/"+testToken, `{{{`, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
	assert.Zero(t, f.dispatcher.calls())
}

// ─────────────────────────────────────────────────────────────────────────────
// Health
// ─────────────────────────────────────────────────────────────────────────────

func TestHealth_Healthy(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "Bot Factory", body["bot"])
	assert.EqualValues(t, 1, body["plugins"])
}

func TestHealth_DegradedOnPingFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.pinger.err = errors.New("no reachable servers")

	w := f.do(http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", decodeBody(t, w)["status"])
}

// ─────────────────────────────────────────────────────────────────────────────
// Dashboard & widgets
// ─────────────────────────────────────────────────────────────────────────────

func TestDashboard_RendersWidgetCards(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodGet, "/", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "Architect")
	assert.Contains(t, w.Body.String(), "active conversations")
}

func TestWidgets_JSON(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodGet, "/api/widgets", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"Architect"`)
}

func TestWidgets_PanicIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	f.server.deps.Widgets = &fakeWidgets{handlers: []handler.Handler{
		&widgetHandler{name: "bot_bad", panics: true},
		&widgetHandler{name: "bot_ok", widget: handler.Widget{Title: "Survivor", Value: "1"}},
	}}

	w := f.do(http.MethodGet, "/api/widgets", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "bot_bad")
	assert.Contains(t, w.Body.String(), "Survivor")
}

// ─────────────────────────────────────────────────────────────────────────────
// Funnel API auth
// ─────────────────────────────────────────────────────────────────────────────

func TestFunnel_DeniedWithoutConfiguredToken(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodGet, "/api/funnel?days=7", "", nil)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestFunnel_AllowOpenFallback(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AllowOpen = true })

	w := f.do(http.MethodGet, "/api/funnel?days=7&window=start", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.EqualValues(t, 7, body["days"])
	assert.Equal(t, "start", body["window"])
}

func TestFunnel_TokenChecked(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AdminToken = "s3cret" })

	w := f.do(http.MethodGet, "/api/funnel", "", map[string]string{"X-Admin-Token": "wrong"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodGet, "/api/funnel", "", map[string]string{"X-Admin-Token": "s3cret"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestFunnelUsers_ReturnsBreakdown(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AdminToken = "s3cret" })

	w := f.do(http.MethodGet, "/api/funnel/users?days=7&limit=10", "", map[string]string{"X-Admin-Token": "s3cret"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"drop_off_buckets"`)
}

func TestFunnelErrors_ReturnsTopReasons(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AdminToken = "s3cret" })

	w := f.do(http.MethodGet, "/api/funnel/errors?days=7", "", map[string]string{"X-Admin-Token": "s3cret"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "synthesis_quota")
}

func TestFunnel_DisabledFeatureIs404(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.AnalyticsEnabled = false
		c.AllowOpen = true
	})

	w := f.do(http.MethodGet, "/api/funnel", "", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ─────────────────────────────────────────────────────────────────────────────
// Rate limiting
// ─────────────────────────────────────────────────────────────────────────────

func TestRateLimit_AppliesToAPIOnly(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.AllowOpen = true
		c.APIRateLimit = 1
		c.APIRateBurst = 0
	})

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/widgets", "", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(http.MethodGet, "/api/widgets", "", nil).Code)

	// Webhook traffic is exempt.
	update := `{"update_id":1}`
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/"+testToken, update, nil).Code)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Misc
// ─────────────────────────────────────────────────────────────────────────────

func TestRequestID_Assigned(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodGet, "/health", "", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = f.do(http.MethodGet, "/health", "", map[string]string{"X-Request-ID": "fixed-id"})
	assert.Equal(t, "fixed-id", w.Header().Get("X-Request-ID"))
}
