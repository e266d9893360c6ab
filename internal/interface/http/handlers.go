package http

import (
	"context"
	"encoding/json"
	"html/template"
	"net/http"
	"time"

	"github.com/modularbot/bot-factory/internal/domain/flow"
	"github.com/modularbot/bot-factory/internal/domain/handler"
	"github.com/modularbot/bot-factory/internal/domain/shared"
	"github.com/modularbot/bot-factory/internal/infrastructure/external/telegram"
	"github.com/modularbot/bot-factory/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// WEBHOOK
// ══════════════════════════════════════════════════════════════════════════════

// handleWebhook is the per-tenant entry point: POST /{token}. It always
// answers {"ok":true} — any other status makes Telegram re-deliver the
// update against a dispatcher that has already acted on it.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ack := func() { writeJSON(w, http.StatusOK, map[string]bool{"ok": true}) }

	token, err := shared.NewBotToken(r.PathValue("token"))
	if err != nil {
		s.logger.Debug("webhook with malformed token dropped")
		ack()
		return
	}

	var update telegram.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.logger.Warn("webhook body is not a Telegram update",
			logger.TokenID(token.TokenID().String()), logger.Err(err))
		ack()
		return
	}

	// Synchronous to completion: a webhook request performs all its
	// outbound I/O before acknowledging.
	s.deps.Dispatcher.HandleUpdate(r.Context(), token, &update)
	ack()
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.deps.Pinger.Ping(ctx); err != nil {
			s.logger.Warn("health check: persistence unreachable", logger.Err(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status": "degraded",
				"bot":    s.config.BotName,
			})
			return
		}
	}

	payload := map[string]interface{}{
		"status": "healthy",
		"bot":    s.config.BotName,
	}
	if s.deps.Widgets != nil {
		payload["plugins"] = s.deps.Widgets.Count()
	}
	writeJSON(w, http.StatusOK, payload)
}

// ══════════════════════════════════════════════════════════════════════════════
// DASHBOARD & WIDGETS
// ══════════════════════════════════════════════════════════════════════════════

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.BotName}}</title>
<style>
body{font-family:system-ui,sans-serif;background:#111;color:#eee;margin:0;padding:2rem}
h1{font-weight:600}
.grid{display:grid;grid-template-columns:repeat(auto-fill,minmax(220px,1fr));gap:1rem}
.card{background:#1d1d1f;border-radius:10px;padding:1rem}
.card .value{font-size:1.8rem;font-weight:700;margin:.3rem 0}
.card .label{color:#999;font-size:.85rem}
.success .value{color:#4ade80}.warning .value{color:#fbbf24}
.danger .value{color:#f87171}.info .value{color:#60a5fa}
</style>
</head>
<body>
<h1>{{.BotName}}</h1>
<div class="grid">
{{range .Widgets}}<div class="card {{.Status}}">
<div>{{.Icon}} {{.Title}}</div>
<div class="value">{{.Value}}</div>
<div class="label">{{.Label}}</div>
</div>
{{end}}</div>
</body>
</html>
`))

type dashboardData struct {
	BotName string
	Widgets []handler.Widget
}

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := dashboardTmpl.Execute(w, dashboardData{
		BotName: s.config.BotName,
		Widgets: s.collectWidgets(),
	})
	if err != nil {
		s.logger.Error("dashboard render failed", logger.Err(err))
	}
}

func (s *Server) handleWidgets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"widgets": s.collectWidgets(),
	})
}

// collectWidgets gathers one card per loaded handler that exposes a
// widget. A panicking widget is logged and skipped; it must not take
// the dashboard down with it.
func (s *Server) collectWidgets() []handler.Widget {
	widgets := make([]handler.Widget, 0)
	if s.deps.Widgets == nil {
		return widgets
	}
	for _, h := range s.deps.Widgets.Handlers() {
		if !h.Capabilities().HasWidget {
			continue
		}
		if widget, ok := s.safeWidget(h); ok {
			widgets = append(widgets, widget)
		}
	}
	return widgets
}

func (s *Server) safeWidget(h handler.Handler) (widget handler.Widget, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("widget skipped",
				logger.HandlerName(h.Name().String()), logger.Any("panic", r))
			ok = false
		}
	}()
	return h.Widget(), true
}

// ══════════════════════════════════════════════════════════════════════════════
// FUNNEL ANALYTICS API
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleFunnel(w http.ResponseWriter, r *http.Request) {
	days := getQueryParamInt(r, "days", 0)
	window := flow.Window(r.URL.Query().Get("window"))

	report, err := s.deps.Analytics.Funnel(r.Context(), days, window)
	if err != nil {
		s.logger.Error("funnel report failed", logger.Err(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "funnel report failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleFunnelUsers(w http.ResponseWriter, r *http.Request) {
	days := getQueryParamInt(r, "days", 0)
	stage := getQueryParamInt(r, "stage", 0)
	limit := getQueryParamInt(r, "limit", 0)

	report, err := s.deps.Analytics.Users(r.Context(), days, shared.Stage(stage), limit)
	if err != nil {
		s.logger.Error("funnel users report failed", logger.Err(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "user report failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleFunnelErrors(w http.ResponseWriter, r *http.Request) {
	days := getQueryParamInt(r, "days", 0)

	report, err := s.deps.Analytics.Errors(r.Context(), days)
	if err != nil {
		s.logger.Error("funnel errors report failed", logger.Err(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "errors report failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
