package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/modularbot/bot-factory/internal/domain/handler"
	"github.com/modularbot/bot-factory/internal/domain/shared"
)

// invokeTimeout bounds one handler invocation. goja is interrupted when
// the budget runs out, so an accidental infinite loop in generated code
// cannot hold a dispatch goroutine forever.
const invokeTimeout = 10 * time.Second

// ══════════════════════════════════════════════════════════════════════════════
// JS HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// JSHandler runs one JavaScript artifact on a dedicated VM. goja VMs are
// not goroutine-safe, so every invocation serializes on the mutex; the
// dispatch layer fans out across handlers, not within one.
type JSHandler struct {
	name   shared.HandlerName
	vm     *goja.Runtime
	mu     sync.Mutex
	caps   handler.Capabilities
	states handler.StateStore
	logger *slog.Logger

	fnWidget   goja.Callable
	fnMessage  goja.Callable
	fnCallback goja.Callable

	// Invocation-scoped values the host bindings read. Guarded by mu,
	// valid only while an invocation holds the lock.
	curCtx context.Context
}

// NewJSHandler compiles a full artifact (preamble plus generated code)
// into a ready handler. The source must already have passed Vet.
func NewJSHandler(name shared.HandlerName, source string, states handler.StateStore, logger *slog.Logger) (*JSHandler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	prog, err := goja.Compile(name.FileName(), source, true)
	if err != nil {
		return nil, shared.WrapError("handler", "Load", shared.ErrInvalidEntity, "compile failed", err)
	}

	h := &JSHandler{
		name:   name,
		vm:     goja.New(),
		states: states,
		logger: logger,
	}
	h.installHostBindings()

	if _, err := h.vm.RunProgram(prog); err != nil {
		return nil, shared.WrapError("handler", "Load", shared.ErrInvalidEntity, "top-level execution failed", err)
	}

	h.probeCapabilities()
	if !h.caps.Any() {
		return nil, shared.WrapError("handler", "Load", shared.ErrInvalidEntity,
			"source defines no entry point", shared.ErrHandlerLoadFailed)
	}

	return h, nil
}

// installHostBindings wires the persistence bridge the preamble calls:
// save_state/load_state delegate here with the handler name baked in.
// Calling them outside an invocation is a no-op.
func (h *JSHandler) installHostBindings() {
	_ = h.vm.Set("__host_save_state", func(userID int64, key string, raw string) {
		if h.states == nil || h.curCtx == nil {
			return
		}
		if err := h.states.Save(h.curCtx, h.name, userID, key, []byte(raw)); err != nil {
			h.logger.Warn("handler state save failed",
				"handler", h.name.String(), "user_id", userID, "key", key, "error", err)
		}
	})
	_ = h.vm.Set("__host_load_state", func(userID int64, key string) goja.Value {
		if h.states == nil || h.curCtx == nil {
			return goja.Null()
		}
		value, err := h.states.Load(h.curCtx, h.name, userID, key)
		if err != nil {
			h.logger.Warn("handler state load failed",
				"handler", h.name.String(), "user_id", userID, "key", key, "error", err)
			return goja.Null()
		}
		if value == nil {
			return goja.Null()
		}
		return h.vm.ToValue(string(value))
	})
}

// probeCapabilities records which entry points the source defined.
// Probed once at load; dispatch consults the descriptor, never re-probes.
func (h *JSHandler) probeCapabilities() {
	if fn, ok := goja.AssertFunction(h.vm.Get("get_widget")); ok {
		h.fnWidget = fn
		h.caps.HasWidget = true
	}
	if fn, ok := goja.AssertFunction(h.vm.Get("handle_message")); ok {
		h.fnMessage = fn
		h.caps.HasHandleMessage = true
	}
	if fn, ok := goja.AssertFunction(h.vm.Get("handle_callback")); ok {
		h.fnCallback = fn
		h.caps.HasHandleCallback = true
	}
}

// Name returns the handler's registry name.
func (h *JSHandler) Name() shared.HandlerName {
	return h.name
}

// Capabilities reports which entry points the artifact defined.
func (h *JSHandler) Capabilities() handler.Capabilities {
	return h.caps
}

// Widget returns the dashboard card.
func (h *JSHandler) Widget() handler.Widget {
	if h.fnWidget == nil {
		return handler.Widget{Title: h.name.String()}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	val, err := h.fnWidget(goja.Undefined())
	if err != nil {
		h.logger.Warn("get_widget failed", "handler", h.name.String(), "error", err)
		return handler.Widget{Title: h.name.String()}
	}

	w := handler.Widget{Title: h.name.String()}
	if obj, ok := val.Export().(map[string]interface{}); ok {
		if s := asString(obj["title"]); s != "" {
			w.Title = s
		}
		w.Value = asString(obj["value"])
		w.Label = asString(obj["label"])
		w.Status = asString(obj["status"])
		w.Icon = asString(obj["icon"])
	}
	return w
}

// HandleMessage serves one text message: handle_message(text, user_id, context).
func (h *JSHandler) HandleMessage(ctx context.Context, mc *handler.MessageContext) (*handler.Reply, error) {
	if h.fnMessage == nil {
		return nil, nil
	}
	return h.invoke(ctx, func() (goja.Value, error) {
		return h.fnMessage(goja.Undefined(),
			h.vm.ToValue(mc.Text),
			h.vm.ToValue(mc.UserID.Int64()),
			h.contextObject(ctx, mc),
		)
	})
}

// HandleCallback serves one inline-keyboard callback: handle_callback(data, user_id).
func (h *JSHandler) HandleCallback(ctx context.Context, mc *handler.MessageContext) (*handler.Reply, error) {
	if h.fnCallback == nil {
		return nil, nil
	}
	return h.invoke(ctx, func() (goja.Value, error) {
		return h.fnCallback(goja.Undefined(),
			h.vm.ToValue(mc.CallbackData),
			h.vm.ToValue(mc.UserID.Int64()),
		)
	})
}

// contextObject builds the per-invocation context argument: the read-only
// update fields plus moderation capabilities bound to the receiving
// bot's token. Must be called with mu held.
func (h *JSHandler) contextObject(ctx context.Context, mc *handler.MessageContext) *goja.Object {
	obj := h.vm.NewObject()

	_ = obj.Set("bot_token", mc.BotToken.String())
	_ = obj.Set("chat_id", mc.ChatID)
	_ = obj.Set("chat_type", mc.ChatType)
	_ = obj.Set("chat_title", mc.ChatTitle)
	_ = obj.Set("message_id", mc.MessageID)
	_ = obj.Set("user_id", mc.UserID.Int64())
	_ = obj.Set("username", mc.Username)
	_ = obj.Set("first_name", mc.FirstName)
	_ = obj.Set("last_name", mc.LastName)
	_ = obj.Set("is_group", mc.IsGroup)
	_ = obj.Set("is_private", mc.IsPrivate)
	_ = obj.Set("sender_is_admin", mc.SenderIsAdmin)

	actions := mc.Actions
	warn := func(op string, err error) {
		if err != nil {
			h.logger.Warn("context capability failed",
				"handler", h.name.String(), "op", op, "chat_id", mc.ChatID, "error", err)
		}
	}

	_ = obj.Set("reply", func(text string) {
		if actions == nil {
			return
		}
		warn("reply", actions.SendMessage(ctx, mc.ChatID, text))
	})
	_ = obj.Set("delete_message", func(messageID int64) {
		if actions == nil {
			return
		}
		if messageID == 0 {
			messageID = mc.MessageID
		}
		warn("delete_message", actions.DeleteMessage(ctx, mc.ChatID, messageID))
	})
	_ = obj.Set("ban_user", func(userID int64) {
		if actions == nil {
			return
		}
		warn("ban_user", actions.Ban(ctx, mc.ChatID, shared.TelegramID(userID)))
	})
	_ = obj.Set("kick_user", func(userID int64) {
		if actions == nil {
			return
		}
		warn("kick_user", actions.Kick(ctx, mc.ChatID, shared.TelegramID(userID)))
	})
	_ = obj.Set("mute_user", func(userID int64, seconds int64) {
		if actions == nil {
			return
		}
		warn("mute_user", actions.Mute(ctx, mc.ChatID, shared.TelegramID(userID), seconds))
	})
	_ = obj.Set("unmute_user", func(userID int64) {
		if actions == nil {
			return
		}
		warn("unmute_user", actions.Unmute(ctx, mc.ChatID, shared.TelegramID(userID)))
	})
	_ = obj.Set("is_admin", func(userID int64) bool {
		if actions == nil {
			return false
		}
		ok, err := actions.IsAdmin(ctx, mc.ChatID, shared.TelegramID(userID))
		warn("is_admin", err)
		return ok
	})

	return obj
}

// invoke serializes on the VM, arms the interrupt timer and converts
// the JS return value into a reply.
func (h *JSHandler) invoke(ctx context.Context, call func() (goja.Value, error)) (*handler.Reply, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.curCtx = ctx
	defer func() { h.curCtx = nil }()

	timer := time.AfterFunc(invokeTimeout, func() {
		h.vm.Interrupt("invocation budget exceeded")
	})
	defer func() {
		timer.Stop()
		h.vm.ClearInterrupt()
	}()

	val, err := call()
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, shared.WrapError("handler", "Invoke", shared.ErrTimeout,
				"invocation interrupted", shared.ErrHandlerFaulted)
		}
		return nil, shared.WrapError("handler", "Invoke", shared.ErrExecutionFault,
			firstLine(err.Error()), shared.ErrHandlerFaulted)
	}

	return convertReply(val)
}

// convertReply maps the contract's return shapes onto a Reply: string,
// {text, parse_mode, reply_markup}, or null/undefined for silence.
func convertReply(val goja.Value) (*handler.Reply, error) {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}

	switch exported := val.Export().(type) {
	case string:
		if exported == "" {
			return nil, nil
		}
		return &handler.Reply{Text: exported}, nil

	case map[string]interface{}:
		reply := &handler.Reply{
			Text:      asString(exported["text"]),
			ParseMode: asString(exported["parse_mode"]),
		}
		if b, ok := exported["disable_preview"].(bool); ok {
			reply.DisablePreview = b
		}
		reply.Keyboard = convertReplyMarkup(exported["reply_markup"])
		if reply.Text == "" && len(reply.Keyboard) == 0 {
			return nil, nil
		}
		return reply, nil

	default:
		return nil, fmt.Errorf("%w: unsupported return type %T",
			shared.ErrHandlerFaulted, exported)
	}
}

// convertReplyMarkup accepts either bare rows of buttons or the Telegram
// {inline_keyboard: rows} wrapper.
func convertReplyMarkup(raw interface{}) [][]handler.Button {
	if wrapper, ok := raw.(map[string]interface{}); ok {
		raw = wrapper["inline_keyboard"]
	}
	rows, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	keyboard := make([][]handler.Button, 0, len(rows))
	for _, rawRow := range rows {
		cells, ok := rawRow.([]interface{})
		if !ok {
			continue
		}
		row := make([]handler.Button, 0, len(cells))
		for _, rawCell := range cells {
			cell, ok := rawCell.(map[string]interface{})
			if !ok {
				continue
			}
			btn := handler.Button{
				Text:         asString(cell["text"]),
				CallbackData: asString(cell["callback_data"]),
				URL:          asString(cell["url"]),
			}
			if btn.Text != "" {
				row = append(row, btn)
			}
		}
		if len(row) > 0 {
			keyboard = append(keyboard, row)
		}
	}
	if len(keyboard) == 0 {
		return nil
	}
	return keyboard
}

// asString renders a JS-exported scalar as a string; numbers are common
// in widget values.
func asString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case int64:
		return fmt.Sprintf("%d", s)
	case float64:
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%g", s)
	default:
		return fmt.Sprint(s)
	}
}
