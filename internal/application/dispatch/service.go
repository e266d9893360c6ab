// Package dispatch is the webhook fan-out: it takes a decoded Telegram
// update addressed to one bot token, finds the handler responsible and
// returns the reply, containing handler faults to the single update
// that caused them. The HTTP layer always answers {ok:true} to
// Telegram; everything interesting happens here.
package dispatch

import (
	"context"
	"strings"

	"github.com/modularbot/bot-factory/internal/domain/funnel"
	"github.com/modularbot/bot-factory/internal/domain/handler"
	"github.com/modularbot/bot-factory/internal/domain/registry"
	"github.com/modularbot/bot-factory/internal/domain/shared"
	"github.com/modularbot/bot-factory/internal/infrastructure/external/telegram"
	"github.com/modularbot/bot-factory/internal/plugin"
	"github.com/modularbot/bot-factory/pkg/logger"
)

// apologyText is the fixed user-facing reply when a handler faults.
// Never carries internal error detail.
const apologyText = "מצטערים, הבוט נתקל בתקלה. נסו שוב מאוחר יותר 🙏"

// ActivationProbe is notified of every text update on a secondary
// token. Implemented by the creation service (flow activation).
type ActivationProbe interface {
	Probe(ctx context.Context, tokenID shared.BotTokenID, sender shared.TelegramID) error
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVICE
// ══════════════════════════════════════════════════════════════════════════════

// Service routes updates to handlers.
type Service struct {
	primary  shared.BotToken
	telegram *telegram.Client
	registry registry.Repository
	cache    *plugin.Cache
	actions  funnel.ActionRepository
	probe    ActivationProbe
	log      *logger.Logger
}

// NewService creates the dispatcher. actions and probe may be nil when
// telemetry or the creation funnel are disabled.
func NewService(
	primary shared.BotToken,
	tg *telegram.Client,
	reg registry.Repository,
	cache *plugin.Cache,
	actions funnel.ActionRepository,
	probe ActivationProbe,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		primary:  primary,
		telegram: tg,
		registry: reg,
		cache:    cache,
		actions:  actions,
		probe:    probe,
		log:      log.With(logger.Component("dispatch")),
	}
}

// HandleUpdate serves one decoded update for one token. It never
// returns an error for handler-level problems; those are resolved into
// replies (or silence) so the webhook can acknowledge regardless.
func (s *Service) HandleUpdate(ctx context.Context, token shared.BotToken, update *telegram.Update) {
	mc, kind := s.buildContext(token, update)
	if mc == nil {
		return
	}

	s.recordAction(ctx, token, mc, kind)

	if token == s.primary {
		s.dispatchPrimary(ctx, token, mc, kind)
		return
	}
	s.dispatchSecondary(ctx, token, mc, kind)
}

type updateKind int

const (
	kindNone updateKind = iota
	kindMessage
	kindCallback
)

// buildContext decodes the update into a MessageContext. Returns nil
// for update types the factory ignores.
func (s *Service) buildContext(token shared.BotToken, update *telegram.Update) (*handler.MessageContext, updateKind) {
	switch {
	case update == nil:
		return nil, kindNone

	case update.CallbackQuery != nil:
		cq := update.CallbackQuery
		if cq.From == nil || cq.Message == nil || cq.Message.Chat == nil {
			return nil, kindNone
		}
		return &handler.MessageContext{
			BotToken:     token,
			ChatID:       cq.Message.Chat.ID,
			ChatType:     cq.Message.Chat.Type,
			ChatTitle:    cq.Message.Chat.Title,
			UserID:       shared.TelegramID(cq.From.ID),
			Username:     cq.From.Username,
			FirstName:    cq.From.FirstName,
			LastName:     cq.From.LastName,
			CallbackID:   cq.ID,
			CallbackData: cq.Data,
			MessageID:    cq.Message.MessageID,
			IsGroup:      telegram.IsGroupChat(cq.Message),
			IsPrivate:    telegram.IsPrivateChat(cq.Message),
			Actions:      s.telegram.Bind(token),
		}, kindCallback

	case update.Message != nil && update.Message.Text != "":
		msg := update.Message
		if msg.From == nil || msg.Chat == nil {
			return nil, kindNone
		}
		return &handler.MessageContext{
			BotToken:  token,
			ChatID:    msg.Chat.ID,
			ChatType:  msg.Chat.Type,
			ChatTitle: msg.Chat.Title,
			UserID:    shared.TelegramID(msg.From.ID),
			Username:  msg.From.Username,
			FirstName: msg.From.FirstName,
			LastName:  msg.From.LastName,
			Text:      msg.Text,
			MessageID: msg.MessageID,
			IsGroup:   telegram.IsGroupChat(msg),
			IsPrivate: telegram.IsPrivateChat(msg),
			Actions:   s.telegram.Bind(token),
		}, kindMessage

	default:
		// Edits, joins, stickers and the rest are acknowledged and dropped.
		return nil, kindNone
	}
}

// dispatchPrimary serves the factory's own token: every loaded handler
// gets a chance, in sorted name order, and the first non-empty reply
// wins. The creation flow is just one of these handlers.
func (s *Service) dispatchPrimary(ctx context.Context, token shared.BotToken, mc *handler.MessageContext, kind updateKind) {
	for _, h := range s.cache.Handlers() {
		reply, err := s.invoke(ctx, h, mc, kind)
		if err != nil {
			s.log.Error("handler faulted on primary token",
				logger.HandlerName(h.Name().String()),
				logger.UserID(mc.UserID.Int64()),
				logger.Err(err))
			s.send(ctx, token, mc, &handler.Reply{Text: apologyText})
			s.ack(ctx, token, mc, kind)
			return
		}
		if reply != nil {
			s.send(ctx, token, mc, reply)
			s.ack(ctx, token, mc, kind)
			return
		}
	}
	s.ack(ctx, token, mc, kind)
}

// dispatchSecondary serves a registered bot's token.
func (s *Service) dispatchSecondary(ctx context.Context, token shared.BotToken, mc *handler.MessageContext, kind updateKind) {
	entry, err := s.registry.Lookup(ctx, token)
	if err != nil {
		if !shared.IsNotFound(err) {
			s.log.Error("registry lookup failed",
				logger.TokenID(token.TokenID().String()), logger.Err(err))
		} else {
			s.log.Debug("update for unregistered token dropped",
				logger.TokenID(token.TokenID().String()))
		}
		return
	}

	// Any text from any sender may be the creator's first message to
	// their new bot; the probe sorts that out. Only registered tokens
	// get this far, so a stale webhook cannot trigger it.
	if kind == kindMessage && s.probe != nil {
		if err := s.probe.Probe(ctx, token.TokenID(), mc.UserID); err != nil {
			s.log.Warn("activation probe failed",
				logger.TokenID(token.TokenID().String()), logger.Err(err))
		}
	}

	h, err := s.cache.Load(ctx, entry.HandlerName)
	if err != nil {
		// Load failure already triggered quarantine; the update is
		// acknowledged silently.
		s.log.Warn("handler unavailable",
			logger.HandlerName(entry.HandlerName.String()), logger.Err(err))
		return
	}

	reply, err := s.invoke(ctx, h, mc, kind)
	if err != nil {
		s.log.Error("handler faulted",
			logger.HandlerName(entry.HandlerName.String()),
			logger.UserID(mc.UserID.Int64()),
			logger.Err(err))
		s.send(ctx, token, mc, &handler.Reply{Text: apologyText})
		s.ack(ctx, token, mc, kind)
		return
	}
	if reply != nil {
		s.send(ctx, token, mc, reply)
	}
	s.ack(ctx, token, mc, kind)
}

// invoke calls the entry point matching the update kind, consulting the
// capability descriptor first.
func (s *Service) invoke(ctx context.Context, h handler.Handler, mc *handler.MessageContext, kind updateKind) (*handler.Reply, error) {
	caps := h.Capabilities()
	switch kind {
	case kindMessage:
		if !caps.HasHandleMessage {
			return nil, nil
		}
		return h.HandleMessage(ctx, mc)
	case kindCallback:
		if !caps.HasHandleCallback {
			return nil, nil
		}
		return h.HandleCallback(ctx, mc)
	default:
		return nil, nil
	}
}

// send converts a handler reply into one outbound sendMessage call.
func (s *Service) send(ctx context.Context, token shared.BotToken, mc *handler.MessageContext, reply *handler.Reply) {
	params := telegram.SendMessageParams{
		ChatID:            mc.ChatID,
		Text:              reply.Text,
		ParseMode:         reply.ParseMode,
		DisableWebPreview: reply.DisablePreview,
	}
	if len(reply.Keyboard) > 0 {
		markup := &telegram.InlineKeyboardMarkup{}
		for _, row := range reply.Keyboard {
			buttons := make([]telegram.InlineKeyboardButton, 0, len(row))
			for _, b := range row {
				buttons = append(buttons, telegram.InlineKeyboardButton{
					Text:         b.Text,
					CallbackData: b.CallbackData,
					URL:          b.URL,
				})
			}
			markup.InlineKeyboard = append(markup.InlineKeyboard, buttons)
		}
		params.ReplyMarkup = markup
	}

	if _, err := s.telegram.SendMessage(ctx, token, params); err != nil {
		s.log.Error("reply delivery failed",
			logger.ChatID(mc.ChatID), logger.Err(err))
	}
}

// ack stops the inline-keyboard spinner after a callback update.
func (s *Service) ack(ctx context.Context, token shared.BotToken, mc *handler.MessageContext, kind updateKind) {
	if kind != kindCallback || mc.CallbackID == "" {
		return
	}
	if err := s.telegram.AnswerCallbackQuery(ctx, token, mc.CallbackID, "", false); err != nil {
		s.log.Debug("callback ack failed", logger.Err(err))
	}
}

// recordAction writes one telemetry row per inbound update. Best-effort:
// a write failure never affects the response.
func (s *Service) recordAction(ctx context.Context, token shared.BotToken, mc *handler.MessageContext, kind updateKind) {
	if s.actions == nil {
		return
	}

	actionType := funnel.ActionMessage
	switch {
	case kind == kindCallback:
		actionType = funnel.ActionCallback
	case strings.HasPrefix(mc.Text, "/"):
		actionType = funnel.ActionCommand
	}

	action, err := funnel.NewUserAction(mc.UserID, shared.HandlerNameForToken(token.TokenID()), actionType)
	if err != nil {
		return
	}
	if err := s.actions.Record(ctx, action); err != nil {
		s.log.Debug("user action record failed", logger.Err(err))
	}
}
