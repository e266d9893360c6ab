// Package creation implements the bot-creation funnel: the dialogue on
// the factory's primary bot that takes a user from "I want a bot" to a
// registered, webhook-connected handler. The service is itself a
// handler (the `architect` builtin) so dispatch treats it like any
// other plugin.
package creation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/modularbot/bot-factory/internal/domain/flow"
	"github.com/modularbot/bot-factory/internal/domain/funnel"
	"github.com/modularbot/bot-factory/internal/domain/handler"
	"github.com/modularbot/bot-factory/internal/domain/registry"
	"github.com/modularbot/bot-factory/internal/domain/shared"
	"github.com/modularbot/bot-factory/internal/infrastructure/external/github"
	"github.com/modularbot/bot-factory/internal/infrastructure/external/telegram"
	"github.com/modularbot/bot-factory/pkg/logger"
	"github.com/modularbot/bot-factory/pkg/timeutil"
	"github.com/modularbot/bot-factory/pkg/ttlcache"
)

// ArchitectName is the registry name of the creation-flow builtin.
const ArchitectName = shared.HandlerName("architect")

const (
	// registrationWindow is the rolling window of the per-user limit.
	registrationWindow = 24 * time.Hour

	// defaultRegistrationLimit is successful registrations per user per window.
	defaultRegistrationLimit = 2

	// inProgressTTL bounds the double-submit guard on a token.
	inProgressTTL = 180 * time.Second
)

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// Synthesizer produces a ready-to-install handler artifact from a
// natural-language description. Implemented by the synth service.
type Synthesizer interface {
	Synthesize(ctx context.Context, name shared.HandlerName, instruction string) (string, error)
}

// HandlerInstaller persists an artifact locally and loads it.
// Implemented by the plugin cache.
type HandlerInstaller interface {
	Install(ctx context.Context, name shared.HandlerName, source string) error
}

// ArtifactStore is the durable remote copy of handler artifacts.
// Implemented by the GitHub client. May be nil when unconfigured.
type ArtifactStore interface {
	Exists(ctx context.Context, name string) (bool, error)
	Save(ctx context.Context, name string, content []byte, message string) (*github.File, error)
}

// BotAPI is the slice of the Telegram client the flow needs: probing a
// submitted token and installing the new bot's webhook.
type BotAPI interface {
	GetMe(ctx context.Context, token shared.BotToken) (*telegram.User, error)
	InstallWebhook(ctx context.Context, token shared.BotToken, url string) error
}

// Config carries the flow's operational settings.
type Config struct {
	// ExternalURL is the public base URL webhooks point at.
	ExternalURL string

	// AdminChatID identifies the operator; exempt from the rate limit
	// and the only user allowed to run /stats.
	AdminChatID shared.TelegramID

	// RegistrationLimit overrides the per-24h cap; 0 means the default.
	RegistrationLimit int64
}

// Deps bundles the service's collaborators.
type Deps struct {
	Flows     flow.Repository
	Events    funnel.EventRepository
	Registry  registry.Repository
	Synth     Synthesizer
	Installer HandlerInstaller
	Artifacts ArtifactStore
	Telegram  BotAPI
	Bus       shared.EventPublisher
	Logger    *logger.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVICE
// ══════════════════════════════════════════════════════════════════════════════

// Service drives creation flows. It implements handler.Handler and is
// registered in the plugin cache under ArchitectName.
type Service struct {
	cfg  Config
	deps Deps
	log  *logger.Logger

	// conversations maps user ID to dialogue state. Entries idle past
	// flow.ConversationTTL are dropped; the durable flow row survives
	// and /create_bot resumes it.
	convMu        sync.Mutex
	conversations *ttlcache.Cache[int64, *flow.Conversation]

	// inProgress squashes double-submits of the same token while a
	// creation is running.
	inProgress *ttlcache.Cache[shared.BotTokenID, time.Time]
}

// NewService creates the creation-flow service.
func NewService(cfg Config, deps Deps) *Service {
	if cfg.RegistrationLimit <= 0 {
		cfg.RegistrationLimit = defaultRegistrationLimit
	}
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		cfg:           cfg,
		deps:          deps,
		log:           log.With(logger.Component("creation")),
		conversations: ttlcache.New[int64, *flow.Conversation](flow.ConversationTTL),
		inProgress:    ttlcache.New[shared.BotTokenID, time.Time](inProgressTTL),
	}
}

// Close releases the service's background timers.
func (s *Service) Close() {
	s.conversations.Close()
	s.inProgress.Close()
}

// SweepConversations drops expired dialogue state. Called by the
// scheduler; returns the number of entries removed.
func (s *Service) SweepConversations() int {
	return s.conversations.Sweep() + s.inProgress.Sweep()
}

// ActiveConversations returns the number of live dialogues.
func (s *Service) ActiveConversations() int {
	return s.conversations.Len()
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER INTERFACE
// ══════════════════════════════════════════════════════════════════════════════

// Name implements handler.Handler.
func (s *Service) Name() shared.HandlerName { return ArchitectName }

// Capabilities implements handler.Handler.
func (s *Service) Capabilities() handler.Capabilities {
	return handler.Capabilities{HasWidget: true, HasHandleMessage: true, HasHandleCallback: true}
}

// Widget implements handler.Handler.
func (s *Service) Widget() handler.Widget {
	return handler.Widget{
		Title:  "Architect",
		Value:  strconv.Itoa(s.ActiveConversations()),
		Label:  "active conversations",
		Status: handler.WidgetInfo,
		Icon:   "🧙",
	}
}

// HandleMessage implements handler.Handler: the command surface of the
// primary bot plus the stateful token/description dialogue.
func (s *Service) HandleMessage(ctx context.Context, mc *handler.MessageContext) (*handler.Reply, error) {
	text := strings.TrimSpace(mc.Text)

	switch extractCommand(text) {
	case "start":
		s.dropConversation(mc.UserID.Int64())
		return &handler.Reply{
			Text:     msgIntro,
			Keyboard: [][]handler.Button{{{Text: btnCreateLabel, CallbackData: callbackCreate}}},
		}, nil
	case "create_bot":
		return s.startFlow(ctx, mc)
	case "cancel":
		return s.cancel(ctx, mc)
	case "stats":
		return s.stats(ctx, mc)
	}

	conv := s.conversation(mc.UserID.Int64())
	if conv == nil {
		return textReply(msgHint), nil
	}
	conv.Touch()
	s.putConversation(mc.UserID.Int64(), conv)

	switch conv.State {
	case flow.StatusWaitingToken:
		return s.acceptToken(ctx, mc, conv, text)
	case flow.StatusWaitingDescription:
		return s.beginCreation(ctx, mc, conv, text)
	case flow.StatusCreating:
		return textReply(msgAlreadyCreating), nil
	default:
		return textReply(msgHint), nil
	}
}

// HandleCallback implements handler.Handler: the intro button is an
// alias for /create_bot.
func (s *Service) HandleCallback(ctx context.Context, mc *handler.MessageContext) (*handler.Reply, error) {
	if mc.CallbackData != callbackCreate {
		return nil, nil
	}
	return s.startFlow(ctx, mc)
}

// ══════════════════════════════════════════════════════════════════════════════
// FLOW LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// startFlow serves /create_bot: resume an open flow if one exists,
// otherwise enforce the rate limit and open a new one.
func (s *Service) startFlow(ctx context.Context, mc *handler.MessageContext) (*handler.Reply, error) {
	userID := mc.UserID

	existing, err := s.deps.Flows.FindActive(ctx, userID)
	switch {
	case err == nil && existing.InFlight():
		s.putConversation(userID.Int64(), flow.Recovered(existing))
		return textReply(msgResumeFlow), nil
	case err != nil && !errors.Is(err, shared.ErrFlowNotFound):
		s.log.Error("active flow lookup failed", logger.UserID(userID.Int64()), logger.Err(err))
		return textReply(msgInternalError), nil
	}

	if userID != s.cfg.AdminChatID {
		since := timeutil.NowUTC().Add(-registrationWindow)
		n, err := s.deps.Registry.CountCreatedBy(ctx, userID, since)
		if err != nil {
			s.log.Error("registration count failed", logger.UserID(userID.Int64()), logger.Err(err))
		} else if n >= s.cfg.RegistrationLimit {
			s.recordLimitHit(ctx, userID)
			return textReply(msgLimitReached), nil
		}
	}

	f, err := flow.NewBotFlow(userID)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Flows.Insert(ctx, f); err != nil {
		s.log.Error("flow insert failed", logger.UserID(userID.Int64()), logger.Err(err))
		return textReply(msgInternalError), nil
	}
	s.appendEvent(ctx, funnel.KindFlowStarted, f.ID, userID, "", "")
	s.putConversation(userID.Int64(), flow.NewConversation(f.ID))

	s.log.Info("flow started", logger.FlowID(f.ID.String()), logger.UserID(userID.Int64()))
	return textReply(msgAskToken), nil
}

// recordLimitHit stores a pre-failed flow so the limit shows up in the
// funnel's error breakdown.
func (s *Service) recordLimitHit(ctx context.Context, userID shared.TelegramID) {
	f, err := flow.NewBotFlow(userID)
	if err != nil {
		return
	}
	_ = f.Fail("registration_limit")
	if err := s.deps.Flows.Insert(ctx, f); err != nil {
		s.log.Warn("limit-hit flow insert failed", logger.Err(err))
		return
	}
	s.appendEvent(ctx, funnel.KindCreationFailed, f.ID, userID, "", "registration_limit")
}

// acceptToken validates a submitted BotFather token and advances the
// flow to waiting_description.
func (s *Service) acceptToken(ctx context.Context, mc *handler.MessageContext, conv *flow.Conversation, text string) (*handler.Reply, error) {
	token, err := shared.NewBotToken(text)
	if err != nil {
		return textReply(msgInvalidToken), nil
	}
	tokenID := token.TokenID()

	// Uniqueness probe across flows and the registry before touching
	// the flow row; the partial unique index backstops the race.
	if other, err := s.deps.Flows.FindByTokenID(ctx, tokenID); err == nil && other.ID != conv.FlowID {
		return s.failFlow(ctx, mc, conv, tokenID, "duplicate_token_in_flow"), nil
	}
	if exists, err := s.deps.Registry.Exists(ctx, token); err == nil && exists {
		return s.failFlow(ctx, mc, conv, tokenID, "token_already_used"), nil
	}

	// Live probe: the token must actually belong to a bot. Only the Bot
	// API's own verdict rejects; a transport failure must not block a
	// syntactically valid token.
	if _, err := s.deps.Telegram.GetMe(ctx, token); err != nil {
		var apiErr *telegram.APIError
		if errors.As(err, &apiErr) {
			s.log.Info("token rejected by telegram",
				logger.TokenID(tokenID.String()), logger.Err(err))
			return textReply(msgTokenRejected), nil
		}
		s.log.Warn("token probe unreachable, accepting unverified",
			logger.TokenID(tokenID.String()), logger.Err(err))
	}

	if err := s.deps.Flows.AcceptToken(ctx, conv.FlowID, tokenID); err != nil {
		if errors.Is(err, shared.ErrTokenAlreadyUsed) {
			return s.failFlow(ctx, mc, conv, tokenID, "duplicate_token_in_flow"), nil
		}
		if !errors.Is(err, shared.ErrStageRegression) {
			s.log.Error("token accept failed", logger.FlowID(conv.FlowID.String()), logger.Err(err))
			return textReply(msgInternalError), nil
		}
	}

	conv.HoldToken(token)
	s.appendEvent(ctx, funnel.KindTokenAccepted, conv.FlowID, mc.UserID, tokenID, "")

	s.log.Info("token accepted",
		logger.FlowID(conv.FlowID.String()), logger.TokenID(tokenID.String()))
	return textReply(msgAskDescription), nil
}

// beginCreation treats the text as the bot description and runs the
// creation procedure synchronously.
func (s *Service) beginCreation(ctx context.Context, mc *handler.MessageContext, conv *flow.Conversation, description string) (*handler.Reply, error) {
	if description == "" {
		return textReply(msgAskDescription), nil
	}
	token := conv.Token
	if token == "" {
		// Recovered conversation: the token lived only in memory.
		conv.State = flow.StatusWaitingToken
		return textReply(msgAskToken), nil
	}
	tokenID := token.TokenID()

	if !s.inProgress.SetIfAbsentTTL(tokenID, timeutil.NowUTC(), inProgressTTL) {
		return textReply(msgAlreadyCreating), nil
	}
	defer s.inProgress.Delete(tokenID)

	conv.State = flow.StatusCreating
	s.appendEvent(ctx, funnel.KindDescriptionSubmitted, conv.FlowID, mc.UserID, tokenID, "")
	if err := s.deps.Flows.AdvanceStage(ctx, conv.FlowID, shared.StageDescriptionSubmitted, flow.StatusCreating); err != nil &&
		!errors.Is(err, shared.ErrStageRegression) {
		s.log.Error("stage advance failed", logger.FlowID(conv.FlowID.String()), logger.Err(err))
	}

	// Immediate feedback; the synthesis round-trip takes a while.
	if mc.Actions != nil {
		if err := mc.Actions.SendMessage(ctx, mc.ChatID, msgCreating); err != nil {
			s.log.Debug("progress message failed", logger.Err(err))
		}
	}

	return s.create(ctx, mc, conv, token, description), nil
}

// create runs the creation procedure: synthesize, persist locally and
// remotely, register, install webhook. Exactly one terminal outcome is
// recorded on the flow.
func (s *Service) create(ctx context.Context, mc *handler.MessageContext, conv *flow.Conversation, token shared.BotToken, description string) *handler.Reply {
	defer conv.DropToken()

	tokenID := token.TokenID()
	name := shared.HandlerNameForToken(tokenID)
	flowID := conv.FlowID

	if exists, err := s.deps.Registry.Exists(ctx, token); err != nil {
		s.log.Error("registry probe failed", logger.TokenID(tokenID.String()), logger.Err(err))
		return s.failCreation(ctx, mc, conv, "registry_unavailable")
	} else if exists {
		return s.failCreation(ctx, mc, conv, "already_registered")
	}
	if s.deps.Artifacts != nil {
		if exists, err := s.deps.Artifacts.Exists(ctx, name.FileName()); err != nil {
			s.log.Error("artifact probe failed", logger.HandlerName(name.String()), logger.Err(err))
			return s.failCreation(ctx, mc, conv, "artifact_store_unavailable")
		} else if exists {
			return s.failCreation(ctx, mc, conv, "artifact_exists")
		}
	}

	source, err := s.deps.Synth.Synthesize(ctx, name, description)
	if err != nil {
		reason := synthesisReason(err)
		s.publishSynthesisFault(flowID, name, err)
		return s.failCreation(ctx, mc, conv, reason)
	}

	// Disk first so the handler is servable immediately, then the
	// durable remote copy.
	if err := s.deps.Installer.Install(ctx, name, source); err != nil {
		s.log.Error("artifact install failed", logger.HandlerName(name.String()), logger.Err(err))
		return s.failCreation(ctx, mc, conv, "artifact_write_failed")
	}
	if s.deps.Artifacts != nil {
		message := fmt.Sprintf("Add handler %s", name)
		if _, err := s.deps.Artifacts.Save(ctx, name.FileName(), []byte(source), message); err != nil {
			s.log.Error("artifact store write failed", logger.HandlerName(name.String()), logger.Err(err))
			return s.failCreation(ctx, mc, conv, "artifact_store_failed")
		}
	}

	entry, err := registry.NewEntry(token, name, mc.UserID)
	if err != nil {
		return s.failCreation(ctx, mc, conv, "registry_invalid")
	}
	if err := s.deps.Registry.Register(ctx, entry); err != nil {
		if errors.Is(err, shared.ErrBotAlreadyRegistered) {
			return s.failCreation(ctx, mc, conv, "already_registered")
		}
		s.log.Error("registration failed", logger.TokenID(tokenID.String()), logger.Err(err))
		return s.failCreation(ctx, mc, conv, "registry_write_failed")
	}
	if err := s.deps.Flows.SetHandlerName(ctx, flowID, name); err != nil {
		s.log.Warn("handler name record failed", logger.FlowID(flowID.String()), logger.Err(err))
	}

	webhookInstalled := true
	if err := s.deps.Telegram.InstallWebhook(ctx, token, s.webhookURL(token)); err != nil {
		s.log.Warn("webhook install exhausted retries",
			logger.TokenID(tokenID.String()), logger.Err(err))
		webhookInstalled = false
	}

	s.dropConversation(mc.UserID.Int64())

	if webhookInstalled {
		s.advanceCreated(ctx, flowID, flow.StatusCreated)
		s.appendEvent(ctx, funnel.KindBotCreated, flowID, mc.UserID, tokenID, "")
	} else {
		s.advanceCreated(ctx, flowID, flow.StatusCreatedWebhookPending)
		s.appendEvent(ctx, funnel.KindBotCreatedWebhookPending, flowID, mc.UserID, tokenID, "")
	}
	s.publish(shared.NewBotCreatedEvent(
		flowID.String(), mc.UserID.Int64(), tokenID.String(), name.String(), webhookInstalled))

	s.log.Info("bot created",
		logger.FlowID(flowID.String()),
		logger.HandlerName(name.String()),
		logger.Bool("webhook_installed", webhookInstalled))

	if webhookInstalled {
		return textReply(msgCreated)
	}
	return textReply(msgCreatedPending)
}

func (s *Service) advanceCreated(ctx context.Context, flowID shared.FlowID, status flow.Status) {
	if err := s.deps.Flows.AdvanceStage(ctx, flowID, shared.StageCreated, status); err != nil &&
		!errors.Is(err, shared.ErrStageRegression) {
		s.log.Error("created stage advance failed", logger.FlowID(flowID.String()), logger.Err(err))
	}
}

// cancel serves /cancel: finalize the open flow, if any.
func (s *Service) cancel(ctx context.Context, mc *handler.MessageContext) (*handler.Reply, error) {
	userID := mc.UserID
	flowID := shared.FlowID("")

	if conv := s.conversation(userID.Int64()); conv != nil {
		flowID = conv.FlowID
		conv.DropToken()
		s.dropConversation(userID.Int64())
	} else if f, err := s.deps.Flows.FindActive(ctx, userID); err == nil {
		flowID = f.ID
	}

	if flowID == "" {
		return textReply(msgNothingToCancel), nil
	}

	if err := s.deps.Flows.Finalize(ctx, flowID, flow.FinalCancelled, ""); err != nil &&
		!errors.Is(err, shared.ErrFlowAlreadyFinal) {
		s.log.Error("cancel failed", logger.FlowID(flowID.String()), logger.Err(err))
		return textReply(msgInternalError), nil
	}
	s.appendEvent(ctx, funnel.KindFlowCancelled, flowID, userID, "", "")

	s.log.Info("flow cancelled", logger.FlowID(flowID.String()), logger.UserID(userID.Int64()))
	return textReply(msgCancelled), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ACTIVATION PROBE
// ══════════════════════════════════════════════════════════════════════════════

// Probe implements dispatch.ActivationProbe: a text update on a
// secondary token activates the flow when the sender is the creator.
// At-most-once per flow; any other sender is ignored.
func (s *Service) Probe(ctx context.Context, tokenID shared.BotTokenID, sender shared.TelegramID) error {
	f, err := s.deps.Flows.FindByTokenID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, shared.ErrFlowNotFound) {
			return nil
		}
		return err
	}
	if f.CreatorID != sender || f.Status == flow.StatusActivated {
		return nil
	}

	if err := s.deps.Flows.Activate(ctx, f.ID); err != nil {
		if errors.Is(err, shared.ErrFlowAlreadyFinal) {
			return nil
		}
		return err
	}

	s.appendEvent(ctx, funnel.KindBotActivatedByCreator, f.ID, sender, tokenID, "")
	s.publish(shared.NewBotActivatedEvent(f.ID.String(), sender.Int64(), tokenID.String()))

	s.log.Info("bot activated by creator",
		logger.FlowID(f.ID.String()), logger.TokenID(tokenID.String()))
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// STATS
// ══════════════════════════════════════════════════════════════════════════════

// stats serves the admin-only /stats command. Non-admins get silence,
// as if the command did not exist.
func (s *Service) stats(ctx context.Context, mc *handler.MessageContext) (*handler.Reply, error) {
	if s.cfg.AdminChatID == 0 || mc.UserID != s.cfg.AdminChatID {
		return nil, nil
	}

	now := timeutil.NowUTC()

	registered, err := s.deps.Registry.Count(ctx)
	if err != nil {
		s.log.Error("registry count failed", logger.Err(err))
		return textReply(msgInternalError), nil
	}
	counts, err := s.deps.Flows.CountStages(ctx, timeutil.DaysAgoUTC(now, 30), flow.WindowStart)
	if err != nil {
		s.log.Error("stage rollup failed", logger.Err(err))
		return textReply(msgInternalError), nil
	}

	var created24 int64
	if kinds, err := s.deps.Events.CountByKind(ctx, now.Add(-registrationWindow)); err == nil {
		for _, kc := range kinds {
			if kc.Kind == funnel.KindBotCreated || kc.Kind == funnel.KindBotCreatedWebhookPending {
				created24 += kc.Count
			}
		}
	}

	created := counts.ReachedStage[shared.StageCreated]
	activated := counts.ReachedStage[shared.StageActivated]
	activationRate := 0.0
	if created > 0 {
		activationRate = float64(activated) / float64(created) * 100
	}

	var b strings.Builder
	b.WriteString("📊 מצב המפעל\n\n")
	fmt.Fprintf(&b, "בוטים רשומים: %d\n", registered)
	fmt.Fprintf(&b, "תהליכים ב-30 הימים האחרונים: %d (%d משתמשים)\n", counts.Total, counts.UniqueUsers)
	fmt.Fprintf(&b, "נוצרו: %d | הופעלו: %d (%.0f%%)\n", created, activated, activationRate)
	fmt.Fprintf(&b, "בוטלו: %d | נכשלו: %d\n", counts.Cancelled, counts.Failed)
	fmt.Fprintf(&b, "נוצרו ב-24 השעות האחרונות: %d\n\n", created24)
	fmt.Fprintf(&b, "נכון ל-%s", timeutil.FormatJerusalem(now, "02.01.2006 15:04"))

	return textReply(b.String()), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// failFlow finalizes the flow as failed before creation began (token
// collisions). Records both the friction event and the failure reason.
func (s *Service) failFlow(ctx context.Context, mc *handler.MessageContext, conv *flow.Conversation, tokenID shared.BotTokenID, reason string) *handler.Reply {
	s.appendEvent(ctx, funnel.KindTokenAlreadyUsed, conv.FlowID, mc.UserID, tokenID, reason)
	return s.failCreation(ctx, mc, conv, reason)
}

// failCreation records the single terminal failure of the flow and
// tears the conversation down.
func (s *Service) failCreation(ctx context.Context, mc *handler.MessageContext, conv *flow.Conversation, reason string) *handler.Reply {
	flowID := conv.FlowID
	tokenID := conv.Token.TokenID()
	conv.DropToken()
	s.dropConversation(mc.UserID.Int64())

	if err := s.deps.Flows.Finalize(ctx, flowID, flow.FinalFailed, reason); err != nil &&
		!errors.Is(err, shared.ErrFlowAlreadyFinal) {
		s.log.Error("flow finalize failed", logger.FlowID(flowID.String()), logger.Err(err))
	}
	s.appendEvent(ctx, funnel.KindCreationFailed, flowID, mc.UserID, tokenID, reason)
	s.publish(shared.NewFlowFailedEvent(flowID.String(), mc.UserID.Int64(), 0, reason))

	s.log.Warn("creation failed",
		logger.FlowID(flowID.String()), logger.String("reason", reason))
	return textReply(failureMessage(reason))
}

// synthesisReason maps a synthesis error to a short stable reason used
// in events and the error breakdown.
func synthesisReason(err error) string {
	switch {
	case errors.Is(err, shared.ErrSynthesisQuota):
		return "synthesis_quota"
	case errors.Is(err, shared.ErrSynthesisBusy):
		return "synthesis_busy"
	case errors.Is(err, shared.ErrSynthesisAuth):
		return "synthesis_auth"
	case errors.Is(err, shared.ErrSynthesisUnavailable):
		return "synthesis_unavailable"
	case errors.Is(err, shared.ErrSynthesisEmpty):
		return "synthesis_empty"
	case errors.Is(err, shared.ErrSourceRejected):
		return "source_rejected"
	}
	return "synthesis_failed"
}

// publishSynthesisFault raises the operator-facing bus event for
// provider-side failures. Guardrail rejections are not provider faults.
func (s *Service) publishSynthesisFault(flowID shared.FlowID, name shared.HandlerName, err error) {
	switch {
	case errors.Is(err, shared.ErrSourceRejected), errors.Is(err, shared.ErrSynthesisEmpty):
		return
	case errors.Is(err, shared.ErrSynthesisQuota):
		s.publish(shared.NewSynthesisQuotaEvent(flowID.String(), name.String(), 0, err.Error()))
	default:
		s.publish(shared.NewSynthesisAPIErrorEvent(flowID.String(), name.String(), 0, err.Error()))
	}
}

func (s *Service) appendEvent(ctx context.Context, kind funnel.EventKind, flowID shared.FlowID, userID shared.TelegramID, tokenID shared.BotTokenID, reason string) {
	e, err := funnel.NewEvent(kind, flowID, userID)
	if err != nil {
		return
	}
	if tokenID != "" {
		e.WithToken(tokenID)
	}
	if reason != "" {
		e.WithReason(reason)
	}
	if err := s.deps.Events.Append(ctx, e); err != nil {
		s.log.Warn("funnel event append failed",
			logger.String("kind", string(kind)), logger.Err(err))
	}
}

func (s *Service) publish(event shared.Event) {
	if s.deps.Bus == nil {
		return
	}
	if err := s.deps.Bus.Publish(event); err != nil {
		s.log.Debug("event publish failed", logger.Err(err))
	}
}

func (s *Service) webhookURL(token shared.BotToken) string {
	return strings.TrimSuffix(s.cfg.ExternalURL, "/") + "/" + string(token)
}

func (s *Service) conversation(userID int64) *flow.Conversation {
	s.convMu.Lock()
	defer s.convMu.Unlock()
	conv, ok := s.conversations.Get(userID)
	if !ok {
		return nil
	}
	return conv
}

func (s *Service) putConversation(userID int64, conv *flow.Conversation) {
	s.convMu.Lock()
	defer s.convMu.Unlock()
	s.conversations.Set(userID, conv)
}

func (s *Service) dropConversation(userID int64) {
	s.convMu.Lock()
	defer s.convMu.Unlock()
	s.conversations.Delete(userID)
}

// extractCommand returns the lowercased command name of a "/cmd" text,
// tolerating "@botname" suffixes; empty when the text is not a command.
func extractCommand(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return ""
	}
	cmd := fields[0]
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd)
}

func textReply(text string) *handler.Reply {
	return &handler.Reply{Text: text}
}
