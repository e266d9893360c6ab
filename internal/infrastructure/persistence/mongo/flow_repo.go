package mongo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/modularbot/bot-factory/internal/domain/flow"
	"github.com/modularbot/bot-factory/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// FLOW REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// FlowRepository implements flow.Repository for MongoDB.
//
// The stage guardrail lives in the update filters: a transition document
// matches only when current_stage is strictly below the target and
// final_status is absent, so a late or duplicate webhook delivery
// matches nothing instead of rewinding the funnel.
type FlowRepository struct {
	gw *Gateway
}

// NewFlowRepository creates a new FlowRepository.
func NewFlowRepository(gw *Gateway) *FlowRepository {
	return &FlowRepository{gw: gw}
}

func (r *FlowRepository) coll() *mongo.Collection {
	return r.gw.Collection(collFlows)
}

// ─────────────────────────────────────────────────────────────────────────────
// Document mapping
// ─────────────────────────────────────────────────────────────────────────────

type flowDoc struct {
	ID           string               `bson:"_id"`
	UserID       int64                `bson:"user_id"`
	CreatorID    int64                `bson:"creator_id"`
	Status       string               `bson:"status"`
	CurrentStage int                  `bson:"current_stage"`
	BotTokenID   string               `bson:"bot_token_id,omitempty"`
	HandlerName  string               `bson:"handler_name,omitempty"`
	CreatedAt    time.Time            `bson:"created_at"`
	UpdatedAt    time.Time            `bson:"updated_at"`
	CompletedAt  *time.Time           `bson:"completed_at,omitempty"`
	FinalStatus  string               `bson:"final_status,omitempty"`
	FailReason   string               `bson:"fail_reason,omitempty"`
	StageTimes   map[string]time.Time `bson:"stage_times,omitempty"`
}

func toFlowDoc(f *flow.BotFlow) flowDoc {
	doc := flowDoc{
		ID:           f.ID.String(),
		UserID:       int64(f.UserID),
		CreatorID:    int64(f.CreatorID),
		Status:       string(f.Status),
		CurrentStage: int(f.CurrentStage),
		BotTokenID:   f.BotTokenID.String(),
		HandlerName:  f.HandlerName.String(),
		CreatedAt:    f.CreatedAt,
		UpdatedAt:    f.UpdatedAt,
		FinalStatus:  string(f.FinalStatus),
		FailReason:   f.FailReason,
	}
	if !f.CompletedAt.IsZero() {
		t := f.CompletedAt
		doc.CompletedAt = &t
	}
	if len(f.StageTimes) > 0 {
		doc.StageTimes = make(map[string]time.Time, len(f.StageTimes))
		for stage, at := range f.StageTimes {
			doc.StageTimes[strconv.Itoa(int(stage))] = at
		}
	}
	return doc
}

func fromFlowDoc(doc flowDoc) *flow.BotFlow {
	f := &flow.BotFlow{
		ID:           shared.FlowID(doc.ID),
		UserID:       shared.TelegramID(doc.UserID),
		CreatorID:    shared.TelegramID(doc.CreatorID),
		Status:       flow.Status(doc.Status),
		CurrentStage: shared.Stage(doc.CurrentStage),
		BotTokenID:   shared.BotTokenID(doc.BotTokenID),
		HandlerName:  shared.HandlerName(doc.HandlerName),
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
		FinalStatus:  flow.FinalStatus(doc.FinalStatus),
		FailReason:   doc.FailReason,
	}
	if doc.CompletedAt != nil {
		f.CompletedAt = *doc.CompletedAt
	}
	if len(doc.StageTimes) > 0 {
		f.StageTimes = make(map[shared.Stage]time.Time, len(doc.StageTimes))
		for key, at := range doc.StageTimes {
			if n, err := strconv.Atoi(key); err == nil {
				f.StageTimes[shared.Stage(n)] = at
			}
		}
	}
	return f
}

func stageTimeField(stage shared.Stage) string {
	return "stage_times." + strconv.Itoa(int(stage))
}

// notFinal is the filter fragment that excludes terminated flows.
func notFinal() bson.E {
	return bson.E{Key: "final_status", Value: bson.D{{Key: "$exists", Value: false}}}
}

// ─────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ─────────────────────────────────────────────────────────────────────────────

// Insert stores a freshly started flow.
func (r *FlowRepository) Insert(ctx context.Context, f *flow.BotFlow) error {
	ctx, cancel := r.gw.opCtx(ctx)
	defer cancel()

	if _, err := r.coll().InsertOne(ctx, toFlowDoc(f)); err != nil {
		if IsDuplicateKey(err) {
			return shared.ErrDuplicateKey
		}
		return fmt.Errorf("mongo: insert flow: %w", err)
	}
	return nil
}

// FindByID returns a flow by its identifier.
func (r *FlowRepository) FindByID(ctx context.Context, id shared.FlowID) (*flow.BotFlow, error) {
	ctx, cancel := r.gw.opCtx(ctx)
	defer cancel()

	var doc flowDoc
	err := r.coll().FindOne(ctx, bson.D{{Key: "_id", Value: id.String()}}).Decode(&doc)
	if IsNoDocuments(err) {
		return nil, shared.ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: find flow: %w", err)
	}
	return fromFlowDoc(doc), nil
}

// FindActive returns the user's most recent in-flight flow.
func (r *FlowRepository) FindActive(ctx context.Context, userID shared.TelegramID) (*flow.BotFlow, error) {
	ctx, cancel := r.gw.opCtx(ctx)
	defer cancel()

	filter := bson.D{
		{Key: "user_id", Value: int64(userID)},
		notFinal(),
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})

	var doc flowDoc
	err := r.coll().FindOne(ctx, filter, opts).Decode(&doc)
	if IsNoDocuments(err) {
		return nil, shared.ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: find active flow: %w", err)
	}
	return fromFlowDoc(doc), nil
}

// FindByTokenID returns the flow bound to a token prefix.
func (r *FlowRepository) FindByTokenID(ctx context.Context, tokenID shared.BotTokenID) (*flow.BotFlow, error) {
	ctx, cancel := r.gw.opCtx(ctx)
	defer cancel()

	var doc flowDoc
	err := r.coll().FindOne(ctx, bson.D{{Key: "bot_token_id", Value: tokenID.String()}}).Decode(&doc)
	if IsNoDocuments(err) {
		return nil, shared.ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: find flow by token: %w", err)
	}
	return fromFlowDoc(doc), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Guarded transitions
// ─────────────────────────────────────────────────────────────────────────────

// AcceptToken binds tokenID to the flow and advances it to stage 2.
// Token uniqueness rides on the partial unique index over bot_token_id.
func (r *FlowRepository) AcceptToken(ctx context.Context, id shared.FlowID, tokenID shared.BotTokenID) error {
	ctx, cancel := r.gw.opCtx(ctx)
	defer cancel()

	now := time.Now().UTC()
	filter := bson.D{
		{Key: "_id", Value: id.String()},
		{Key: "current_stage", Value: bson.D{{Key: "$lt", Value: int(shared.StageTokenAccepted)}}},
		notFinal(),
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "bot_token_id", Value: tokenID.String()},
		{Key: "current_stage", Value: int(shared.StageTokenAccepted)},
		{Key: "status", Value: string(flow.StatusWaitingDescription)},
		{Key: "updated_at", Value: now},
		{Key: stageTimeField(shared.StageTokenAccepted), Value: now},
	}}}

	res, err := r.coll().UpdateOne(ctx, filter, update)
	if err != nil {
		if IsDuplicateKey(err) {
			return shared.ErrTokenAlreadyUsed
		}
		return fmt.Errorf("mongo: accept token: %w", err)
	}
	if res.MatchedCount == 0 {
		return r.explainRejection(ctx, id)
	}
	return nil
}

// AdvanceStage applies the stage guardrail inside the update filter.
func (r *FlowRepository) AdvanceStage(ctx context.Context, id shared.FlowID, stage shared.Stage, status flow.Status) error {
	ctx, cancel := r.gw.opCtx(ctx)
	defer cancel()

	now := time.Now().UTC()
	filter := bson.D{
		{Key: "_id", Value: id.String()},
		{Key: "current_stage", Value: bson.D{{Key: "$lt", Value: int(stage)}}},
		notFinal(),
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "current_stage", Value: int(stage)},
		{Key: "status", Value: string(status)},
		{Key: "updated_at", Value: now},
		{Key: stageTimeField(stage), Value: now},
	}}}

	res, err := r.coll().UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("mongo: advance stage: %w", err)
	}
	if res.MatchedCount == 0 {
		return r.explainRejection(ctx, id)
	}
	return nil
}

// SetHandlerName records the generated handler's name on the flow.
func (r *FlowRepository) SetHandlerName(ctx context.Context, id shared.FlowID, name shared.HandlerName) error {
	ctx, cancel := r.gw.opCtx(ctx)
	defer cancel()

	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "handler_name", Value: name.String()},
		{Key: "updated_at", Value: time.Now().UTC()},
	}}}
	res, err := r.coll().UpdateOne(ctx, bson.D{{Key: "_id", Value: id.String()}}, update)
	if err != nil {
		return fmt.Errorf("mongo: set handler name: %w", err)
	}
	if res.MatchedCount == 0 {
		return shared.ErrFlowNotFound
	}
	return nil
}

// Finalize records a terminal failed/cancelled outcome at any stage.
func (r *FlowRepository) Finalize(ctx context.Context, id shared.FlowID, final flow.FinalStatus, reason string) error {
	ctx, cancel := r.gw.opCtx(ctx)
	defer cancel()

	now := time.Now().UTC()
	set := bson.D{
		{Key: "final_status", Value: string(final)},
		{Key: "updated_at", Value: now},
		{Key: "completed_at", Value: now},
	}
	switch final {
	case flow.FinalFailed:
		set = append(set,
			bson.E{Key: "status", Value: string(flow.StatusFailed)},
			bson.E{Key: "fail_reason", Value: reason},
		)
	case flow.FinalCancelled:
		set = append(set, bson.E{Key: "status", Value: string(flow.StatusCancelled)})
	}

	filter := bson.D{{Key: "_id", Value: id.String()}, notFinal()}
	res, err := r.coll().UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return fmt.Errorf("mongo: finalize flow: %w", err)
	}
	if res.MatchedCount == 0 {
		return r.explainRejection(ctx, id)
	}
	return nil
}

// Activate atomically promotes the flow to activated/stage 5. The filter
// excludes any terminated flow, so the caller's activation event stays
// at-most-once under concurrent webhook deliveries and a message on a
// failed or cancelled flow's still-installed webhook cannot resurrect it.
func (r *FlowRepository) Activate(ctx context.Context, id shared.FlowID) error {
	ctx, cancel := r.gw.opCtx(ctx)
	defer cancel()

	now := time.Now().UTC()
	filter := bson.D{
		{Key: "_id", Value: id.String()},
		notFinal(),
	}
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "status", Value: string(flow.StatusActivated)},
			{Key: "final_status", Value: string(flow.FinalActivated)},
			{Key: "updated_at", Value: now},
			{Key: "completed_at", Value: now},
			{Key: stageTimeField(shared.StageActivated), Value: now},
		}},
		{Key: "$max", Value: bson.D{
			{Key: "current_stage", Value: int(shared.StageActivated)},
		}},
	}

	res, err := r.coll().UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("mongo: activate flow: %w", err)
	}
	if res.MatchedCount == 0 {
		// Either missing or already terminated.
		if _, ferr := r.FindByID(ctx, id); ferr != nil {
			return ferr
		}
		return shared.ErrFlowAlreadyFinal
	}
	return nil
}

// explainRejection maps a zero-match guarded update to the domain error a
// caller can act on.
func (r *FlowRepository) explainRejection(ctx context.Context, id shared.FlowID) error {
	f, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if f.FinalStatus.IsSet() {
		return shared.ErrFlowAlreadyFinal
	}
	return shared.ErrStageRegression
}

// ─────────────────────────────────────────────────────────────────────────────
// Analytics aggregates
// ─────────────────────────────────────────────────────────────────────────────

func windowField(w flow.Window) string {
	if w == flow.WindowActivity {
		return "updated_at"
	}
	return "created_at"
}

// CountStages computes the per-stage rollup for flows inside the window.
func (r *FlowRepository) CountStages(ctx context.Context, since time.Time, window flow.Window) (*flow.StageCounts, error) {
	ctx, cancel := r.gw.opCtx(ctx)
	defer cancel()

	group := bson.D{{Key: "_id", Value: nil}}
	for stage := shared.MinStage; stage <= shared.MaxStage; stage++ {
		group = append(group, bson.E{
			Key: "reached_" + strconv.Itoa(int(stage)),
			Value: bson.D{{Key: "$sum", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$gte", Value: bson.A{"$current_stage", int(stage)}}}, 1, 0,
			}}}}},
		})
	}
	group = append(group,
		bson.E{Key: "cancelled", Value: bson.D{{Key: "$sum", Value: bson.D{{Key: "$cond", Value: bson.A{
			bson.D{{Key: "$eq", Value: bson.A{"$final_status", string(flow.FinalCancelled)}}}, 1, 0,
		}}}}}},
		bson.E{Key: "failed", Value: bson.D{{Key: "$sum", Value: bson.D{{Key: "$cond", Value: bson.A{
			bson.D{{Key: "$eq", Value: bson.A{"$final_status", string(flow.FinalFailed)}}}, 1, 0,
		}}}}}},
		bson.E{Key: "users", Value: bson.D{{Key: "$addToSet", Value: "$user_id"}}},
		bson.E{Key: "total", Value: bson.D{{Key: "$sum", Value: 1}}},
	)

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: windowField(window), Value: bson.D{{Key: "$gte", Value: since}}},
		}}},
		{{Key: "$group", Value: group}},
		{{Key: "$addFields", Value: bson.D{
			{Key: "unique_users", Value: bson.D{{Key: "$size", Value: "$users"}}},
		}}},
	}

	cursor, err := r.coll().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("mongo: count stages: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []bson.M
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("mongo: count stages decode: %w", err)
	}

	counts := &flow.StageCounts{ReachedStage: make(map[shared.Stage]int64, int(shared.MaxStage))}
	for stage := shared.MinStage; stage <= shared.MaxStage; stage++ {
		counts.ReachedStage[stage] = 0
	}
	if len(rows) == 0 {
		return counts, nil
	}

	row := rows[0]
	for stage := shared.MinStage; stage <= shared.MaxStage; stage++ {
		counts.ReachedStage[stage] = asInt64(row["reached_"+strconv.Itoa(int(stage))])
	}
	counts.Cancelled = asInt64(row["cancelled"])
	counts.Failed = asInt64(row["failed"])
	counts.UniqueUsers = asInt64(row["unique_users"])
	counts.Total = asInt64(row["total"])
	return counts, nil
}

// UserBreakdown groups flows by user inside the window.
func (r *FlowRepository) UserBreakdown(ctx context.Context, since time.Time, stage shared.Stage, limit int) ([]flow.UserFunnelStat, error) {
	ctx, cancel := r.gw.opCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "created_at", Value: bson.D{{Key: "$gte", Value: since}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "updated_at", Value: -1}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$user_id"},
			{Key: "max_stage", Value: bson.D{{Key: "$max", Value: "$current_stage"}}},
			{Key: "attempts", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "latest_status", Value: bson.D{{Key: "$first", Value: "$status"}}},
			{Key: "latest_at", Value: bson.D{{Key: "$first", Value: "$updated_at"}}},
		}}},
	}
	if stage > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: bson.D{
			{Key: "max_stage", Value: int(stage)},
		}}})
	}
	pipeline = append(pipeline,
		bson.D{{Key: "$sort", Value: bson.D{{Key: "latest_at", Value: -1}}}},
		bson.D{{Key: "$limit", Value: limit}},
	)

	cursor, err := r.coll().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("mongo: user breakdown: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		UserID       int64     `bson:"_id"`
		MaxStage     int       `bson:"max_stage"`
		Attempts     int64     `bson:"attempts"`
		LatestStatus string    `bson:"latest_status"`
		LatestAt     time.Time `bson:"latest_at"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("mongo: user breakdown decode: %w", err)
	}

	stats := make([]flow.UserFunnelStat, 0, len(rows))
	for _, row := range rows {
		stats = append(stats, flow.UserFunnelStat{
			UserID:       shared.TelegramID(row.UserID),
			MaxStage:     shared.Stage(row.MaxStage),
			Attempts:     row.Attempts,
			LatestStatus: flow.Status(row.LatestStatus),
			LatestAt:     row.LatestAt,
		})
	}
	return stats, nil
}

// asInt64 tolerates the int32/int64 ambiguity of aggregation results.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
