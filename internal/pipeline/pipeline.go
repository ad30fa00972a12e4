// Package pipeline runs one conversation turn through the fixed stage
// sequence: load, append, classify, extract, retrieve, decide, synthesize,
// advance, persist. Stages degrade rather than fail the turn; only the
// thread lock and a cancelled context abort processing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alpacapurpura/fieldline/internal/auth"
	"github.com/alpacapurpura/fieldline/internal/checkpoint"
	"github.com/alpacapurpura/fieldline/internal/conversation"
	"github.com/alpacapurpura/fieldline/internal/gateway"
	"github.com/alpacapurpura/fieldline/internal/retry"
)

// DefaultMaxHistory caps retained messages per thread.
const DefaultMaxHistory = 50

// ErrConversationClosed reports a turn against an archived or errored
// thread. Closed threads are read-only until an explicit reset.
var ErrConversationClosed = errors.New("conversation is closed")

// Result is what one processed turn returns to the transport layer.
type Result struct {
	ThreadID       string                `json:"thread_id"`
	Response       string                `json:"response"`
	Actions        []conversation.Action `json:"actions"`
	Phase          conversation.Phase    `json:"phase"`
	ShouldContinue bool                  `json:"should_continue"`
	Persisted      bool                  `json:"persisted"`
	LatencyMS      int64                 `json:"latency_ms"`
}

// Config wires a Pipeline.
type Config struct {
	Store      *checkpoint.Store
	Gateway    *gateway.Gateway
	Auth       *auth.Cache
	Classifier Classifier
	Extractor  Extractor

	MaxHistory int
	TopK       int
	SaveRetry  *retry.Config

	// OnProcessed is an optional metrics hook, called once per turn.
	OnProcessed func()
}

// Pipeline orchestrates conversation turns. Safe for concurrent use;
// turns for the same thread are serialized by the store's thread lock.
type Pipeline struct {
	store      *checkpoint.Store
	gw         *gateway.Gateway
	authn      *auth.Cache
	classifier Classifier
	extractor  Extractor

	maxHistory  int
	topK        int
	saveRetry   *retry.Config
	onProcessed func()
}

// New builds a Pipeline. Classifier and Extractor default to the rule
// based implementations.
func New(cfg Config) *Pipeline {
	if cfg.Classifier == nil {
		cfg.Classifier = RuleClassifier{}
	}
	if cfg.Extractor == nil {
		cfg.Extractor = RuleExtractor{}
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.SaveRetry == nil {
		cfg.SaveRetry = retry.DefaultConfig()
	}
	if cfg.OnProcessed == nil {
		cfg.OnProcessed = func() {}
	}
	return &Pipeline{
		store:       cfg.Store,
		gw:          cfg.Gateway,
		authn:       cfg.Auth,
		classifier:  cfg.Classifier,
		extractor:   cfg.Extractor,
		maxHistory:  cfg.MaxHistory,
		topK:        cfg.TopK,
		saveRetry:   cfg.SaveRetry,
		onProcessed: cfg.OnProcessed,
	}
}

// retrievalIntent reports whether the intent implies an information need.
func retrievalIntent(intent conversation.Intent) bool {
	switch intent {
	case conversation.IntentQuestion, conversation.IntentComplaint, conversation.IntentHelp:
		return true
	}
	return false
}

// Process runs one turn for threadID. A second concurrent call for the
// same thread returns ErrConversationBusy; distinct threads run in
// parallel. The bearer credential gates knowledge retrieval and the
// unconfirmed-write decision; an empty bearer degrades both.
func (p *Pipeline) Process(ctx context.Context, threadID string, msg conversation.Message, optCtx conversation.Context, bearer string) (*Result, error) {
	started := time.Now()

	release, err := p.store.Acquire(threadID)
	if err != nil {
		return nil, err
	}
	defer release()

	// 1. Load or initialize.
	prior, err := p.store.Load(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("loading thread %s: %w", threadID, err)
	}
	var state *conversation.State
	if prior == nil {
		state = conversation.NewState(optCtx)
	} else {
		if prior.Phase.Terminal() {
			return nil, fmt.Errorf("thread %s is %s: %w", threadID, prior.Phase, ErrConversationClosed)
		}
		state = prior.Clone()
		state.Context = state.Context.Merge(optCtx)
	}
	if state.ProcessingMetadata == nil {
		state.ProcessingMetadata = map[string]any{}
	}
	clearTurnMetadata(state)

	// 2. Append message.
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.Role == "" {
		msg.Role = "user"
	}
	state.AppendMessage(msg, p.maxHistory)

	// 3. Classify intent.
	intent := p.classifier.Classify(msg.Content, state.Phase)
	if !intent.Valid() {
		intent = conversation.IntentOther
	}
	state.CurrentIntent = intent

	// 4. Extract entities. Degrades to empty on panic.
	state.Entities = p.extract(state, msg.Content)

	identity := p.authenticate(ctx, state, bearer)

	// 5. Retrieve knowledge, only when the intent implies a need.
	state.RAGResults = nil
	if retrievalIntent(intent) {
		if identity != nil {
			state.RAGResults = p.retrieve(ctx, state, msg.Content, identity)
		} else {
			state.ProcessingMetadata["retrieval_skipped"] = "unauthenticated"
			markDegraded(state, "retrieval")
		}
	}

	// 6. Decide actions.
	actions := decideActions(msg.Content, state, identity)
	state.Actions = actions

	// 7. Synthesize response.
	state.Response = synthesizeResponse(state, actions)

	// 8. Advance phase.
	state.Phase = nextPhase(state, actions)
	state.ShouldContinue = !state.Phase.Terminal()

	state.ProcessingMetadata["last_turn"] = map[string]any{
		"intent":         string(intent),
		"message_length": len(msg.Content),
		"rag_results":    len(state.RAGResults),
		"actions":        len(actions),
	}

	// Aborted callers must not persist a partial turn; the prior snapshot
	// stays authoritative.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 9. Persist, with bounded backoff. On final failure the response is
	// still returned, flagged as unpersisted.
	persisted := true
	saveErr := retry.Do(ctx, p.saveRetry,
		func(err error) bool { return errors.Is(err, checkpoint.ErrStoreUnavailable) },
		func() error { return p.store.Save(ctx, threadID, state) },
	)
	if saveErr != nil {
		persisted = false
		state.ProcessingMetadata["persisted"] = false
		markDegraded(state, "persistence")
		slog.Warn("checkpoint save failed, returning unpersisted turn",
			"thread_id", threadID, "error", saveErr)
	}

	p.onProcessed()

	return &Result{
		ThreadID:       threadID,
		Response:       state.Response,
		Actions:        actions,
		Phase:          state.Phase,
		ShouldContinue: state.ShouldContinue,
		Persisted:      persisted,
		LatencyMS:      time.Since(started).Milliseconds(),
	}, nil
}

// turnMetadataKeys are rewritten on every turn; stale values from a prior
// turn must not survive into this one.
var turnMetadataKeys = []string{"degraded", "auth_error", "retrieval_error", "retrieval_skipped", "persisted"}

func clearTurnMetadata(state *conversation.State) {
	for _, k := range turnMetadataKeys {
		delete(state.ProcessingMetadata, k)
	}
}

// markDegraded records that a stage degraded this turn under the single
// aggregate "degraded" key, alongside the stage's own detail key.
func markDegraded(state *conversation.State, stage string) {
	stages, _ := state.ProcessingMetadata["degraded"].([]string)
	for _, s := range stages {
		if s == stage {
			return
		}
	}
	state.ProcessingMetadata["degraded"] = append(stages, stage)
}

func (p *Pipeline) extract(state *conversation.State, content string) (entities conversation.Entities) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("entity extraction degraded", "panic", r)
			markDegraded(state, "extraction")
			entities = conversation.Entities{}
		}
	}()
	return p.extractor.Extract(content)
}

// authenticate resolves the bearer credential, degrading to anonymous on
// any failure. The failure is recorded in processing metadata so the turn
// is auditable.
func (p *Pipeline) authenticate(ctx context.Context, state *conversation.State, bearer string) *auth.Identity {
	if bearer == "" || p.authn == nil {
		return nil
	}
	identity, err := p.authn.Authenticate(ctx, bearer)
	if err != nil {
		state.ProcessingMetadata["auth_error"] = err.Error()
		markDegraded(state, "auth")
		slog.Warn("turn proceeding unauthenticated", "error", err)
		return nil
	}
	return identity
}

// retrieve calls the knowledge-search tool through the gateway. Failures
// degrade to no results and are recorded in processing metadata.
func (p *Pipeline) retrieve(ctx context.Context, state *conversation.State, query string, identity *auth.Identity) []conversation.RAGResult {
	result, err := p.gw.Call(ctx, "search_knowledge",
		map[string]any{"query": query, "limit": float64(p.topK)}, identity)
	if err != nil {
		state.ProcessingMetadata["retrieval_error"] = err.Error()
		markDegraded(state, "retrieval")
		slog.Warn("knowledge retrieval degraded", "error", err)
		return nil
	}
	payload, ok := result.(map[string]any)
	if !ok {
		return nil
	}
	results, _ := payload["results"].([]conversation.RAGResult)
	return results
}

// Reset discards a thread's history and reinitializes it to the initiated
// phase, from any phase including archived.
func (p *Pipeline) Reset(ctx context.Context, threadID string) error {
	release, err := p.store.Acquire(threadID)
	if err != nil {
		return err
	}
	defer release()
	return p.store.Reset(ctx, threadID)
}

// History returns the stored snapshot for a thread, or nil when the
// thread is unknown.
func (p *Pipeline) History(ctx context.Context, threadID string) (*conversation.State, error) {
	return p.store.Load(ctx, threadID)
}

// ActiveConversations lists thread ids updated within maxIdle.
func (p *Pipeline) ActiveConversations(ctx context.Context, maxIdle time.Duration) ([]string, error) {
	return p.store.ListActive(ctx, maxIdle)
}
