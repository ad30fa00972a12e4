package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alpacapurpura/fieldline/internal/auth"
	"github.com/alpacapurpura/fieldline/internal/checkpoint"
	"github.com/alpacapurpura/fieldline/internal/conversation"
	"github.com/alpacapurpura/fieldline/internal/gateway"
)

type testEnv struct {
	pipeline *Pipeline
	store    *checkpoint.Store
	verifier *auth.Verifier
	searches int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := checkpoint.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	verifier := auth.NewVerifier([]byte("pipeline-test-key"))
	backend := auth.NewStaticBackend([]auth.UserRecord{
		{ID: 1, Username: "tech1", Active: true, Groups: []string{"fsm_user", "equipment_user", "base_user"}},
		{ID: 2, Username: "mgr1", Active: true, Groups: []string{"fsm_manager", "base_user"}},
	})
	cache := auth.NewCache(verifier, backend, auth.CacheOptions{TTL: time.Minute, SweepInterval: time.Hour})
	t.Cleanup(cache.Close)

	env := &testEnv{store: store, verifier: verifier}

	g := gateway.New(gateway.Options{})
	err = g.Register(gateway.Tool{
		Name: "search_knowledge",
		Params: []gateway.ParamSpec{
			{Name: "query", Type: "string", Required: true},
			{Name: "limit", Type: "number"},
		},
		Handler: func(_ context.Context, params map[string]any, identity *auth.Identity) (any, error) {
			if !identity.Can(auth.CapSearchKnowledge) {
				return nil, fmt.Errorf("%w: search_knowledge required", auth.ErrPermissionDenied)
			}
			env.searches++
			return map[string]any{"results": []conversation.RAGResult{
				{DocumentID: "doc-1", DocumentName: "pump manual", Content: "Check the seals first.", Similarity: 0.8},
			}}, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	env.pipeline = New(Config{Store: store, Gateway: g, Auth: cache})
	return env
}

func (e *testEnv) token(t *testing.T, username string) string {
	t.Helper()
	tok, err := e.verifier.Mint(username, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return tok
}

func userMsg(content string) conversation.Message {
	return conversation.Message{Role: "user", Content: content}
}

func TestProcessNewThread(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.pipeline.Process(context.Background(), "t1", userMsg("hello"), conversation.Context{}, "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Response == "" {
		t.Fatal("response must be non-empty")
	}
	if len(result.Actions) != 0 {
		t.Fatalf("greeting produced actions: %v", result.Actions)
	}
	if result.Phase != conversation.PhaseInitiated {
		t.Fatalf("phase %s, want initiated", result.Phase)
	}
	if !result.ShouldContinue {
		t.Fatal("should_continue must be true")
	}
	if !result.Persisted {
		t.Fatal("turn must be persisted")
	}

	state, err := env.store.Load(context.Background(), "t1")
	if err != nil || state == nil {
		t.Fatalf("load after process: %v, %v", state, err)
	}
	if len(state.Messages) != 1 {
		t.Fatalf("history length %d, want 1", len(state.Messages))
	}
	if state.Response == "" {
		t.Fatal("persisted snapshot must carry the synthesized response")
	}
}

func TestHistoryCapDropsOldest(t *testing.T) {
	env := newTestEnv(t)

	state := conversation.NewState(conversation.Context{})
	for i := 0; i < DefaultMaxHistory; i++ {
		state.Messages = append(state.Messages, conversation.Message{
			Role:      "user",
			Content:   fmt.Sprintf("message %d", i),
			Timestamp: time.Now().UTC(),
		})
	}
	if err := env.store.Save(context.Background(), "t1", state); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	if _, err := env.pipeline.Process(context.Background(), "t1", userMsg("one more"), conversation.Context{}, ""); err != nil {
		t.Fatalf("process: %v", err)
	}

	loaded, err := env.store.Load(context.Background(), "t1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Messages) != DefaultMaxHistory {
		t.Fatalf("history length %d, want %d", len(loaded.Messages), DefaultMaxHistory)
	}
	if loaded.Messages[0].Content == "message 0" {
		t.Fatal("oldest message must be dropped first")
	}
	if loaded.Messages[len(loaded.Messages)-1].Content != "one more" {
		t.Fatal("newest message must be retained")
	}
}

func TestPhaseNeverRegresses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	token := env.token(t, "tech1")

	turns := []struct {
		content string
		optCtx  conversation.Context
	}{
		{"hello", conversation.Context{}},
		{"I'm at the site for the maintenance visit", conversation.Context{}},
		{"work order is assigned", conversation.Context{WorkOrderID: 42, TechnicianID: 7}},
		{"yes", conversation.Context{}},
		{"update the work order, work is complete", conversation.Context{}},
		{"please generate the report", conversation.Context{}},
		{"yes", conversation.Context{}},
	}

	seen := conversation.PhaseInitiated
	for i, turn := range turns {
		result, err := env.pipeline.Process(ctx, "t-phases", userMsg(turn.content), turn.optCtx, token)
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		if !seen.CanAdvanceTo(result.Phase) {
			t.Fatalf("turn %d regressed from %s to %s", i, seen, result.Phase)
		}
		seen = result.Phase
	}
	if seen == conversation.PhaseInitiated {
		t.Fatal("phases never advanced across substantive turns")
	}
}

func TestRetrievalRunsForQuestions(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "tech1")

	result, err := env.pipeline.Process(context.Background(), "t1",
		userMsg("how do I service the pump?"), conversation.Context{}, token)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if env.searches != 1 {
		t.Fatalf("search tool called %d times, want 1", env.searches)
	}
	if result.Response == "" {
		t.Fatal("response must be non-empty")
	}

	state, err := env.store.Load(context.Background(), "t1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(state.RAGResults) != 1 || state.RAGResults[0].DocumentID != "doc-1" {
		t.Fatalf("rag results not persisted: %+v", state.RAGResults)
	}
}

func TestRetrievalSkippedWithoutCredential(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.pipeline.Process(context.Background(), "t1",
		userMsg("how do I service the pump?"), conversation.Context{}, "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if env.searches != 0 {
		t.Fatal("unauthenticated turn must not reach the search tool")
	}
	if result.Response == "" {
		t.Fatal("turn must still produce a response")
	}

	state, _ := env.store.Load(context.Background(), "t1")
	if state.ProcessingMetadata["retrieval_skipped"] != "unauthenticated" {
		t.Fatalf("metadata missing degradation record: %v", state.ProcessingMetadata)
	}
	if !hasDegradedStage(state, "retrieval") {
		t.Fatalf("degraded marker missing: %v", state.ProcessingMetadata)
	}
}

// hasDegradedStage checks the aggregate "degraded" marker on a snapshot
// after a store round trip, where JSON turns the list into []any.
func hasDegradedStage(state *conversation.State, stage string) bool {
	switch stages := state.ProcessingMetadata["degraded"].(type) {
	case []string:
		for _, s := range stages {
			if s == stage {
				return true
			}
		}
	case []any:
		for _, s := range stages {
			if s == stage {
				return true
			}
		}
	}
	return false
}

func TestRetrievalDegradesOnToolFailure(t *testing.T) {
	store, err := checkpoint.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer store.Close()

	verifier := auth.NewVerifier([]byte("key"))
	backend := auth.NewStaticBackend([]auth.UserRecord{
		{ID: 1, Username: "tech1", Active: true, Groups: []string{"base_user"}},
	})
	cache := auth.NewCache(verifier, backend, auth.CacheOptions{TTL: time.Minute, SweepInterval: time.Hour})
	defer cache.Close()

	g := gateway.New(gateway.Options{})
	if err := g.Register(gateway.Tool{
		Name:   "search_knowledge",
		Params: []gateway.ParamSpec{{Name: "query", Type: "string", Required: true}},
		Handler: func(context.Context, map[string]any, *auth.Identity) (any, error) {
			return nil, errors.New("index offline")
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	p := New(Config{Store: store, Gateway: g, Auth: cache})
	token, _ := verifier.Mint("tech1", time.Minute)

	result, err := p.Process(context.Background(), "t1", userMsg("what torque spec?"), conversation.Context{}, token)
	if err != nil {
		t.Fatalf("a failing tool must not fail the turn: %v", err)
	}
	if result.Response == "" {
		t.Fatal("degraded turn must still answer")
	}

	state, _ := store.Load(context.Background(), "t1")
	if _, ok := state.ProcessingMetadata["retrieval_error"]; !ok {
		t.Fatalf("metadata missing retrieval_error: %v", state.ProcessingMetadata)
	}
	if !hasDegradedStage(state, "retrieval") {
		t.Fatalf("degraded marker missing: %v", state.ProcessingMetadata)
	}
	if len(state.RAGResults) != 0 {
		t.Fatal("degraded retrieval must yield no results")
	}

	// A following turn that needs no retrieval must not inherit the
	// stale markers.
	if _, err := p.Process(context.Background(), "t1", userMsg("ok, thanks"), conversation.Context{}, token); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	state, _ = store.Load(context.Background(), "t1")
	if _, ok := state.ProcessingMetadata["retrieval_error"]; ok {
		t.Fatalf("stale retrieval_error survived a clean turn: %v", state.ProcessingMetadata)
	}
	if hasDegradedStage(state, "retrieval") {
		t.Fatalf("stale degraded marker survived a clean turn: %v", state.ProcessingMetadata)
	}
}

func TestWriteActionsRequireConfirmation(t *testing.T) {
	env := newTestEnv(t)
	ctx := conversation.Context{WorkOrderID: 42}

	result, err := env.pipeline.Process(context.Background(), "t-tech",
		userMsg("mark the job complete"), ctx, env.token(t, "tech1"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	found := false
	for _, a := range result.Actions {
		if a.ActionType == conversation.ActionUpdateRecord {
			found = true
			if !a.RequiresConfirmation {
				t.Fatal("write action must require confirmation without write_unconfirmed")
			}
		}
	}
	if !found {
		t.Fatalf("no update_record action proposed: %v", result.Actions)
	}

	result, err = env.pipeline.Process(context.Background(), "t-mgr",
		userMsg("mark the job complete"), ctx, env.token(t, "mgr1"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	for _, a := range result.Actions {
		if a.ActionType == conversation.ActionUpdateRecord && a.RequiresConfirmation {
			t.Fatal("manager with write_unconfirmed must not need confirmation")
		}
	}
}

func TestConcurrentSameThreadRejected(t *testing.T) {
	env := newTestEnv(t)

	release, err := env.store.Acquire("t-busy")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	_, err = env.pipeline.Process(context.Background(), "t-busy", userMsg("hello"), conversation.Context{}, "")
	if !errors.Is(err, checkpoint.ErrConversationBusy) {
		t.Fatalf("got %v, want ErrConversationBusy", err)
	}

	// A different thread proceeds in parallel.
	if _, err := env.pipeline.Process(context.Background(), "t-free", userMsg("hello"), conversation.Context{}, ""); err != nil {
		t.Fatalf("distinct thread blocked: %v", err)
	}

	release()
	if _, err := env.pipeline.Process(context.Background(), "t-busy", userMsg("hello"), conversation.Context{}, ""); err != nil {
		t.Fatalf("process after release: %v", err)
	}
}

func TestParallelDistinctThreads(t *testing.T) {
	env := newTestEnv(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			threadID := fmt.Sprintf("t-par-%d", n)
			if _, err := env.pipeline.Process(context.Background(), threadID, userMsg("hello"), conversation.Context{}, ""); err != nil {
				errs <- fmt.Errorf("%s: %w", threadID, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestCancelledTurnNotPersisted(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "tech1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The tool cancels the caller mid-turn; the snapshot must not change.
	g := gateway.New(gateway.Options{})
	if err := g.Register(gateway.Tool{
		Name:   "search_knowledge",
		Params: []gateway.ParamSpec{{Name: "query", Type: "string", Required: true}},
		Handler: func(context.Context, map[string]any, *auth.Identity) (any, error) {
			cancel()
			return map[string]any{"results": []conversation.RAGResult{}}, nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	env.pipeline.gw = g

	_, err := env.pipeline.Process(ctx, "t-cancel", userMsg("what is the torque value?"), conversation.Context{}, token)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}

	state, err := env.store.Load(context.Background(), "t-cancel")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state != nil {
		t.Fatal("cancelled turn must leave no snapshot")
	}
}

func TestProcessRefusesClosedThread(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, phase := range []conversation.Phase{conversation.PhaseArchived, conversation.PhaseError} {
		threadID := "t-" + string(phase)
		state := conversation.NewState(conversation.Context{WorkOrderID: 9})
		state.Phase = phase
		state.Messages = []conversation.Message{{Role: "user", Content: "old", Timestamp: time.Now().UTC()}}
		if err := env.store.Save(ctx, threadID, state); err != nil {
			t.Fatalf("seed %s: %v", phase, err)
		}

		_, err := env.pipeline.Process(ctx, threadID, userMsg("hello again"), conversation.Context{}, "")
		if !errors.Is(err, ErrConversationClosed) {
			t.Fatalf("phase %s: got %v, want ErrConversationClosed", phase, err)
		}

		// The stored snapshot must be untouched.
		loaded, loadErr := env.store.Load(ctx, threadID)
		if loadErr != nil || loaded == nil {
			t.Fatalf("load after refusal: %v, %v", loaded, loadErr)
		}
		if len(loaded.Messages) != 1 {
			t.Fatalf("phase %s: history grew to %d messages", phase, len(loaded.Messages))
		}
		if loaded.Phase != phase {
			t.Fatalf("phase changed from %s to %s", phase, loaded.Phase)
		}
	}
}

func TestResetFromArchived(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	state := conversation.NewState(conversation.Context{WorkOrderID: 9})
	state.Phase = conversation.PhaseArchived
	state.Messages = []conversation.Message{{Role: "user", Content: "old"}}
	if err := env.store.Save(ctx, "t1", state); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := env.pipeline.Reset(ctx, "t1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	loaded, err := env.pipeline.History(ctx, "t1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if loaded.Phase != conversation.PhaseInitiated {
		t.Fatalf("phase %s after reset, want initiated", loaded.Phase)
	}
	if len(loaded.Messages) != 0 {
		t.Fatalf("history not cleared: %d messages", len(loaded.Messages))
	}
}

func TestActiveConversations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, id := range []string{"t-a", "t-b"} {
		if _, err := env.pipeline.Process(ctx, id, userMsg("hello"), conversation.Context{}, ""); err != nil {
			t.Fatalf("process %s: %v", id, err)
		}
	}
	active, err := env.pipeline.ActiveConversations(ctx, time.Hour)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("got %d active threads, want 2", len(active))
	}
}
