package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingBackend struct {
	mu    sync.Mutex
	calls int
	users map[string]UserRecord
	err   error
}

func (b *countingBackend) Resolve(_ context.Context, username string) (UserRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return UserRecord{}, b.err
	}
	return b.users[username], nil
}

func (b *countingBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func testBackend() *countingBackend {
	return &countingBackend{users: map[string]UserRecord{
		"tech1": {
			ID:       1,
			Username: "tech1",
			Active:   true,
			Groups:   []string{"fsm_user"},
		},
		"mgr1": {
			ID:       2,
			Username: "mgr1",
			Active:   true,
			Groups:   []string{"fsm_manager"},
		},
		"dormant": {
			ID:       3,
			Username: "dormant",
			Active:   false,
			Groups:   []string{"fsm_user"},
		},
	}}
}

func newTestCache(t *testing.T, backend Backend, ttl time.Duration) (*Cache, *Verifier) {
	t.Helper()
	verifier := NewVerifier([]byte("test-signing-key"))
	cache := NewCache(verifier, backend, CacheOptions{
		TTL:           ttl,
		SweepInterval: time.Hour,
	})
	t.Cleanup(cache.Close)
	return cache, verifier
}

func TestAuthenticateCachesWithinTTL(t *testing.T) {
	backend := testBackend()
	cache, verifier := newTestCache(t, backend, time.Minute)

	token, err := verifier.Mint("tech1", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	first, err := cache.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("first authenticate: %v", err)
	}
	second, err := cache.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("second authenticate: %v", err)
	}

	if got := backend.callCount(); got != 1 {
		t.Fatalf("backend called %d times, want 1", got)
	}
	if first != second {
		t.Fatal("expected identical cached identity")
	}
	if !first.Can(CapReadOrders) {
		t.Fatal("fsm_user should hold read_orders")
	}
	if first.Can(CapWriteUnconfirmed) {
		t.Fatal("fsm_user must not hold write_unconfirmed")
	}
}

func TestAuthenticateReresolvesAfterExpiry(t *testing.T) {
	backend := testBackend()
	cache, verifier := newTestCache(t, backend, 10*time.Millisecond)

	token, err := verifier.Mint("tech1", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if _, err := cache.Authenticate(context.Background(), token); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	// Many concurrent callers against the expired entry: exactly one
	// re-resolution must reach the backend.
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Authenticate(context.Background(), token); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := failures.Load(); n != 0 {
		t.Fatalf("%d concurrent authenticates failed", n)
	}
	if got := backend.callCount(); got != 2 {
		t.Fatalf("backend called %d times, want 2 (initial + one refresh)", got)
	}
}

func TestAuthenticateUnknownUser(t *testing.T) {
	backend := testBackend()
	cache, verifier := newTestCache(t, backend, time.Minute)

	token, err := verifier.Mint("ghost", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := cache.Authenticate(context.Background(), token); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("got %v, want ErrInvalidCredential", err)
	}
}

func TestAuthenticateInactiveUser(t *testing.T) {
	backend := testBackend()
	cache, verifier := newTestCache(t, backend, time.Minute)

	token, err := verifier.Mint("dormant", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := cache.Authenticate(context.Background(), token); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("got %v, want ErrInvalidCredential", err)
	}
}

func TestAuthenticateBackendFailure(t *testing.T) {
	backend := testBackend()
	backend.err = errors.New("directory timeout")
	cache, verifier := newTestCache(t, backend, time.Minute)

	token, err := verifier.Mint("tech1", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := cache.Authenticate(context.Background(), token); !errors.Is(err, ErrAuthBackendUnavailable) {
		t.Fatalf("got %v, want ErrAuthBackendUnavailable", err)
	}
}

func TestAuthenticateBadCredential(t *testing.T) {
	backend := testBackend()
	cache, _ := newTestCache(t, backend, time.Minute)

	if _, err := cache.Authenticate(context.Background(), "not-a-token"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("got %v, want ErrInvalidCredential", err)
	}
	if got := backend.callCount(); got != 0 {
		t.Fatalf("backend called %d times for a bad credential, want 0", got)
	}
}

func TestInvalidateForcesRefresh(t *testing.T) {
	backend := testBackend()
	cache, verifier := newTestCache(t, backend, time.Minute)

	token, err := verifier.Mint("tech1", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := cache.Authenticate(context.Background(), token); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	cache.Invalidate("tech1")
	if _, err := cache.Authenticate(context.Background(), token); err != nil {
		t.Fatalf("authenticate after invalidate: %v", err)
	}
	if got := backend.callCount(); got != 2 {
		t.Fatalf("backend called %d times, want 2", got)
	}
}

func TestInvalidateAll(t *testing.T) {
	backend := testBackend()
	cache, verifier := newTestCache(t, backend, time.Minute)

	for _, user := range []string{"tech1", "mgr1"} {
		token, err := verifier.Mint(user, time.Minute)
		if err != nil {
			t.Fatalf("mint %s: %v", user, err)
		}
		if _, err := cache.Authenticate(context.Background(), token); err != nil {
			t.Fatalf("authenticate %s: %v", user, err)
		}
	}
	if got := cache.Len(); got != 2 {
		t.Fatalf("cache holds %d entries, want 2", got)
	}
	cache.InvalidateAll()
	if got := cache.Len(); got != 0 {
		t.Fatalf("cache holds %d entries after InvalidateAll, want 0", got)
	}
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	backend := testBackend()
	verifier := NewVerifier([]byte("test-signing-key"))
	cache := NewCache(verifier, backend, CacheOptions{
		TTL:           5 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})
	defer cache.Close()

	token, err := verifier.Mint("tech1", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := cache.Authenticate(context.Background(), token); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for cache.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweep did not remove expired entry within a second")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAuthorizeDenyByDefault(t *testing.T) {
	backend := testBackend()
	cache, verifier := newTestCache(t, backend, time.Minute)

	token, err := verifier.Mint("mgr1", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	identity, err := cache.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if !cache.Authorize(identity, CapWriteUnconfirmed) {
		t.Fatal("fsm_manager should hold write_unconfirmed")
	}
	if cache.Authorize(identity, Capability("made_up")) {
		t.Fatal("unknown capability must be denied")
	}
	if cache.Authorize(nil, CapReadOrders) {
		t.Fatal("nil identity must be denied")
	}
}
