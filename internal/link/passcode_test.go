package link

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/org/healthlink/internal/audit"
	"github.com/org/healthlink/internal/storage"
	"github.com/org/healthlink/pkg/models"
)

func newGuardEnv(t *testing.T, attempts int, lockout time.Duration) (*PasscodeGuard, *storage.MemoryBackend) {
	t.Helper()
	store := storage.NewMemoryBackend()
	return NewPasscodeGuard(store, audit.NewRecorder(store), attempts, lockout, 2), store
}

func seedLink(t *testing.T, store *storage.MemoryBackend, passcode string, remaining int) *models.Link {
	t.Helper()
	l := &models.Link{
		ID:         "link-1",
		ManifestID: "manifest-1",
		SubjectID:  "subj-1",
		Status:     models.StatusActive,
	}
	if passcode != "" {
		hash, err := HashPasscode(passcode)
		if err != nil {
			t.Fatalf("HashPasscode: %v", err)
		}
		l.PasscodeHash = &hash
		l.FailuresRemaining = &remaining
	}
	if err := store.SaveLink(context.Background(), l); err != nil {
		t.Fatalf("SaveLink: %v", err)
	}
	return l
}

func loadLink(t *testing.T, store *storage.MemoryBackend) *models.Link {
	t.Helper()
	l, err := store.GetLinkByManifestID(context.Background(), "manifest-1")
	if err != nil {
		t.Fatalf("GetLinkByManifestID: %v", err)
	}
	return l
}

func TestVerifyNoPasscode(t *testing.T) {
	guard, store := newGuardEnv(t, 5, time.Hour)
	seedLink(t, store, "", 0)

	if err := guard.Verify(context.Background(), loadLink(t, store), "anything"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRequired(t *testing.T) {
	guard, store := newGuardEnv(t, 5, time.Hour)
	seedLink(t, store, "secret", 5)

	err := guard.Verify(context.Background(), loadLink(t, store), "")
	if !errors.Is(err, ErrPasscodeRequired) {
		t.Fatalf("err = %v, want ErrPasscodeRequired", err)
	}
	if got := *loadLink(t, store).FailuresRemaining; got != 5 {
		t.Errorf("missing passcode consumed an attempt: remaining = %d", got)
	}
}

func TestVerifyCorrectNeverDecrements(t *testing.T) {
	guard, store := newGuardEnv(t, 5, time.Hour)
	seedLink(t, store, "secret", 5)

	for i := 0; i < 3; i++ {
		if err := guard.Verify(context.Background(), loadLink(t, store), "secret"); err != nil {
			t.Fatalf("Verify #%d: %v", i, err)
		}
	}
	if got := *loadLink(t, store).FailuresRemaining; got != 5 {
		t.Errorf("correct guesses consumed attempts: remaining = %d", got)
	}
}

func TestVerifyWrongDecrements(t *testing.T) {
	guard, store := newGuardEnv(t, 5, time.Hour)
	seedLink(t, store, "secret", 3)

	err := guard.Verify(context.Background(), loadLink(t, store), "wrong")
	var invalid *PasscodeInvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want PasscodeInvalidError", err)
	}
	if invalid.Remaining != 2 {
		t.Errorf("remaining = %d, want 2", invalid.Remaining)
	}
}

func TestVerifyExhaustionLocks(t *testing.T) {
	guard, store := newGuardEnv(t, 5, time.Hour)
	seedLink(t, store, "secret", 1)

	err := guard.Verify(context.Background(), loadLink(t, store), "wrong")
	if !errors.Is(err, ErrPasscodeExhausted) {
		t.Fatalf("err = %v, want ErrPasscodeExhausted", err)
	}
	l := loadLink(t, store)
	if l.LockedUntil == nil || !l.LockedUntil.After(time.Now()) {
		t.Error("exhaustion did not set a future lockout")
	}
}

func TestVerifyWhileLocked(t *testing.T) {
	guard, store := newGuardEnv(t, 5, time.Hour)
	l := seedLink(t, store, "secret", 0)
	until := time.Now().Add(time.Hour)
	l.LockedUntil = &until
	if err := store.SaveLink(context.Background(), l); err != nil {
		t.Fatalf("SaveLink: %v", err)
	}

	// Even the correct passcode is rejected during lockout.
	err := guard.Verify(context.Background(), loadLink(t, store), "secret")
	if !errors.Is(err, ErrPasscodeExhausted) {
		t.Fatalf("err = %v, want ErrPasscodeExhausted", err)
	}
}

func TestVerifyLockoutReset(t *testing.T) {
	guard, store := newGuardEnv(t, 5, time.Hour)
	l := seedLink(t, store, "secret", 0)
	until := time.Now().Add(-time.Minute)
	l.LockedUntil = &until
	if err := store.SaveLink(context.Background(), l); err != nil {
		t.Fatalf("SaveLink: %v", err)
	}

	err := guard.Verify(context.Background(), loadLink(t, store), "wrong")
	var invalid *PasscodeInvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want PasscodeInvalidError after reset", err)
	}
	if invalid.Remaining != 4 {
		t.Errorf("remaining = %d, want 4 (default restored before the guess)", invalid.Remaining)
	}
	if loadLink(t, store).LockedUntil != nil {
		t.Error("lockout not cleared")
	}

	if err := guard.Verify(context.Background(), loadLink(t, store), "secret"); err != nil {
		t.Fatalf("correct passcode after reset: %v", err)
	}
}

// failingDecrementStore simulates a storage outage on the decrement path.
type failingDecrementStore struct {
	*storage.MemoryBackend
	err error
}

func (s *failingDecrementStore) AtomicDecrementFailures(ctx context.Context, manifestID string) (*models.Link, error) {
	return nil, s.err
}

func TestVerifyStorageFailureIsNotExhaustion(t *testing.T) {
	mem := storage.NewMemoryBackend()
	store := &failingDecrementStore{MemoryBackend: mem, err: errors.New("connection refused")}
	guard := NewPasscodeGuard(store, audit.NewRecorder(mem), 5, time.Hour, 2)
	seedLink(t, mem, "secret", 3)

	err := guard.Verify(context.Background(), loadLink(t, mem), "wrong")
	if errors.Is(err, ErrPasscodeExhausted) {
		t.Fatal("backend outage reported as passcode exhaustion")
	}
	if !errors.Is(err, store.err) {
		t.Fatalf("err = %v, want the backend error propagated", err)
	}

	events, qerr := mem.ListAccessEventsForSubject(context.Background(), "subj-1", storage.EventFilter{})
	if qerr != nil {
		t.Fatalf("ListAccessEventsForSubject: %v", qerr)
	}
	for _, ev := range events {
		if ev.Type == models.EventPasscodeExhausted {
			t.Error("exhaustion event recorded for an uncharged attempt")
		}
	}
}

func TestConcurrentGuessesSingleExhaustion(t *testing.T) {
	const attempts = 4
	guard, store := newGuardEnv(t, attempts, time.Hour)
	seedLink(t, store, "secret", attempts)

	// Every request observes the same pre-attempt state, as concurrent
	// HTTP requests would.
	snapshots := make([]*models.Link, attempts)
	for i := range snapshots {
		snapshots[i] = loadLink(t, store)
	}

	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = guard.Verify(context.Background(), snapshots[i], "wrong")
		}(i)
	}
	wg.Wait()

	var exhausted, invalid int
	for _, err := range errs {
		var pi *PasscodeInvalidError
		switch {
		case errors.Is(err, ErrPasscodeExhausted):
			exhausted++
		case errors.As(err, &pi):
			invalid++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if exhausted != 1 {
		t.Errorf("exhausted = %d, want exactly 1", exhausted)
	}
	if invalid != attempts-1 {
		t.Errorf("invalid = %d, want %d", invalid, attempts-1)
	}
	if got := *loadLink(t, store).FailuresRemaining; got != 0 {
		t.Errorf("remaining = %d, want 0", got)
	}
}
