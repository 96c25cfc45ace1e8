package link

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/org/healthlink/internal/audit"
	"github.com/org/healthlink/internal/storage"
	"github.com/org/healthlink/pkg/models"
)

// PasscodeGuard verifies passcodes against stored bcrypt hashes and
// drives the failure-count lockout state machine. The bcrypt comparison
// is CPU-bound, so it runs on a bounded worker pool instead of the
// request goroutine.
type PasscodeGuard struct {
	store           storage.Backend
	audit           *audit.Recorder
	defaultAttempts int
	lockoutDuration time.Duration

	jobs chan compareJob
}

type compareJob struct {
	hash   string
	guess  string
	result chan error
}

// NewPasscodeGuard creates a guard with the given attempt budget and
// lockout duration, running comparisons on workers goroutines.
func NewPasscodeGuard(store storage.Backend, rec *audit.Recorder, defaultAttempts int, lockout time.Duration, workers int) *PasscodeGuard {
	if workers < 1 {
		workers = 1
	}
	g := &PasscodeGuard{
		store:           store,
		audit:           rec,
		defaultAttempts: defaultAttempts,
		lockoutDuration: lockout,
		jobs:            make(chan compareJob),
	}
	for i := 0; i < workers; i++ {
		go g.worker()
	}
	return g
}

func (g *PasscodeGuard) worker() {
	for job := range g.jobs {
		job.result <- bcrypt.CompareHashAndPassword([]byte(job.hash), []byte(job.guess))
	}
}

func (g *PasscodeGuard) compare(ctx context.Context, hash, guess string) error {
	result := make(chan error, 1)
	select {
	case g.jobs <- compareJob{hash: hash, guess: guess, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HashPasscode hashes a new passcode for storage.
func HashPasscode(passcode string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(passcode), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Verify runs the passcode state machine for one resolution attempt.
// Returns nil when access is permitted. A correct guess never consumes
// an attempt; a wrong guess is charged through a single conditional
// decrement so concurrent guesses cannot share a stale count.
func (g *PasscodeGuard) Verify(ctx context.Context, l *models.Link, passcode string) error {
	if l.PasscodeHash == nil {
		return nil
	}
	if passcode == "" {
		return ErrPasscodeRequired
	}

	if l.LockedUntil != nil {
		if time.Now().Before(*l.LockedUntil) {
			return ErrPasscodeExhausted
		}
		// Lockout elapsed: restore the attempt budget before judging
		// the new guess.
		n := g.defaultAttempts
		l.FailuresRemaining = &n
		l.LockedUntil = nil
		if err := g.store.SaveLink(ctx, l); err != nil {
			return err
		}
	}
	if l.FailuresRemaining != nil && *l.FailuresRemaining <= 0 {
		return ErrPasscodeExhausted
	}

	if err := g.compare(ctx, *l.PasscodeHash, passcode); err == nil {
		return nil
	} else if ctx.Err() != nil {
		return err
	}

	updated, err := g.store.AtomicDecrementFailures(ctx, l.ManifestID)
	if errors.Is(err, storage.ErrNotFound) {
		// The counter was already spent by a concurrent guess.
		g.audit.Record(ctx, &models.AccessEvent{
			LinkID: l.ID, ManifestID: l.ManifestID, SubjectID: l.SubjectID,
			Type: models.EventPasscodeExhausted,
		})
		return ErrPasscodeExhausted
	} else if err != nil {
		return err
	}
	if updated.FailuresRemaining != nil && *updated.FailuresRemaining <= 0 {
		until := time.Now().Add(g.lockoutDuration).UTC()
		updated.LockedUntil = &until
		if err := g.store.SaveLink(ctx, updated); err != nil {
			return err
		}
		g.audit.Record(ctx, &models.AccessEvent{
			LinkID: l.ID, ManifestID: l.ManifestID, SubjectID: l.SubjectID,
			Type: models.EventPasscodeExhausted,
		})
		return ErrPasscodeExhausted
	}
	g.audit.Record(ctx, &models.AccessEvent{
		LinkID: l.ID, ManifestID: l.ManifestID, SubjectID: l.SubjectID,
		Type: models.EventPasscodeFailed,
	})
	return &PasscodeInvalidError{Remaining: *updated.FailuresRemaining}
}
