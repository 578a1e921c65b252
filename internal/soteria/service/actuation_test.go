package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Soteria/server/internal/ledger/memory"
	"github.com/BrandonDHaskell/Soteria/server/internal/lock"
	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/service"
	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/types"
)

func newController(act lock.Actuator, l *memory.Ledger, hold time.Duration, policy service.SessionPolicy) *service.ActuationController {
	var audit *service.AuditLogger
	if l != nil {
		audit = newAuditLogger(l)
	}
	return service.NewActuationController(act, audit, service.ActuationConfig{
		GrantDuration: hold,
		Policy:        policy,
	}, silentLogger())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func unlockedOnce(a *recordingActuator) func() bool {
	return func() bool {
		_, d, _, _ := a.snapshot()
		return d >= 1
	}
}

var testCred = types.Credential{ID: "KEY1", DisplayName: "Alice"}

// ── Grant cycle ──────────────────────────────────────────────────────────────

func TestActuation_GrantUnlocksHoldsAndRelocks(t *testing.T) {
	act := newRecordingActuator()
	l := memory.New(lockAddr)
	c := newController(act, l, 30*time.Millisecond, service.SessionQueue)

	start := time.Now()
	s, err := c.Grant(context.Background(), testCred, ownerAddr)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, types.ActuationUnlocked, s.Actuation)
	assert.Equal(t, "KEY1", s.KeyID)
	assert.NotEmpty(t, s.ID)
	assert.NotEmpty(t, s.AuditTxID)
	assert.False(t, s.Cancelled)
	assert.False(t, s.EndedAt.Before(s.StartedAt))

	engaged, disengages, engages, _ := act.snapshot()
	assert.True(t, engaged)
	assert.Equal(t, 1, disengages)
	assert.Equal(t, 1, engages)

	n := lastAuditNote(t, l)
	assert.Equal(t, types.ActionGuestAccess, n.Action)
}

func TestActuation_RelockEndsHoldEarly(t *testing.T) {
	act := newRecordingActuator()
	c := newController(act, nil, 10*time.Second, service.SessionQueue)
	assert.False(t, c.Relock(), "no session yet")

	done := make(chan service.Session, 1)
	go func() {
		s, _ := c.Grant(context.Background(), testCred, ownerAddr)
		done <- s
	}()
	waitFor(t, "unlock", unlockedOnce(act))

	assert.True(t, c.Relock())

	select {
	case s := <-done:
		assert.True(t, s.Cancelled)
		assert.Equal(t, types.ActuationUnlocked, s.Actuation)
	case <-time.After(2 * time.Second):
		t.Fatal("Grant did not return after Relock")
	}
	engaged, _, _, _ := act.snapshot()
	assert.True(t, engaged)
	assert.False(t, c.Relock(), "session already finished")
}

func TestActuation_CallerCancelDoesNotShortenHold(t *testing.T) {
	const hold = 150 * time.Millisecond
	act := newRecordingActuator()
	c := newController(act, nil, hold, service.SessionQueue)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan service.Session, 1)
	start := time.Now()
	go func() {
		s, _ := c.Grant(ctx, testCred, ownerAddr)
		done <- s
	}()
	waitFor(t, "unlock", unlockedOnce(act))
	cancel()

	time.Sleep(20 * time.Millisecond)
	engaged, _, _, _ := act.snapshot()
	assert.False(t, engaged, "door re-locked when the caller went away")

	select {
	case s := <-done:
		assert.False(t, s.Cancelled)
		assert.GreaterOrEqual(t, time.Since(start), hold)
	case <-time.After(2 * time.Second):
		t.Fatal("Grant did not return after the hold")
	}
	engaged, _, engages, _ := act.snapshot()
	assert.True(t, engaged)
	assert.Equal(t, 1, engages)
}

// ── Session exclusivity ──────────────────────────────────────────────────────

func TestActuation_QueuedGrantsNeverOverlap(t *testing.T) {
	act := newRecordingActuator()
	l := memory.New(lockAddr)
	c := newController(act, l, 20*time.Millisecond, service.SessionQueue)

	var wg sync.WaitGroup
	sessions := make([]service.Session, 2)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := c.Grant(context.Background(), testCred, ownerAddr)
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	engaged, disengages, engages, maxOpen := act.snapshot()
	assert.True(t, engaged)
	assert.Equal(t, 2, disengages)
	assert.Equal(t, 2, engages)
	assert.Equal(t, 1, maxOpen, "the door was held open by two sessions at once")

	assert.NotEmpty(t, sessions[0].AuditTxID)
	assert.NotEmpty(t, sessions[1].AuditTxID)
	assert.NotEqual(t, sessions[0].AuditTxID, sessions[1].AuditTxID)
	assert.Len(t, l.Submitted(), 2)
}

func TestActuation_QueuedGrantsWithLogOutage(t *testing.T) {
	act := newRecordingActuator()
	l := memory.New(lockAddr)
	l.FailSubmit(errLedgerDown)
	c := newController(act, l, 10*time.Millisecond, service.SessionQueue)

	var wg sync.WaitGroup
	ids := make([]string, 2)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := c.Grant(context.Background(), testCred, ownerAddr)
			assert.NoError(t, err)
			ids[i] = s.AuditTxID
		}(i)
	}
	wg.Wait()

	assert.Equal(t, []string{"", ""}, ids)
	_, disengages, _, maxOpen := act.snapshot()
	assert.Equal(t, 2, disengages, "log outage must not block actuation")
	assert.Equal(t, 1, maxOpen)
}

func TestActuation_RejectPolicy(t *testing.T) {
	act := newRecordingActuator()
	c := newController(act, nil, 10*time.Second, service.SessionReject)
	assert.Equal(t, service.SessionReject, c.Policy())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Grant(context.Background(), testCred, ownerAddr)
	}()
	waitFor(t, "unlock", unlockedOnce(act))

	_, err := c.Grant(context.Background(), testCred, ownerAddr)
	assert.ErrorIs(t, err, service.ErrSessionActive)

	c.Relock()
	<-done
	_, disengages, _, _ := act.snapshot()
	assert.Equal(t, 1, disengages)
}

func TestActuation_QueueRespectsContext(t *testing.T) {
	act := newRecordingActuator()
	c := newController(act, nil, 10*time.Second, service.SessionQueue)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Grant(context.Background(), testCred, ownerAddr)
	}()
	waitFor(t, "unlock", unlockedOnce(act))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Grant(ctx, testCred, ownerAddr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c.Relock()
	<-done
}

func TestActuation_SessionReleasedBeforeAuditConfirms(t *testing.T) {
	act := newRecordingActuator()
	l := memory.New(lockAddr)
	l.SetConfirmationLag(-1)
	audit := service.NewAuditLogger(l, service.AuditConfig{
		AppID:           testAppID,
		ConfirmAttempts: 40,
		ConfirmInterval: 10 * time.Millisecond,
		SubmitTimeout:   time.Second,
	}, silentLogger())
	c := service.NewActuationController(act, audit, service.ActuationConfig{
		GrantDuration: 20 * time.Millisecond,
		Policy:        service.SessionReject,
	}, silentLogger())

	first := make(chan service.Session, 1)
	go func() {
		s, _ := c.Grant(context.Background(), testCred, ownerAddr)
		first <- s
	}()
	waitFor(t, "relock", func() bool {
		_, _, engages, _ := act.snapshot()
		return engages >= 1
	})
	time.Sleep(5 * time.Millisecond)

	select {
	case <-first:
		t.Fatal("first grant returned before its audit gave up")
	default:
	}

	s, err := c.Grant(context.Background(), testCred, ownerAddr)
	require.NoError(t, err, "a pending audit must not keep the session busy")
	assert.Equal(t, types.ActuationUnlocked, s.Actuation)
	assert.Empty(t, s.AuditTxID)

	assert.Empty(t, (<-first).AuditTxID)
	_, disengages, _, maxOpen := act.snapshot()
	assert.Equal(t, 2, disengages)
	assert.Equal(t, 1, maxOpen)
}

func TestParseSessionPolicy(t *testing.T) {
	assert.Equal(t, service.SessionReject, service.ParseSessionPolicy("Reject"))
	assert.Equal(t, service.SessionQueue, service.ParseSessionPolicy("queue"))
	assert.Equal(t, service.SessionQueue, service.ParseSessionPolicy("?"))
}

// ── Close ────────────────────────────────────────────────────────────────────

func TestActuation_CloseTurnsAwayQueuedGrants(t *testing.T) {
	act := newRecordingActuator()
	c := newController(act, nil, 10*time.Second, service.SessionQueue)

	active := make(chan service.Session, 1)
	go func() {
		s, _ := c.Grant(context.Background(), testCred, ownerAddr)
		active <- s
	}()
	waitFor(t, "unlock", unlockedOnce(act))

	queued := make(chan error, 1)
	go func() {
		_, err := c.Grant(context.Background(), testCred, ownerAddr)
		queued <- err
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))

	select {
	case s := <-active:
		assert.True(t, s.Cancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("active grant did not return after Close")
	}
	select {
	case err := <-queued:
		assert.ErrorIs(t, err, service.ErrActuationClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("queued grant did not return after Close")
	}

	time.Sleep(20 * time.Millisecond)
	engaged, disengages, _, _ := act.snapshot()
	assert.True(t, engaged)
	assert.Equal(t, 1, disengages, "a queued grant unlocked the door after Close")
}

func TestActuation_GrantAfterClose(t *testing.T) {
	act := newRecordingActuator()
	c := newController(act, nil, time.Millisecond, service.SessionQueue)
	require.NoError(t, c.Close(context.Background()))

	_, err := c.Grant(context.Background(), testCred, ownerAddr)
	assert.ErrorIs(t, err, service.ErrActuationClosed)
	engaged, disengages, _, _ := act.snapshot()
	assert.True(t, engaged)
	assert.Zero(t, disengages)
	assert.NoError(t, c.Close(context.Background()), "Close is repeatable")
}

// ── Actuator faults ──────────────────────────────────────────────────────────

func TestActuation_DisengageFailureStillRelocks(t *testing.T) {
	act := newRecordingActuator()
	act.disengageFn = func() error { return errors.New("gpio write failed") }
	c := newController(act, nil, 10*time.Second, service.SessionQueue)

	start := time.Now()
	s, err := c.Grant(context.Background(), testCred, ownerAddr)
	require.NoError(t, err)

	assert.Equal(t, types.ActuationFailed, s.Actuation)
	assert.Less(t, time.Since(start), 5*time.Second, "no hold after a failed unlock")
	_, _, engages, _ := act.snapshot()
	assert.Equal(t, 1, engages)
}

type panickingActuator struct{ engages atomic.Int32 }

func (*panickingActuator) Disengage() error { panic("driver crashed") }
func (a *panickingActuator) Engage() error {
	a.engages.Add(1)
	return nil
}

func TestActuation_PanickingDriverIsContained(t *testing.T) {
	act := &panickingActuator{}
	c := newController(act, nil, time.Millisecond, service.SessionQueue)

	var s service.Session
	require.NotPanics(t, func() {
		s, _ = c.Grant(context.Background(), testCred, ownerAddr)
	})
	assert.Equal(t, types.ActuationFailed, s.Actuation)
	assert.Equal(t, int32(1), act.engages.Load())
}

// ── Cross-process lease ──────────────────────────────────────────────────────

type fakeLease struct {
	held     bool
	err      error
	releases atomic.Int32
}

func (f *fakeLease) Acquire(ctx context.Context) (func(), error) { return f.TryAcquire(ctx) }

func (f *fakeLease) TryAcquire(context.Context) (func(), error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.held {
		return nil, lock.ErrLeaseHeld
	}
	return func() { f.releases.Add(1) }, nil
}

func TestActuation_LeaseHeldElsewhere(t *testing.T) {
	act := newRecordingActuator()
	c := service.NewActuationController(act, nil, service.ActuationConfig{
		GrantDuration: time.Millisecond,
		Policy:        service.SessionReject,
		Lease:         &fakeLease{held: true},
	}, silentLogger())

	_, err := c.Grant(context.Background(), testCred, ownerAddr)
	assert.ErrorIs(t, err, service.ErrSessionActive)
	_, disengages, _, _ := act.snapshot()
	assert.Zero(t, disengages)

	// The local guard was released: a later grant is not blocked by it.
	_, err = c.Grant(context.Background(), testCred, ownerAddr)
	assert.ErrorIs(t, err, service.ErrSessionActive)
}

func TestActuation_LeaseReleasedAfterSession(t *testing.T) {
	act := newRecordingActuator()
	lease := &fakeLease{}
	c := service.NewActuationController(act, nil, service.ActuationConfig{
		GrantDuration: time.Millisecond,
		Lease:         lease,
	}, silentLogger())

	_, err := c.Grant(context.Background(), testCred, ownerAddr)
	require.NoError(t, err)
	assert.Equal(t, int32(1), lease.releases.Load())
}

func TestActuation_LeaseBackendDownFallsBackToLocalGuard(t *testing.T) {
	act := newRecordingActuator()
	c := service.NewActuationController(act, nil, service.ActuationConfig{
		GrantDuration: time.Millisecond,
		Lease:         &fakeLease{err: errors.New("dial tcp: connection refused")},
	}, silentLogger())

	s, err := c.Grant(context.Background(), testCred, ownerAddr)
	require.NoError(t, err)
	assert.Equal(t, types.ActuationUnlocked, s.Actuation)
}
