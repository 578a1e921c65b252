package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/BrandonDHaskell/Soteria/server/internal/lock"
	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/types"
)

// DefaultGrantDuration is how long the lock stays disengaged after a grant.
const DefaultGrantDuration = 10 * time.Second

// SessionPolicy decides what a grant does while another session holds the
// lock open.
type SessionPolicy string

const (
	// SessionQueue waits for the active session to finish.
	SessionQueue SessionPolicy = "queue"
	// SessionReject fails fast with ErrSessionActive.
	SessionReject SessionPolicy = "reject"
)

func ParseSessionPolicy(s string) SessionPolicy {
	if strings.EqualFold(strings.TrimSpace(s), string(SessionReject)) {
		return SessionReject
	}
	return SessionQueue
}

var (
	ErrSessionActive   = errors.New("grant session already active")
	ErrActuationClosed = errors.New("actuation controller closed")
)

// Session describes one completed grant.
type Session struct {
	ID        string
	KeyID     string
	Actuation string
	AuditTxID string
	Cancelled bool
	StartedAt time.Time
	EndedAt   time.Time
}

type ActuationConfig struct {
	GrantDuration time.Duration
	Policy        SessionPolicy
	// Lease, when set, extends exclusivity to other verifier processes
	// driving the same door.
	Lease lock.Lease
}

// lockState is only touched under ActuationController.mu.
type lockState struct {
	engaged bool
}

// ActuationController owns the lock.  At most one grant session runs at a
// time; the lock is always re-engaged before Grant returns.
type ActuationController struct {
	actuator lock.Actuator
	audit    *AuditLogger
	lease    lock.Lease
	hold     time.Duration
	policy   SessionPolicy
	sem      *semaphore.Weighted
	logger   *log.Logger

	mu     sync.Mutex
	state  lockState
	relock context.CancelFunc
	closed bool
}

func NewActuationController(act lock.Actuator, audit *AuditLogger, cfg ActuationConfig, logger *log.Logger) *ActuationController {
	if cfg.GrantDuration <= 0 {
		cfg.GrantDuration = DefaultGrantDuration
	}
	if cfg.Policy == "" {
		cfg.Policy = SessionQueue
	}
	return &ActuationController{
		actuator: act,
		audit:    audit,
		lease:    cfg.Lease,
		hold:     cfg.GrantDuration,
		policy:   cfg.Policy,
		sem:      semaphore.NewWeighted(1),
		logger:   logger,
		state:    lockState{engaged: true},
	}
}

func (c *ActuationController) Policy() SessionPolicy { return c.policy }

// Grant unlocks for the grant duration and submits the granted audit entry
// while the door is open.  It blocks for the whole hold.  ctx bounds only the
// wait for the session; once the door is open, the hold ends on its timer,
// Relock or Close.  The session is released as soon as the door re-locks and
// Grant then waits for the audit result.  Actuator faults are logged and
// reported in Session.Actuation, never returned; the only errors are
// ErrSessionActive under SessionReject, ErrActuationClosed, and ctx errors
// while queueing.
func (c *ActuationController) Grant(ctx context.Context, cred types.Credential, owner string) (Session, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return Session{}, err
	}

	holdCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		release()
		return Session{}, ErrActuationClosed
	}
	c.relock = cancel
	c.mu.Unlock()

	s := Session{
		ID:        uuid.NewString(),
		KeyID:     cred.ID,
		Actuation: types.ActuationUnlocked,
		StartedAt: time.Now().UTC(),
	}

	audited := make(chan string, 1)
	go func() {
		audited <- c.audit.LogGranted(context.WithoutCancel(ctx), cred.ID, cred.DisplayName, owner)
	}()

	if err := c.disengage(); err != nil {
		c.logger.Printf("actuation session=%s key=%s disengage failed: %v", s.ID, cred.ID, err)
		s.Actuation = types.ActuationFailed
	} else {
		c.logger.Printf("actuation session=%s key=%s unlocked for %s", s.ID, cred.ID, c.hold)
		timer := time.NewTimer(c.hold)
		select {
		case <-timer.C:
		case <-holdCtx.Done():
			timer.Stop()
			s.Cancelled = true
		}
	}

	if err := c.engage(); err != nil {
		c.logger.Printf("actuation session=%s key=%s engage failed: %v", s.ID, cred.ID, err)
		s.Actuation = types.ActuationFailed
	}

	c.mu.Lock()
	c.relock = nil
	c.mu.Unlock()
	release()

	s.AuditTxID = <-audited
	s.EndedAt = time.Now().UTC()
	c.logger.Printf("actuation session=%s key=%s relocked cancelled=%t audit=%q",
		s.ID, cred.ID, s.Cancelled, s.AuditTxID)
	return s, nil
}

// Deny records a refused entry.  The lock is not touched.
func (c *ActuationController) Deny(ctx context.Context, cred types.Credential, owner, reason string) string {
	return c.audit.LogDenied(ctx, cred.ID, cred.DisplayName, owner, reason)
}

// Relock ends the active hold early.  Reports whether a session was
// running.
func (c *ActuationController) Relock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.relock == nil {
		return false
	}
	c.relock()
	return true
}

// Close refuses further grants, ends the active hold, waits for the session
// to release the lock and engages it.  Grants queued behind the active
// session return ErrActuationClosed without touching the lock.  If ctx ends
// first the lock is engaged anyway and ctx's error is returned.
func (c *ActuationController) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	if c.relock != nil {
		c.relock()
	}
	c.mu.Unlock()

	err := c.sem.Acquire(ctx, 1)
	if err == nil {
		defer c.sem.Release(1)
	}
	if eerr := c.engage(); eerr != nil {
		c.logger.Printf("actuation close: engage failed: %v", eerr)
	}
	c.logger.Printf("actuation closed")
	return err
}

func (c *ActuationController) acquire(ctx context.Context) (func(), error) {
	if c.policy == SessionReject {
		if !c.sem.TryAcquire(1) {
			return nil, ErrSessionActive
		}
	} else if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	if c.lease == nil {
		return func() { c.sem.Release(1) }, nil
	}

	var (
		unlease func()
		err     error
	)
	if c.policy == SessionReject {
		unlease, err = c.lease.TryAcquire(ctx)
	} else {
		unlease, err = c.lease.Acquire(ctx)
	}
	switch {
	case errors.Is(err, lock.ErrLeaseHeld):
		c.sem.Release(1)
		return nil, ErrSessionActive
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.sem.Release(1)
		return nil, err
	case err != nil:
		// Lease backend down: the local semaphore still serializes this
		// process.
		c.logger.Printf("actuation lease unavailable, continuing with local guard: %v", err)
		return func() { c.sem.Release(1) }, nil
	}
	return func() {
		unlease()
		c.sem.Release(1)
	}, nil
}

func (c *ActuationController) disengage() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := guarded(c.actuator.Disengage); err != nil {
		return err
	}
	c.state.engaged = false
	return nil
}

// engage re-locks.  State is recorded as engaged even on failure so the
// next session retries the disengage/engage cycle from a known state.
func (c *ActuationController) engage() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.engaged = true
	return guarded(c.actuator.Engage)
}

// guarded turns a panicking hardware driver into an error.
func guarded(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actuator panic: %v", r)
		}
	}()
	return fn()
}
