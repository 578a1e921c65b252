package service

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/store"
	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/types"
)

var (
	ErrPayloadRequired = errors.New("payload is required")
)

// ReasonLockBusy is the denial audited when a grant arrives during another
// session under SessionReject.
const ReasonLockBusy = "lock busy"

type AccessOptions struct {
	// LogDenials appends guest_access_denied entries for denials where the
	// key owner is known.
	LogDenials bool
}

// AccessService runs a scanned payload through the pipeline, opens the lock
// on GRANT, and mirrors every decision into the local event store.
type AccessService struct {
	pipeline   *Pipeline
	actuation  *ActuationController
	eventStore store.AccessEventStore
	opts       AccessOptions
	logger     *log.Logger
}

func NewAccessService(p *Pipeline, act *ActuationController, es store.AccessEventStore, opts AccessOptions, logger *log.Logger) *AccessService {
	return &AccessService{pipeline: p, actuation: act, eventStore: es, opts: opts, logger: logger}
}

// Verify decides and, on GRANT, blocks for the actuation hold.  The only
// error is ErrPayloadRequired; every other failure is a DENY response.
func (s *AccessService) Verify(ctx context.Context, req types.VerifyRequest) (types.VerifyResponse, error) {
	received := time.Now().UTC()
	if strings.TrimSpace(req.Payload) == "" {
		return types.VerifyResponse{}, ErrPayloadRequired
	}

	v := s.pipeline.Verify(ctx, req.Payload)
	resp := types.VerifyResponse{
		OK:        true,
		Granted:   v.Result.Granted(),
		Reason:    v.Result.Reason(),
		Result:    v.Result,
		Actuation: types.ActuationNone,
	}

	owner := v.Record.OwnerAddress
	if v.Result.Granted() {
		sess, err := s.actuation.Grant(ctx, v.Credential, owner)
		switch {
		case errors.Is(err, ErrSessionActive):
			resp.Actuation = types.ActuationBusy
			if s.opts.LogDenials {
				resp.AuditTxID = s.actuation.Deny(ctx, v.Credential, owner, ReasonLockBusy)
			}
		case err != nil:
			s.logger.Printf("access key=%s actuation not started: %v", v.Credential.ID, err)
			resp.Actuation = types.ActuationFailed
		default:
			resp.Actuation = sess.Actuation
			resp.AuditTxID = sess.AuditTxID
		}
	} else if s.opts.LogDenials && v.OwnerKnown() {
		resp.AuditTxID = s.actuation.Deny(ctx, v.Credential, owner, v.Result.Reason())
	}

	resp.EventID = s.recordEvent(ctx, req, v, resp, received)
	resp.ServerTime = time.Now().UTC().Format(time.RFC3339Nano)
	return resp, nil
}

// Relock ends an active grant hold.  Reports whether one was running.
func (s *AccessService) Relock() bool {
	return s.actuation.Relock()
}

// RecentEvents lists mirrored decisions, newest first.
func (s *AccessService) RecentEvents(ctx context.Context, limit int) ([]store.AccessEventRecord, error) {
	return s.eventStore.ListRecent(ctx, limit)
}

// recordEvent mirrors the decision locally and returns the event id.  Errors
// are logged and not returned: the ledger audit entry is authoritative and
// the caller already has its decision.
func (s *AccessService) recordEvent(
	ctx context.Context,
	req types.VerifyRequest,
	v Verification,
	resp types.VerifyResponse,
	received time.Time,
) string {
	rec := store.AccessEventRecord{
		EventID:        uuid.NewString(),
		KeyID:          v.Credential.ID,
		KeyName:        v.Credential.DisplayName,
		OwnerAddress:   v.Record.OwnerAddress,
		Recipient:      v.Credential.OwnerClaim,
		Granted:        v.Result.Granted(),
		Reason:         v.Result.Reason(),
		Stage:          string(v.Stage),
		ErrorKind:      string(v.Result.Kind()),
		ConfirmedRound: v.Record.ConfirmedRound,
		AuditTxID:      resp.AuditTxID,
		Actuation:      resp.Actuation,
		ReaderID:       strings.TrimSpace(req.ReaderID),
		ReceivedAt:     received,
		DecidedAt:      v.Result.DecidedAt(),
	}
	if v.Record.RecipientAddress != "" {
		rec.Recipient = v.Record.RecipientAddress
	}

	if err := s.eventStore.RecordEvent(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Printf("access event %s not recorded: %v", rec.EventID, err)
		return ""
	}
	return rec.EventID
}
