package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/BrandonDHaskell/Soteria/server/internal/ledger"
	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/types"
)

// Mode selects which checks establish authenticity and revocation.
type Mode string

const (
	// ModeLedgerNotes reads create/revoke notes from the indexer.
	ModeLedgerNotes Mode = "notes"
	// ModeContract delegates both checks to the application's
	// verify_access method.
	ModeContract Mode = "contract"
)

func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), string(ModeContract)) {
		return ModeContract
	}
	return ModeLedgerNotes
}

type Stage string

const (
	StageParsing            Stage = "parsing"
	StageAuthenticating     Stage = "authenticating"
	StageRevocationChecking Stage = "revocation_checking"
	StageTimeChecking       Stage = "time_checking"
	StageDecided            Stage = "decided"
)

const (
	ReasonGranted        = "all verification checks passed"
	ReasonRevoked        = "key has been revoked by owner"
	ReasonSystemError    = "system error"
	ReasonContractFailed = "contract verification failed"
)

// Verification is everything the pipeline learned about one payload.
// Credential and Record are zero when the pipeline stopped before filling
// them in.
type Verification struct {
	Result     types.VerificationResult
	Credential types.Credential
	Record     types.OnChainRecord
	Stage      Stage
}

// OwnerKnown reports whether authenticity resolved the key's creator.
func (v Verification) OwnerKnown() bool { return v.Record.OwnerAddress != "" }

type PipelineConfig struct {
	Mode             Mode
	AppID            string
	RequireRecipient bool
	TimeTolerance    time.Duration // zero means DefaultTimeTolerance
	LedgerTimeout    time.Duration
	RevocationLimit  int
	RevocationPolicy RevocationFailPolicy

	// Now overrides the wall clock; nil means time.Now.
	Now func() time.Time
}

// Pipeline runs parse → authenticate → revocation → time-lock and stops at
// the first failure.  It keeps no per-call state and is safe for
// concurrent use.
type Pipeline struct {
	mode      Mode
	parser    *CredentialParser
	checker   *AuthenticityChecker
	scanner   *RevocationScanner
	timelock  *TimeLockValidator
	contract  ledger.ContractVerifier
	ctTimeout time.Duration
	now       func() time.Time
	logger    *log.Logger
	tracer    trace.Tracer
}

// NewPipeline wires the checks for cfg.Mode.  contract may be nil in
// ModeLedgerNotes.
func NewPipeline(cfg PipelineConfig, lookup ledger.Lookup, contract ledger.ContractVerifier, logger *log.Logger) *Pipeline {
	if cfg.Mode == "" {
		cfg.Mode = ModeLedgerNotes
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = DefaultLedgerTimeout
	}
	if cfg.TimeTolerance <= 0 {
		cfg.TimeTolerance = DefaultTimeTolerance
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		mode: cfg.Mode,
		parser: NewCredentialParser(ParserOptions{
			AppID:            cfg.AppID,
			RequireRecipient: cfg.RequireRecipient,
			RequireWindow:    cfg.Mode == ModeLedgerNotes,
		}),
		checker: NewAuthenticityChecker(lookup, cfg.AppID, cfg.LedgerTimeout),
		scanner: NewRevocationScanner(lookup, RevocationOptions{
			AppID:   cfg.AppID,
			Limit:   cfg.RevocationLimit,
			Policy:  cfg.RevocationPolicy,
			Timeout: cfg.LedgerTimeout,
		}),
		timelock:  NewTimeLockValidator(cfg.TimeTolerance),
		contract:  contract,
		ctTimeout: cfg.LedgerTimeout,
		now:       now,
		logger:    logger,
		tracer:    otel.Tracer("github.com/BrandonDHaskell/Soteria/server/internal/soteria/service"),
	}
}

func (p *Pipeline) Mode() Mode { return p.mode }

// RevocationPolicy reports how a failed revocation lookup is treated.
func (p *Pipeline) RevocationPolicy() RevocationFailPolicy { return p.scanner.Policy() }

// Verify decides whether raw grants access.  It never panics and never
// returns an error: every failure is a DENY result.
func (p *Pipeline) Verify(ctx context.Context, raw string) (v Verification) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "soteria.verify", trace.WithAttributes(
		attribute.String("soteria.mode", string(p.mode)),
	))
	defer span.End()

	v.Stage = StageParsing
	defer func() {
		if r := recover(); r != nil {
			p.logger.Printf("verify panic stage=%s: %v", v.Stage, r)
			v.Result = types.Deny(types.KindSystemFault, ReasonSystemError, p.now()).
				WithDetail(types.DetailStage, string(v.Stage))
		}
		span.SetAttributes(
			attribute.Bool("soteria.granted", v.Result.Granted()),
			attribute.String("soteria.stage", string(v.Stage)),
			attribute.String("soteria.reason", v.Result.Reason()),
		)
		p.logger.Printf("verify decided granted=%t stage=%s reason=%q key=%s dur=%s",
			v.Result.Granted(), v.Stage, v.Result.Reason(), v.Credential.ID, time.Since(start))
	}()

	cred, err := p.parser.Parse(raw)
	if err != nil {
		kind := types.KindMalformedInput
		if pe, ok := AsParseError(err); ok {
			kind = pe.ErrorKind()
		}
		v.Result = p.deny(v.Stage, kind, "invalid credential: "+err.Error())
		return v
	}
	v.Credential = cred

	if p.mode == ModeContract {
		p.verifyContract(ctx, &v)
	} else {
		p.verifyNotes(ctx, &v)
	}
	return v
}

// verifyNotes updates v in place so a panic still sees the current stage.
func (p *Pipeline) verifyNotes(ctx context.Context, v *Verification) {
	cred := v.Credential

	v.Stage = StageAuthenticating
	rec, err := p.traced(ctx, v.Stage, func(ctx context.Context) (types.OnChainRecord, error) {
		return p.checker.Check(ctx, cred)
	})
	if err != nil {
		v.Result = p.deny(v.Stage, authenticityKind(err), authenticityReason(err))
		return
	}
	v.Record = rec

	v.Stage = StageRevocationChecking
	revoked, err := p.tracedBool(ctx, v.Stage, func(ctx context.Context) (bool, error) {
		return p.scanner.IsRevoked(ctx, cred.ID, rec.OwnerAddress)
	})
	if err != nil {
		v.Result = p.deny(v.Stage, types.KindUnavailable, ErrRevocationUnavailable.Error())
		return
	}
	if revoked {
		v.Result = p.deny(v.Stage, types.KindPolicyViolation, ReasonRevoked)
		return
	}

	v.Stage = StageTimeChecking
	now := p.now()
	if tl := p.timelock.Validate(cred, now); !tl.Granted() {
		v.Result = tl.WithDetail(types.DetailStage, string(v.Stage))
		return
	}

	v.Stage = StageDecided
	p.logger.Printf("verify key=%s window open for %s", cred.ID, p.timelock.Remaining(cred, now).Truncate(time.Second))
	v.Result = types.Grant(ReasonGranted, now, credentialDetails(cred), map[string]any{
		types.DetailRecipient:      rec.RecipientAddress,
		types.DetailOwner:          rec.OwnerAddress,
		types.DetailConfirmedRound: rec.ConfirmedRound,
		types.DetailTransactionID:  rec.TransactionID,
	})
}

func (p *Pipeline) verifyContract(ctx context.Context, v *Verification) {
	cred := v.Credential

	v.Stage = StageAuthenticating
	if p.contract == nil {
		v.Result = p.deny(v.Stage, types.KindSystemFault, ReasonContractFailed)
		return
	}
	verdict, err := p.tracedString(ctx, v.Stage, func(ctx context.Context) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, p.ctTimeout)
		defer cancel()
		return p.contract.VerifyAccess(ctx, cred.ID)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			v.Result = p.deny(v.Stage, types.KindNotFound, "key not found on ledger")
		} else {
			v.Result = p.deny(v.Stage, types.KindUnavailable, ReasonContractFailed)
		}
		return
	}

	v.Stage = StageRevocationChecking
	switch verdict {
	case ledger.VerdictGranted:
	case ledger.VerdictDeniedRevoked:
		v.Result = p.deny(v.Stage, types.KindPolicyViolation, ReasonRevoked)
		return
	case ledger.VerdictDeniedNotYet:
		v.Stage = StageTimeChecking
		v.Result = p.deny(v.Stage, types.KindPolicyViolation, "not yet valid")
		return
	case ledger.VerdictDeniedExpired:
		v.Stage = StageTimeChecking
		v.Result = p.deny(v.Stage, types.KindPolicyViolation, "expired")
		return
	default:
		v.Result = p.deny(v.Stage, types.KindPolicyViolation, verdict)
		return
	}

	v.Stage = StageTimeChecking
	now := p.now()
	if cred.HasWindow() {
		if tl := p.timelock.Validate(cred, now); !tl.Granted() {
			v.Result = tl.WithDetail(types.DetailStage, string(v.Stage))
			return
		}
		p.logger.Printf("verify key=%s window open for %s", cred.ID, p.timelock.Remaining(cred, now).Truncate(time.Second))
	}

	v.Stage = StageDecided
	v.Result = types.Grant(ReasonGranted, now, credentialDetails(cred), map[string]any{"verdict": verdict})
}

func (p *Pipeline) deny(stage Stage, kind types.ErrorKind, reason string) types.VerificationResult {
	return types.Deny(kind, reason, p.now()).WithDetail(types.DetailStage, string(stage))
}

func (p *Pipeline) traced(ctx context.Context, stage Stage, fn func(context.Context) (types.OnChainRecord, error)) (types.OnChainRecord, error) {
	ctx, span := p.tracer.Start(ctx, "soteria."+string(stage))
	defer span.End()
	rec, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
	}
	return rec, err
}

func (p *Pipeline) tracedBool(ctx context.Context, stage Stage, fn func(context.Context) (bool, error)) (bool, error) {
	ctx, span := p.tracer.Start(ctx, "soteria."+string(stage))
	defer span.End()
	ok, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
	}
	return ok, err
}

func (p *Pipeline) tracedString(ctx context.Context, stage Stage, fn func(context.Context) (string, error)) (string, error) {
	ctx, span := p.tracer.Start(ctx, "soteria."+string(stage))
	defer span.End()
	s, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
	}
	return s, err
}

func credentialDetails(cred types.Credential) map[string]any {
	return map[string]any{
		types.DetailKeyID:      cred.ID,
		types.DetailKeyName:    cred.DisplayName,
		types.DetailRecipient:  cred.OwnerClaim,
		types.DetailValidFrom:  cred.ValidFrom,
		types.DetailValidUntil: cred.ValidUntil,
	}
}

func authenticityReason(err error) string {
	for _, known := range []error{
		ErrMalformedNote, ErrNoteAppMismatch, ErrNotKeyCreation,
		ErrRecipientMismatch, ErrWindowMismatch, ErrInvalidRecipient,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	if errors.Is(err, ledger.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("%s (ledger unavailable)", ErrRecordNotFound)
	}
	return ErrRecordNotFound.Error()
}
