package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/tee-artifact-attestation/common"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
	"github.com/ruteri/tee-artifact-attestation/metrics"
	"github.com/ruteri/tee-artifact-attestation/providers"
)

// Transition names used in logs and metrics.
const (
	OpSelect = "select"
	OpSign   = "sign"
	OpAttest = "attest"
	OpReset  = "reset"
)

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = common.LoggerOrDiscard(log) }
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(c *Controller) { c.metrics = r }
}

// WithClock overrides the timestamps recorded in signed and attestation records.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller sequences digest, signing and attestation for one artifact at a time.
//
// All state changes happen under a single mutex and are published as snapshots.
// Providers are called without holding the lock. A transition requested while another
// one is running fails with ErrPipelineBusy; one requested from the wrong stage fails
// with a StageError. Neither changes the state.
type Controller struct {
	digest   interfaces.DigestProvider
	signer   interfaces.SigningProvider
	attestor interfaces.AttestationProvider

	log     *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	mu          sync.Mutex
	state       State
	subscribers map[int]chan State
	nextSub     int
}

func New(d interfaces.DigestProvider, s interfaces.SigningProvider, a interfaces.AttestationProvider, opts ...Option) *Controller {
	c := &Controller{
		digest:      d,
		signer:      s,
		attestor:    a,
		log:         common.DiscardLogger(),
		now:         time.Now,
		subscribers: make(map[int]chan State),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromBundle creates a controller over a selected provider bundle.
func FromBundle(b *providers.Bundle, opts ...Option) *Controller {
	return New(b.Digest, b.Signer, b.Attestor, opts...)
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SelectArtifact sets the artifact of the current run. Picking another artifact
// before signing replaces the previous one.
func (c *Controller) SelectArtifact(a interfaces.Artifact) (err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveTransition(OpSelect, time.Since(start), err) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Loading {
		return interfaces.ErrPipelineBusy
	}
	if err := checkStage(OpSelect, c.state.Stage, AwaitingArtifact, ArtifactSelected); err != nil {
		return err
	}

	c.state.Stage = ArtifactSelected
	c.state.Artifact = &a
	c.state.LastError = nil
	c.publishLocked()

	c.log.Info("Artifact selected", slog.String("name", a.Name), slog.Int64("size", a.Size))
	return nil
}

// ComputeAndSign digests the selected artifact and signs the digest. On failure the
// run stays in ArtifactSelected with LastError set, and can be retried.
func (c *Controller) ComputeAndSign(ctx context.Context) (rec interfaces.SignedRecord, err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveTransition(OpSign, time.Since(start), err) }()

	snap, err := c.begin(OpSign, ProgressExtracting, ArtifactSelected)
	if err != nil {
		return interfaces.SignedRecord{}, err
	}

	d, err := c.digest.Digest(ctx, bytes.NewReader(snap.Artifact.Data))
	if err != nil {
		return interfaces.SignedRecord{}, c.fail(snap.Generation, OpSign, err)
	}

	c.progress(snap.Generation, ProgressSigning)

	sig, err := c.signer.Sign(ctx, d)
	if err != nil {
		return interfaces.SignedRecord{}, c.fail(snap.Generation, OpSign, err)
	}
	if sig.Signature == "" || sig.PublicKey == "" {
		return interfaces.SignedRecord{}, c.fail(snap.Generation, OpSign,
			fmt.Errorf("%w: empty signature or public key", interfaces.ErrSigningFailed))
	}

	rec = interfaces.SignedRecord{
		Digest:    d,
		Signature: sig.Signature,
		PublicKey: sig.PublicKey,
		CreatedAt: c.now(),
	}

	err = c.finish(snap.Generation, func(s *State) {
		s.Stage = Signed
		s.Signed = &rec
	})
	if err != nil {
		return interfaces.SignedRecord{}, err
	}

	c.log.Info("Digest signed", slog.String("digest", d), slog.String("artifact", snap.Artifact.Name))
	return rec, nil
}

// SubmitAttestation submits the signed record to the attestation authority. On failure
// the run stays in Signed with the record untouched, and can be retried.
func (c *Controller) SubmitAttestation(ctx context.Context) (rec interfaces.AttestationRecord, err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveTransition(OpAttest, time.Since(start), err) }()

	snap, err := c.begin(OpAttest, ProgressSubmitting, Signed)
	if err != nil {
		return interfaces.AttestationRecord{}, err
	}

	signed := *snap.Signed
	ref, err := c.attestor.Attest(ctx, signed.Request())
	if err != nil {
		return interfaces.AttestationRecord{}, c.fail(snap.Generation, OpAttest, err)
	}

	rec, err = interfaces.NewAttestationRecord(signed, ref, c.now())
	if err != nil {
		return interfaces.AttestationRecord{}, c.fail(snap.Generation, OpAttest,
			fmt.Errorf("%w: %w", interfaces.ErrAttestationRejected, err))
	}

	err = c.finish(snap.Generation, func(s *State) {
		s.Stage = Attested
		s.Attestation = &rec
	})
	if err != nil {
		return interfaces.AttestationRecord{}, err
	}

	c.log.Info("Digest attested", slog.String("digest", rec.Digest), slog.String("reference", rec.TransactionReference))
	return rec, nil
}

// Reset discards the current run from any stage. A transition still in flight keeps
// running but its result is dropped with ErrRunSuperseded.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Loading {
		c.log.Info("Superseding in-flight transition", slog.Uint64("generation", c.state.Generation))
	}

	c.state = State{
		Stage:      AwaitingArtifact,
		Version:    c.state.Version,
		Generation: c.state.Generation + 1,
	}
	c.publishLocked()
	c.metrics.ObserveTransition(OpReset, 0, nil)
}

// Run drives a whole run for a: select, sign and attest.
func (c *Controller) Run(ctx context.Context, a interfaces.Artifact) (interfaces.AttestationRecord, error) {
	if err := c.SelectArtifact(a); err != nil {
		return interfaces.AttestationRecord{}, err
	}
	if _, err := c.ComputeAndSign(ctx); err != nil {
		return interfaces.AttestationRecord{}, err
	}
	return c.SubmitAttestation(ctx)
}

// begin validates and enters a transition, returning the snapshot the providers work on.
func (c *Controller) begin(op, progress string, allowed ...Stage) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Loading {
		return State{}, interfaces.ErrPipelineBusy
	}
	if err := checkStage(op, c.state.Stage, allowed...); err != nil {
		return State{}, err
	}

	c.state.Loading = true
	c.state.LastError = nil
	c.state.Progress = progress
	c.publishLocked()

	return c.state, nil
}

func (c *Controller) progress(generation uint64, progress string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Generation != generation {
		return
	}
	c.state.Progress = progress
	c.publishLocked()
}

func (c *Controller) finish(generation uint64, apply func(*State)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Generation != generation {
		return interfaces.ErrRunSuperseded
	}

	apply(&c.state)
	c.state.Loading = false
	c.state.Progress = ""
	c.publishLocked()
	return nil
}

// fail records err as the last error and leaves the stage unchanged.
func (c *Controller) fail(generation uint64, op string, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Generation != generation {
		c.log.Debug("Dropping result of superseded run", slog.String("op", op), "err", err)
		return fmt.Errorf("%w: %w", interfaces.ErrRunSuperseded, err)
	}

	c.state.Loading = false
	c.state.Progress = ""
	c.state.LastError = describe(c.state.Stage, err)
	c.publishLocked()

	c.log.Warn("Failed to "+op, slog.String("stage", c.state.Stage.String()),
		slog.String("category", c.state.LastError.Category.String()), "err", err)
	return err
}
