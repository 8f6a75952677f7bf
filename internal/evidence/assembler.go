package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"evidenced/internal/anchors"
	"evidenced/internal/clip"
	"evidenced/internal/detect"
	"evidenced/internal/framebuf"
	"evidenced/internal/integrity"
	"evidenced/internal/metrics"
	"evidenced/internal/seal"
	"evidenced/internal/security"
)

// ArtifactExt is appended to a clip path to name its encrypted artifact.
const ArtifactExt = ".enc"

var (
	// ErrArtifactMissing is returned by Reanchor when the artifact is gone.
	ErrArtifactMissing = errors.New("evidence: encrypted artifact missing")

	// ErrNotAnchored marks records kept pending because anchoring is
	// switched off. Reanchor submits them later.
	ErrNotAnchored = errors.New("evidence: anchoring skipped")
)

// Materializer writes a frame snapshot as a clip. *clip.Materializer
// implements it.
type Materializer interface {
	Materialize(frames []framebuf.Frame, outPath string, fps float64) (*clip.Clip, error)
}

// Encrypter seals a clip into an artifact. *seal.Sealer implements it.
type Encrypter interface {
	Encrypt(plaintextPath, outPath string) (*seal.Artifact, error)
}

// Archiver copies an artifact off-site and returns its location.
type Archiver interface {
	Upload(ctx context.Context, artifactPath, digest string) (string, error)
}

// ReceiptStore persists anchor receipts.
type ReceiptStore interface {
	Save(receipt *anchors.Receipt) error
}

// Config holds the per-camera assembler settings.
type Config struct {
	CameraID string
	// ClipDir receives clips and artifacts.
	ClipDir string
	// SubmittedBy identifies the operator or device in ledger metadata.
	SubmittedBy string
	// RetainPlaintext keeps the unencrypted clip next to its artifact.
	RetainPlaintext bool
	// SkipAnchor seals and records events without submitting them.
	SkipAnchor bool
}

// Assembler runs the capture-to-anchor pipeline for admitted events.
type Assembler struct {
	cfg          Config
	materializer Materializer
	sealer       Encrypter
	anchor       anchors.Anchor

	archiver Archiver
	receipts ReceiptStore
	metrics  *metrics.Pipeline
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) { a.logger = l }
}

// WithArchiver uploads each artifact before anchoring.
func WithArchiver(ar Archiver) Option {
	return func(a *Assembler) { a.archiver = ar }
}

// WithReceipts persists every anchor receipt.
func WithReceipts(r ReceiptStore) Option {
	return func(a *Assembler) { a.receipts = r }
}

// WithMetrics records stage timings and outcomes.
func WithMetrics(m *metrics.Pipeline) Option {
	return func(a *Assembler) { a.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// NewAssembler creates an assembler writing under cfg.ClipDir.
func NewAssembler(cfg Config, m Materializer, s Encrypter, anchor anchors.Anchor, opts ...Option) (*Assembler, error) {
	if cfg.CameraID == "" {
		return nil, errors.New("evidence: camera id is required")
	}
	if m == nil || s == nil {
		return nil, errors.New("evidence: materializer and sealer are required")
	}
	if anchor == nil && !cfg.SkipAnchor {
		return nil, errors.New("evidence: anchor is required unless anchoring is skipped")
	}
	if err := security.EnsureSecureDir(cfg.ClipDir); err != nil {
		return nil, fmt.Errorf("evidence: clip dir: %w", err)
	}

	a := &Assembler{
		cfg:          cfg,
		materializer: m,
		sealer:       s,
		anchor:       anchor,
		logger:       slog.Default(),
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Assemble materializes, encrypts, digests and anchors one event.
func (a *Assembler) Assemble(ctx context.Context, job Job) Result {
	log := a.logger.With("camera", a.cfg.CameraID, "kind", job.Trigger.Kind)
	createdAt := a.now().UTC()
	eventTime := job.EndTime
	if eventTime.IsZero() {
		eventTime = createdAt
	}

	clipPath, err := a.reservePath(clip.Name(a.cfg.CameraID, job.Trigger.Kind, eventTime.Local()))
	if err != nil {
		return a.abort(log, nil, fmt.Errorf("evidence: reserve clip path: %w", err))
	}

	start := time.Now()
	c, err := a.materializer.Materialize(job.Frames, clipPath, job.FrameRate)
	a.metrics.ObserveStage(metrics.StageMaterialize, start)
	if err != nil {
		return a.abort(log, nil, err)
	}

	start = time.Now()
	artifact, err := a.sealer.Encrypt(c.Path, c.Path+ArtifactExt)
	a.metrics.ObserveStage(metrics.StageEncrypt, start)
	if err != nil {
		os.Remove(c.Path)
		return a.abort(log, nil, err)
	}

	recordClip := c.Path
	if !a.cfg.RetainPlaintext {
		if err := os.Remove(c.Path); err != nil {
			log.Warn("failed to remove plaintext clip", "path", c.Path, "error", err)
		} else {
			recordClip = ""
		}
	}

	start = time.Now()
	digest, err := integrity.FileDigest(artifact.Path)
	if err == nil {
		digest, err = a.resolveDigest(log, digest, artifact.Path)
	}
	a.metrics.ObserveStage(metrics.StageDigest, start)
	if err != nil {
		return a.abort(log, artifact, err)
	}

	rec := &Record{
		ID:            a.newID(),
		CameraID:      a.cfg.CameraID,
		EventKind:     job.Trigger.Kind,
		Confidence:    job.Trigger.Confidence,
		StartTime:     job.StartTime,
		EndTime:       job.EndTime,
		ClipPath:      recordClip,
		EncryptedPath: artifact.Path,
		Digest:        digest,
		AnchorStatus:  anchors.StatusUnknown,
		SubmittedBy:   a.cfg.SubmittedBy,
		CreatedAt:     createdAt,
	}
	if rec.StartTime.IsZero() || rec.EndTime.IsZero() {
		rec.StartTime, rec.EndTime = c.StartTime, c.EndTime
	}

	a.archive(ctx, log, rec)
	return a.finish(ctx, log, rec, artifact)
}

// SealClip encrypts, digests and anchors an existing clip file, leaving
// the source untouched. The event window is unknown, so both ends are the
// sealing time.
func (a *Assembler) SealClip(ctx context.Context, src string, trigger detect.Trigger) Result {
	log := a.logger.With("camera", a.cfg.CameraID, "source", src)
	now := a.now().UTC()

	src, err := filepath.Abs(src)
	if err != nil {
		return a.abort(log, nil, fmt.Errorf("evidence: resolve clip: %w", err))
	}
	if trigger.Kind == "" {
		trigger.Kind = "manual"
	}

	clipPath, err := a.reservePath(clip.Name(a.cfg.CameraID, trigger.Kind, now.Local()))
	if err != nil {
		return a.abort(log, nil, fmt.Errorf("evidence: reserve artifact path: %w", err))
	}

	start := time.Now()
	artifact, err := a.sealer.Encrypt(src, clipPath+ArtifactExt)
	a.metrics.ObserveStage(metrics.StageEncrypt, start)
	if err != nil {
		return a.abort(log, nil, err)
	}

	digest, err := integrity.FileDigest(artifact.Path)
	if err != nil {
		return a.abort(log, artifact, err)
	}

	rec := &Record{
		ID:            a.newID(),
		CameraID:      a.cfg.CameraID,
		EventKind:     trigger.Kind,
		Confidence:    trigger.Confidence,
		StartTime:     now,
		EndTime:       now,
		ClipPath:      src,
		EncryptedPath: artifact.Path,
		Digest:        digest,
		AnchorStatus:  anchors.StatusUnknown,
		SubmittedBy:   a.cfg.SubmittedBy,
		CreatedAt:     now,
	}

	a.archive(ctx, log, rec)
	return a.finish(ctx, log, rec, artifact)
}

func (a *Assembler) finish(ctx context.Context, log *slog.Logger, rec *Record, artifact *seal.Artifact) Result {
	if a.cfg.SkipAnchor {
		rec.AnchorStatus = anchors.StatusPending
		log.Info("evidence sealed, anchoring skipped", "record", rec.ID, "digest", rec.Digest)
		return a.unconfirmed(rec, artifact, nil, ErrNotAnchored)
	}
	return a.submit(ctx, log, rec, artifact)
}

// Reanchor retries anchoring a stored record with its existing digest.
// The artifact must still hash to that digest. A record with an unresolved
// transaction is reconciled first and only resubmitted once the ledger
// reports that transaction reverted or dropped.
func (a *Assembler) Reanchor(ctx context.Context, rec *Record) Result {
	log := a.logger.With("record", rec.ID, "camera", rec.CameraID)
	artifact := &seal.Artifact{Path: rec.EncryptedPath}
	if a.anchor == nil {
		return a.unconfirmed(rec, artifact, nil, ErrNotAnchored)
	}

	if _, err := os.Stat(rec.EncryptedPath); err != nil {
		return a.unconfirmed(rec, artifact, nil, fmt.Errorf("%w: %s", ErrArtifactMissing, rec.EncryptedPath))
	}

	digest, err := a.resolveDigest(log, rec.Digest, rec.EncryptedPath)
	if err != nil {
		return a.unconfirmed(rec, artifact, nil, err)
	}
	if err := integrity.Verify(rec.EncryptedPath, digest); err != nil {
		log.Error("artifact does not match its recorded digest", "error", err)
		return a.unconfirmed(rec, artifact, nil, err)
	}
	rec.Digest = digest

	if rec.TxID != "" && rec.AnchorStatus == anchors.StatusUnknown {
		receipt, err := a.anchor.Reconcile(ctx, rec.TxID)
		if err == nil && receipt.Confirmed() {
			receipt.Digest = rec.Digest
			a.saveReceipt(log, receipt)
			rec.AnchorStatus = receipt.Status
			a.metrics.RecordAnchor(string(receipt.Status))
			a.metrics.RecordOutcome(string(OutcomeConfirmed))
			log.Info("earlier submission confirmed", "tx", rec.TxID)
			return Result{Outcome: OutcomeConfirmed, Record: rec, Artifact: artifact, Receipt: receipt}
		}
		// Only an explicit failure clears the way for a second transaction.
		if err == nil || errors.Is(err, anchors.ErrNetwork) || errors.Is(err, anchors.ErrTimeout) {
			if err == nil {
				err = &anchors.SubmitError{Kind: anchors.ErrTimeout, TxID: rec.TxID, Err: errors.New("transaction not mined yet")}
			}
			if receipt != nil {
				receipt.Digest = rec.Digest
			}
			log.Warn("earlier submission still unresolved", "tx", rec.TxID, "error", err)
			a.metrics.RecordAnchor(string(anchors.StatusUnknown))
			return a.unconfirmed(rec, artifact, receipt, err)
		}
		log.Warn("earlier submission failed, resubmitting", "tx", rec.TxID, "error", err)
	}

	return a.submit(ctx, log, rec, artifact)
}

// resolveDigest passes candidate through the validate-or-recompute gate.
func (a *Assembler) resolveDigest(log *slog.Logger, candidate, artifactPath string) (string, error) {
	res, err := integrity.ValidateOrRecompute(candidate, artifactPath)
	if err != nil {
		return "", err
	}
	if res.Recovered {
		a.metrics.RecordDigestRecovered()
		log.Warn("discarded invalid digest", "reason", res.Discarded, "digest", res.Digest)
	}
	return res.Digest, nil
}

func (a *Assembler) archive(ctx context.Context, log *slog.Logger, rec *Record) {
	if a.archiver == nil {
		return
	}
	start := time.Now()
	key, err := a.archiver.Upload(ctx, rec.EncryptedPath, rec.Digest)
	a.metrics.ObserveStage(metrics.StageArchive, start)
	if err != nil {
		a.metrics.RecordArchiveError()
		log.Warn("artifact archive failed", "path", rec.EncryptedPath, "error", err)
		return
	}
	rec.ArchiveKey = key
}

func (a *Assembler) submit(ctx context.Context, log *slog.Logger, rec *Record, artifact *seal.Artifact) Result {
	meta, err := rec.Metadata()
	if err != nil {
		return a.unconfirmed(rec, artifact, nil, fmt.Errorf("evidence: encode metadata: %w", err))
	}

	start := time.Now()
	receipt, err := a.anchor.Submit(ctx, rec.Digest, meta)
	a.metrics.ObserveStage(metrics.StageAnchor, start)
	if receipt == nil {
		receipt = &anchors.Receipt{Anchor: a.anchor.Name(), Digest: rec.Digest, Status: anchors.StatusFailed, SubmittedAt: a.now().UTC()}
		if err != nil {
			receipt.Err = err.Error()
		}
	}
	a.saveReceipt(log, receipt)
	a.metrics.RecordAnchor(string(receipt.Status))

	rec.TxID = receipt.TxID
	rec.AnchorStatus = receipt.Status
	if err == nil && !receipt.Confirmed() {
		err = fmt.Errorf("evidence: anchor returned status %s", receipt.Status)
	}
	if err != nil {
		log.Warn("anchoring failed, evidence kept for retry",
			"record", rec.ID, "digest", rec.Digest, "tx", rec.TxID, "status", rec.AnchorStatus, "error", err)
		return a.unconfirmed(rec, artifact, receipt, err)
	}

	a.metrics.RecordOutcome(string(OutcomeConfirmed))
	log.Info("evidence anchored", "record", rec.ID, "digest", rec.Digest, "tx", rec.TxID, "block", receipt.BlockNumber)
	return Result{Outcome: OutcomeConfirmed, Record: rec, Artifact: artifact, Receipt: receipt}
}

func (a *Assembler) saveReceipt(log *slog.Logger, receipt *anchors.Receipt) {
	if a.receipts == nil {
		return
	}
	if err := a.receipts.Save(receipt); err != nil {
		log.Warn("failed to save anchor receipt", "tx", receipt.TxID, "error", err)
	}
}

func (a *Assembler) unconfirmed(rec *Record, artifact *seal.Artifact, receipt *anchors.Receipt, err error) Result {
	a.metrics.RecordOutcome(string(OutcomeUnconfirmed))
	return Result{Outcome: OutcomeUnconfirmed, Record: rec, Artifact: artifact, Receipt: receipt, Err: err}
}

func (a *Assembler) abort(log *slog.Logger, artifact *seal.Artifact, err error) Result {
	a.metrics.RecordOutcome(string(OutcomeAborted))
	log.Error("event aborted", "error", err)
	return Result{Outcome: OutcomeAborted, Artifact: artifact, Err: err}
}

// reservePath returns a clip path under ClipDir whose clip and artifact
// names are both unused. Existing evidence is never overwritten.
func (a *Assembler) reservePath(name string) (string, error) {
	for i := 1; i < 1000; i++ {
		base := name
		if i > 1 {
			base = name + "_" + strconv.Itoa(i)
		}
		p := filepath.Join(a.cfg.ClipDir, base+clip.Extension)
		if exists(p) || exists(p+ArtifactExt) {
			continue
		}
		return p, nil
	}
	return "", fmt.Errorf("too many clips named %s", name)
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
