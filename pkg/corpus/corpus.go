// Package corpus is the embeddable public facade over the fuzzer's
// diversity-driven corpus core: Open a corpus rooted at an out_dir,
// Execute trace maps against it, and read back Stats for a status UI.
package corpus

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.uber.org/multierr"

	"github.com/divfuzz/corpus/internal/fuzzcore/config"
	"github.com/divfuzz/corpus/internal/fuzzcore/corpuslock"
	"github.com/divfuzz/corpus/internal/fuzzcore/diversity"
	"github.com/divfuzz/corpus/internal/fuzzcore/edgeindex"
	"github.com/divfuzz/corpus/internal/fuzzcore/hashindex"
	"github.com/divfuzz/corpus/internal/fuzzcore/pipeline"
	"github.com/divfuzz/corpus/internal/fuzzcore/queue"
	"github.com/divfuzz/corpus/internal/fuzzcore/store"
	"github.com/divfuzz/corpus/internal/fuzzcore/telemetry"
	fsabs "github.com/divfuzz/corpus/pkg/fs"
)

// FaultKind mirrors pipeline.FaultKind for embedders that don't want to
// import the internal package directly.
type FaultKind = pipeline.FaultKind

const (
	FaultNone    = pipeline.FaultNone
	FaultTimeout = pipeline.FaultTimeout
	FaultCrash   = pipeline.FaultCrash
	FaultError   = pipeline.FaultError
)

// TraceMap is an already-populated, M-byte coverage trace from one target
// execution, in the shared-memory shape spec.md §6 describes.
type TraceMap = []byte

// Corpus is an opened, lockable corpus core rooted at one out_dir.
type Corpus struct {
	cfg    config.Config
	lock   *corpuslock.Lock
	store  *store.Store
	queue  *queue.Queue
	hash   *hashindex.Index
	edge   *edgeindex.EdgeIndex
	metric *diversity.Metric
	pipe   *pipeline.Pipeline
	logger *slog.Logger
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	logger     *slog.Logger
	calibrator pipeline.Calibrator
	fs         fsabs.FS
}

// WithLogger overrides the default slog.Logger (stderr text handler).
func WithLogger(l *slog.Logger) Option {
	return func(o *openOptions) { o.logger = l }
}

// WithCalibrator supplies the embedding fuzzer's calibration routine;
// without one, Calibration.Performed stays false for every entry.
func WithCalibrator(c pipeline.Calibrator) Option {
	return func(o *openOptions) { o.calibrator = c }
}

// WithFS overrides the filesystem abstraction, for tests that want fault
// injection or an in-memory filesystem.
func WithFS(fs fsabs.FS) Option {
	return func(o *openOptions) { o.fs = fs }
}

// Open acquires the out_dir lock and wires up the full core from an
// already loaded cfg. Close must be called to release the lock.
func Open(workDir string, cfg config.Config, opts ...Option) (*Corpus, error) {
	o := &openOptions{}

	for _, opt := range opts {
		opt(o)
	}

	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	if o.fs == nil {
		o.fs = fsabs.NewReal()
	}

	outDir := cfg.OutDir
	if workDir != "" && !filepath.IsAbs(outDir) {
		outDir = filepath.Join(workDir, outDir)
	}

	lk, err := corpuslock.Acquire(outDir)
	if err != nil {
		return nil, fmt.Errorf("corpus: acquire lock: %w", err)
	}

	st, err := store.Open(o.fs, outDir)
	if err != nil {
		_ = lk.Close()

		return nil, fmt.Errorf("corpus: open store: %w", err)
	}

	mode := diversity.NCDm
	if cfg.DiversityMode == config.DiversityLevenshtein {
		mode = diversity.Levenshtein
	}

	metric := diversity.New(mode)
	edgeIdx := edgeindex.New(cfg.MapSize, metric)
	hashIdx := hashindex.New()
	q := queue.New()

	pipe := pipeline.New(cfg.MapSize, edgeIdx, hashIdx, q, st, metric, cfg, o.logger, o.calibrator)

	return &Corpus{
		cfg:    cfg,
		lock:   lk,
		store:  st,
		queue:  q,
		hash:   hashIdx,
		edge:   edgeIdx,
		metric: metric,
		pipe:   pipe,
		logger: o.logger,
	}, nil
}

// Execute runs one trace map through the pipeline, returning whether the
// input was kept.
func (c *Corpus) Execute(ctx context.Context, trace TraceMap, fault FaultKind) (bool, error) {
	return c.pipe.SaveIfInteresting(ctx, trace, fault)
}

// Stats returns a snapshot of the user-visible counters.
func (c *Corpus) Stats() telemetry.Counters {
	return *c.pipe.Counters
}

// Checkpoint dumps the current virgin bitmap to <out_dir>/fuzz_bitmap.
func (c *Corpus) Checkpoint() error {
	return c.pipe.WriteBitmapCheckpoint()
}

// QueueLen reports how many entries the queue currently owns.
func (c *Corpus) QueueLen() int {
	return c.queue.Len()
}

// RecomputeFavored runs the NCDₘ-cover recomputation (spec.md §4.5/§4.6)
// over the whole queue, refreshing every entry's ncdm_favored flag.
// Embedders call this periodically (e.g. once per favored-pass interval),
// not once per execution.
func (c *Corpus) RecomputeFavored() error {
	return c.pipe.RecomputeNCDMFavored()
}

// Close releases the out_dir lock and any store resources. Both owned
// resources are closed unconditionally and their errors aggregated with
// multierr, so a failure closing one doesn't hide a failure closing the
// other.
func (c *Corpus) Close() error {
	storeErr := c.store.Close()
	lockErr := c.lock.Close()

	var err error

	if storeErr != nil {
		err = multierr.Append(err, fmt.Errorf("corpus: close store: %w", storeErr))
	}

	if lockErr != nil {
		err = multierr.Append(err, fmt.Errorf("corpus: close lock: %w", lockErr))
	}

	return err
}
