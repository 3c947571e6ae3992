// Package pipeline implements InterestingnessPipeline: the per-execution
// entry point that decides whether a trace map is worth keeping, files it
// into the EdgeIndex, and persists it to disk.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/divfuzz/corpus/internal/fuzzcore/bitmap"
	"github.com/divfuzz/corpus/internal/fuzzcore/config"
	"github.com/divfuzz/corpus/internal/fuzzcore/diversity"
	"github.com/divfuzz/corpus/internal/fuzzcore/edgeindex"
	"github.com/divfuzz/corpus/internal/fuzzcore/fatal"
	"github.com/divfuzz/corpus/internal/fuzzcore/hashindex"
	"github.com/divfuzz/corpus/internal/fuzzcore/naming"
	"github.com/divfuzz/corpus/internal/fuzzcore/partition"
	"github.com/divfuzz/corpus/internal/fuzzcore/queue"
	"github.com/divfuzz/corpus/internal/fuzzcore/store"
	"github.com/divfuzz/corpus/internal/fuzzcore/telemetry"
)

// FaultKind reports what kind of execution the trace map came from.
type FaultKind uint8

const (
	// FaultNone is the normal, non-crashing, non-timing-out execution.
	FaultNone FaultKind = iota
	FaultTimeout
	FaultCrash
	FaultError
)

// Calibrator runs the one-time per-entry measurement described in §9
// ("Calibration"). Implementations are supplied by the embedding fuzzer
// (the forkserver is out of scope here); Pipeline only decides when to
// call it. It is called once for every queue entry an execution creates
// (one per EdgeIndex cell filled, or one for a plain entry); the result is
// not cached or shared across the cells of one execution.
type Calibrator interface {
	Calibrate(testcase []byte) (queue.Calibration, error)
}

// Rerunner re-executes a testcase that timed out, under an extended hang
// timeout, to confirm whether it is a genuine hang or actually crashes
// given more time (§4.6 step 3). The forkserver that performs the re-run
// is an external collaborator (out of scope per spec.md §1); Pipeline
// only decides when to invoke it and how to route the result. When Rerun
// is unset, a confirmed-novel timeout is always persisted as a hang.
type Rerunner interface {
	RerunExtended(testcase []byte) (crashed bool, signal int, trace []byte, err error)
}

// Pipeline wires the six core components together behind
// SaveIfInteresting.
type Pipeline struct {
	M int

	VirginBits  []byte
	VirginTmout []byte
	VirginCrash []byte

	EdgeIdx   *edgeindex.EdgeIndex
	HashIdx   *hashindex.Index
	Queue     *queue.Queue
	Store     *store.Store
	Metric    *diversity.Metric
	Partition *partition.Index
	Counters  *telemetry.Counters
	Cal       Calibrator
	Rerun     Rerunner

	Cfg    config.Config
	Logger *slog.Logger

	Start time.Time

	crashSeen int
	hangSeen  int
}

// New constructs a Pipeline over an m-byte trace map.
func New(m int, edgeIdx *edgeindex.EdgeIndex, hashIdx *hashindex.Index, q *queue.Queue, st *store.Store, metric *diversity.Metric, cfg config.Config, logger *slog.Logger, cal Calibrator) *Pipeline {
	p := &Pipeline{
		M:           m,
		VirginBits:  make([]byte, m),
		VirginTmout: make([]byte, m),
		VirginCrash: make([]byte, m),
		EdgeIdx:     edgeIdx,
		HashIdx:     hashIdx,
		Queue:       q,
		Store:       st,
		Metric:      metric,
		Partition:   partition.New(),
		Counters:    &telemetry.Counters{},
		Cal:         cal,
		Cfg:         cfg,
		Logger:      logger,
		Start:       time.Now(),
	}

	for i := range p.VirginBits {
		p.VirginBits[i] = 0xff
		p.VirginTmout[i] = 0xff
		p.VirginCrash[i] = 0xff
	}

	return p
}

// SaveIfInteresting is the InterestingnessPipeline entry point. ctx is
// polled for stop_soon per spec.md §5: at the top and before the
// extended-timeout re-run.
func (p *Pipeline) SaveIfInteresting(ctx context.Context, mem []byte, fault FaultKind) (kept bool, err error) {
	if len(mem) == 0 {
		return false, nil
	}

	select {
	case <-ctx.Done():
		return false, nil
	default:
	}

	switch fault {
	case FaultNone:
		return p.processNormal(mem)
	case FaultTimeout:
		return p.processTimeout(ctx, mem)
	case FaultCrash:
		return p.processCrash(mem, 0)
	case FaultError:
		fatal.Fatal(p.Logger, "pipeline: execution reported fault=error for %d byte input", len(mem))

		return false, nil
	default:
		fatal.Fatal(p.Logger, "pipeline: unknown fault kind %d", fault)

		return false, nil
	}
}

func (p *Pipeline) classify(mem []byte) []byte {
	traceBits := make([]byte, len(mem))
	copy(traceBits, mem)
	bitmap.ClassifyCounts(traceBits)

	return traceBits
}

func (p *Pipeline) processNormal(mem []byte) (bool, error) {
	// Skim is a read-only pre-check on the raw trace: if it reports no
	// possible overlap with virgin, HasNewBits is guaranteed to find
	// nothing either, so the slow classify+has_new_bits combo is skipped
	// for the virgin-map bookkeeping (§4.1/§4.6). EdgeIndex still needs a
	// classified view of every execution regardless of new_bits, so
	// classify itself always runs.
	possiblyNew := bitmap.Skim(p.VirginBits, mem)

	classified := p.classify(mem)

	newBits := bitmap.NoNews
	if possiblyNew {
		newBits = bitmap.HasNewBits(p.VirginBits, classified)
	}

	edgeKept, err := p.runEdgeIndex(mem, classified)
	if err != nil {
		return false, err
	}

	partitionKept := false
	if p.Cfg.PartitionMode {
		partitionKept = p.runPartition(mem, classified)
	}

	if newBits == bitmap.NoNews && !edgeKept && !partitionKept {
		return false, nil
	}

	if edgeKept {
		// The EdgeIndex path already persisted (and counted) an entry for
		// every cell it filled or swapped; no extra plain entry is written.
		if newBits == bitmap.NewEdge {
			p.Counters.QueuedWithCov++
		}

		return true, nil
	}

	cal, err := p.calibrate(mem)
	if err != nil {
		return false, err
	}

	hash := hashindex.Sum(mem)
	traceMini := minimizeTraceMini(classified)

	id, fname, err := p.persistQueueEntry(mem, hash, traceMini, cal, newBits == bitmap.NewEdge)
	if err != nil {
		return false, err
	}

	p.Counters.RecordQueued(false, newBits == bitmap.NewEdge)
	p.Logger.Debug("queued new entry", slog.Uint64("id", id), slog.String("fname", fname))

	return true, nil
}

func (p *Pipeline) runEdgeIndex(mem, classified []byte) (bool, error) {
	hash := hashindex.Sum(mem)
	_, globalDup := p.HashIdx.Lookup(hash)

	traceMini := minimizeTraceMini(classified)

	payload := mem
	if p.Cfg.PathDiversity {
		payload = traceMini
	}

	changed := false

	p.EdgeIdx.NextExecNo()

	for edge, b := range classified {
		if b == 0 {
			continue
		}

		bucket := bitmap.Bucket(b)

		candidate := edgeindex.Candidate{
			InputHash:       hash,
			TraceMini:       traceMini,
			Payload:         payload,
			GlobalDuplicate: globalDup,
		}

		adapter := &edgeStoreAdapter{p: p, mem: mem, traceMini: traceMini, hash: hash}

		outcome, err := p.EdgeIdx.InsertOrEvict(uint32(edge), bucket, candidate, adapter)
		if err != nil {
			return false, err
		}

		if outcome.Changed {
			changed = true

			if outcome.NewEdgeDiscovered {
				p.Counters.DiscoveredEdgeEntries++
				p.Counters.PendingEdgeEntries++
			}
		}
	}

	return changed, nil
}

func (p *Pipeline) runPartition(mem, classified []byte) bool {
	hash := hashindex.Sum(mem)
	checksum := uint64(hash)
	pid := partition.PartitionFromChecksum(checksum)

	return p.Partition.Observe(checksum, pid)
}

func (p *Pipeline) calibrate(mem []byte) (queue.Calibration, error) {
	if p.Cal == nil {
		return queue.Calibration{Performed: false}, nil
	}

	cal, err := p.Cal.Calibrate(mem)
	if err != nil {
		return queue.Calibration{Performed: true, Failed: true}, nil //nolint:nilerr // cal_failed is recoverable, not fatal
	}

	cal.Performed = true

	return cal, nil
}

func (p *Pipeline) persistQueueEntry(mem []byte, hash hashindex.Hash, traceMini []byte, cal queue.Calibration, hasNewCov bool) (uint64, string, error) {
	entry := &queue.Entry{
		Testcase:    append([]byte(nil), mem...),
		InputHash:   uint64(hash),
		TraceMini:   traceMini,
		Calibration: cal,
		HasNewCov:   hasNewCov,
	}

	p.Queue.Add(entry)

	desc := naming.Descriptor{Src: entry.ID, TimeMS: time.Since(p.Start).Milliseconds(), Op: "pipeline", NewCov: hasNewCov}
	fname := naming.QueueNamePlain(entry.ID, uint64(hash), desc)
	entry.Fname = fname

	if _, err := p.Store.WriteQueueFile(fname, entry.Testcase); err != nil {
		fatal.Fatal(p.Logger, "pipeline: persist queue file %s: %v", fname, err)
	}

	p.HashIdx.Insert(hash, hashindex.EntryRef(entry.ID))
	p.refreshDuplicates(hash)

	return entry.ID, fname, nil
}

func (p *Pipeline) refreshDuplicates(hash hashindex.Hash) {
	bucket, ok := p.HashIdx.Lookup(hash)
	if !ok {
		return
	}

	count := len(bucket.Entries) - 1

	for _, ref := range bucket.Entries {
		for _, e := range p.Queue.Entries() {
			if e.ID == uint64(ref) {
				e.Duplicates = count
			}
		}
	}
}

func minimizeTraceMini(classified []byte) []byte {
	dst := make([]byte, len(classified)/8)
	bitmap.MinimizeBits(dst, classified)

	return dst
}

// edgeStoreAdapter implements edgeindex.Store, bridging EdgeIndex decisions
// to queue/hashindex/store persistence.
type edgeStoreAdapter struct {
	p         *Pipeline
	mem       []byte
	traceMini []byte
	hash      hashindex.Hash
}

func (a *edgeStoreAdapter) Create(edge uint32, bucket uint8, slot int, c edgeindex.Candidate) (*queue.Entry, error) {
	cal, err := a.p.calibrate(a.mem)
	if err != nil {
		return nil, err
	}

	entry := &queue.Entry{
		Testcase:    append([]byte(nil), a.mem...),
		InputHash:   uint64(c.InputHash),
		TraceMini:   c.TraceMini,
		Calibration: cal,
	}

	a.p.Queue.Add(entry)

	desc := naming.Descriptor{Src: entry.ID, TimeMS: time.Since(a.p.Start).Milliseconds(), Op: "edge"}
	fname := naming.QueueNameNCD(entry.ID, edge, bucket, uint64(c.InputHash), slot, desc)
	entry.Fname = fname

	if _, err := a.p.Store.WriteQueueFile(fname, entry.Testcase); err != nil {
		fatal.Fatal(a.p.Logger, "pipeline: persist NCD queue file %s: %v", fname, err)
	}

	a.p.HashIdx.Insert(c.InputHash, hashindex.EntryRef(entry.ID))
	a.p.refreshDuplicates(c.InputHash)
	a.p.Counters.RecordQueued(false, false)

	return entry, nil
}

func (a *edgeStoreAdapter) Swap(e *queue.Entry, edge uint32, bucket uint8, slot int, c edgeindex.Candidate) error {
	oldHash := hashindex.Hash(e.InputHash)

	newName := naming.WithUpdate(e.Fname, time.Since(a.p.Start).Milliseconds())

	newContent := append([]byte(nil), a.mem...)

	if _, err := a.p.Store.WriteQueueFile(newName, newContent); err != nil {
		fatal.Fatal(a.p.Logger, "pipeline: persist swapped queue file %s: %v", newName, err)
	}

	if newName != e.Fname {
		if err := a.p.Store.RemoveQueueFile(e.Fname); err != nil {
			fatal.Fatal(a.p.Logger, "pipeline: remove stale queue file %s: %v", e.Fname, err)
		}
	}

	a.p.Queue.Swap(e, newName, newContent, c.TraceMini, uint64(c.InputHash), 0)

	if err := a.p.HashIdx.Move(oldHash, c.InputHash, hashindex.EntryRef(e.ID)); err != nil {
		return fmt.Errorf("pipeline: move hash index entry: %w", err)
	}

	a.p.refreshDuplicates(oldHash)
	a.p.refreshDuplicates(c.InputHash)

	return nil
}

func (p *Pipeline) processTimeout(ctx context.Context, mem []byte) (bool, error) {
	p.Counters.RecordTimeout(false)

	if p.Cfg.KeepUniqueHang > 0 && p.hangSeen >= p.Cfg.KeepUniqueHang {
		return false, nil
	}

	simplified := append([]byte(nil), mem...)
	bitmap.SimplifyTrace(simplified)

	newBits := bitmap.HasNewBits(p.VirginTmout, simplified)
	if newBits == bitmap.NoNews {
		return false, nil
	}

	select {
	case <-ctx.Done():
		return false, nil
	default:
	}

	if p.Rerun != nil {
		crashed, signal, trace, err := p.Rerun.RerunExtended(mem)
		if err != nil {
			// A failed confirmation re-run is recoverable (§7): fall back
			// to the pre-existing keeping value, i.e. persist as a hang.
			p.Logger.Warn("extended-timeout re-run failed, keeping as hang", slog.String("error", err.Error()))
		} else if crashed {
			if len(trace) == 0 {
				trace = mem
			}

			return p.processCrash(trace, signal)
		}
	}

	p.hangSeen++

	id, _, err := p.persistHang(mem)
	if err != nil {
		return false, err
	}

	p.Counters.UniqueHangs++
	_ = id

	return true, nil
}

func (p *Pipeline) processCrash(mem []byte, signal int) (bool, error) {
	p.Counters.RecordCrash(false)

	if p.Cfg.KeepUniqueCrash > 0 && p.crashSeen >= p.Cfg.KeepUniqueCrash {
		return false, nil
	}

	simplified := append([]byte(nil), mem...)
	bitmap.SimplifyTrace(simplified)

	newBits := bitmap.HasNewBits(p.VirginCrash, simplified)
	if newBits == bitmap.NoNews {
		return false, nil
	}

	p.crashSeen++

	if _, err := p.persistCrash(mem, signal); err != nil {
		return false, err
	}

	p.Counters.UniqueCrashes++

	return true, nil
}

func (p *Pipeline) persistHang(mem []byte) (uint64, string, error) {
	id := p.Queue.Len() + p.hangSeen
	desc := naming.Descriptor{Src: uint64(id), TimeMS: time.Since(p.Start).Milliseconds(), Op: "hang"}
	fname := naming.HangName(uint64(id), desc)

	if _, err := p.Store.WriteHangFile(fname, mem); err != nil {
		fatal.Fatal(p.Logger, "pipeline: persist hang file %s: %v", fname, err)
	}

	return uint64(id), fname, nil
}

func (p *Pipeline) persistCrash(mem []byte, signal int) (string, error) {
	id := p.Queue.Len() + p.crashSeen
	desc := naming.Descriptor{Src: uint64(id), TimeMS: time.Since(p.Start).Milliseconds(), Op: "crash"}
	fname := naming.CrashName(uint64(id), signal, desc)

	readme := func() []byte {
		return []byte(fmt.Sprintf("Crash artifacts discovered by this corpus core.\nFirst unique crash recorded at %s.\n", time.Now().Format(time.RFC3339)))
	}

	path, readmeErr := p.Store.WriteCrashFile(fname, mem, readme)
	if readmeErr != nil {
		p.Logger.Warn("crash readme write failed", slog.String("error", readmeErr.Error()))
	}

	return path, nil
}

// RecomputeNCDMFavored runs the §4.5/§4.6 NCDₘ-cover recomputation: it
// derives the one-bit-per-edge "discovered" vector from VirginBits (an
// edge counts as discovered once any of its 8 bucket bits has been
// cleared) and hands it to Queue.SetNCDMFavored, using Metric as the
// NCDScorer tie-break. Callers invoke this periodically, not per
// execution - it walks every queue entry.
func (p *Pipeline) RecomputeNCDMFavored() error {
	return p.Queue.SetNCDMFavored(discoveredEdgeBits(p.VirginBits), p.Metric)
}

// discoveredEdgeBits packs one bit per edge: set when that edge's virgin
// byte is not still 0xff, i.e. at least one bucket for it has been
// discovered. Same trace_mini bit layout MinimizeBits produces, so it can
// be compared directly against queue entries' TraceMini.
func discoveredEdgeBits(virgin []byte) []byte {
	dst := make([]byte, len(virgin)/8)

	for i, v := range virgin {
		if v != 0xff {
			dst[i>>3] |= 1 << (i & 7)
		}
	}

	return dst
}

// WriteBitmapCheckpoint dumps the virgin bits map to <out_dir>/fuzz_bitmap
// (§8 property / scenario S6). Callers invoke this whenever bitmap_changed
// has been set by a prior SaveIfInteresting call.
func (p *Pipeline) WriteBitmapCheckpoint() error {
	return p.Store.WriteBitmap(p.VirginBits)
}
