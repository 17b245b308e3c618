// Package processor turns the grid collections and the current threat
// snapshot into one published cache per resolver.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"threat-assembler/internal/changes"
	"threat-assembler/internal/codec"
	"threat-assembler/internal/domain"
	"threat-assembler/internal/metrics"
	"threat-assembler/internal/threat"
)

const (
	MinBatchSize = 10
	MaxBatchSize = 100
)

var ErrSnapshotNotLoaded = errors.New("threat snapshot not loaded")

type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Source reads the configuration collections.
type Source interface {
	ResolverIDs(ctx context.Context) ([]int, error)
	ResolverIDsByClient(ctx context.Context, clientIDs []int) ([]int, error)
	ResolverConfigurations(ctx context.Context, ids []int) ([]domain.ResolverConfiguration, error)
	EndUserConfigurations(ctx context.Context) ([]domain.EndUserConfiguration, error)
}

type SnapshotSource interface {
	Get() *domain.Snapshot
}

// ChangeSource yields the ids touched since the previous drain.
type ChangeSource interface {
	Drain() changes.Changes
	Restore(c changes.Changes)
}

type Publisher interface {
	Publish(ctx context.Context, resolverID int, data []byte) error
}

type Config struct {
	BatchSize        int
	Workers          int
	MatchParallelism int
	Reverse          bool
}

// Result describes one Process call.
type Result struct {
	RunID     string
	Mode      Mode
	Started   time.Time
	Took      time.Duration
	Resolvers int
	Failed    int
	Skipped   bool
	OK        bool
	Err       string
}

type Processor struct {
	cfg       Config
	source    Source
	snapshots SnapshotSource
	changes   ChangeSource
	publisher Publisher
	metrics   *metrics.Metrics

	workers   *semaphore.Weighted
	matchPool *threat.Pool

	// running admits one generation at a time across all modes; two runs
	// must never write the same resolver's tmp files concurrently.
	running *semaphore.Weighted

	mu   sync.Mutex
	last *Result
}

// New builds a processor. changes may be nil, in which case incremental
// runs are rejected.
func New(cfg Config, src Source, snaps SnapshotSource, ch ChangeSource, pub Publisher, m *metrics.Metrics) *Processor {
	cfg.BatchSize = ClampBatchSize(cfg.BatchSize)
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MatchParallelism < 1 {
		cfg.MatchParallelism = 1
	}
	return &Processor{
		cfg:       cfg,
		source:    src,
		snapshots: snaps,
		changes:   ch,
		publisher: pub,
		metrics:   m,
		workers:   semaphore.NewWeighted(int64(cfg.Workers)),
		matchPool: threat.NewPool(cfg.MatchParallelism),
		running:   semaphore.NewWeighted(1),
	}
}

func ClampBatchSize(n int) int {
	if n < MinBatchSize {
		return MinBatchSize
	}
	if n > MaxBatchSize {
		return MaxBatchSize
	}
	return n
}

// LastResult returns the most recent run, or nil before the first one.
func (p *Processor) LastResult() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return nil
	}
	r := *p.last
	return &r
}

// Process runs one generation. It reports true when every resolver was
// published. A non-nil error means the run was aborted before any resolver
// was processed. Calls are serialized; a call waits for the run in progress.
func (p *Processor) Process(ctx context.Context, mode Mode) (bool, error) {
	if err := p.running.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer p.running.Release(1)

	res := &Result{RunID: uuid.NewString(), Mode: mode, Started: time.Now()}
	ok, err := p.process(ctx, res)

	res.Took = time.Since(res.Started)
	res.OK = ok
	if err != nil {
		res.Err = err.Error()
	}
	p.mu.Lock()
	p.last = res
	p.mu.Unlock()

	if !res.Skipped {
		p.metrics.ObserveRun(string(mode), ok, res.Took)
	}
	return ok, err
}

func (p *Processor) process(ctx context.Context, res *Result) (bool, error) {
	snap := p.snapshots.Get()
	if !snap.Loaded() {
		return false, ErrSnapshotNotLoaded
	}

	var drained changes.Changes
	var ids []int
	switch res.Mode {
	case ModeFull:
		all, err := p.source.ResolverIDs(ctx)
		if err != nil {
			return false, fmt.Errorf("list resolvers: %w", err)
		}
		ids = all
	case ModeIncremental:
		if p.changes == nil {
			return false, fmt.Errorf("incremental updates not available")
		}
		drained = p.changes.Drain()
		if drained.Empty() {
			res.Skipped = true
			log.Printf("processor: run %s: no changes, skipping", res.RunID)
			return true, nil
		}
		touched, err := p.touchedResolvers(ctx, drained)
		if err != nil {
			p.changes.Restore(drained)
			return false, err
		}
		ids = touched
	default:
		return false, fmt.Errorf("unknown mode %q", res.Mode)
	}

	ids = p.order(ids)

	configs, err := p.source.ResolverConfigurations(ctx, ids)
	if err != nil {
		if res.Mode == ModeIncremental {
			p.changes.Restore(drained)
		}
		return false, fmt.Errorf("load resolver configurations: %w", err)
	}
	endUsers, err := p.source.EndUserConfigurations(ctx)
	if err != nil {
		if res.Mode == ModeIncremental {
			p.changes.Restore(drained)
		}
		return false, fmt.Errorf("load end user configurations: %w", err)
	}

	log.Printf("processor: run %s (%s): %d resolvers, %d end users, %d threat records",
		res.RunID, res.Mode, len(configs), len(endUsers), len(snap.Records))

	res.Resolvers = len(configs)
	var failedIDs []int
	for start := 0; start < len(configs); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(configs) {
			end = len(configs)
		}
		failedIDs = append(failedIDs, p.processBatch(ctx, configs[start:end], endUsers, snap)...)
	}
	res.Failed = len(failedIDs)

	if res.Mode == ModeIncremental && len(failedIDs) > 0 {
		sort.Ints(failedIDs)
		p.changes.Restore(changes.Changes{ResolverIDs: failedIDs})
	}

	log.Printf("processor: run %s finished in %d ms: %d/%d resolvers published",
		res.RunID, time.Since(res.Started).Milliseconds(), res.Resolvers-res.Failed, res.Resolvers)
	return res.Failed == 0, nil
}

// touchedResolvers resolves changed client ids to their resolvers and merges
// them with the directly touched resolver ids.
func (p *Processor) touchedResolvers(ctx context.Context, c changes.Changes) ([]int, error) {
	byClient, err := p.source.ResolverIDsByClient(ctx, c.ClientIDs)
	if err != nil {
		return nil, fmt.Errorf("resolvers of changed clients: %w", err)
	}
	seen := make(map[int]struct{}, len(c.ResolverIDs)+len(byClient))
	out := make([]int, 0, len(c.ResolverIDs)+len(byClient))
	for _, ids := range [][]int{c.ResolverIDs, byClient} {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out, nil
}

func (p *Processor) order(ids []int) []int {
	out := append([]int(nil), ids...)
	if p.cfg.Reverse {
		sort.Sort(sort.Reverse(sort.IntSlice(out)))
	} else {
		sort.Ints(out)
	}
	return out
}

// processBatch handles every resolver of the batch concurrently and returns
// the ids that failed.
func (p *Processor) processBatch(ctx context.Context, batch []domain.ResolverConfiguration, endUsers []domain.EndUserConfiguration, snap *domain.Snapshot) []int {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []int
	)
	for i := range batch {
		cfg := &batch[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.processResolver(ctx, cfg, endUsers, snap); err != nil {
				stage := "UNKNOWN"
				var perr *threat.ProcessingError
				if errors.As(err, &perr) {
					stage = string(perr.Stage)
					err = perr.Err
				}
				log.Printf("processor: resolver #%d failed at %s: %v", cfg.ResolverID, stage, err)
				p.metrics.ResolverFailed(stage)

				mu.Lock()
				failed = append(failed, cfg.ResolverID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return failed
}

// processResolver runs the four tasks on the shared worker pool, joins them
// and publishes the encoded record only when all succeeded.
func (p *Processor) processResolver(ctx context.Context, cfg *domain.ResolverConfiguration, endUsers []domain.EndUserConfiguration, snap *domain.Snapshot) error {
	rec := &domain.ResolverRecord{ResolverID: cfg.ResolverID}

	var g errgroup.Group
	p.spawn(ctx, &g, threat.StageIPRanges, cfg.ResolverID, func() error {
		ranges, err := threat.IPRanges(cfg, endUsers)
		rec.IPRanges = ranges
		return err
	})
	p.spawn(ctx, &g, threat.StagePolicies, cfg.ResolverID, func() error {
		policies, err := threat.Policies(cfg)
		rec.Policies = policies
		return err
	})
	p.spawn(ctx, &g, threat.StageCustomLists, cfg.ResolverID, func() error {
		rec.CustomLists = threat.CustomLists(cfg, endUsers)
		return nil
	})
	p.spawn(ctx, &g, threat.StageThreats, cfg.ResolverID, func() error {
		threats, err := threat.Threats(ctx, cfg, snap, endUsers, p.matchPool)
		rec.Threats = threats
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	data, err := codec.Encode(rec)
	if err != nil {
		return threat.Fail(threat.StageSerialization, cfg.ResolverID, err)
	}
	if err := p.publisher.Publish(ctx, cfg.ResolverID, data); err != nil {
		return threat.Fail(threat.StageExport, cfg.ResolverID, err)
	}

	p.metrics.ResolverDone(len(rec.Threats))
	return nil
}

// spawn runs fn in g while holding a worker slot. Errors that do not carry
// a stage are tagged with stage.
func (p *Processor) spawn(ctx context.Context, g *errgroup.Group, stage threat.Stage, resolverID int, fn func() error) {
	g.Go(func() error {
		if err := p.workers.Acquire(ctx, 1); err != nil {
			return threat.Fail(stage, resolverID, err)
		}
		defer p.workers.Release(1)

		start := time.Now()
		err := fn()
		if err == nil {
			log.Printf("processor: resolver #%d %s done in %d ms", resolverID, stage, time.Since(start).Milliseconds())
			return nil
		}
		var perr *threat.ProcessingError
		if errors.As(err, &perr) {
			return err
		}
		return threat.Fail(stage, resolverID, err)
	})
}
