package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"threat-assembler/internal/changes"
	"threat-assembler/internal/config"
	"threat-assembler/internal/domain"
	"threat-assembler/internal/export"
	"threat-assembler/internal/grid"
	"threat-assembler/internal/metrics"
	"threat-assembler/internal/processor"
	"threat-assembler/internal/registry"
	"threat-assembler/internal/schedule"
	"threat-assembler/internal/transport/grpc"
	httpgw "threat-assembler/internal/transport/http"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

type components struct {
	redis     *redis.Client
	store     *grid.Store
	holder    *registry.Holder
	source    *registry.GridSource
	tracker   *changes.Tracker
	files     *export.FileExporter
	notifier  *export.Notifier
	publisher *export.Publisher
	proc      *processor.Processor
	metrics   *metrics.Metrics
	health    *grpc.Health

	lastRunFailed atomic.Bool
}

func build(ctx context.Context, cfg config.Config, withNotifier bool) (*components, error) {
	rc, err := grid.NewRedisClient(ctx, grid.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, err
	}

	c := &components{
		redis:   rc,
		store:   grid.NewStore(grid.NewRedis(rc)),
		holder:  registry.NewHolder(),
		tracker: changes.NewTracker(),
		metrics: metrics.New(),
		health:  grpc.NewHealth(),
	}
	c.source = registry.NewGridSource(c.store)

	c.publisher = &export.Publisher{}
	if !cfg.S3.Only {
		c.files = export.NewFileExporter(cfg.OutputDir, cfg.MinFileSize)
		c.publisher.Files = c.files
	}
	if cfg.S3.Enabled() {
		up, err := export.NewS3Uploader(export.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Secure:    cfg.S3.Secure,
		})
		if err != nil {
			rc.Close()
			return nil, err
		}
		c.publisher.Uploader = up
	}
	if withNotifier && cfg.Notify.Enabled() {
		n, err := export.NewNotifier(export.NotifyConfig{
			URLTemplate: cfg.Notify.URLTemplate,
			Method:      cfg.Notify.Method,
			Timeout:     cfg.Notify.Timeout,
			Rate:        cfg.Notify.Rate,
		})
		if err != nil {
			rc.Close()
			return nil, err
		}
		c.notifier = n
		c.publisher.Notifier = n
	}

	var ch processor.ChangeSource
	if cfg.Kafka.Enabled() {
		ch = c.tracker
	}
	c.proc = processor.New(processor.Config{
		BatchSize:        cfg.BatchSize,
		Workers:          cfg.Workers,
		MatchParallelism: cfg.MatchParallelism,
		Reverse:          cfg.ReverseOrder,
	}, c.store, c.holder, ch, c.publisher, c.metrics)

	return c, nil
}

func (c *components) refreshConfig(cfg config.Config) registry.Config {
	return registry.Config{
		Interval:       cfg.SnapshotRefreshInterval,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     30 * time.Minute,
		FetchTimeout:   cfg.SnapshotRefreshInterval,
		OnRefresh: func(s *domain.Snapshot, err error, took time.Duration) {
			if err != nil {
				c.metrics.ObserveRefresh(0, time.Time{}, err)
				return
			}
			c.metrics.ObserveRefresh(len(s.Records), s.FetchedAt, nil)
			log.Printf("app: snapshot refreshed in %d ms", took.Milliseconds())
			c.health.Set(c.ready())
		},
	}
}

// ready reports whether the snapshot is loaded and the last run did not fail.
func (c *components) ready() bool {
	return c.holder.Get().Loaded() && !c.lastRunFailed.Load()
}

func (c *components) recordRun(ok bool, err error) {
	c.lastRunFailed.Store(!ok || err != nil)
	c.health.Set(c.ready())
}

// Run starts the daemon and blocks until ctx stops or a component fails.
func Run(ctx context.Context, cfg config.Config) error {
	c, err := build(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer c.redis.Close()

	refreshCfg := c.refreshConfig(cfg)

	full := schedule.NewGenerator(schedule.Config{
		Name:     "full",
		Interval: cfg.FullInterval,
		DelayMin: cfg.StartDelayMin,
		DelayMax: cfg.StartDelayMax,
	}, func(ctx context.Context) (bool, error) {
		return c.proc.Process(ctx, processor.ModeFull)
	})
	full.OnResult = c.recordRun

	generators := []*schedule.Generator{full}
	kickers := map[string]httpgw.Kicker{string(processor.ModeFull): full}

	var consumer *changes.Consumer
	if cfg.Kafka.Enabled() {
		consumer, err = changes.NewKafkaConsumer(changes.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, c.tracker)
		if err != nil {
			return err
		}

		incremental := schedule.NewGenerator(schedule.Config{
			Name:     "incremental",
			Interval: cfg.IncrementalInterval,
			DelayMin: cfg.StartDelayMin,
			DelayMax: cfg.StartDelayMax,
		}, func(ctx context.Context) (bool, error) {
			return c.proc.Process(ctx, processor.ModeIncremental)
		})
		incremental.OnResult = c.recordRun
		generators = append(generators, incremental)
		kickers[string(processor.ModeIncremental)] = incremental
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(registry.Start(ctx, refreshCfg, c.source, c.holder))
	})

	for _, gen := range generators {
		gen := gen
		g.Go(func() error {
			return ignoreCanceled(gen.Start(ctx))
		})
	}

	if consumer != nil {
		g.Go(func() error {
			return ignoreCanceled(consumer.Run(ctx))
		})
	}

	if c.notifier != nil {
		g.Go(func() error {
			return ignoreCanceled(c.notifier.Run(ctx))
		})
	}

	g.Go(func() error {
		return grpc.RunGRPCServer(ctx, cfg.GRPCAddr, c.health)
	})

	deps := httpgw.Deps{
		Generators: kickers,
		Ready:      c.ready,
		Metrics:    c.metrics.Handler(),
	}
	if c.files != nil {
		deps.Caches = c.files
	}
	g.Go(func() error {
		return httpgw.RunHTTPServer(ctx, cfg.HTTPAddr, deps)
	})

	if err := g.Wait(); err != nil {
		log.Printf("app: servers stopped with error: %v", err)
		return err
	}

	log.Printf("app: servers stopped gracefully")
	return nil
}

// RunOnce refreshes the snapshot, performs a single full generation and
// reports an error unless every resolver was published.
func RunOnce(ctx context.Context, cfg config.Config) error {
	c, err := build(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer c.redis.Close()

	if err := registry.Refresh(ctx, c.refreshConfig(cfg), c.source, c.holder); err != nil {
		return fmt.Errorf("snapshot refresh: %w", err)
	}

	ok, err := c.proc.Process(ctx, processor.ModeFull)
	if err != nil {
		return err
	}
	if !ok {
		res := c.proc.LastResult()
		return fmt.Errorf("%d of %d resolvers failed", res.Failed, res.Resolvers)
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
