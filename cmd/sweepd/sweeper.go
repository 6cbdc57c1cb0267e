package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dray-io/sweepd/internal/async"
	"github.com/dray-io/sweepd/internal/backup"
	"github.com/dray-io/sweepd/internal/config"
	"github.com/dray-io/sweepd/internal/kvs"
	"github.com/dray-io/sweepd/internal/logging"
	"github.com/dray-io/sweepd/internal/metrics"
	"github.com/dray-io/sweepd/internal/server"
	"github.com/dray-io/sweepd/internal/sweep"
	"github.com/dray-io/sweepd/internal/sweep/lease"
	"github.com/dray-io/sweepd/internal/sweep/priority"
	"github.com/dray-io/sweepd/internal/sweep/progress"
	"github.com/dray-io/sweepd/internal/sweep/queue"
	"github.com/dray-io/sweepd/internal/sweep/runner"
	"github.com/dray-io/sweepd/internal/sweep/selector"
	"github.com/dray-io/sweepd/internal/timestamp"
)

const (
	loopGoroutine  = "sweep-loop"
	queueDrainSize = 1000

	memoryPollInterval = 100 * time.Millisecond
)

// SweeperOptions contains the configuration for creating a sweeper.
type SweeperOptions struct {
	Config     *config.Config
	Logger     *logging.Logger
	InstanceID string
	Version    string
	GitCommit  string
	BuildTime  string
}

// Sweeper is a running sweepd daemon: the sweep loop plus the write
// statistics intake, periodic backups and the health and metrics
// endpoints.
type Sweeper struct {
	opts   SweeperOptions
	logger *logging.Logger

	registry      *prometheus.Registry
	sweepMetrics  *metrics.SweepMetrics
	storeMetrics  backendMetrics
	healthServer  *server.HealthServer
	metricsServer *metrics.Server
	init          *async.Initializer

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	started  bool
	backends *backends
	writes   kvs.KeyValueService
	stats    *queue.StatsWriter
	memory   *queue.Memory
	producer *queue.KafkaWriter
	consumer *queue.KafkaReader
	lease    *lease.Manager
	loop     *sweep.Loop
	backups  *backup.Manager
}

// NewSweeper creates a Sweeper but does not start it.
func NewSweeper(opts SweeperOptions) (*Sweeper, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.New().String()
	}
	return &Sweeper{
		opts:   opts,
		logger: opts.Logger.With(map[string]any{"instanceId": opts.InstanceID}),
	}, nil
}

// Start brings up the endpoints and opens the backends. Backends that are
// not reachable yet are retried in the background; /readyz reports not
// ready until they are.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}
	s.started = true
	s.mu.Unlock()

	cfg := s.opts.Config
	s.logger.Infof("starting sweeper", map[string]any{
		"version":         s.opts.Version,
		"metadataBackend": cfg.Metadata.Backend,
		"kvsBackend":      cfg.KVS.Backend,
		"queue":           cfg.Queue.Kind,
		"sweepEnabled":    cfg.Sweep.Enabled,
		"leaseEnabled":    cfg.Lease.Enabled,
		"backupEnabled":   cfg.Backup.Enabled,
	})

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.sweepMetrics = metrics.NewSweepMetricsWithRegistry(s.registry)
	s.storeMetrics = backendMetrics{
		Meta: metrics.NewMetadataMetricsWithRegistry(s.registry, cfg.Metadata.Backend),
	}
	if cfg.Backup.Enabled {
		s.storeMetrics.Objects = metrics.NewObjectStoreMetricsWithRegistry(s.registry)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.init = async.NewInitializer("backends", cfg.InitRetryInterval(), s.initialize, s.logger)

	s.healthServer = server.NewHealthServer(cfg.Observability.HealthAddr, s.logger)
	s.healthServer.RegisterReadinessCheck(server.NewInitializerChecker("backends", s.init))
	if err := s.healthServer.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start health server: %w", err)
	}

	s.metricsServer = metrics.NewServerWithRegistry(cfg.Observability.MetricsAddr, s.registry)
	s.metricsServer.SetLogger(s.logger.With(map[string]any{"component": "metrics-server"}))
	if err := s.metricsServer.Start(); err != nil {
		cancel()
		s.healthServer.Close()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.init.Start(runCtx)
	return nil
}

// initialize opens the backends and starts every component that needs
// them. It runs under the async initializer until it succeeds.
func (s *Sweeper) initialize(ctx context.Context) error {
	b, err := openBackends(ctx, s.opts.Config, s.storeMetrics, s.logger)
	if err != nil {
		return err
	}
	if err := s.wire(ctx, b); err != nil {
		s.teardown(context.Background())
		s.mu.Lock()
		s.backends, s.writes, s.memory, s.backups, s.lease = nil, nil, nil, nil, nil
		s.mu.Unlock()
		b.Close()
		return err
	}
	return nil
}

func (s *Sweeper) wire(ctx context.Context, b *backends) error {
	cfg := s.opts.Config

	progressStore := progress.NewStore(b.Meta)
	priorityStore := priority.NewStore(b.Meta)

	sel, err := selector.New(selector.Config{
		DisabledTables:   cfg.Sweep.DisabledTables,
		ShardCount:       cfg.Sweep.ShardCount,
		ShardIndex:       cfg.Sweep.ShardIndex,
		StarvationWeight: cfg.Sweep.StarvationWeight,
		StarvationWindow: cfg.StarvationWindow(),
	}, b.KV, priorityStore, progressStore, s.logger)
	if err != nil {
		return err
	}

	engine, err := sweep.NewBackgroundSweeper(sweep.Options{
		Progress: progressStore,
		Priority: priorityStore,
		Selector: sel,
		Runner: runner.New(b.KV, runner.Config{
			RowsPerBatch:    cfg.Sweep.RowsPerBatch,
			DeleteBatchSize: cfg.Sweep.DeleteBatchSize,
		}, s.logger),
		Metrics:    s.sweepMetrics,
		Compacter:  b.KV,
		Timestamps: timestamp.NewSupplier(timestamp.NewBoundStore(b.KV), cfg.TimestampLag()),
		NewRunID:   uuid.NewString,
		Logger:     s.logger,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends = b

	// Write path: everything written through Writes() is counted towards
	// table priority, directly or through the Kafka topic.
	var writers queue.Multi
	if cfg.Queue.RecordStats {
		s.stats = queue.NewStatsWriter(priorityStore, queue.StatsConfig{
			FlushThreshold:  cfg.Queue.StatsFlushThreshold,
			FlushIntervalMs: cfg.Queue.StatsFlushIntervalMs,
		}, s.logger)
		s.stats.Start()
	}
	switch cfg.Queue.Kind {
	case config.QueueKafka:
		kcfg := kafkaConfig(cfg.Queue)
		if s.producer, err = queue.NewKafkaWriter(kcfg); err != nil {
			return err
		}
		if err := queue.EnsureTopic(ctx, s.producer.Client(), kcfg); err != nil {
			return err
		}
		writers = append(writers, s.producer)
		if s.stats != nil {
			if s.consumer, err = queue.NewKafkaReader(kcfg, s.logger); err != nil {
				return err
			}
		}
	case config.QueueMemory:
		// Only the stats drain reads the memory queue. Writes that do not
		// fit are counted directly.
		if s.stats != nil {
			s.memory = queue.NewMemory(cfg.Queue.Capacity)
			writers = append(writers, queue.Overflow{Primary: s.memory, Secondary: s.stats})
		}
	default:
		if s.stats != nil {
			writers = append(writers, s.stats)
		}
	}
	var w queue.Writer = queue.NoOp{}
	if len(writers) > 0 {
		w = writers
	}
	s.writes = queue.NewRecordingKVS(b.KV, w)

	if b.Objects != nil {
		codec, err := backup.ParseCodec(cfg.Backup.Codec)
		if err != nil {
			return err
		}
		s.backups, err = backup.NewManager(b.Objects, progressStore, priorityStore, b.KV, backup.Config{
			Codec:  codec,
			Retain: cfg.Backup.Retain,
		}, s.logger)
		if err != nil {
			return err
		}
	}

	var l sweep.Lease
	if cfg.Lease.Enabled {
		if s.lease, err = lease.NewManager(b.Meta, s.opts.InstanceID, cfg.LeaseTimeout(), lease.WithKey(cfg.LeaseKey())); err != nil {
			return err
		}
		l = s.lease
	}

	// Past this point nothing fails, so background work can start.
	s.healthServer.RegisterReadinessCheck(server.NewMetadataStoreChecker(b.Meta))
	s.healthServer.RegisterReadinessCheck(server.NewKVSChecker(b.KV))
	if b.Objects != nil {
		s.healthServer.RegisterReadinessCheck(server.NewObjectStoreChecker(b.Objects))
	}
	if s.stats != nil {
		var source entrySource
		switch {
		case s.consumer != nil:
			source = s.consumer.Drain
		case s.memory != nil:
			source = pollMemory(s.memory, memoryPollInterval)
		}
		if source != nil {
			s.wg.Add(1)
			go s.drainQueue(ctx, source, s.stats)
		}
	}
	if s.backups != nil && cfg.BackupInterval() > 0 {
		s.wg.Add(1)
		go s.runBackups(ctx, cfg.BackupInterval())
	}

	if cfg.Sweep.Enabled {
		retry := sweep.RetryPolicy{
			Interval:       ms(cfg.Sweep.IntervalMs),
			PauseOnNoWork:  ms(cfg.Sweep.PauseOnNoWorkMs),
			InitialBackoff: ms(cfg.Sweep.InitialBackoffMs),
			MaxBackoff:     ms(cfg.Sweep.MaxBackoffMs),
		}
		s.loop = sweep.NewLoop(engine, sweep.LoopConfig{
			Retry:              retry,
			Lease:              l,
			LeaseRenewInterval: cfg.LeaseTimeout() / 4,
			Observer: sweep.Observers{
				s.sweepMetrics,
				s.healthServer.LoopHeartbeat(loopGoroutine),
			},
			Logger: s.logger,
		})
		s.healthServer.RegisterGoroutine(loopGoroutine, heartbeatTimeout(retry))
		s.healthServer.RegisterReadinessCheck(server.NewSweeperChecker(s.loop))
		s.loop.Start()
	}

	s.logger.Info("sweeper initialized")
	return nil
}

// heartbeatTimeout allows for the longest pause the loop takes between
// two iterations plus a slow batch.
func heartbeatTimeout(p sweep.RetryPolicy) time.Duration {
	longest := max(p.Interval, p.PauseOnNoWork, p.MaxBackoff)
	if longest <= 0 {
		longest = max(sweep.DefaultRetryPolicy().PauseOnNoWork, sweep.DefaultRetryPolicy().MaxBackoff)
	}
	return max(2*longest, server.DefaultHeartbeatTimeout)
}

func kafkaConfig(q config.QueueConfig) queue.KafkaConfig {
	return queue.KafkaConfig{
		Brokers:           q.KafkaBrokers,
		Topic:             q.KafkaTopic,
		Partitions:        q.KafkaPartitions,
		ReplicationFactor: q.KafkaReplicationFactor,
		ConsumerGroup:     q.KafkaConsumerGroup,
	}
}

// entrySource blocks until queued writes are available or ctx is done.
type entrySource func(ctx context.Context, limit int) ([]queue.Entry, error)

func pollMemory(m *queue.Memory, interval time.Duration) entrySource {
	return func(ctx context.Context, limit int) ([]queue.Entry, error) {
		for {
			if entries := m.Drain(limit); len(entries) > 0 {
				return entries, nil
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(interval):
			}
		}
	}
}

// drainQueue feeds queued writes into the write counters.
func (s *Sweeper) drainQueue(ctx context.Context, source entrySource, stats *queue.StatsWriter) {
	defer s.wg.Done()
	backoff := time.Second
	for {
		entries, err := source(ctx, queueDrainSize)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warnf("failed to drain write queue", map[string]any{"error": err.Error()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		for _, group := range groupEntries(entries) {
			if err := stats.Enqueue(ctx, group.table, group.writes); err != nil {
				s.logger.Warnf("failed to count queued writes", map[string]any{
					"table": group.table.String(),
					"error": err.Error(),
				})
			}
		}
	}
}

type tableWrites struct {
	table  kvs.TableRef
	writes []sweep.Write
}

// groupEntries batches consecutive entries of the same table.
func groupEntries(entries []queue.Entry) []tableWrites {
	var out []tableWrites
	for _, e := range entries {
		if n := len(out); n > 0 && out[n-1].table == e.Table {
			out[n-1].writes = append(out[n-1].writes, e.Write)
			continue
		}
		out = append(out, tableWrites{table: e.Table, writes: []sweep.Write{e.Write}})
	}
	return out
}

// runBackups snapshots the sweep state on a timer. With a lease only the
// holder takes snapshots.
func (s *Sweeper) runBackups(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.lease != nil && !s.lease.Valid() {
			continue
		}
		info, err := s.backups.Backup(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warnf("periodic backup failed", map[string]any{"error": err.Error()})
			}
			continue
		}
		s.logger.Infof("sweep state backed up", map[string]any{"key": info.Key, "size": info.Size})
	}
}

// Writes returns the key-value service with every Put recorded for
// sweeping, or nil before initialization.
func (s *Sweeper) Writes() kvs.KeyValueService {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Initialized reports whether the backends are open.
func (s *Sweeper) Initialized() bool {
	return s.init != nil && s.init.IsInitialized()
}

// HealthAddr returns the bound health endpoint address.
func (s *Sweeper) HealthAddr() string {
	return s.healthServer.Addr()
}

// MetricsAddr returns the bound metrics endpoint address.
func (s *Sweeper) MetricsAddr() string {
	return s.metricsServer.Addr()
}

// Shutdown gracefully stops the sweeper. The in-flight batch finishes and
// pending write counts are flushed.
func (s *Sweeper) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("shutting down sweeper")

	s.healthServer.SetShuttingDown()
	s.init.Cancel()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("timed out waiting for background work")
	}
	s.teardown(ctx)

	s.mu.Lock()
	b := s.backends
	s.backends, s.writes = nil, nil
	s.mu.Unlock()

	if err := s.metricsServer.Close(); err != nil {
		s.logger.Warnf("error closing metrics server", map[string]any{"error": err.Error()})
	}
	if err := s.healthServer.Close(); err != nil {
		s.logger.Warnf("error closing health server", map[string]any{"error": err.Error()})
	}
	if b != nil {
		if err := b.Close(); err != nil {
			s.logger.Warnf("error closing backends", map[string]any{"error": err.Error()})
		}
	}

	s.logger.Info("sweeper shutdown complete")
	return nil
}

// teardown stops the components started by wire.
func (s *Sweeper) teardown(ctx context.Context) {
	s.mu.Lock()
	loop, stats, producer, consumer := s.loop, s.stats, s.producer, s.consumer
	s.loop, s.stats, s.producer, s.consumer = nil, nil, nil, nil
	s.mu.Unlock()

	if loop != nil {
		loop.Stop()
		s.healthServer.UnregisterGoroutine(loopGoroutine)
	}
	if stats != nil {
		if err := stats.Stop(ctx); err != nil {
			s.logger.Warnf("failed to flush write counts", map[string]any{"error": err.Error()})
		}
	}
	if producer != nil {
		producer.Close()
	}
	if consumer != nil {
		consumer.Close()
	}
}
