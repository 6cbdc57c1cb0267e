package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dray-io/sweepd/internal/config"
	"github.com/dray-io/sweepd/internal/kvs"
	kvsbadger "github.com/dray-io/sweepd/internal/kvs/badger"
	"github.com/dray-io/sweepd/internal/kvs/memory"
	"github.com/dray-io/sweepd/internal/logging"
	"github.com/dray-io/sweepd/internal/metadata"
	metabadger "github.com/dray-io/sweepd/internal/metadata/badger"
	"github.com/dray-io/sweepd/internal/metadata/oxia"
	"github.com/dray-io/sweepd/internal/objectstore"
	"github.com/dray-io/sweepd/internal/objectstore/s3"
)

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// backends holds the stores a sweepd process talks to. Objects is nil
// when backups are disabled.
type backends struct {
	Meta    metadata.MetadataStore
	KV      kvs.KeyValueService
	Objects objectstore.Store
}

// Close closes every open backend and returns the first error.
func (b *backends) Close() error {
	var errs []error
	if b.Objects != nil {
		errs = append(errs, b.Objects.Close())
	}
	if b.KV != nil {
		errs = append(errs, b.KV.Close())
	}
	if b.Meta != nil {
		errs = append(errs, b.Meta.Close())
	}
	return errors.Join(errs...)
}

// backendMetrics instruments the stores. Nil recorders leave a store
// uninstrumented.
type backendMetrics struct {
	Meta    metadata.MetricsRecorder
	Objects objectstore.MetricsRecorder
}

// openBackends opens the configured stores. On failure everything opened
// so far is closed.
func openBackends(ctx context.Context, cfg *config.Config, m backendMetrics, logger *logging.Logger) (*backends, error) {
	b := &backends{}
	var err error

	b.Meta, err = openMetadata(ctx, cfg.Metadata)
	if err != nil {
		return nil, err
	}
	if m.Meta != nil {
		b.Meta = metadata.NewInstrumentedStore(b.Meta, m.Meta)
	}

	b.KV, err = openKVS(cfg.KVS, logger)
	if err != nil {
		b.Close()
		return nil, err
	}

	if cfg.Backup.Enabled {
		b.Objects, err = openObjectStore(ctx, cfg.Backup)
		if err != nil {
			b.Close()
			return nil, err
		}
		if m.Objects != nil {
			b.Objects = objectstore.NewInstrumentedStore(b.Objects, m.Objects)
		}
	}
	return b, nil
}

func openMetadata(ctx context.Context, cfg config.MetadataConfig) (metadata.MetadataStore, error) {
	switch cfg.Backend {
	case config.BackendOxia:
		store, err := oxia.New(ctx, oxia.Config{
			ServiceAddress: cfg.OxiaEndpoint,
			Namespace:      cfg.Namespace,
			RequestTimeout: ms(cfg.RequestTimeoutMs),
			SessionTimeout: ms(cfg.SessionTimeoutMs),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Oxia at %s: %w", cfg.OxiaEndpoint, err)
		}
		return store, nil
	case config.BackendBadger, config.BackendMemory:
		store, err := metabadger.Open(metabadger.Config{
			Dir:            cfg.BadgerDir,
			InMemory:       cfg.Backend == config.BackendMemory,
			SessionTimeout: ms(cfg.SessionTimeoutMs),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open metadata store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", cfg.Backend)
	}
}

func openKVS(cfg config.KVSConfig, logger *logging.Logger) (kvs.KeyValueService, error) {
	switch cfg.Backend {
	case config.BackendBadger:
		store, err := kvsbadger.Open(kvsbadger.Config{
			Dir:               cfg.Dir,
			CompactionWorkers: cfg.CompactionWorkers,
			Logger:            logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open key-value store: %w", err)
		}
		return store, nil
	case config.BackendMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown kvs backend %q", cfg.Backend)
	}
}

func openObjectStore(ctx context.Context, cfg config.BackupConfig) (objectstore.Store, error) {
	store, err := s3.New(ctx, s3.Config{
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKey,
		SecretAccessKey: cfg.SecretKey,
		UsePathStyle:    cfg.UsePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open object store: %w", err)
	}
	return store, nil
}
