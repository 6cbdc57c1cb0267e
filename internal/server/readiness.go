package server

import (
	"context"
	"errors"

	"github.com/dray-io/sweepd/internal/kvs"
	"github.com/dray-io/sweepd/internal/metadata"
	"github.com/dray-io/sweepd/internal/metadata/keys"
	"github.com/dray-io/sweepd/internal/objectstore"
)

// MetadataStoreChecker checks the metadata store with a Get.
type MetadataStoreChecker struct {
	store metadata.MetadataStore
}

// NewMetadataStoreChecker creates a MetadataStoreChecker.
func NewMetadataStoreChecker(store metadata.MetadataStore) *MetadataStoreChecker {
	return &MetadataStoreChecker{store: store}
}

func (c *MetadataStoreChecker) Name() string { return "metadata_store" }

// CheckReady reads the health-check key. A missing key is fine.
func (c *MetadataStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("metadata store not configured")
	}
	_, err := c.store.Get(ctx, keys.HealthCheckKeyPath)
	if err != nil && !errors.Is(err, metadata.ErrKeyNotFound) {
		return err
	}
	return nil
}

// KVSChecker checks the key-value service by listing its tables.
type KVSChecker struct {
	kv kvs.KeyValueService
}

// NewKVSChecker creates a KVSChecker.
func NewKVSChecker(kv kvs.KeyValueService) *KVSChecker {
	return &KVSChecker{kv: kv}
}

func (c *KVSChecker) Name() string { return "kvs" }

func (c *KVSChecker) CheckReady(ctx context.Context) error {
	if c.kv == nil {
		return errors.New("key-value service not configured")
	}
	_, err := c.kv.ListTables(ctx)
	return err
}

// ObjectStoreChecker checks the backup bucket with a List under the
// backups prefix.
type ObjectStoreChecker struct {
	store objectstore.Store
}

// NewObjectStoreChecker creates an ObjectStoreChecker.
func NewObjectStoreChecker(store objectstore.Store) *ObjectStoreChecker {
	return &ObjectStoreChecker{store: store}
}

func (c *ObjectStoreChecker) Name() string { return "object_store" }

// CheckReady fails on any error except ErrNotFound. A missing bucket or
// denied access is a real failure.
func (c *ObjectStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("object store not configured")
	}
	_, err := c.store.List(ctx, keys.BackupsPrefix)
	if err == nil {
		return nil
	}
	if errors.Is(err, objectstore.ErrNotFound) &&
		!errors.Is(err, objectstore.ErrBucketNotFound) {
		return nil
	}
	return err
}

// Runner is anything with a running state, such as the sweep loop.
type Runner interface {
	Running() bool
}

// SweeperChecker reports not ready when the sweep loop has stopped.
type SweeperChecker struct {
	runner Runner
}

// NewSweeperChecker creates a SweeperChecker. A nil runner always passes,
// for processes that do not sweep.
func NewSweeperChecker(runner Runner) *SweeperChecker {
	return &SweeperChecker{runner: runner}
}

func (c *SweeperChecker) Name() string { return "sweeper" }

func (c *SweeperChecker) CheckReady(context.Context) error {
	if c.runner == nil {
		return nil
	}
	if !c.runner.Running() {
		return errors.New("sweep loop is not running")
	}
	return nil
}

// Initialization is the view of an async.Initializer the checker needs.
type Initialization interface {
	IsInitialized() bool
	LastError() error
}

// InitializerChecker reports not ready until background initialization
// has succeeded.
type InitializerChecker struct {
	name string
	init Initialization
}

// NewInitializerChecker creates an InitializerChecker reported under name.
func NewInitializerChecker(name string, init Initialization) *InitializerChecker {
	return &InitializerChecker{name: name, init: init}
}

func (c *InitializerChecker) Name() string { return c.name }

func (c *InitializerChecker) CheckReady(context.Context) error {
	if c.init == nil || c.init.IsInitialized() {
		return nil
	}
	if err := c.init.LastError(); err != nil {
		return errors.New("not initialized: " + err.Error())
	}
	return errors.New("not initialized")
}

// FuncChecker wraps a function as a ReadinessChecker.
type FuncChecker struct {
	name  string
	check func(context.Context) error
}

// NewFuncChecker creates a FuncChecker.
func NewFuncChecker(name string, check func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

func (c *FuncChecker) Name() string { return c.name }

func (c *FuncChecker) CheckReady(ctx context.Context) error {
	if c.check == nil {
		return nil
	}
	return c.check(ctx)
}
