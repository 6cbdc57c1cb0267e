// Package kvs defines the multi-version key-value service that sweepd
// cleans up, along with the table and cell identities shared by every
// sweep component.
//
// Every write of a cell creates a new version tagged with the writer's
// start timestamp. A version with an empty value is a tombstone. Readers
// at timestamp T see the newest version below T, so any version that is
// not the newest one below the oldest active reader can be deleted.
package kvs

import (
	"bytes"
	"context"
	"errors"
	"strings"
)

// SystemNamespace holds internal tables that are never swept.
const SystemNamespace = "_system"

// Common errors.
var (
	// ErrTableNotFound is returned when an operation names a missing table.
	ErrTableNotFound = errors.New("kvs: table not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("kvs: closed")

	// ErrInvalidTable is returned for a table reference without a name.
	ErrInvalidTable = errors.New("kvs: table name is required")
)

// TableRef identifies a table.
type TableRef struct {
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Name      string `json:"name" yaml:"name"`
}

// ParseTableRef parses "namespace.name" or a bare "name".
func ParseTableRef(s string) TableRef {
	if ns, name, ok := strings.Cut(s, "."); ok {
		return TableRef{Namespace: ns, Name: name}
	}
	return TableRef{Name: s}
}

// String renders the qualified table name.
func (t TableRef) String() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// IsSystem reports whether the table is internal bookkeeping.
func (t TableRef) IsSystem() bool {
	return t.Namespace == SystemNamespace || strings.HasPrefix(t.Name, "_")
}

// Validate checks that the reference names a table.
func (t TableRef) Validate() error {
	if t.Name == "" {
		return ErrInvalidTable
	}
	return nil
}

// Less orders tables by qualified name.
func (t TableRef) Less(o TableRef) bool {
	return t.String() < o.String()
}

// Cell addresses one value within a table.
type Cell struct {
	Row    []byte
	Column []byte
}

// Compare orders cells by row, then column.
func (c Cell) Compare(o Cell) int {
	if r := bytes.Compare(c.Row, o.Row); r != 0 {
		return r
	}
	return bytes.Compare(c.Column, o.Column)
}

// Key returns a comparable form of the cell, usable as a map key.
func (c Cell) Key() CellKey {
	return CellKey{Row: string(c.Row), Column: string(c.Column)}
}

// CellKey is the comparable form of a Cell.
type CellKey struct {
	Row    string
	Column string
}

// Cell converts the key back to a Cell.
func (k CellKey) Cell() Cell {
	return Cell{Row: []byte(k.Row), Column: []byte(k.Column)}
}

// SweepStrategy controls how aggressively a table is swept.
type SweepStrategy string

const (
	// SweepConservative keeps the newest version below the sweep timestamp.
	SweepConservative SweepStrategy = "conservative"

	// SweepThorough additionally removes that version when it is a tombstone.
	SweepThorough SweepStrategy = "thorough"

	// SweepNothing excludes the table from sweeping.
	SweepNothing SweepStrategy = "nothing"
)

// Normalize maps the empty strategy to the default.
func (s SweepStrategy) Normalize() SweepStrategy {
	if s == "" {
		return SweepConservative
	}
	return s
}

// Valid reports whether s is a known strategy (empty counts as default).
func (s SweepStrategy) Valid() bool {
	switch s.Normalize() {
	case SweepConservative, SweepThorough, SweepNothing:
		return true
	}
	return false
}

// TableMetadata describes a table.
type TableMetadata struct {
	SweepStrategy SweepStrategy `json:"sweepStrategy,omitempty"`
}

// Version is one stored version of a cell.
type Version struct {
	Timestamp int64
	Value     []byte
}

// IsTombstone reports whether the version marks a deletion.
func (v Version) IsTombstone() bool {
	return len(v.Value) == 0
}

// VersionInfo describes a version without its value.
type VersionInfo struct {
	Timestamp int64
	Tombstone bool
}

// CellVersions lists the versions of one cell, oldest first.
type CellVersions struct {
	Cell     Cell
	Versions []VersionInfo
}

// ScanResult is one page of a version scan.
type ScanResult struct {
	Cells []CellVersions

	// NextRow is the first row not covered by this page, or nil when the
	// scan reached the end of the table.
	NextRow []byte
}

// KeyValueService is the store the sweeper reads and deletes from.
type KeyValueService interface {
	// CreateTable creates the table or replaces the metadata of an
	// existing one.
	CreateTable(ctx context.Context, table TableRef, md TableMetadata) error

	// DropTable removes the table and all its data. Dropping a missing
	// table is not an error.
	DropTable(ctx context.Context, table TableRef) error

	TableExists(ctx context.Context, table TableRef) (bool, error)

	// ListTables returns every table ordered by qualified name.
	ListTables(ctx context.Context) ([]TableRef, error)

	// Metadata returns ErrTableNotFound for a missing table.
	Metadata(ctx context.Context, table TableRef) (TableMetadata, error)

	// Put writes a version of each cell at timestamp ts. An empty value
	// writes a tombstone.
	Put(ctx context.Context, table TableRef, values map[CellKey][]byte, ts int64) error

	// Get returns the newest version of the cell with timestamp below
	// readTs. ok is false when there is none.
	Get(ctx context.Context, table TableRef, cell Cell, readTs int64) (v Version, ok bool, err error)

	// ScanVersions lists the versions with timestamp below maxTs for up
	// to rowLimit rows, starting at startRow (nil for the first row).
	ScanVersions(ctx context.Context, table TableRef, startRow []byte, maxTs int64, rowLimit int) (ScanResult, error)

	// DeleteVersions physically removes the given versions.
	DeleteVersions(ctx context.Context, table TableRef, versions map[CellKey][]int64) error

	// CompactInternally asks the backend to reclaim space freed by
	// deletions in the table.
	CompactInternally(ctx context.Context, table TableRef) error

	Close() error
}
