// Package keys builds and parses the metadata keyspace used by sweepd.
//
// Layout:
//
//	/sweepd/v1/progress/<table>      sweep checkpoint of an unfinished pass
//	/sweepd/v1/priority/<table>      per-table sweep statistics
//	/sweepd/v1/lease                 ephemeral cross-instance sweep lease
//	/sweepd/v1/lease/shard-<i>-of-<n>  lease of one shard when sharded
//	/sweepd/v1/health-check          readiness check key
//
// <table> is the escaped qualified table name (see EscapeTableName).
// Object store snapshots live under sweepd/backups/<takenAtMillisZ>.<ext>
// where the timestamp is zero-padded so listing returns them oldest first.
package keys

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// TimestampWidth is the number of digits for zero-padded millisecond
// timestamps. It covers the full positive int64 range.
const TimestampWidth = 20

// Key prefixes.
const (
	// Prefix is the root prefix for all sweepd keys.
	Prefix = "/sweepd/v1"

	// ProgressPrefix is the prefix for sweep progress checkpoints.
	ProgressPrefix = Prefix + "/progress"

	// PriorityPrefix is the prefix for table priority records.
	PriorityPrefix = Prefix + "/priority"

	// LeaseKeyPath is the ephemeral key held by the sweeping instance.
	LeaseKeyPath = Prefix + "/lease"

	// HealthCheckKeyPath is read by the readiness check.
	HealthCheckKeyPath = Prefix + "/health-check"

	// BackupsPrefix is the object store prefix for sweep state snapshots.
	BackupsPrefix = "sweepd/backups/"
)

// Common errors.
var (
	// ErrInvalidKey is returned when a key cannot be parsed.
	ErrInvalidKey = errors.New("keys: invalid key format")

	// ErrInvalidTableName is returned for an empty table name.
	ErrInvalidTableName = errors.New("keys: table name must not be empty")

	// ErrInvalidTimestamp is returned when a timestamp is negative.
	ErrInvalidTimestamp = errors.New("keys: timestamp must be non-negative")
)

// EncodeInt64 encodes a non-negative int64 as a zero-padded decimal string
// of the given width.
func EncodeInt64(v int64, width int) (string, error) {
	if v < 0 {
		return "", fmt.Errorf("keys: negative value %d not supported", v)
	}
	return fmt.Sprintf("%0*d", width, v), nil
}

// DecodeInt64 decodes a zero-padded decimal string back to int64.
func DecodeInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// EscapeTableName makes a qualified table name safe as a single key segment.
// Slashes would otherwise split the segment under Oxia's hierarchical sort.
func EscapeTableName(table string) string {
	return url.PathEscape(table)
}

// ShardLeaseKeyPath returns the lease key of shard index out of count.
// Without sharding (count <= 1) it is LeaseKeyPath.
func ShardLeaseKeyPath(index, count int) string {
	if count <= 1 {
		return LeaseKeyPath
	}
	return fmt.Sprintf("%s/shard-%d-of-%d", LeaseKeyPath, index, count)
}

// UnescapeTableName reverses EscapeTableName.
func UnescapeTableName(segment string) (string, error) {
	table, err := url.PathUnescape(segment)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return table, nil
}

// ProgressKeyPath returns the progress checkpoint key for a table.
func ProgressKeyPath(table string) string {
	return ProgressPrefix + "/" + EscapeTableName(table)
}

// ProgressListPrefix returns the prefix for listing all progress keys.
func ProgressListPrefix() string {
	return ProgressPrefix + "/"
}

// ParseProgressKey extracts the table name from a progress key.
func ParseProgressKey(key string) (string, error) {
	return parseTableKey(key, ProgressPrefix+"/")
}

// PriorityKeyPath returns the priority record key for a table.
func PriorityKeyPath(table string) string {
	return PriorityPrefix + "/" + EscapeTableName(table)
}

// PriorityListPrefix returns the prefix for listing all priority keys.
func PriorityListPrefix() string {
	return PriorityPrefix + "/"
}

// ParsePriorityKey extracts the table name from a priority key.
func ParsePriorityKey(key string) (string, error) {
	return parseTableKey(key, PriorityPrefix+"/")
}

func parseTableKey(key, prefix string) (string, error) {
	if !strings.HasPrefix(key, prefix) {
		return "", ErrInvalidKey
	}
	segment := strings.TrimPrefix(key, prefix)
	if segment == "" || strings.Contains(segment, "/") {
		return "", ErrInvalidKey
	}
	table, err := UnescapeTableName(segment)
	if err != nil {
		return "", err
	}
	if table == "" {
		return "", ErrInvalidTableName
	}
	return table, nil
}

// ValidateTableName checks that a table name can be used in a key.
func ValidateTableName(table string) error {
	if table == "" {
		return ErrInvalidTableName
	}
	return nil
}

// BackupObjectKey returns the object key of a snapshot taken at the given
// wall-clock time. ext is the codec file extension, e.g. "json.zst".
func BackupObjectKey(takenAtMillis int64, ext string) (string, error) {
	if takenAtMillis < 0 {
		return "", ErrInvalidTimestamp
	}
	ts, _ := EncodeInt64(takenAtMillis, TimestampWidth)
	return BackupsPrefix + ts + "." + ext, nil
}

// ParseBackupObjectKey returns the snapshot time and codec extension
// encoded in a backup object key.
func ParseBackupObjectKey(key string) (takenAtMillis int64, ext string, err error) {
	if !strings.HasPrefix(key, BackupsPrefix) {
		return 0, "", ErrInvalidKey
	}
	name := strings.TrimPrefix(key, BackupsPrefix)
	ts, ext, ok := strings.Cut(name, ".")
	if !ok || len(ts) != TimestampWidth || ext == "" {
		return 0, "", ErrInvalidKey
	}
	takenAtMillis, err = DecodeInt64(ts)
	if err != nil {
		return 0, "", fmt.Errorf("%w: invalid timestamp: %v", ErrInvalidKey, err)
	}
	return takenAtMillis, ext, nil
}
