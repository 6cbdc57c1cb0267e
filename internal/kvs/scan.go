package kvs

import "bytes"

// ScanBuilder assembles a ScanResult from versions visited in key order.
// Backends feed it every version from the start row onwards and stop when
// Add returns false.
type ScanBuilder struct {
	maxTs    int64
	rowLimit int

	rows    int
	lastRow []byte
	result  ScanResult
}

// NewScanBuilder creates a builder for a scan of rowLimit rows (all rows
// when rowLimit <= 0) that keeps versions below maxTs.
func NewScanBuilder(maxTs int64, rowLimit int) *ScanBuilder {
	return &ScanBuilder{maxTs: maxTs, rowLimit: rowLimit}
}

// Add records one version. It returns false once the row limit is
// exceeded; the row that exceeded it becomes NextRow.
func (b *ScanBuilder) Add(cell Cell, ts int64, tombstone bool) bool {
	if b.lastRow == nil || !bytes.Equal(cell.Row, b.lastRow) {
		if b.rowLimit > 0 && b.rows >= b.rowLimit {
			b.result.NextRow = append([]byte{}, cell.Row...)
			return false
		}
		b.rows++
		b.lastRow = append([]byte{}, cell.Row...)
	}
	if ts >= b.maxTs {
		return true
	}

	n := len(b.result.Cells)
	if n == 0 || b.result.Cells[n-1].Cell.Compare(cell) != 0 {
		b.result.Cells = append(b.result.Cells, CellVersions{
			Cell: Cell{Row: append([]byte{}, cell.Row...), Column: append([]byte{}, cell.Column...)},
		})
		n++
	}
	cv := &b.result.Cells[n-1]
	cv.Versions = append(cv.Versions, VersionInfo{Timestamp: ts, Tombstone: tombstone})
	return true
}

// Result returns the assembled page.
func (b *ScanBuilder) Result() ScanResult {
	return b.result
}
