package convolve

import "fmt"

// Partition is a unit of row-parallel work.
//
// A partition owns (writes) rows [RowStart, RowStart+RowCount) and reads
// HaloAbove rows before and HaloBelow rows after that range. Read ranges of
// neighbouring partitions may overlap; write ranges never do.
type Partition struct {
	RowStart  int
	RowCount  int
	HaloAbove int
	HaloBelow int
}

// RowEnd returns the first row past the owned range.
func (p Partition) RowEnd() int {
	return p.RowStart + p.RowCount
}

// ReadStart returns the first row the partition reads.
func (p Partition) ReadStart() int {
	return p.RowStart - p.HaloAbove
}

// ReadEnd returns the first row past the read range.
func (p Partition) ReadEnd() int {
	return p.RowEnd() + p.HaloBelow
}

// ReadRows returns the number of rows in the read range.
func (p Partition) ReadRows() int {
	return p.ReadEnd() - p.ReadStart()
}

// String formats the partition as owned range plus halos.
func (p Partition) String() string {
	return fmt.Sprintf("rows [%d,%d) halo -%d/+%d", p.RowStart, p.RowEnd(), p.HaloAbove, p.HaloBelow)
}

// check validates the partition against an image height.
func (p Partition) check(height int) error {
	if p.RowCount <= 0 || p.HaloAbove < 0 || p.HaloBelow < 0 ||
		p.ReadStart() < 0 || p.ReadEnd() > height {
		return fmt.Errorf("%w: partition %v outside image height %d", ErrInvalidArgument, p, height)
	}
	return nil
}

// RowBands splits the owned rows [lo, hi) into contiguous bands of
// rowsPerBand rows; the last band may be shorter. Each band gets up to halo
// rows of read-only context on either side, clipped to [0, height).
func RowBands(lo, hi, rowsPerBand, halo, height int) ([]Partition, error) {
	if lo < 0 || hi > height || lo > hi {
		return nil, fmt.Errorf("%w: row range [%d,%d) outside height %d", ErrInvalidArgument, lo, hi, height)
	}
	if rowsPerBand < 1 {
		return nil, fmt.Errorf("%w: %d rows per band", ErrInvalidArgument, rowsPerBand)
	}
	if halo < 0 {
		return nil, fmt.Errorf("%w: negative halo %d", ErrInvalidArgument, halo)
	}

	parts := make([]Partition, 0, (hi-lo+rowsPerBand-1)/rowsPerBand)
	for start := lo; start < hi; start += rowsPerBand {
		count := min(rowsPerBand, hi-start)
		parts = append(parts, Partition{
			RowStart:  start,
			RowCount:  count,
			HaloAbove: min(halo, start),
			HaloBelow: min(halo, height-(start+count)),
		})
	}
	return parts, nil
}

// CheckCoverage verifies that the owned ranges of parts, in order, cover
// [lo, hi) exactly once with no gap and no overlap.
func CheckCoverage(parts []Partition, lo, hi int) error {
	next := lo
	for i, p := range parts {
		if p.RowCount <= 0 {
			return fmt.Errorf("%w: partition %d is empty", ErrInvalidArgument, i)
		}
		if p.RowStart != next {
			return fmt.Errorf("%w: partition %d starts at row %d, want %d", ErrInvalidArgument, i, p.RowStart, next)
		}
		next = p.RowEnd()
	}
	if next != hi {
		return fmt.Errorf("%w: partitions end at row %d, want %d", ErrInvalidArgument, next, hi)
	}
	return nil
}
