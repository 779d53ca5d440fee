package convolve

import (
	"errors"
	"testing"
)

func TestRowBands(t *testing.T) {
	parts, err := RowBands(2, 10, 3, 2, 12)
	if err != nil {
		t.Fatalf("RowBands() = %v", err)
	}
	want := []Partition{
		{RowStart: 2, RowCount: 3, HaloAbove: 2, HaloBelow: 2},
		{RowStart: 5, RowCount: 3, HaloAbove: 2, HaloBelow: 2},
		{RowStart: 8, RowCount: 2, HaloAbove: 2, HaloBelow: 2},
	}
	if len(parts) != len(want) {
		t.Fatalf("RowBands() = %d partitions, want %d", len(parts), len(want))
	}
	for i := range want {
		if parts[i] != want[i] {
			t.Errorf("partition %d = %v, want %v", i, parts[i], want[i])
		}
	}
	if err := CheckCoverage(parts, 2, 10); err != nil {
		t.Errorf("CheckCoverage() = %v", err)
	}
}

func TestRowBandsClipsHalo(t *testing.T) {
	parts, err := RowBands(0, 9, 3, 2, 9)
	if err != nil {
		t.Fatalf("RowBands() = %v", err)
	}
	first, last := parts[0], parts[len(parts)-1]
	if first.HaloAbove != 0 || first.ReadStart() != 0 {
		t.Errorf("first partition %v should not read above row 0", first)
	}
	if last.HaloBelow != 0 || last.ReadEnd() != 9 {
		t.Errorf("last partition %v should not read below the image", last)
	}
	if mid := parts[1]; mid.ReadStart() != 1 || mid.ReadEnd() != 8 || mid.ReadRows() != 7 {
		t.Errorf("middle partition %v read range = [%d,%d), want [1,8)", mid, mid.ReadStart(), mid.ReadEnd())
	}
}

func TestRowBandsErrors(t *testing.T) {
	tests := []struct {
		name                    string
		lo, hi, rows, halo, hgt int
	}{
		{"negative lo", -1, 4, 1, 1, 8},
		{"hi past height", 0, 9, 1, 1, 8},
		{"inverted", 5, 3, 1, 1, 8},
		{"zero band", 0, 4, 0, 1, 8},
		{"negative halo", 0, 4, 1, -1, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RowBands(tt.lo, tt.hi, tt.rows, tt.halo, tt.hgt)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("RowBands() error = %v, want ErrInvalidArgument", err)
			}
		})
	}

	parts, err := RowBands(3, 3, 1, 1, 8)
	if err != nil || len(parts) != 0 {
		t.Errorf("RowBands(empty) = %v, %v; want no partitions", parts, err)
	}
}

func TestCheckCoverage(t *testing.T) {
	tests := []struct {
		name  string
		parts []Partition
		ok    bool
	}{
		{"exact", []Partition{{RowStart: 1, RowCount: 2}, {RowStart: 3, RowCount: 3}}, true},
		{"gap", []Partition{{RowStart: 1, RowCount: 2}, {RowStart: 4, RowCount: 2}}, false},
		{"overlap", []Partition{{RowStart: 1, RowCount: 3}, {RowStart: 3, RowCount: 3}}, false},
		{"short", []Partition{{RowStart: 1, RowCount: 2}}, false},
		{"empty partition", []Partition{{RowStart: 1, RowCount: 0}, {RowStart: 1, RowCount: 5}}, false},
		{"late start", []Partition{{RowStart: 2, RowCount: 4}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckCoverage(tt.parts, 1, 6)
			if tt.ok && err != nil {
				t.Errorf("CheckCoverage() = %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("CheckCoverage() = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestPartitionCheck(t *testing.T) {
	tests := []struct {
		p  Partition
		ok bool
	}{
		{Partition{RowStart: 1, RowCount: 2, HaloAbove: 1, HaloBelow: 1}, true},
		{Partition{RowStart: 0, RowCount: 2, HaloAbove: 1}, false},
		{Partition{RowStart: 3, RowCount: 2, HaloBelow: 1}, false},
		{Partition{RowStart: 1, RowCount: 0}, false},
		{Partition{RowStart: 1, RowCount: 1, HaloAbove: -1}, false},
	}
	for _, tt := range tests {
		err := tt.p.check(5)
		if (err == nil) != tt.ok {
			t.Errorf("%v.check(5) = %v, want ok=%v", tt.p, err, tt.ok)
		}
	}
	if got, want := (Partition{RowStart: 2, RowCount: 3, HaloAbove: 1, HaloBelow: 2}).String(), "rows [2,5) halo -1/+2"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
