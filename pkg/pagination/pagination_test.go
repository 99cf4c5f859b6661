package pagination

import (
	"math"
	"testing"
)

func TestPageNavigation(t *testing.T) {
	const total = 25
	tests := []struct {
		number   int
		offset   int
		hasPrev  bool
		hasNext  bool
		firstRow int
	}{
		{1, 0, false, true, 1},
		{2, 10, true, true, 11},
		{3, 20, true, false, 21},
	}
	for _, tt := range tests {
		p := New(tt.number, 10)
		if p.Offset() != tt.offset {
			t.Errorf("page %d offset = %d, want %d", tt.number, p.Offset(), tt.offset)
		}
		if p.HasPrevious() != tt.hasPrev {
			t.Errorf("page %d HasPrevious = %v", tt.number, p.HasPrevious())
		}
		if p.HasNext(total) != tt.hasNext {
			t.Errorf("page %d HasNext = %v", tt.number, p.HasNext(total))
		}
		if p.Rank(0) != tt.firstRow {
			t.Errorf("page %d first rank = %d, want %d", tt.number, p.Rank(0), tt.firstRow)
		}
	}
}

func TestPageNormalization(t *testing.T) {
	p := New(0, 0)
	if p.Number != 1 || p.Size != DefaultSize {
		t.Fatalf("New(0, 0) = %+v", p)
	}
	if got := New(1, 500).Size; got != MaxSize {
		t.Fatalf("size not capped: %d", got)
	}
	if got := New(9, 10).Clamp(25).Number; got != 3 {
		t.Fatalf("Clamp = %d, want 3", got)
	}
	if got := New(4, 10).Clamp(0).Number; got != 1 {
		t.Fatalf("Clamp on empty = %d, want 1", got)
	}
	if got := New(1, 10).Previous().Number; got != 1 {
		t.Fatalf("Previous of first page = %d", got)
	}
	if got := New(1, 10).Pages(30); got != 3 {
		t.Fatalf("Pages(30) = %d", got)
	}
}

func TestPageNumberBounded(t *testing.T) {
	p := New(math.MaxInt, MaxSize)
	if p.Number != MaxNumber {
		t.Fatalf("Number = %d, want %d", p.Number, MaxNumber)
	}
	if p.Offset() < 0 {
		t.Fatalf("Offset overflowed: %d", p.Offset())
	}
	if got := p.Clamp(25).Number; got != 1 {
		t.Fatalf("Clamp = %d, want 1", got)
	}
}
