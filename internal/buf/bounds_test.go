package buf

import (
	"math"
	"testing"
)

func TestAddOverflowSafe(t *testing.T) {
	if sum, ok := AddOverflowSafe(10, 5); !ok || sum != 15 {
		t.Fatalf("AddOverflowSafe(10,5)=%d,%v want 15,true", sum, ok)
	}
	if _, ok := AddOverflowSafe(math.MaxUint64, 1); ok {
		t.Fatalf("expected overflow when adding to MaxUint64")
	}
}

func TestMulOverflowSafe(t *testing.T) {
	if p, ok := MulOverflowSafe(1<<20, 4096); !ok || p != 1<<32 {
		t.Fatalf("MulOverflowSafe(1<<20,4096)=%d,%v", p, ok)
	}
	if _, ok := MulOverflowSafe(math.MaxUint64/2, 3); ok {
		t.Fatalf("expected overflow")
	}
	if p, ok := MulOverflowSafe(0, math.MaxUint64); !ok || p != 0 {
		t.Fatalf("zero operand should never overflow")
	}
}

func TestCheckSpan(t *testing.T) {
	if end, err := CheckSpan(100, 10, 90); err != nil || end != 100 {
		t.Fatalf("CheckSpan exact fit: end=%d err=%v", end, err)
	}
	if _, err := CheckSpan(100, 10, 91); err == nil {
		t.Fatalf("CheckSpan should reject span past limit")
	}
	if _, err := CheckSpan(math.MaxUint64, math.MaxUint64, 1); err == nil {
		t.Fatalf("CheckSpan should reject overflowing span")
	}
}

func TestCheckElements(t *testing.T) {
	if n, err := CheckElements(4096, 512, 8); err != nil || n != 4096 {
		t.Fatalf("CheckElements: n=%d err=%v", n, err)
	}
	if _, err := CheckElements(4096, 513, 8); err == nil {
		t.Fatalf("CheckElements should reject oversize")
	}
}

func TestCeil(t *testing.T) {
	cases := []struct{ a, b, want uint64 }{
		{0, 256, 0}, {1, 256, 1}, {256, 256, 1}, {257, 256, 2},
	}
	for _, c := range cases {
		if got := CeilDiv(c.a, c.b); got != c.want {
			t.Errorf("CeilDiv(%d,%d)=%d want %d", c.a, c.b, got, c.want)
		}
		if got := CeilShift(c.a, 8); got != c.want {
			t.Errorf("CeilShift(%d,8)=%d want %d", c.a, got, c.want)
		}
	}
}
