package pool

import "testing"

func TestArenaExhaustion(t *testing.T) {
	a := NewArena[int](2)
	i0, p0, err := a.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	*p0 = 10

	i1, p1, err := a.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	*p1 = 20

	_, _, err = a.Alloc()
	if err != ErrExhausted {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}

	if a.InUse() != 2 {
		t.Fatalf("InUse() = %d, want 2", a.InUse())
	}

	a.Free(i0)
	if a.InUse() != 1 {
		t.Fatalf("InUse() after free = %d, want 1", a.InUse())
	}

	i2, p2, err := a.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	*p2 = 30
	if i2 != i0 {
		t.Fatalf("expected freed slot %d reused, got %d", i0, i2)
	}
	_ = i1
}

func TestArenaNeverPanics(t *testing.T) {
	a := NewArena[struct{ X int }](0)
	_, _, err := a.Alloc()
	if err != ErrExhausted {
		t.Fatalf("zero-capacity arena should exhaust immediately, got %v", err)
	}
}
