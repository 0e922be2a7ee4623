package mem

import (
	"errors"
	"sync"
	"testing"
)

func TestBudgetAcquireRelease(t *testing.T) {
	b := NewBudget(100)
	l1, err := b.Acquire("a", 60)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Acquire("b", 50); !errors.Is(err, ErrResource) {
		t.Fatalf("Acquire over limit = %v, want ErrResource", err)
	}
	var re *ResourceError
	_, err = b.Acquire("records", 41)
	if !errors.As(err, &re) {
		t.Fatalf("want *ResourceError, got %v", err)
	}
	if re.Requested != 41 || re.InUse != 60 || re.Limit != 100 || re.What != "records" {
		t.Errorf("unexpected error fields %+v", re)
	}

	l1.Release()
	l1.Release()
	if got := b.InUse(); got != 0 {
		t.Errorf("InUse() = %d after double release, want 0", got)
	}
}

func TestBudgetUnlimited(t *testing.T) {
	b := NewBudget(0)
	if _, err := b.Acquire("huge", 1<<40); err != nil {
		t.Fatalf("unlimited budget rejected allocation: %v", err)
	}
	var nilBudget *Budget
	l, err := nilBudget.Acquire("x", 10)
	if err != nil {
		t.Fatal(err)
	}
	l.Release()
}

func TestScopeRelease(t *testing.T) {
	b := NewBudget(1 << 20)
	var s Scope
	if _, err := s.Float32s(b, "a", 100); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Float32s(b, "b", 50); err != nil {
		t.Fatal(err)
	}
	if got := s.Bytes(); got != 600 {
		t.Errorf("Bytes() = %d, want 600", got)
	}
	s.Release()
	if got := b.InUse(); got != 0 {
		t.Errorf("InUse() = %d after scope release, want 0", got)
	}
}

func TestBudgetConcurrent(t *testing.T) {
	b := NewBudget(1000)
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				l, err := b.Acquire("x", 10)
				if err != nil {
					continue
				}
				l.Release()
			}
		}()
	}
	wg.Wait()
	if got := b.InUse(); got != 0 {
		t.Errorf("InUse() = %d, want 0", got)
	}
}
