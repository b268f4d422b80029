package flow

import (
	"errors"
	"fmt"
	"testing"
)

func TestQueueFIFO(t *testing.T) {
	var q PendingQueue
	for i := 0; i < 10; i++ {
		q.Push(4+i, fmt.Sprintf("L%d", i))
		if !q.Symmetric() {
			t.Fatalf("queue lost symmetry after push %d", i)
		}
	}
	for i := 0; i < 10; i++ {
		e, err := q.Pop()
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if e.Text != fmt.Sprintf("L%d", i) || e.Size != 4+i {
			t.Fatalf("pop %d resolved %+v", i, e)
		}
		if !q.Symmetric() {
			t.Fatalf("queue lost symmetry after pop %d", i)
		}
	}
	if _, err := q.Pop(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if q.Outstanding() != 0 {
		t.Fatalf("expected 0 outstanding, got %d", q.Outstanding())
	}
}

func TestBudgetAdmitsExactlyThirtyTwoFourByteLines(t *testing.T) {
	var q PendingQueue
	b := Budget(128)
	sent := 0
	for {
		ok, err := b.Admit(&q, 4)
		if err != nil {
			t.Fatalf("admit: %v", err)
		}
		if !ok {
			break
		}
		q.Push(4, "G1 \n")
		sent++
	}
	if sent != 32 {
		t.Fatalf("expected 32 lines admitted, got %d", sent)
	}
	if q.Outstanding() > int(b) {
		t.Fatalf("budget violated: %d > %d", q.Outstanding(), b)
	}
	q.Pop()
	if ok, _ := b.Admit(&q, 4); !ok {
		t.Fatalf("expected room after one acknowledgement")
	}
}

func TestBudgetRejectsOversizedLine(t *testing.T) {
	var q PendingQueue
	if _, err := Budget(16).Admit(&q, 17); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestClear(t *testing.T) {
	var q PendingQueue
	q.Push(10, "G0 X1")
	q.Push(10, "G0 X2")
	q.Clear()
	if q.Len() != 0 || q.Outstanding() != 0 || !q.Symmetric() {
		t.Fatalf("clear left state behind: len=%d out=%d", q.Len(), q.Outstanding())
	}
}
