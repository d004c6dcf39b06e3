package checkout

import "testing"

func entryAt(submittedAt int64, seq uint64) *waitEntry {
	return &waitEntry{
		submittedAt: submittedAt,
		seq:         seq,
		reply:       make(chan waitResult, 1),
		index:       -1,
	}
}

func TestWaitQueueFIFOOrder(t *testing.T) {
	q := newWaitQueue()
	q.insert(entryAt(300, 3))
	q.insert(entryAt(100, 1))
	q.insert(entryAt(200, 2))

	for _, want := range []int64{100, 200, 300} {
		e := q.takeOldest()
		if e == nil || e.submittedAt != want {
			t.Fatalf("takeOldest out of order: got %+v, want submittedAt=%d", e, want)
		}
	}
	if q.takeOldest() != nil {
		t.Fatal("takeOldest on empty queue should return nil")
	}
}

func TestWaitQueueSeqBreaksTies(t *testing.T) {
	q := newWaitQueue()
	q.insert(entryAt(100, 2))
	q.insert(entryAt(100, 1))

	if e := q.takeOldest(); e.seq != 1 {
		t.Fatalf("tie not broken by seq: got seq=%d", e.seq)
	}
	if e := q.takeOldest(); e.seq != 2 {
		t.Fatalf("second tie entry wrong: got seq=%d", e.seq)
	}
}

func TestWaitQueueDeleteEntry(t *testing.T) {
	q := newWaitQueue()
	a := entryAt(100, 1)
	b := entryAt(200, 2)
	c := entryAt(300, 3)
	q.insert(a)
	q.insert(b)
	q.insert(c)

	if !q.deleteEntry(b) {
		t.Fatal("deleteEntry failed for a present entry")
	}
	if q.deleteEntry(b) {
		t.Fatal("deleteEntry succeeded twice for the same entry")
	}

	if e := q.takeOldest(); e != a {
		t.Fatalf("head disturbed by middle deletion: got %+v", e)
	}
	if e := q.takeOldest(); e != c {
		t.Fatalf("deleted entry resurfaced: got %+v", e)
	}
}

func TestWaitQueueDropOlderThan(t *testing.T) {
	q := newWaitQueue()
	for i := int64(1); i <= 5; i++ {
		q.insert(entryAt(i*100, uint64(i)))
	}

	var dropped []int64
	q.dropOlderThan(300, func(e *waitEntry) {
		dropped = append(dropped, e.submittedAt)
	})

	if len(dropped) != 2 || dropped[0] != 100 || dropped[1] != 200 {
		t.Fatalf("wrong entries dropped: %v", dropped)
	}
	if head := q.first(); head == nil || head.submittedAt != 300 {
		t.Fatalf("cutoff entry must survive (strictly-older rule): head=%+v", head)
	}
	if q.Len() != 3 {
		t.Fatalf("queue length after drop: %d", q.Len())
	}
}

func TestReadyQueueOrdersByIdleSince(t *testing.T) {
	q := newReadyQueue()
	h1 := newHolder(&fakeConn{id: 1}, "default", nil)
	h2 := newHolder(&fakeConn{id: 2}, "default", nil)
	h3 := newHolder(&fakeConn{id: 3}, "default", nil)
	q.insert(h2, 200)
	q.insert(h1, 100)
	q.insert(h3, 300)

	if e := q.first(); e.holder != h1 {
		t.Fatal("first should be the oldest idle holder")
	}
	if e := q.takeOldest(); e.holder != h1 {
		t.Fatal("takeOldest should drain the oldest idle holder")
	}
	if !q.remove(h3.ID()) {
		t.Fatal("remove by holder id failed")
	}
	if q.remove(h3.ID()) {
		t.Fatal("remove succeeded twice for the same holder")
	}
	if e := q.takeOldest(); e.holder != h2 {
		t.Fatal("remaining holder should be h2")
	}
	if q.Len() != 0 {
		t.Fatalf("queue should be empty, len=%d", q.Len())
	}
}
