package hotness

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Add(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTrackerForTest(fc *fakeClock) *Tracker {
	tr := New()
	tr.SetClock(fc.Now)
	return tr
}

func TestLastUsed_PrefersLaterAccess(t *testing.T) {
	fc := &fakeClock{now: time.Unix(1000, 0).UTC()}
	tr := newTrackerForTest(fc)

	modified := time.Unix(500, 0).UTC()
	if got := tr.LastUsed("a", modified); !got.Equal(modified) {
		t.Fatalf("untouched path must use modification time, got %v", got)
	}
	tr.Touch("a")
	if got := tr.LastUsed("a", modified); !got.Equal(fc.Now()) {
		t.Fatalf("touched path must use access time, got %v", got)
	}
	if got := tr.LastUsed("a", time.Unix(2000, 0)); !got.Equal(time.Unix(2000, 0)) {
		t.Fatalf("rewritten tile must use modification time, got %v", got)
	}
}

func TestConcurrency_ManyTouches(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0).UTC()}
	tr := newTrackerForTest(fc)

	const N = 256
	var wg sync.WaitGroup
	wg.Add(N)
	for i := range N {
		go func() {
			tr.Touch(string(rune('a' + i%26)))
			wg.Done()
		}()
	}
	wg.Wait()
	if tr.Size() != 26 {
		t.Fatalf("size=%d want 26", tr.Size())
	}
}

func TestForgetAndPrune(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0).UTC()}
	tr := newTrackerForTest(fc)

	tr.Touch("old")
	fc.Add(time.Hour)
	tr.Touch("new")
	tr.Touch("gone")
	tr.Forget("gone")

	if _, ok := tr.LastAccess("gone"); ok {
		t.Fatalf("forgotten path still tracked")
	}
	if n := tr.Prune(fc.Now().Add(-time.Minute)); n != 1 {
		t.Fatalf("pruned %d want 1", n)
	}
	if _, ok := tr.LastAccess("new"); !ok {
		t.Fatalf("recent access pruned")
	}
}

func TestNilTrackerIsNoop(t *testing.T) {
	var tr *Tracker
	tr.Touch("x")
	if tr.Size() != 0 {
		t.Fatalf("nil tracker must be empty")
	}
}
