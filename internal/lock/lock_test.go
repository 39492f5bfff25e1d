package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gisquick/tileproxy/internal/domain"
)

func TestSingleflightManagerDedupsConcurrentCallers(t *testing.T) {
	m := NewSingleflightManager()
	var calls int32
	var wg sync.WaitGroup
	results := make([]any, 8)

	release := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := m.Do(context.Background(), "same-key", func() (any, error) {
				atomic.AddInt32(&calls, 1)
				<-release
				return "result", nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected fn to run exactly once for the same key, ran %d times", calls)
	}
	for _, r := range results {
		if r != "result" {
			t.Fatalf("expected every caller to get the shared result, got %v", r)
		}
	}
}

func TestSingleflightManagerDoesNotDedupDifferentKeys(t *testing.T) {
	m := NewSingleflightManager()
	var calls int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Do(context.Background(), "key", func() (any, error) {
				return nil, nil
			})
			_ = i
		}(i)
	}
	wg.Wait()
	m.Do(context.Background(), "key-a", func() (any, error) { atomic.AddInt32(&calls, 1); return nil, nil })
	m.Do(context.Background(), "key-b", func() (any, error) { atomic.AddInt32(&calls, 1); return nil, nil })
	if calls != 2 {
		t.Fatalf("expected distinct keys to both run, ran %d times", calls)
	}
}

func TestFileLockManagerExclusivity(t *testing.T) {
	m := NewFileLockManager(t.TempDir())
	var active int32
	var maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Do(context.Background(), "meta/0/0/0", func() (any, error) {
				n := atomic.AddInt32(&active, 1)
				if n > atomic.LoadInt32(&maxActive) {
					atomic.StoreInt32(&maxActive, n)
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil, nil
			})
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Fatalf("expected at most one holder of the lock at a time, saw %d concurrently", maxActive)
	}
}

func TestFileLockManagerReleasesLockAfterDo(t *testing.T) {
	m := NewFileLockManager(t.TempDir())
	if _, err := m.Do(context.Background(), "k", func() (any, error) { return nil, nil }); err != nil {
		t.Fatalf("first Do: %v", err)
	}
	done := make(chan struct{})
	go func() {
		m.Do(context.Background(), "k", func() (any, error) { return nil, nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected the lock to be released after the first Do returned")
	}
}

func TestFileLockManagerTimesOutOnCanceledContext(t *testing.T) {
	m := NewFileLockManager(t.TempDir())
	m.PollEvery = time.Millisecond
	held := make(chan struct{})
	release := make(chan struct{})
	go m.Do(context.Background(), "busy", func() (any, error) {
		close(held)
		<-release
		return nil, nil
	})
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Do(ctx, "busy", func() (any, error) { return nil, nil })
	if err == nil {
		t.Fatal("expected a lock-timeout error while the lock is held elsewhere")
	}
	if domain.KindOf(err) != domain.ErrKindLockTimeout {
		t.Fatalf("expected ErrKindLockTimeout, got %v", domain.KindOf(err))
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the wrapped error to be context.DeadlineExceeded, got %v", err)
	}
}
