package source

import (
	"context"
	"net/url"
	"sync"
)

// HostSemaphore bounds concurrent in-flight requests per upstream host
// (spec §4.1 "per-host concurrency limit"), so one slow/overloaded source
// host cannot starve worker goroutines serving other sources.
type HostSemaphore struct {
	limit int

	mu   sync.Mutex
	bySlug map[string]chan struct{}
}

func NewHostSemaphore(limit int) *HostSemaphore {
	if limit <= 0 {
		limit = 1
	}
	return &HostSemaphore{limit: limit, bySlug: map[string]chan struct{}{}}
}

func (s *HostSemaphore) chanFor(rawURL string) chan struct{} {
	host := hostOf(rawURL)
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.bySlug[host]
	if !ok {
		ch = make(chan struct{}, s.limit)
		s.bySlug[host] = ch
	}
	return ch
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

// Acquire blocks until a slot for rawURL's host is free or ctx is done,
// returning a release func to call when the request completes.
func (s *HostSemaphore) Acquire(ctx context.Context, rawURL string) (func(), error) {
	ch := s.chanFor(rawURL)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
