package browser

import (
	"context"
	"sync"
)

// Shared keeps one browser alive across runs. The process is started on the
// first Launch and stopped by Shutdown; runs only close their own pages.
type Shared struct {
	launch Launcher

	mu sync.Mutex
	b  Browser
}

// NewShared wraps launch so every run borrows the same browser.
func NewShared(launch Launcher) *Shared {
	return &Shared{launch: launch}
}

// Launch returns the shared browser, starting it if needed. A failed start is
// not cached; the next call tries again.
func (s *Shared) Launch(ctx context.Context) (Browser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.b == nil {
		b, err := s.launch(ctx)
		if err != nil {
			return nil, err
		}
		s.b = b
	}
	return borrowed{s.b}, nil
}

// Shutdown stops the shared browser if it was started.
func (s *Shared) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	b := s.b
	s.b = nil
	s.mu.Unlock()
	if b == nil {
		return nil
	}
	return b.Shutdown(ctx)
}

type borrowed struct{ Browser }

func (borrowed) Shutdown(context.Context) error { return nil }
