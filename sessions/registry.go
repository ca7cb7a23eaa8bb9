package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Registry maps session ids to live sessions. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds s. It fails with ErrSessionExists when the id is taken and
// with ErrStreamUnavailable when s is no longer open.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, s.ID())
	}
	if s.State() != StateOpen {
		return fmt.Errorf("register session %s: %w", s.ID(), ErrStreamUnavailable)
	}
	r.sessions[s.ID()] = s
	return nil
}

// Lookup returns the live session registered under id.
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Remove deletes id from the registry. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every session registered at the time of the call,
// concurrently and each exactly once. It waits for all of them and returns
// the joined close failures.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range snapshot {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
