package session

import (
	"context"
	"sync"

	"github.com/relaycall-core/server/internal/metrics"
	logx "github.com/relaycall-core/server/pkg/logger"
)

// Store holds the live sessions of one engine, keyed by session id.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Register adds s. A session already registered under the same id is
// replaced and closed.
func (st *Store) Register(s *Session) {
	st.mu.Lock()
	old := st.sessions[s.ID]
	st.sessions[s.ID] = s
	st.wg.Add(1)
	n := len(st.sessions)
	st.mu.Unlock()

	metrics.ActiveSessions.Set(float64(n))
	if old != nil {
		logx.Warn().Str("call_sid", s.ID).Msg("session re-registered, closing previous one")
		st.release(old)
	}
}

// Get returns the session registered under id.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Remove deletes s if it is still the session registered under its id and
// closes it. It reports whether s was removed by this call.
func (st *Store) Remove(s *Session) bool {
	if s == nil {
		return false
	}
	st.mu.Lock()
	cur, ok := st.sessions[s.ID]
	if !ok || cur != s {
		st.mu.Unlock()
		s.Close()
		return false
	}
	delete(st.sessions, s.ID)
	n := len(st.sessions)
	st.mu.Unlock()

	metrics.ActiveSessions.Set(float64(n))
	st.release(s)
	return true
}

func (st *Store) release(s *Session) {
	s.Close()
	st.wg.Done()
}

func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// CloseAll removes and closes every session.
func (st *Store) CloseAll() int {
	st.mu.RLock()
	all := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		all = append(all, s)
	}
	st.mu.RUnlock()

	n := 0
	for _, s := range all {
		if st.Remove(s) {
			n++
		}
	}
	return n
}

// Wait blocks until every registered session has been removed or ctx is done.
func (st *Store) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		st.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
