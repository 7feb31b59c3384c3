package pipeline

import (
	"sync"

	"github.com/dgallion1/docanalyst/internal/embedding"
	"github.com/dgallion1/docanalyst/internal/session"
	"github.com/dgallion1/docanalyst/internal/vectorindex"
)

// sessionState serializes index mutation within one session. Writers
// (insert, supersede, persist) take mu exclusively; retrieval takes it
// shared. The manager is loaded on first use and dropped once no job or
// query holds the session.
type sessionState struct {
	mu      sync.RWMutex
	mgr     *vectorindex.Manager
	holders int
}

// sessionTable hands out per-session state. Different sessions share
// nothing but the table itself.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	embedder embedding.Gateway
	opts     vectorindex.Options
}

func newSessionTable(embedder embedding.Gateway, opts vectorindex.Options) *sessionTable {
	return &sessionTable{
		sessions: make(map[string]*sessionState),
		embedder: embedder,
		opts:     opts,
	}
}

func (t *sessionTable) acquire(id string) *sessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.sessions[id]
	if !ok {
		st = &sessionState{}
		t.sessions[id] = st
	}
	st.holders++
	return st
}

func (t *sessionTable) release(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.sessions[id]
	if !ok {
		return
	}
	st.holders--
	if st.holders <= 0 {
		delete(t.sessions, id)
	}
}

// inUse reports whether a queued or running job or a query holds id.
func (t *sessionTable) inUse(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[id]
	return ok
}

// manager returns the session's index manager, opening it if needed.
// The caller must hold st.mu exclusively.
func (t *sessionTable) manager(st *sessionState, sess *session.Session) (*vectorindex.Manager, error) {
	if st.mgr != nil {
		return st.mgr, nil
	}
	mgr, err := vectorindex.Open(sess, t.embedder, t.opts)
	if err != nil {
		return nil, err
	}
	st.mgr = mgr
	return mgr, nil
}
