package pathstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory stand-in for the pathstore API.
type memStore struct {
	mu    sync.Mutex
	nodes map[string]json.RawMessage
	reqs  []NodeRequest
}

func (m *memStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer key" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	key := r.URL.EscapedPath()[len("/kv/"):]

	m.mu.Lock()
	defer m.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		var req struct {
			NodeRequest
			Value json.RawMessage `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		m.reqs = append(m.reqs, req.NodeRequest)
		m.nodes[key] = req.Value
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet:
		v, ok := m.nodes[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"key_path": key, "value": v})
	case http.MethodDelete:
		for k := range m.nodes {
			if k == key || (r.URL.Query().Get("children") == "true" && len(k) > len(key) && k[:len(key)+1] == key+"/") {
				delete(m.nodes, k)
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func TestPublisher_RoundTrip(t *testing.T) {
	store := &memStore{nodes: map[string]json.RawMessage{}}
	srv := httptest.NewServer(store)
	defer srv.Close()

	client := NewClient(srv.URL+"/", "key", "/docanalyst/")
	defer client.Close()
	pub := NewPublisher(client, time.Hour)
	ctx := context.Background()

	require.NoError(t, pub.PublishAnalysis(ctx, "session-1", "report.pdf", map[string]any{"Title": "Q3"}))
	require.NoError(t, pub.PublishAnalysis(ctx, "session-1", "notes.txt", map[string]any{"Title": "Notes"}))
	require.NoError(t, pub.PublishAnalysis(ctx, "session-2", "other.txt", map[string]any{"Title": "Other"}))

	require.Len(t, store.reqs, 3)
	assert.Equal(t, "replace", store.reqs[0].MergeMode)
	assert.NotEmpty(t, store.reqs[0].ExpiresAt)

	node, err := pub.Analysis(ctx, "session-1", "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "docanalyst/sessions/session-1/documents/report.pdf", node.Key)
	assert.JSONEq(t, `{"Title":"Q3"}`, string(node.Value))

	require.NoError(t, pub.DeleteSession(ctx, "session-1"))
	_, err = pub.Analysis(ctx, "session-1", "report.pdf")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = pub.Analysis(ctx, "session-2", "other.txt")
	assert.NoError(t, err)
}

func TestPublisher_ComparisonsLiveUnderSession(t *testing.T) {
	store := &memStore{nodes: map[string]json.RawMessage{}}
	srv := httptest.NewServer(store)
	defer srv.Close()

	client := NewClient(srv.URL, "key", "docanalyst")
	defer client.Close()
	pub := NewPublisher(client, 0)
	ctx := context.Background()

	require.NoError(t, pub.PublishComparison(ctx, "session-1", "cmp-1", map[string]any{"actual": "b.txt"}))
	require.Len(t, store.reqs, 1)
	assert.Empty(t, store.reqs[0].ExpiresAt)
	store.mu.Lock()
	_, ok := store.nodes["docanalyst/sessions/session-1/comparisons/cmp-1"]
	store.mu.Unlock()
	assert.True(t, ok)

	require.NoError(t, pub.DeleteSession(ctx, "session-1"))
	store.mu.Lock()
	assert.Empty(t, store.nodes)
	store.mu.Unlock()
}

func TestClient_KeyEscapesSegments(t *testing.T) {
	c := NewClient("http://x", "", "")
	assert.Equal(t, "sessions/a%2Fb/documents/my%20file.pdf", c.Key("sessions", "a/b", "documents", "my file.pdf"))
}

func TestClient_StatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", "p")
	err := c.PutNode(context.Background(), "a", NodeRequest{Value: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
