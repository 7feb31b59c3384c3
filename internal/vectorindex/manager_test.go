package vectorindex

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgallion1/docanalyst/internal/chunker"
	"github.com/dgallion1/docanalyst/internal/docerr"
	"github.com/dgallion1/docanalyst/internal/embedding"
	"github.com/dgallion1/docanalyst/internal/session"
)

// letterEmbedder maps text to a 26-dim vector of letter counts and counts
// calls. failOn makes any text containing it fail.
type letterEmbedder struct {
	calls  atomic.Int64
	failOn string
	delay  time.Duration
}

func (e *letterEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.failOn != "" && strings.Contains(text, e.failOn) {
		return nil, errors.Join(embedding.ErrUnavailable, errors.New("provider down"))
	}
	v := make([]float32, 26)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	return v, nil
}

func testSession(t *testing.T) *session.Session {
	t.Helper()
	return &session.Session{ID: "session-test", Path: t.TempDir()}
}

func chunksOf(doc string, texts ...string) []chunker.Chunk {
	out := make([]chunker.Chunk, len(texts))
	for i, text := range texts {
		out[i] = chunker.Chunk{DocumentID: doc, Seq: i, Text: text, Hash: chunker.HashText(text)}
	}
	return out
}

func openTest(t *testing.T, sess *session.Session, emb embedding.Gateway) *Manager {
	t.Helper()
	m, err := Open(sess, emb, Options{Timeout: time.Second})
	require.NoError(t, err)
	m.now = func() time.Time { return time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC) }
	return m
}

func TestOpen_EmptySession(t *testing.T) {
	sess := testSession(t)
	m := openTest(t, sess, &letterEmbedder{})
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 0, m.Dimension())
	assert.Same(t, sess, m.Session())
}

func TestOpen_RejectsBadArguments(t *testing.T) {
	_, err := Open(nil, &letterEmbedder{}, Options{})
	assert.ErrorIs(t, err, docerr.ErrConfiguration)

	_, err = Open(testSession(t), nil, Options{})
	assert.ErrorIs(t, err, docerr.ErrConfiguration)

	_, err = Open(testSession(t), &letterEmbedder{}, Options{Timeout: -time.Second})
	assert.ErrorIs(t, err, docerr.ErrConfiguration)
}

func TestInsert_LengthInvariantAndReload(t *testing.T) {
	ctx := context.Background()
	sess := testSession(t)
	emb := &letterEmbedder{}
	m := openTest(t, sess, emb)

	handles, err := m.Insert(ctx, slices.Values(chunksOf("doc-a", "alpha", "beta", "gamma")))
	require.NoError(t, err)
	assert.Equal(t, []Handle{0, 1, 2}, handles)

	handles, err = m.Insert(ctx, slices.Values(chunksOf("doc-b", "delta", "epsilon")))
	require.NoError(t, err)
	assert.Equal(t, []Handle{3, 4}, handles)

	assert.Equal(t, 5, m.Len())
	assert.Len(t, m.vectors, m.Len())
	assert.Equal(t, 26, m.Dimension())

	require.NoError(t, m.Persist())

	reloaded := openTest(t, sess, emb)
	assert.Equal(t, m.Len(), reloaded.Len())
	assert.Equal(t, m.Dimension(), reloaded.Dimension())
	assert.Equal(t, m.vectors, reloaded.vectors)
	for i := range m.entries {
		want, got := m.entries[i], reloaded.entries[i]
		assert.True(t, want.InsertedAt.Equal(got.InsertedAt))
		want.InsertedAt, got.InsertedAt = time.Time{}, time.Time{}
		assert.Equal(t, want, got)
	}

	matches, err := filepath.Glob(filepath.Join(sess.Path, "*"+tmpSuffix))
	require.NoError(t, err)
	assert.Empty(t, matches, "no temp files left behind")
}

func TestInsert_DedupSkipsEmbedding(t *testing.T) {
	ctx := context.Background()
	emb := &letterEmbedder{}
	m := openTest(t, testSession(t), emb)

	_, err := m.Insert(ctx, slices.Values(chunksOf("doc", "one", "two")))
	require.NoError(t, err)
	require.Equal(t, int64(2), emb.calls.Load())

	// "two" is already stored; "three" repeats within the batch, and
	// differently spaced text normalizes to the same hash.
	batch := chunksOf("doc", "two", "three", "three", "  three  ")
	handles, err := m.Insert(ctx, slices.Values(batch))
	require.NoError(t, err)
	assert.Equal(t, []Handle{2}, handles)
	assert.Equal(t, int64(3), emb.calls.Load())
	assert.Equal(t, 3, m.Len())

	handles, err = m.Insert(ctx, slices.Values(chunksOf("doc", "one", "two", "three")))
	require.NoError(t, err)
	assert.Empty(t, handles)
	assert.Equal(t, int64(3), emb.calls.Load())
}

func TestInsert_ComputesMissingHash(t *testing.T) {
	m := openTest(t, testSession(t), &letterEmbedder{})
	_, err := m.Insert(context.Background(), slices.Values([]chunker.Chunk{{DocumentID: "d", Text: "hello"}}))
	require.NoError(t, err)
	assert.Equal(t, chunker.HashText("hello"), m.entries[0].Hash)
}

func TestInsert_FailureAbortsBatch(t *testing.T) {
	ctx := context.Background()
	emb := &letterEmbedder{}
	m := openTest(t, testSession(t), emb)

	_, err := m.Insert(ctx, slices.Values(chunksOf("doc", "kept")))
	require.NoError(t, err)

	emb.failOn = "boom"
	_, err = m.Insert(ctx, slices.Values(chunksOf("doc2", "fine", "boom here", "never")))
	require.Error(t, err)

	var embErr *docerr.EmbeddingError
	require.ErrorAs(t, err, &embErr)
	assert.Equal(t, "doc2", embErr.DocumentID)
	assert.Equal(t, 1, embErr.Seq)
	assert.ErrorIs(t, err, embedding.ErrUnavailable)
	assert.True(t, docerr.IsRetryable(err))

	assert.Equal(t, 1, m.Len())
	assert.Len(t, m.vectors, 1)
	assert.Empty(t, m.Chunks("doc2"))

	// The aborted chunks were never recorded, so a retry embeds them.
	emb.failOn = ""
	handles, err := m.Insert(ctx, slices.Values(chunksOf("doc2", "fine", "boom here", "never")))
	require.NoError(t, err)
	assert.Equal(t, []Handle{1, 2, 3}, handles)
}

func TestInsert_Timeout(t *testing.T) {
	emb := &letterEmbedder{delay: 200 * time.Millisecond}
	m, err := Open(testSession(t), emb, Options{Timeout: 10 * time.Millisecond})
	require.NoError(t, err)

	_, err = m.Insert(context.Background(), slices.Values(chunksOf("doc", "slow")))
	var te *docerr.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "doc", te.DocumentID)
	assert.ErrorIs(t, err, docerr.ErrTimeout)
	assert.Equal(t, 0, m.Len())
}

func TestInsert_DimensionMismatch(t *testing.T) {
	calls := 0
	gw := embedding.GatewayFunc(func(ctx context.Context, text string) ([]float32, error) {
		calls++
		return make([]float32, calls+1), nil
	})
	m := openTest(t, testSession(t), gw)

	_, err := m.Insert(context.Background(), slices.Values(chunksOf("doc", "a", "b")))
	var embErr *docerr.EmbeddingError
	require.ErrorAs(t, err, &embErr)
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 0, m.Dimension())
}

func TestSearch_Bounds(t *testing.T) {
	ctx := context.Background()
	emb := &letterEmbedder{}
	m := openTest(t, testSession(t), emb)

	_, err := m.Search(ctx, "x", 0)
	assert.ErrorIs(t, err, docerr.ErrConfiguration)

	hits, err := m.Search(ctx, "anything", 3)
	require.NoError(t, err)
	assert.NotNil(t, hits)
	assert.Empty(t, hits)
	assert.Equal(t, int64(0), emb.calls.Load(), "empty index does not embed the query")

	_, err = m.Insert(ctx, slices.Values(chunksOf("doc", "aaa", "bbb")))
	require.NoError(t, err)
	hits, err = m.Search(ctx, "a", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2, "k larger than the index returns everything")
}

func TestSearch_OrderingAndTies(t *testing.T) {
	ctx := context.Background()
	m := openTest(t, testSession(t), &letterEmbedder{})

	// "ab" and "ba" embed identically, so they tie on score.
	_, err := m.Insert(ctx, slices.Values(chunksOf("doc", "zzz", "ba", "ab", "aaa")))
	require.NoError(t, err)

	hits, err := m.Search(ctx, "ab", 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, Handle(1), hits[0].Handle)
	assert.Equal(t, Handle(2), hits[1].Handle)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
	assert.InDelta(t, hits[0].Score, hits[1].Score, 1e-12)
	assert.Equal(t, Handle(3), hits[2].Handle)
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}
}

func TestSupersede(t *testing.T) {
	ctx := context.Background()
	emb := &letterEmbedder{}
	m := openTest(t, testSession(t), emb)

	_, err := m.Insert(ctx, slices.Values(chunksOf("doc", "ab", "cd", "ef")))
	require.NoError(t, err)

	assert.ErrorIs(t, m.Supersede(0, 99), docerr.ErrConfiguration)
	assert.Equal(t, 3, m.ActiveLen(), "failed supersede changes nothing")

	require.NoError(t, m.Supersede(0))
	hits, err := m.Search(ctx, "ab", 5)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, Handle(0), h.Handle)
	}
	assert.Equal(t, 3, m.Len())
	assert.Equal(t, 2, m.ActiveLen())

	assert.Equal(t, 2, m.SupersedeDocument("doc"))
	assert.Equal(t, 0, m.SupersedeDocument("doc"))
	calls := emb.calls.Load()
	hits, err = m.Search(ctx, "ab", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.Equal(t, calls, emb.calls.Load())

	// Re-inserting superseded content reactivates it without embedding.
	handles, err := m.Insert(ctx, slices.Values(chunksOf("doc", "ab")))
	require.NoError(t, err)
	assert.Empty(t, handles)
	assert.Equal(t, calls, emb.calls.Load())
	assert.Equal(t, 1, m.ActiveLen())

	e, ok := m.Lookup(chunker.HashText("cd"))
	require.True(t, ok)
	assert.Equal(t, Handle(1), e.Handle)
	assert.True(t, e.Superseded)
	_, ok = m.Lookup(chunker.HashText("zz"))
	assert.False(t, ok)
}

func TestChunks_DocumentOrder(t *testing.T) {
	ctx := context.Background()
	m := openTest(t, testSession(t), &letterEmbedder{})

	batch := chunksOf("doc", "first", "second", "third")
	slices.Reverse(batch)
	_, err := m.Insert(ctx, slices.Values(batch))
	require.NoError(t, err)
	_, err = m.Insert(ctx, slices.Values(chunksOf("other", "elsewhere")))
	require.NoError(t, err)

	var texts []string
	for _, e := range m.Chunks("doc") {
		texts = append(texts, e.Text)
	}
	assert.Equal(t, []string{"first", "second", "third"}, texts)

	e, ok := m.Entry(3)
	require.True(t, ok)
	assert.Equal(t, "other", e.DocumentID)
	_, ok = m.Entry(4)
	assert.False(t, ok)
}

func TestOpen_DetectsCorruption(t *testing.T) {
	ctx := context.Background()

	persisted := func(t *testing.T) *session.Session {
		sess := testSession(t)
		m := openTest(t, sess, &letterEmbedder{})
		_, err := m.Insert(ctx, slices.Values(chunksOf("doc", "one", "two")))
		require.NoError(t, err)
		require.NoError(t, m.Persist())
		return sess
	}

	tests := []struct {
		name   string
		tamper func(t *testing.T, dir string)
	}{
		{"metadata entry removed", func(t *testing.T, dir string) {
			path := filepath.Join(dir, MetadataFile)
			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			// Drop the last entry by rewriting with only the first.
			m := openTest(t, &session.Session{ID: "x", Path: t.TempDir()}, &letterEmbedder{})
			_, err = m.Insert(ctx, slices.Values(chunksOf("doc", "one")))
			require.NoError(t, err)
			require.NoError(t, m.Persist())
			short, err := os.ReadFile(filepath.Join(m.sess.Path, MetadataFile))
			require.NoError(t, err)
			require.NotEqual(t, raw, short)
			require.NoError(t, os.WriteFile(path, short, 0o644))
		}},
		{"metadata missing", func(t *testing.T, dir string) {
			require.NoError(t, os.Remove(filepath.Join(dir, MetadataFile)))
		}},
		{"index missing", func(t *testing.T, dir string) {
			require.NoError(t, os.Remove(filepath.Join(dir, IndexFile)))
		}},
		{"metadata garbage", func(t *testing.T, dir string) {
			require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFile), []byte("{not json"), 0o644))
		}},
		{"index truncated", func(t *testing.T, dir string) {
			path := filepath.Join(dir, IndexFile)
			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, raw[:len(raw)-4], 0o644))
		}},
		{"index bad magic", func(t *testing.T, dir string) {
			path := filepath.Join(dir, IndexFile)
			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			copy(raw, "XXXX")
			require.NoError(t, os.WriteFile(path, raw, 0o644))
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sess := persisted(t)
			tc.tamper(t, sess.Path)

			_, err := Open(sess, &letterEmbedder{}, Options{})
			require.Error(t, err)
			assert.ErrorIs(t, err, docerr.ErrCorruptIndex)
			var ce *docerr.CorruptIndexError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, sess.ID, ce.SessionID)
		})
	}
}

func TestOpen_LeavesStagedTempFilesAlone(t *testing.T) {
	ctx := context.Background()
	sess := testSession(t)
	writer := openTest(t, sess, &letterEmbedder{})
	_, err := writer.Insert(ctx, slices.Values(chunksOf("doc", "alpha")))
	require.NoError(t, err)

	// The writer has staged its index when a reader opens the session.
	staged, err := writeFileSync(sess.Path, IndexFile, func(w io.Writer) error {
		return writeIndex(w, writer.dim, writer.vectors)
	})
	require.NoError(t, err)

	reader, err := Open(sess, &letterEmbedder{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, reader.Len())
	assert.FileExists(t, staged)

	// The next Persist clears what an interrupted one left behind.
	require.NoError(t, writer.Persist())
	assert.NoFileExists(t, staged)
	matches, err := filepath.Glob(filepath.Join(sess.Path, "*"+tmpSuffix))
	require.NoError(t, err)
	assert.Empty(t, matches)

	reloaded := openTest(t, sess, &letterEmbedder{})
	assert.Equal(t, 1, reloaded.Len())
}

func TestOpen_RereadsMetadataBehindIndex(t *testing.T) {
	ctx := context.Background()
	sess := testSession(t)
	metaPath := filepath.Join(sess.Path, MetadataFile)

	m := openTest(t, sess, &letterEmbedder{})
	_, err := m.Insert(ctx, slices.Values(chunksOf("doc", "one")))
	require.NoError(t, err)
	require.NoError(t, m.Persist())
	older, err := os.ReadFile(metaPath)
	require.NoError(t, err)

	_, err = m.Insert(ctx, slices.Values(chunksOf("doc", "two")))
	require.NoError(t, err)
	require.NoError(t, m.Persist())
	newer, err := os.ReadFile(metaPath)
	require.NoError(t, err)

	// A Persist has renamed its index but not yet its metadata.
	require.NoError(t, os.WriteFile(metaPath, older, 0o644))

	waits := 0
	prev := settle
	settle = func() {
		waits++
		require.NoError(t, os.WriteFile(metaPath, newer, 0o644))
	}
	t.Cleanup(func() { settle = prev })

	reader, err := Open(sess, &letterEmbedder{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, reader.Len())
	assert.Equal(t, 1, waits)
}

func TestPersist_EmptyIndexRoundTrip(t *testing.T) {
	sess := testSession(t)
	m := openTest(t, sess, &letterEmbedder{})
	require.NoError(t, m.Persist())

	reloaded := openTest(t, sess, &letterEmbedder{})
	assert.Equal(t, 0, reloaded.Len())
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, cosine([]float32{0, 0}, []float32{1, 1}))
}
