// Package vectorindex keeps one append-only vector index and its metadata
// store per analysis session, with content-hash deduplication, atomic
// persistence and cosine-similarity search.
//
// A Manager is the only mutator of its session's files. It is not safe for
// concurrent mutation: callers serialize Insert, Supersede and Persist per
// session. Search only reads and may run alongside other Search calls.
package vectorindex

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/dgallion1/docanalyst/internal/chunker"
	"github.com/dgallion1/docanalyst/internal/docerr"
	"github.com/dgallion1/docanalyst/internal/embedding"
	"github.com/dgallion1/docanalyst/internal/session"
)

// Handle is the 0-based insertion position of a chunk. It addresses the
// same chunk in the vector index and the metadata store.
type Handle int

// Options configures a Manager.
type Options struct {
	// Timeout bounds each embedding call. Zero means only ctx applies.
	Timeout time.Duration
}

// Entry is the metadata kept for one handle.
type Entry struct {
	Handle     Handle
	DocumentID string
	Seq        int
	Text       string
	Hash       string
	Superseded bool
	InsertedAt time.Time
}

// Hit is one search result.
type Hit struct {
	Entry
	Score float64
}

type Manager struct {
	sess *session.Session
	gw   embedding.Gateway
	opts Options
	now  func() time.Time

	dim     int
	vectors [][]float32
	entries []Entry
	byHash  map[string]Handle
}

// Open loads the session's index and metadata, or starts empty when neither
// file exists. Any inconsistency between the two is a *docerr.CorruptIndexError;
// nothing is truncated or repaired.
func Open(sess *session.Session, gw embedding.Gateway, opts Options) (*Manager, error) {
	if sess == nil || sess.Path == "" {
		return nil, docerr.Configf("session", "missing session path")
	}
	if gw == nil {
		return nil, docerr.Configf("gateway", "embedding gateway is required")
	}
	if opts.Timeout < 0 {
		return nil, docerr.Configf("timeout", "must be >= 0, got %s", opts.Timeout)
	}

	m := &Manager{
		sess:   sess,
		gw:     gw,
		opts:   opts,
		now:    time.Now,
		byHash: make(map[string]Handle),
	}

	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) corrupt(path, reason string, err error) error {
	return &docerr.CorruptIndexError{SessionID: m.sess.ID, Path: path, Reason: reason, Err: err}
}

// settle waits before re-reading metadata that lags the index.
var settle = func() { time.Sleep(20 * time.Millisecond) }

// metadataRereads bounds how often load re-reads metadata while a
// concurrent Persist may be between its two renames.
const metadataRereads = 3

// load reads metadata before the index. Persist renames the index first, so
// a reader can only ever see an index at least as new as the metadata it
// read; an index that is ahead means a Persist landed in between and the
// metadata is read again.
func (m *Manager) load() error {
	indexPath := filepath.Join(m.sess.Path, IndexFile)
	metaPath := filepath.Join(m.sess.Path, MetadataFile)

	hasIndex, err := exists(indexPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", indexPath, err)
	}
	hasMeta, err := exists(metaPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", metaPath, err)
	}
	switch {
	case !hasIndex && !hasMeta:
		return nil
	case !hasMeta:
		return m.corrupt(metaPath, "metadata missing while index exists", nil)
	case !hasIndex:
		return m.corrupt(indexPath, "index missing while metadata exists", nil)
	}

	for attempt := 0; ; attempt++ {
		meta, err := m.readMetadata(metaPath)
		if err != nil {
			return err
		}
		dim, vectors, err := m.readVectors(indexPath)
		if err != nil {
			return err
		}
		if len(vectors) > len(meta.Entries) && attempt < metadataRereads {
			settle()
			continue
		}
		if len(meta.Entries) != len(vectors) {
			return m.corrupt(metaPath, fmt.Sprintf("metadata has %d entries but index has %d vectors", len(meta.Entries), len(vectors)), nil)
		}
		return m.adopt(metaPath, meta, dim, vectors)
	}
}

func (m *Manager) readMetadata(path string) (*metadataFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta metadataFile
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, m.corrupt(path, "decode metadata", err)
	}
	if meta.Version != metadataVersion {
		return nil, m.corrupt(path, fmt.Sprintf("unsupported metadata version %d", meta.Version), nil)
	}
	return &meta, nil
}

func (m *Manager) readVectors(path string) (int, [][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, fmt.Errorf("open index: %w", err)
	}
	defer f.Close()
	dim, vectors, err := readIndex(f)
	if err != nil {
		return 0, nil, m.corrupt(path, "decode index", err)
	}
	return dim, vectors, nil
}

func (m *Manager) adopt(metaPath string, meta *metadataFile, dim int, vectors [][]float32) error {
	if len(vectors) > 0 && meta.Dimension != dim {
		return m.corrupt(metaPath, fmt.Sprintf("metadata dimension %d does not match index dimension %d", meta.Dimension, dim), nil)
	}
	entries := make([]Entry, len(meta.Entries))
	byHash := make(map[string]Handle, len(meta.Entries))
	for i, e := range meta.Entries {
		if e.Handle != Handle(i) {
			return m.corrupt(metaPath, fmt.Sprintf("entry %d has handle %d", i, e.Handle), nil)
		}
		entries[i] = Entry(e)
		byHash[e.Hash] = e.Handle
	}

	m.dim = dim
	m.vectors = vectors
	m.entries = entries
	m.byHash = byHash
	return nil
}

// embed runs one provider call under the configured timeout and maps its
// failure to the error taxonomy. documentID is empty for queries.
func (m *Manager) embed(ctx context.Context, text, documentID string, seq int) ([]float32, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if m.opts.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, m.opts.Timeout)
	}
	defer cancel()

	vec, err := m.gw.Embed(callCtx, text)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			op := "embed chunk"
			if documentID == "" {
				op = "embed query"
			}
			return nil, &docerr.TimeoutError{Op: op, SessionID: m.sess.ID, DocumentID: documentID, Timeout: m.opts.Timeout, Err: err}
		}
		return nil, &docerr.EmbeddingError{SessionID: m.sess.ID, DocumentID: documentID, Seq: seq, Err: err}
	}
	if len(vec) == 0 {
		return nil, &docerr.EmbeddingError{SessionID: m.sess.ID, DocumentID: documentID, Seq: seq, Err: errors.New("empty vector")}
	}
	return vec, nil
}

// Insert embeds and appends every chunk whose content hash is new to the
// session. Duplicates, within the batch or against the store, are skipped
// without an embedding call; a duplicate of a superseded entry reactivates
// it. The batch is all-or-nothing: if any embedding fails the index and
// metadata are left exactly as they were. It returns the handles assigned
// to the newly indexed chunks, in insertion order.
func (m *Manager) Insert(ctx context.Context, chunks iter.Seq[chunker.Chunk]) ([]Handle, error) {
	type pending struct {
		chunk  chunker.Chunk
		vector []float32
	}

	var (
		batch      []pending
		reactivate []Handle
		seen       = make(map[string]struct{})
	)
	for c := range chunks {
		if c.Hash == "" {
			c.Hash = chunker.HashText(c.Text)
		}
		if _, dup := seen[c.Hash]; dup {
			continue
		}
		seen[c.Hash] = struct{}{}
		if h, ok := m.byHash[c.Hash]; ok {
			if m.entries[h].Superseded {
				reactivate = append(reactivate, h)
			}
			continue
		}
		batch = append(batch, pending{chunk: c})
	}

	dim := m.dim
	for i := range batch {
		c := batch[i].chunk
		vec, err := m.embed(ctx, c.Text, c.DocumentID, c.Seq)
		if err != nil {
			return nil, err
		}
		if dim == 0 {
			dim = len(vec)
		}
		if len(vec) != dim {
			return nil, &docerr.EmbeddingError{
				SessionID: m.sess.ID, DocumentID: c.DocumentID, Seq: c.Seq,
				Err: fmt.Errorf("vector dimension %d does not match index dimension %d", len(vec), dim),
			}
		}
		batch[i].vector = vec
	}

	// Commit: vectors first, then metadata, so a partial failure can never
	// leave metadata pointing at a missing vector.
	now := m.now().UTC()
	handles := make([]Handle, 0, len(batch))
	vectors := make([][]float32, 0, len(batch))
	entries := make([]Entry, 0, len(batch))
	for i, p := range batch {
		h := Handle(len(m.entries) + i)
		handles = append(handles, h)
		vectors = append(vectors, p.vector)
		entries = append(entries, Entry{
			Handle:     h,
			DocumentID: p.chunk.DocumentID,
			Seq:        p.chunk.Seq,
			Text:       p.chunk.Text,
			Hash:       p.chunk.Hash,
			InsertedAt: now,
		})
	}
	m.dim = dim
	m.vectors = append(m.vectors, vectors...)
	m.entries = append(m.entries, entries...)
	for _, e := range entries {
		m.byHash[e.Hash] = e.Handle
	}
	for _, h := range reactivate {
		m.entries[h].Superseded = false
	}
	return handles, nil
}

// Search returns the k active entries most similar to query by cosine
// similarity, best first, ties broken by ascending handle. An index with no
// active entries yields an empty result without calling the provider.
func (m *Manager) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, docerr.Configf("k", "must be > 0, got %d", k)
	}
	if m.ActiveLen() == 0 {
		return []Hit{}, nil
	}

	q, err := m.embed(ctx, query, "", -1)
	if err != nil {
		return nil, err
	}
	if len(q) != m.dim {
		return nil, &docerr.EmbeddingError{
			SessionID: m.sess.ID, Seq: -1,
			Err: fmt.Errorf("query dimension %d does not match index dimension %d", len(q), m.dim),
		}
	}

	hits := make([]Hit, 0, m.ActiveLen())
	for i, e := range m.entries {
		if e.Superseded {
			continue
		}
		hits = append(hits, Hit{Entry: e, Score: cosine(q, m.vectors[i])})
	}
	slices.SortFunc(hits, func(a, b Hit) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Handle, b.Handle)
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Persist writes the index and metadata to temp files, fsyncs them and
// renames the index into place before the metadata. A reader that observes
// the new metadata therefore always finds the matching index.
func (m *Manager) Persist() error {
	dir := m.sess.Path
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	removeStaleTemps(dir)

	indexTmp, err := writeFileSync(dir, IndexFile, func(w io.Writer) error {
		return writeIndex(w, m.dim, m.vectors)
	})
	if err != nil {
		return fmt.Errorf("write index: %w", err)
	}

	meta := metadataFile{Version: metadataVersion, Dimension: m.dim, Entries: make([]entryJSON, len(m.entries))}
	for i, e := range m.entries {
		meta.Entries[i] = entryJSON(e)
	}
	metaTmp, err := writeFileSync(dir, MetadataFile, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(meta)
	})
	if err != nil {
		os.Remove(indexTmp)
		return fmt.Errorf("write metadata: %w", err)
	}

	if err := os.Rename(indexTmp, filepath.Join(dir, IndexFile)); err != nil {
		os.Remove(indexTmp)
		os.Remove(metaTmp)
		return fmt.Errorf("rename index: %w", err)
	}
	if err := os.Rename(metaTmp, filepath.Join(dir, MetadataFile)); err != nil {
		os.Remove(metaTmp)
		return fmt.Errorf("rename metadata: %w", err)
	}
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("sync session dir: %w", err)
	}
	return nil
}

// Supersede excludes the given handles from search. Their vectors and
// metadata are kept. Unknown handles fail the whole call.
func (m *Manager) Supersede(handles ...Handle) error {
	for _, h := range handles {
		if h < 0 || int(h) >= len(m.entries) {
			return docerr.Configf("handle", "unknown handle %d (index has %d entries)", h, len(m.entries))
		}
	}
	for _, h := range handles {
		m.entries[h].Superseded = true
	}
	return nil
}

// SupersedeDocument supersedes every active entry of documentID and returns
// how many changed.
func (m *Manager) SupersedeDocument(documentID string) int {
	n := 0
	for i := range m.entries {
		if m.entries[i].DocumentID == documentID && !m.entries[i].Superseded {
			m.entries[i].Superseded = true
			n++
		}
	}
	return n
}

// Len is the number of handles, superseded included.
func (m *Manager) Len() int { return len(m.entries) }

// ActiveLen is the number of entries visible to search.
func (m *Manager) ActiveLen() int {
	n := 0
	for _, e := range m.entries {
		if !e.Superseded {
			n++
		}
	}
	return n
}

// Chunks returns the active entries of one document ordered by chunk
// sequence number.
func (m *Manager) Chunks(documentID string) []Entry {
	var out []Entry
	for _, e := range m.entries {
		if e.DocumentID == documentID && !e.Superseded {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b Entry) int { return cmp.Compare(a.Seq, b.Seq) })
	return out
}

// Entry returns the metadata for h.
func (m *Manager) Entry(h Handle) (Entry, bool) {
	if h < 0 || int(h) >= len(m.entries) {
		return Entry{}, false
	}
	return m.entries[h], true
}

// Lookup returns the entry holding content hash, superseded or not.
func (m *Manager) Lookup(hash string) (Entry, bool) {
	h, ok := m.byHash[hash]
	if !ok {
		return Entry{}, false
	}
	return m.entries[h], true
}

// Dimension is the vector length, or 0 while the index is empty.
func (m *Manager) Dimension() int { return m.dim }

func (m *Manager) Session() *session.Session { return m.sess }

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
