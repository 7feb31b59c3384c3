package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dgallion1/docanalyst/internal/chunker"
	"github.com/dgallion1/docanalyst/internal/config"
	"github.com/dgallion1/docanalyst/internal/doctree"
	"github.com/dgallion1/docanalyst/internal/extract"
	"github.com/dgallion1/docanalyst/internal/parser"
	"github.com/dgallion1/docanalyst/internal/pathstore"
	"github.com/dgallion1/docanalyst/internal/retrieval"
	"github.com/dgallion1/docanalyst/internal/session"
	"github.com/dgallion1/docanalyst/internal/vectorindex"
)

// Worker processes a single document job.
type Worker struct {
	cfg       config.Config
	reg       *session.Registry
	sessions  *sessionTable
	engine    *retrieval.Engine
	extractor *extract.Extractor
	schema    extract.Schema
	publisher *pathstore.Publisher
	retry     retrier
	log       *slog.Logger
}

// analysisRecord is what gets published for a completed document.
type analysisRecord struct {
	SessionID   string          `json:"session_id"`
	DocumentID  string          `json:"document_id"`
	Filename    string          `json:"filename"`
	Title       string          `json:"title"`
	ContentHash string          `json:"content_hash"`
	Chunks      int             `json:"chunks"`
	Result      *extract.Result `json:"result"`
	AnalyzedAt  string          `json:"analyzed_at"`
}

// Process runs the full analysis pipeline for a job. The returned error is
// also recorded on the job.
func (w *Worker) Process(ctx context.Context, job *Job) error {
	log := w.log.With("job_id", job.ID, "session_id", job.SessionID, "doc_id", job.DocumentID)

	sess, err := w.reg.Get(ctx, job.SessionID)
	if err != nil {
		log.Error("session lookup failed", "error", err)
		job.Fail("session", err)
		return err
	}

	// Phase 1: Parse
	job.SetStatus(StatusParsing, "parsing")
	tree, err := parser.ParseFile(job.path, w.cfg.PDFFallbackPdftotext)
	if err != nil {
		log.Error("parse failed", "error", err)
		err = fmt.Errorf("parse: %w", err)
		job.Fail("parsing", err)
		return err
	}
	text := doctree.Flatten(tree)
	job.setParsed(tree.Title, chunker.ContentHashHex([]byte(text)))

	// Phase 2: Chunk
	job.SetStatus(StatusChunking, "chunking")
	seq, err := chunker.Split(job.DocumentID, text, w.cfg.ChunkSize, w.cfg.ChunkOverlap)
	if err != nil {
		job.Fail("chunking", err)
		return err
	}
	chunks := chunker.Collect(seq)
	if len(chunks) == 0 {
		err := errors.New("no extractable content")
		job.Fail("chunking", err)
		return err
	}
	job.update(func(p *Progress) { p.TotalChunks = len(chunks) })
	log.Info("chunked document", "chunks", len(chunks))

	// Phase 3: Index
	job.SetStatus(StatusIndexing, "indexing")
	st := w.sessions.acquire(job.SessionID)
	defer w.sessions.release(job.SessionID)
	view, added, stale, err := w.index(ctx, st, sess, job.DocumentID, chunks)
	if err != nil {
		log.Error("indexing failed", "error", err)
		job.Fail("indexing", err)
		return err
	}
	job.update(func(p *Progress) {
		p.NewChunks = added
		p.SupersededChunks = stale
	})
	log.Info("indexed document", "new_chunks", added, "superseded", stale)

	// Phase 4: Retrieve
	job.SetStatus(StatusRetrieving, "retrieving")
	st.mu.RLock()
	rc, err := w.engine.RetrieveContext(ctx, view, retrieval.Intent{Kind: retrieval.Summarize, DocumentID: job.DocumentID})
	st.mu.RUnlock()
	if err != nil {
		job.Fail("retrieving", err)
		return err
	}
	job.update(func(p *Progress) { p.ContextPassages = len(rc.Passages) })

	// Phase 5: Extract
	job.SetStatus(StatusExtracting, "extracting")
	var outcome *extract.Outcome
	err = w.retry.do(ctx, "extract", func() error {
		var err error
		outcome, err = w.extractor.Extract(ctx, rc.Text, w.schema)
		return err
	})
	if outcome != nil {
		job.setOutcome(outcome)
	}
	if err != nil {
		log.Error("extraction failed", "error", err)
		job.Fail("extracting", err)
		return err
	}
	log.Info("extraction complete", "attempts", outcome.Attempts, "retries", outcome.Retries)

	if w.publisher != nil {
		rec := analysisRecord{
			SessionID:   job.SessionID,
			DocumentID:  job.DocumentID,
			Filename:    job.Filename,
			Title:       tree.Title,
			ContentHash: job.ContentHash,
			Chunks:      len(chunks),
			Result:      outcome.Result,
			AnalyzedAt:  time.Now().UTC().Format(time.RFC3339),
		}
		if err := w.publisher.PublishAnalysis(ctx, job.SessionID, job.DocumentID, rec); err != nil {
			log.Warn("publish failed", "error", err)
			job.AddError(fmt.Sprintf("publish: %s", err))
		}
	}

	if err := w.reg.Touch(ctx, job.SessionID, 1); err != nil {
		log.Warn("session touch failed", "error", err)
	}

	job.SetStatus(StatusCompleted, "done")
	return nil
}

// index inserts the document's chunks, supersedes chunks the document no
// longer contains, and persists the session index. It returns a view of the
// document for summary retrieval together with the number of newly
// embedded and newly superseded chunks.
func (w *Worker) index(ctx context.Context, st *sessionState, sess *session.Session, documentID string, chunks []chunker.Chunk) (*documentView, int, int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	mgr, err := w.sessions.manager(st, sess)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open index: %w", err)
	}

	var handles []vectorindex.Handle
	err = w.retry.do(ctx, "embed", func() error {
		var err error
		handles, err = mgr.Insert(ctx, slices.Values(chunks))
		return err
	})
	if err != nil {
		return nil, 0, 0, err
	}

	current := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		current[c.Hash] = true
	}
	var stale []vectorindex.Handle
	for _, e := range mgr.Chunks(documentID) {
		if !current[e.Hash] {
			stale = append(stale, e.Handle)
		}
	}
	if err := mgr.Supersede(stale...); err != nil {
		return nil, 0, 0, err
	}

	if err := mgr.Persist(); err != nil {
		// Reload from disk on next use rather than trust unsaved state.
		st.mgr = nil
		return nil, 0, 0, fmt.Errorf("persist index: %w", err)
	}

	return newDocumentView(mgr, documentID, chunks), len(handles), len(stale), nil
}

// documentView presents one document to the retrieval engine in its own
// chunk order, including chunks whose content was first indexed under
// another document of the same session.
type documentView struct {
	*vectorindex.Manager
	documentID string
	entries    []vectorindex.Entry
}

func newDocumentView(mgr *vectorindex.Manager, documentID string, chunks []chunker.Chunk) *documentView {
	v := &documentView{Manager: mgr, documentID: documentID}
	seen := make(map[vectorindex.Handle]bool, len(chunks))
	for _, c := range chunks {
		e, ok := mgr.Lookup(c.Hash)
		if !ok || e.Superseded || seen[e.Handle] {
			continue
		}
		seen[e.Handle] = true
		v.entries = append(v.entries, e)
	}
	return v
}

func (v *documentView) Chunks(documentID string) []vectorindex.Entry {
	if documentID == v.documentID {
		return v.entries
	}
	return v.Manager.Chunks(documentID)
}
