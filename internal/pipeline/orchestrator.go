// Package pipeline runs document analyses as background jobs: each upload
// is parsed, chunked, indexed into its session's vector index and then
// summarized into a schema-validated record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dgallion1/docanalyst/internal/chunker"
	"github.com/dgallion1/docanalyst/internal/config"
	"github.com/dgallion1/docanalyst/internal/embedding"
	"github.com/dgallion1/docanalyst/internal/extract"
	"github.com/dgallion1/docanalyst/internal/generation"
	"github.com/dgallion1/docanalyst/internal/parser"
	"github.com/dgallion1/docanalyst/internal/pathstore"
	"github.com/dgallion1/docanalyst/internal/retrieval"
	"github.com/dgallion1/docanalyst/internal/session"
	"github.com/dgallion1/docanalyst/internal/vectorindex"
)

var (
	ErrQueueFull   = errors.New("job queue is full")
	ErrStopped     = errors.New("pipeline is stopped")
	ErrSessionBusy = errors.New("session has queued or running work")
)

// Deps are the collaborators an Orchestrator drives. Publisher is optional.
type Deps struct {
	Registry  *session.Registry
	Embedder  embedding.Gateway
	Generator generation.Gateway
	Publisher *pathstore.Publisher
	Logger    *slog.Logger
}

// Orchestrator manages the document analysis pipeline.
type Orchestrator struct {
	cfg      config.Config
	jobs     *JobStore
	queue    chan *Job
	reg      *session.Registry
	sessions *sessionTable
	engine   *retrieval.Engine
	worker   *Worker
	pub      *pathstore.Publisher
	retry    retrier
	log      *slog.Logger

	mu      sync.RWMutex
	stopped bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator wires the pipeline. Workers start with Start.
func NewOrchestrator(cfg config.Config, deps Deps) (*Orchestrator, error) {
	if deps.Registry == nil {
		return nil, errors.New("pipeline: session registry is required")
	}
	if err := chunker.Validate(cfg.ChunkSize, cfg.ChunkOverlap); err != nil {
		return nil, err
	}
	engine, err := retrieval.New(retrieval.Options{
		K:           cfg.RetrievalK,
		SummaryK:    cfg.SummaryK,
		TokenBudget: cfg.TokenBudget,
	})
	if err != nil {
		return nil, err
	}
	extractor, err := extract.New(deps.Generator, extract.Options{
		MaxRetries: cfg.MaxExtractRetries,
		Timeout:    cfg.ProviderTimeout,
	})
	if err != nil {
		return nil, err
	}
	if deps.Embedder == nil {
		return nil, errors.New("pipeline: embedding gateway is required")
	}

	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	queueSize := max(cfg.MaxQueueSize, 1)
	retry := retrier{max: cfg.MaxProviderRetries, backoff: Backoff, log: log}
	sessions := newSessionTable(deps.Embedder, vectorindex.Options{Timeout: cfg.ProviderTimeout})

	o := &Orchestrator{
		cfg:      cfg,
		jobs:     NewJobStore(cfg.JobTTL),
		queue:    make(chan *Job, queueSize),
		reg:      deps.Registry,
		sessions: sessions,
		engine:   engine,
		pub:      deps.Publisher,
		retry:    retry,
		log:      log,
	}
	o.worker = &Worker{
		cfg:       cfg,
		reg:       deps.Registry,
		sessions:  sessions,
		engine:    engine,
		extractor: extractor,
		schema:    extract.DocumentSchema(),
		publisher: deps.Publisher,
		retry:     retry,
		log:       log,
	}
	return o, nil
}

// Start launches worker goroutines.
func (o *Orchestrator) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	for range max(o.cfg.WorkerCount, 1) {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for {
				select {
				case <-workerCtx.Done():
					return
				case job, ok := <-o.queue:
					if !ok {
						return
					}
					o.run(workerCtx, job)
				}
			}
		}()
	}

	// Start job store cleanup.
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				if n := o.jobs.Cleanup(); n > 0 {
					o.log.Debug("evicted finished jobs", "count", n)
				}
			}
		}
	}()
}

// Stop gracefully shuts down the pipeline. Jobs still queued are failed.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	close(o.queue)
	o.mu.Unlock()

	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	for job := range o.queue {
		job.Fail("shutdown", ErrStopped)
		o.sessions.release(job.SessionID)
	}
}

func (o *Orchestrator) run(ctx context.Context, job *Job) {
	// Releases the hold taken in Submit.
	defer o.sessions.release(job.SessionID)
	_ = o.worker.Process(ctx, job)
}

// Submit stores the upload in the session directory and queues a job for
// it. The returned job is non-nil whenever the upload was accepted into the
// job store, even if queueing failed.
func (o *Orchestrator) Submit(ctx context.Context, sessionID, filename string, r io.Reader) (*Job, error) {
	job, err := o.prepare(ctx, sessionID, filename, r)
	if err != nil {
		return nil, err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.stopped {
		o.discard(job, ErrStopped)
		return job, ErrStopped
	}
	o.jobs.Put(job)
	select {
	case o.queue <- job:
		o.log.Info("job queued", "job_id", job.ID, "session_id", sessionID, "doc_id", job.DocumentID)
		return job, nil
	default:
		o.discard(job, ErrQueueFull)
		return job, fmt.Errorf("%w (%d)", ErrQueueFull, cap(o.queue))
	}
}

// AnalyzeFile runs one document through the pipeline synchronously,
// bypassing the queue.
func (o *Orchestrator) AnalyzeFile(ctx context.Context, sessionID, path string) (JobSnapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return JobSnapshot{}, err
	}
	defer f.Close()

	job, err := o.prepare(ctx, sessionID, filepath.Base(path), f)
	if err != nil {
		return JobSnapshot{}, err
	}
	o.jobs.Put(job)
	defer o.sessions.release(job.SessionID)
	err = o.worker.Process(ctx, job)
	return job.Snapshot(), err
}

// prepare validates the upload, copies it to
// <session>/uploads/<job id>/<document id> and takes a hold on the session.
func (o *Orchestrator) prepare(ctx context.Context, sessionID, filename string, r io.Reader) (*Job, error) {
	if !parser.IsSupportedExtension(filename) {
		return nil, fmt.Errorf("%w: %q", parser.ErrUnsupported, filepath.Ext(filename))
	}
	docID, err := DocumentID(filename)
	if err != nil {
		return nil, err
	}
	sess, err := o.reg.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	job := newJob(sess.ID, docID, filename, "")
	dir := filepath.Join(sess.Path, "uploads", job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	job.path = filepath.Join(dir, docID)
	if err := writeUpload(job.path, r); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	o.sessions.acquire(sess.ID)
	return job, nil
}

func (o *Orchestrator) discard(job *Job, err error) {
	job.Fail("queued", err)
	os.RemoveAll(filepath.Dir(job.path))
	o.sessions.release(job.SessionID)
}

func writeUpload(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create upload: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("write upload: %w", err)
	}
	return f.Close()
}

// Query retrieves the passages of a session most relevant to question.
func (o *Orchestrator) Query(ctx context.Context, sessionID, question string) (retrieval.Context, error) {
	sess, err := o.reg.Get(ctx, sessionID)
	if err != nil {
		return retrieval.Context{}, err
	}
	st := o.sessions.acquire(sessionID)
	defer o.sessions.release(sessionID)

	st.mu.Lock()
	mgr, err := o.sessions.manager(st, sess)
	st.mu.Unlock()
	if err != nil {
		return retrieval.Context{}, fmt.Errorf("open index: %w", err)
	}

	// The read lock is held per attempt so writers can run during backoff.
	var rc retrieval.Context
	err = o.retry.do(ctx, "search", func() error {
		st.mu.RLock()
		defer st.mu.RUnlock()
		var err error
		rc, err = o.engine.RetrieveContext(ctx, mgr, retrieval.Intent{Kind: retrieval.Question, Question: question})
		return err
	})
	return rc, err
}

// DeleteSession removes a session that has no queued or running work,
// along with anything published for it.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	if o.sessions.inUse(sessionID) {
		return fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	}
	if err := o.reg.Delete(ctx, sessionID); err != nil {
		return err
	}
	if o.pub != nil {
		if err := o.pub.DeleteSession(ctx, sessionID); err != nil {
			o.log.Warn("unpublish session failed", "session_id", sessionID, "error", err)
		}
	}
	o.log.Info("session deleted", "session_id", sessionID)
	return nil
}

// InUse reports whether a session has queued or running work. It is the
// session sweeper's guard.
func (o *Orchestrator) InUse(sessionID string) bool {
	return o.sessions.inUse(sessionID)
}

// GetJob returns a job by ID.
func (o *Orchestrator) GetJob(id string) *Job {
	return o.jobs.Get(id)
}

// QueueDepth returns current queue depth.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}

// DocumentID derives a session-unique document identifier from an upload
// filename: its base name with anything outside [A-Za-z0-9._-] replaced.
func DocumentID(filename string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(filename, `\`, "/"))
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if strings.Trim(id, "._") == "" {
		return "", fmt.Errorf("invalid document filename %q", filename)
	}
	return id, nil
}
