package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dgallion1/docanalyst/internal/doctree"
	"github.com/dgallion1/docanalyst/internal/extract"
	"github.com/dgallion1/docanalyst/internal/parser"
)

// Upload is one named file handed to Compare.
type Upload struct {
	Filename string
	Body     io.Reader
}

// Comparison is the page-by-page change report between a reference
// document and an actual one.
type Comparison struct {
	ID         string           `json:"id"`
	SessionID  string           `json:"session_id"`
	Reference  string           `json:"reference"`
	Actual     string           `json:"actual"`
	Outcome    *extract.Outcome `json:"outcome"`
	ComparedAt time.Time        `json:"compared_at"`
}

// Compare stores both uploads under <session>/compare/<id>/ and asks the
// generator which pages of actual differ from reference. It runs
// synchronously and does not touch the session index.
func (o *Orchestrator) Compare(ctx context.Context, sessionID string, reference, actual Upload) (*Comparison, error) {
	for _, u := range []Upload{reference, actual} {
		if !parser.IsSupportedExtension(u.Filename) {
			return nil, fmt.Errorf("%w: %q", parser.ErrUnsupported, filepath.Ext(u.Filename))
		}
	}
	sess, err := o.reg.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	o.sessions.acquire(sess.ID)
	defer o.sessions.release(sess.ID)

	cmp := &Comparison{ID: uuid.NewString(), SessionID: sess.ID, Reference: reference.Filename, Actual: actual.Filename}
	log := o.log.With("comparison_id", cmp.ID, "session_id", sess.ID)
	dir := filepath.Join(sess.Path, "compare", cmp.ID)

	var sections []string
	for _, side := range []struct {
		role string
		u    Upload
	}{{"reference", reference}, {"actual", actual}} {
		text, err := o.storeAndRender(dir, side.role, side.u)
		if err != nil {
			log.Error("comparison input failed", "role", side.role, "error", err)
			return nil, fmt.Errorf("%s: %w", side.role, err)
		}
		sections = append(sections, text)
	}

	err = o.retry.do(ctx, "compare", func() error {
		var err error
		cmp.Outcome, err = o.worker.extractor.Extract(ctx, strings.Join(sections, "\n\n"), extract.ComparisonSchema())
		return err
	})
	cmp.ComparedAt = time.Now().UTC()
	if err != nil {
		log.Error("comparison failed", "error", err)
		return cmp, err
	}
	log.Info("comparison complete", "attempts", cmp.Outcome.Attempts, "retries", cmp.Outcome.Retries)

	if o.pub != nil {
		if err := o.pub.PublishComparison(ctx, sess.ID, cmp.ID, cmp); err != nil {
			log.Warn("publish comparison failed", "error", err)
		}
	}
	return cmp, nil
}

// storeAndRender copies u to dir/<role>/<document id>, parses it and
// renders it as a labelled document split by page markers.
func (o *Orchestrator) storeAndRender(dir, role string, u Upload) (string, error) {
	docID, err := DocumentID(u.Filename)
	if err != nil {
		return "", err
	}
	sub := filepath.Join(dir, role)
	if err := os.MkdirAll(sub, 0o755); err != nil {
		return "", fmt.Errorf("create comparison dir: %w", err)
	}
	path := filepath.Join(sub, docID)
	if err := writeUpload(path, u.Body); err != nil {
		return "", err
	}
	tree, err := parser.ParseFile(path, o.cfg.PDFFallbackPdftotext)
	if err != nil {
		return "", fmt.Errorf("parse: %w", err)
	}
	pages := doctree.SplitPages(tree)
	if len(pages) == 0 {
		return "", parser.ErrNoText
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Document: %s (%s)\n", role, u.Filename)
	for _, p := range pages {
		fmt.Fprintf(&sb, "\n--- Page %d ---\n%s\n", p.Page, p.Text)
	}
	return sb.String(), nil
}
