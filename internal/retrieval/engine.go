// Package retrieval selects the passages handed to the language model,
// either for an explicit question or for summarizing a whole document.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/dgallion1/docanalyst/internal/docerr"
	"github.com/dgallion1/docanalyst/internal/vectorindex"
)

// Kind selects the retrieval strategy.
type Kind int

const (
	// Summarize samples a document's chunks evenly, in document order.
	Summarize Kind = iota
	// Question ranks chunks by similarity to the question.
	Question
)

func (k Kind) String() string {
	switch k {
	case Summarize:
		return "summarize"
	case Question:
		return "question"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Intent describes what the context is for.
type Intent struct {
	Kind       Kind
	DocumentID string
	Question   string
}

// Index is the part of vectorindex.Manager the engine reads.
type Index interface {
	Search(ctx context.Context, query string, k int) ([]vectorindex.Hit, error)
	Chunks(documentID string) []vectorindex.Entry
}

var _ Index = (*vectorindex.Manager)(nil)

// Defaults applied to zero Options fields.
const (
	DefaultK           = 5
	DefaultSummaryK    = 8
	DefaultTokenBudget = 3000
)

type Options struct {
	// K is the number of passages for a question.
	K int
	// SummaryK caps the passages sampled for a summary.
	SummaryK int
	// TokenBudget caps the estimated tokens of the assembled passages.
	TokenBudget int
}

// Passage is one selected chunk. Score is zero for summary sampling.
type Passage struct {
	Handle     vectorindex.Handle `json:"handle"`
	DocumentID string             `json:"document_id"`
	Seq        int                `json:"seq"`
	Text       string             `json:"text"`
	Score      float64            `json:"score,omitempty"`
}

// Context is the retrieval result. Text is the passages joined with
// citation headers; it is empty when nothing matched.
type Context struct {
	Passages []Passage `json:"passages"`
	Text     string    `json:"text"`
}

type Engine struct {
	opts Options
}

func New(opts Options) (*Engine, error) {
	if opts.K < 0 {
		return nil, docerr.Configf("k", "must be >= 0, got %d", opts.K)
	}
	if opts.SummaryK < 0 {
		return nil, docerr.Configf("summary_k", "must be >= 0, got %d", opts.SummaryK)
	}
	if opts.TokenBudget < 0 {
		return nil, docerr.Configf("token_budget", "must be >= 0, got %d", opts.TokenBudget)
	}
	if opts.K == 0 {
		opts.K = DefaultK
	}
	if opts.SummaryK == 0 {
		opts.SummaryK = DefaultSummaryK
	}
	if opts.TokenBudget == 0 {
		opts.TokenBudget = DefaultTokenBudget
	}
	return &Engine{opts: opts}, nil
}

func (e *Engine) Options() Options { return e.opts }

// RetrieveContext gathers passages for intent. An index with nothing
// relevant yields an empty Context and no error.
func (e *Engine) RetrieveContext(ctx context.Context, idx Index, intent Intent) (Context, error) {
	var passages []Passage
	switch intent.Kind {
	case Summarize:
		if intent.DocumentID == "" {
			return Context{}, docerr.Configf("document_id", "required for summarize")
		}
		passages = e.sample(idx.Chunks(intent.DocumentID))

	case Question:
		if strings.TrimSpace(intent.Question) == "" {
			return Context{}, docerr.Configf("question", "must not be empty")
		}
		hits, err := idx.Search(ctx, intent.Question, e.opts.K)
		if err != nil {
			return Context{}, fmt.Errorf("search: %w", err)
		}
		for _, h := range hits {
			passages = append(passages, Passage{
				Handle: h.Handle, DocumentID: h.DocumentID, Seq: h.Seq, Text: h.Text, Score: h.Score,
			})
		}
		passages = e.fitBudget(passages)

	default:
		return Context{}, docerr.Configf("intent", "unknown kind %s", intent.Kind)
	}

	return Context{Passages: passages, Text: Render(passages)}, nil
}

// sample picks up to SummaryK entries spread evenly from first to last,
// shrinking the sample until it fits the token budget. At least one
// passage is kept for a non-empty document.
func (e *Engine) sample(entries []vectorindex.Entry) []Passage {
	n := len(entries)
	if n == 0 {
		return nil
	}
	for k := min(e.opts.SummaryK, n); k >= 1; k-- {
		picks := evenly(n, k)
		tokens := 0
		for _, i := range picks {
			tokens += tokenCost(entries[i].Text)
		}
		if tokens <= e.opts.TokenBudget || k == 1 {
			out := make([]Passage, len(picks))
			for j, i := range picks {
				en := entries[i]
				out[j] = Passage{Handle: en.Handle, DocumentID: en.DocumentID, Seq: en.Seq, Text: en.Text}
			}
			return out
		}
	}
	return nil
}

// evenly returns k ascending indices in [0,n), including both ends when
// k > 1.
func evenly(n, k int) []int {
	if k >= n {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	if k == 1 {
		return []int{0}
	}
	out := make([]int, k)
	for i := range out {
		out[i] = (i*(n-1) + (k-1)/2) / (k - 1)
	}
	return out
}

// Render joins passages under "[n] (doc <id>, chunk <seq>)" headers, n
// counting from 1.
func Render(passages []Passage) string {
	var sb strings.Builder
	for i, p := range passages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%d] (doc %s, chunk %d)\n%s", i+1, p.DocumentID, p.Seq, strings.TrimSpace(p.Text))
	}
	return sb.String()
}
