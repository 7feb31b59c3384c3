package retrieval

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgallion1/docanalyst/internal/chunker"
	"github.com/dgallion1/docanalyst/internal/docerr"
	"github.com/dgallion1/docanalyst/internal/embedding"
	"github.com/dgallion1/docanalyst/internal/session"
	"github.com/dgallion1/docanalyst/internal/vectorindex"
)

type fakeIndex struct {
	hits    []vectorindex.Hit
	err     error
	entries []vectorindex.Entry
	gotK    int
}

func (f *fakeIndex) Search(ctx context.Context, query string, k int) ([]vectorindex.Hit, error) {
	f.gotK = k
	return f.hits, f.err
}

func (f *fakeIndex) Chunks(documentID string) []vectorindex.Entry { return f.entries }

func docEntries(n int) []vectorindex.Entry {
	out := make([]vectorindex.Entry, n)
	for i := range out {
		out[i] = vectorindex.Entry{Handle: vectorindex.Handle(i), DocumentID: "doc", Seq: i, Text: fmt.Sprintf("chunk %d text", i)}
	}
	return out
}

func seqs(ps []Passage) []int {
	out := make([]int, len(ps))
	for i, p := range ps {
		out[i] = p.Seq
	}
	return out
}

func TestNew_Defaults(t *testing.T) {
	e, err := New(Options{})
	require.NoError(t, err)
	assert.Equal(t, Options{K: DefaultK, SummaryK: DefaultSummaryK, TokenBudget: DefaultTokenBudget}, e.Options())

	_, err = New(Options{K: -1})
	assert.ErrorIs(t, err, docerr.ErrConfiguration)
}

func TestSummarize_SamplesEvenlyInDocumentOrder(t *testing.T) {
	e, err := New(Options{SummaryK: 4})
	require.NoError(t, err)

	got, err := e.RetrieveContext(context.Background(), &fakeIndex{entries: docEntries(10)}, Intent{Kind: Summarize, DocumentID: "doc"})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3, 6, 9}, seqs(got.Passages))
	assert.True(t, strings.HasPrefix(got.Text, "[1] (doc doc, chunk 0)\nchunk 0 text"))
	assert.Contains(t, got.Text, "[4] (doc doc, chunk 9)\nchunk 9 text")
}

func TestSummarize_ShortDocumentTakesAll(t *testing.T) {
	e, err := New(Options{SummaryK: 8})
	require.NoError(t, err)

	got, err := e.RetrieveContext(context.Background(), &fakeIndex{entries: docEntries(3)}, Intent{Kind: Summarize, DocumentID: "doc"})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, seqs(got.Passages))
}

func TestSummarize_TokenBudgetShrinksSample(t *testing.T) {
	// Each chunk is 3 words, 3 estimated tokens.
	e, err := New(Options{SummaryK: 5, TokenBudget: 7})
	require.NoError(t, err)

	got, err := e.RetrieveContext(context.Background(), &fakeIndex{entries: docEntries(10)}, Intent{Kind: Summarize, DocumentID: "doc"})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 9}, seqs(got.Passages), "still spans the whole document")
}

func TestSummarize_EmptyDocument(t *testing.T) {
	e, err := New(Options{})
	require.NoError(t, err)

	got, err := e.RetrieveContext(context.Background(), &fakeIndex{}, Intent{Kind: Summarize, DocumentID: "doc"})
	require.NoError(t, err)
	assert.Empty(t, got.Passages)
	assert.Empty(t, got.Text)

	_, err = e.RetrieveContext(context.Background(), &fakeIndex{}, Intent{Kind: Summarize})
	assert.ErrorIs(t, err, docerr.ErrConfiguration)
}

func TestQuestion_KeepsRankOrder(t *testing.T) {
	idx := &fakeIndex{hits: []vectorindex.Hit{
		{Entry: vectorindex.Entry{Handle: 7, DocumentID: "b", Seq: 4, Text: "best"}, Score: 0.9},
		{Entry: vectorindex.Entry{Handle: 2, DocumentID: "a", Seq: 1, Text: "next"}, Score: 0.5},
	}}
	e, err := New(Options{K: 3})
	require.NoError(t, err)

	got, err := e.RetrieveContext(context.Background(), idx, Intent{Kind: Question, Question: "what?"})
	require.NoError(t, err)
	assert.Equal(t, 3, idx.gotK)
	require.Len(t, got.Passages, 2)
	assert.Equal(t, vectorindex.Handle(7), got.Passages[0].Handle)
	assert.Equal(t, 0.9, got.Passages[0].Score)
	assert.Equal(t, "[1] (doc b, chunk 4)\nbest\n\n[2] (doc a, chunk 1)\nnext", got.Text)
}

func TestQuestion_Errors(t *testing.T) {
	e, err := New(Options{})
	require.NoError(t, err)

	_, err = e.RetrieveContext(context.Background(), &fakeIndex{}, Intent{Kind: Question, Question: "  "})
	assert.ErrorIs(t, err, docerr.ErrConfiguration)

	boom := &docerr.EmbeddingError{SessionID: "s", Err: errors.New("down")}
	_, err = e.RetrieveContext(context.Background(), &fakeIndex{err: boom}, Intent{Kind: Question, Question: "q"})
	assert.ErrorIs(t, err, embedding.ErrUnavailable)

	_, err = e.RetrieveContext(context.Background(), &fakeIndex{}, Intent{Kind: Kind(9)})
	assert.ErrorIs(t, err, docerr.ErrConfiguration)
}

func TestQuestion_AgainstManager(t *testing.T) {
	gw := embedding.GatewayFunc(func(ctx context.Context, text string) ([]float32, error) {
		v := make([]float32, 26)
		for _, r := range strings.ToLower(text) {
			if r >= 'a' && r <= 'z' {
				v[r-'a']++
			}
		}
		return v, nil
	})
	mgr, err := vectorindex.Open(&session.Session{ID: "s", Path: t.TempDir()}, gw, vectorindex.Options{})
	require.NoError(t, err)

	e, err := New(Options{K: 1})
	require.NoError(t, err)

	got, err := e.RetrieveContext(context.Background(), mgr, Intent{Kind: Question, Question: "zebra"})
	require.NoError(t, err)
	assert.Empty(t, got.Passages, "empty index gives no context")

	texts := []string{"apples and pears", "zebras graze", "quiet lake"}
	chunks := make([]chunker.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = chunker.Chunk{DocumentID: "doc", Seq: i, Text: text}
	}
	_, err = mgr.Insert(context.Background(), slices.Values(chunks))
	require.NoError(t, err)

	got, err = e.RetrieveContext(context.Background(), mgr, Intent{Kind: Question, Question: "zebra"})
	require.NoError(t, err)
	require.Len(t, got.Passages, 1)
	assert.Equal(t, "zebras graze", got.Passages[0].Text)
}

func TestEvenly(t *testing.T) {
	assert.Equal(t, []int{0}, evenly(5, 1))
	assert.Equal(t, []int{0, 4}, evenly(5, 2))
	assert.Equal(t, []int{0, 1, 2}, evenly(3, 5))
	assert.Equal(t, []int{0, 2, 5, 7}, evenly(8, 4))
}

func TestTokenCost(t *testing.T) {
	assert.Equal(t, 0, tokenCost(""))
	assert.Equal(t, 0, tokenCost(" \n\t"))
	assert.Equal(t, 1, tokenCost("x"))
	assert.Equal(t, 3, tokenCost("one two three"))
	assert.Equal(t, 133, tokenCost(strings.Repeat("word ", 100)))
}

func TestQuestion_TokenBudgetKeepsLeadingHits(t *testing.T) {
	e, err := New(Options{K: 3, TokenBudget: 4})
	require.NoError(t, err)
	got := e.fitBudget([]Passage{{Text: "a b c"}, {Text: "d e f"}, {Text: "g"}})
	assert.Len(t, got, 1)

	got = e.fitBudget([]Passage{{Text: strings.Repeat("w ", 50)}})
	assert.Len(t, got, 1, "the best passage is kept even over budget")
}
