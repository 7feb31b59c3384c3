package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgallion1/docanalyst/internal/docerr"
	"github.com/dgallion1/docanalyst/internal/generation"
)

// scripted replays responses in order and records every prompt.
type scripted struct {
	responses []string
	errs      []error
	prompts   []string
}

func (s *scripted) Generate(ctx context.Context, prompt string) (string, error) {
	i := len(s.prompts)
	s.prompts = append(s.prompts, prompt)
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i >= len(s.responses) {
		return s.responses[len(s.responses)-1], nil
	}
	return s.responses[i], nil
}

func newExtractor(t *testing.T, gen generation.Gateway, opts Options) *Extractor {
	t.Helper()
	x, err := New(gen, opts)
	require.NoError(t, err)
	return x
}

func TestExtract_FirstResponseValid(t *testing.T) {
	gen := &scripted{responses: []string{validDocument}}
	x := newExtractor(t, gen, Options{MaxRetries: DefaultMaxRetries})

	out, err := x.Extract(context.Background(), "[1] (doc d, chunk 0)\nQ3 was good.", DocumentSchema())
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.True(t, out.State.Terminal())
	assert.Equal(t, 0, out.Retries)
	assert.Equal(t, 1, out.Attempts)
	assert.Empty(t, out.Violations)

	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], `"SentimentTone": one of "positive", "negative", "neutral", "mixed", optional`)
	assert.Contains(t, gen.prompts[0], "Q3 was good.")
}

func TestExtract_RepairsAfterTwoBadResponses(t *testing.T) {
	gen := &scripted{responses: []string{
		"Sorry, I cannot produce JSON right now.",
		`{"Title": "Q3 Report", "Summary": "not a list"}`,
		validDocument,
	}}
	x := newExtractor(t, gen, Options{MaxRetries: 2})

	out, err := x.Extract(context.Background(), "ctx", DocumentSchema())
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, 2, out.Retries)
	assert.Equal(t, 3, out.Attempts)
	require.NotNil(t, out.Result)

	require.Len(t, gen.prompts, 3)
	assert.Contains(t, gen.prompts[1], "Sorry, I cannot produce JSON right now.")
	assert.Contains(t, gen.prompts[1], "not a JSON object")
	assert.Contains(t, gen.prompts[2], `"Summary": expected a list of strings, got a string`)
	assert.Contains(t, gen.prompts[2], `"Author": required field is missing`)
}

func TestExtract_ExhaustedRetries(t *testing.T) {
	bad := `{"Title": 5, "PageCount": "many"}`
	gen := &scripted{responses: []string{bad}}
	x := newExtractor(t, gen, Options{MaxRetries: 2})

	out, err := x.Extract(context.Background(), "ctx", DocumentSchema())
	require.Error(t, err)
	assert.ErrorIs(t, err, docerr.ErrSchemaViolation)
	assert.False(t, docerr.IsRetryable(err))

	var sv *docerr.SchemaViolationError
	require.ErrorAs(t, err, &sv)
	assert.Equal(t, bad, sv.Raw)
	assert.Equal(t, 3, sv.Attempts)
	assert.Equal(t, []string{"Summary", "Title", "Author", "Language", "PageCount"}, violationFields(sv.Violations))

	require.NotNil(t, out)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 2, out.Retries)
	assert.Nil(t, out.Result)
	assert.Len(t, gen.prompts, 3)
}

func TestExtract_ZeroRetries(t *testing.T) {
	gen := &scripted{responses: []string{"{}"}}
	x := newExtractor(t, gen, Options{})

	out, err := x.Extract(context.Background(), "ctx", DocumentSchema())
	assert.ErrorIs(t, err, docerr.ErrSchemaViolation)
	assert.Equal(t, 0, out.Retries)
	assert.Len(t, gen.prompts, 1)
}

func TestExtract_ProviderFailureIsNotRetried(t *testing.T) {
	gen := &scripted{
		responses: []string{"garbage", validDocument},
		errs:      []error{nil, errors.Join(generation.ErrUnavailable, errors.New("503"))},
	}
	x := newExtractor(t, gen, Options{MaxRetries: 2})

	out, err := x.Extract(context.Background(), "ctx", DocumentSchema())
	var ge *docerr.GenerationError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, 2, ge.Attempt)
	assert.ErrorIs(t, err, generation.ErrUnavailable)
	assert.True(t, docerr.IsRetryable(err))

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, "garbage", out.Raw)
	assert.Len(t, gen.prompts, 2)
}

func TestExtract_Timeout(t *testing.T) {
	gen := generation.GatewayFunc(func(ctx context.Context, prompt string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	x := newExtractor(t, gen, Options{Timeout: 10 * time.Millisecond})

	out, err := x.Extract(context.Background(), "ctx", DocumentSchema())
	var te *docerr.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "generate", te.Op)
	assert.Equal(t, StateFailed, out.State)
}

func TestExtract_BadArguments(t *testing.T) {
	_, err := New(nil, Options{})
	assert.ErrorIs(t, err, docerr.ErrConfiguration)
	_, err = New(&scripted{}, Options{MaxRetries: -1})
	assert.ErrorIs(t, err, docerr.ErrConfiguration)

	x := newExtractor(t, &scripted{responses: []string{"{}"}}, Options{})
	_, err = x.Extract(context.Background(), "ctx", Schema{})
	assert.ErrorIs(t, err, docerr.ErrConfiguration)
}

func TestBuildPrompt_EmptyContext(t *testing.T) {
	p := BuildPrompt(DocumentSchema(), "  ")
	assert.True(t, strings.HasSuffix(p, "(no passages were retrieved)"))
}

func TestBuildPrompt_ComparisonSchema(t *testing.T) {
	p := BuildPrompt(ComparisonSchema(), "--- Page 1 ---\nhello")
	assert.True(t, strings.HasPrefix(p, "You compare two versions of a document."))
	assert.Contains(t, p, `"Pages": list of objects, each {"Page": integer, required; "Changes": string, required}, required`)
	assert.Contains(t, p, `"NO CHANGE"`)
	assert.True(t, strings.HasSuffix(p, "--- Page 1 ---\nhello"))

	assert.True(t, strings.HasPrefix(BuildPrompt(DocumentSchema(), "x"), "You are a document analyst."))
}

func TestState(t *testing.T) {
	assert.False(t, StatePending.Terminal())
	assert.True(t, StateFailed.Terminal())
	text, err := StateDone.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "done", string(text))

	var s State
	require.NoError(t, s.UnmarshalText([]byte("failed")))
	assert.Equal(t, StateFailed, s)
	assert.Error(t, s.UnmarshalText([]byte("bogus")))
}
