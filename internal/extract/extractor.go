package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgallion1/docanalyst/internal/docerr"
	"github.com/dgallion1/docanalyst/internal/generation"
)

// State is where an extraction stands. Done and Failed are terminal.
type State int

const (
	StatePending State = iota
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StatePending, StateDone, StateFailed} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown extraction state %q", text)
}

// DefaultMaxRetries is the number of repair attempts after the first call.
const DefaultMaxRetries = 2

type Options struct {
	// MaxRetries bounds repair attempts after the first call. Zero means
	// the first response must already validate.
	MaxRetries int
	// Timeout bounds each generation call. Zero means only ctx applies.
	Timeout time.Duration
}

// Outcome describes one extraction. Retries counts repair prompts sent;
// Attempts counts generation calls that returned text.
type Outcome struct {
	State      State       `json:"state"`
	Retries    int         `json:"retries"`
	Attempts   int         `json:"attempts"`
	Result     *Result     `json:"result,omitempty"`
	Raw        string      `json:"raw,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
}

type Extractor struct {
	gen  generation.Gateway
	opts Options
}

func New(gen generation.Gateway, opts Options) (*Extractor, error) {
	if gen == nil {
		return nil, docerr.Configf("gateway", "generation gateway is required")
	}
	if opts.MaxRetries < 0 {
		return nil, docerr.Configf("max_retries", "must be >= 0, got %d", opts.MaxRetries)
	}
	if opts.Timeout < 0 {
		return nil, docerr.Configf("timeout", "must be >= 0, got %s", opts.Timeout)
	}
	return &Extractor{gen: gen, opts: opts}, nil
}

// Extract asks the model for a record matching schema, grounded in
// contextText, and re-prompts with the violations until the response
// validates or MaxRetries repairs have been spent. A provider failure ends
// the extraction at once with a *docerr.GenerationError or
// *docerr.TimeoutError; exhausting the repairs returns a
// *docerr.SchemaViolationError. The Outcome is returned in every case
// except a bad schema.
func (x *Extractor) Extract(ctx context.Context, contextText string, schema Schema) (*Outcome, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	out := &Outcome{State: StatePending}
	prompt := BuildPrompt(schema, contextText)
	for {
		raw, err := x.generate(ctx, prompt, out.Attempts+1)
		if err != nil {
			out.State = StateFailed
			return out, err
		}
		out.Attempts++
		out.Raw = raw

		res, violations := Validate(raw, schema)
		if len(violations) == 0 {
			out.State = StateDone
			out.Result = res
			out.Violations = nil
			return out, nil
		}
		out.Violations = violations

		if out.Retries >= x.opts.MaxRetries {
			out.State = StateFailed
			return out, &docerr.SchemaViolationError{Raw: raw, Violations: violations, Attempts: out.Attempts}
		}
		out.Retries++
		prompt = BuildRepairPrompt(schema, contextText, raw, violations)
	}
}

func (x *Extractor) generate(ctx context.Context, prompt string, attempt int) (string, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if x.opts.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, x.opts.Timeout)
	}
	defer cancel()

	raw, err := x.gen.Generate(callCtx, prompt)
	if err == nil {
		return raw, nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return "", &docerr.TimeoutError{Op: "generate", Timeout: x.opts.Timeout, Err: err}
	}
	return "", &docerr.GenerationError{Attempt: attempt, Err: err}
}
