package chunker

import (
	"iter"
	"strings"

	"github.com/dgallion1/docanalyst/internal/docerr"
)

// Chunk is a bounded slice of one document's text, ready for embedding.
// Start and End are rune offsets into the text passed to Split.
type Chunk struct {
	DocumentID string
	Seq        int
	Text       string
	Hash       string
	Start      int
	End        int
}

// Defaults used when configuration leaves sizes unset.
const (
	DefaultChunkSize = 1000
	DefaultOverlap   = 150
)

// Boundaries tried inside each window, strongest first. A cut lands just
// after the separator.
var separators = [][]rune{
	[]rune("\n\n"),
	[]rune("\n"),
	[]rune(". "),
	[]rune("! "),
	[]rune("? "),
	[]rune(" "),
}

// Split cuts fullText into windows of at most chunkSize runes, each
// overlapping the previous one by overlap runes. Inside a window the cut
// prefers a paragraph break, then a line break, then a sentence end, then
// whitespace, and falls back to a hard cut at chunkSize.
//
// The returned sequence is lazy and restartable: every range over it
// re-splits from the start, and breaking out early has no side effects.
func Split(documentID, fullText string, chunkSize, overlap int) (iter.Seq[Chunk], error) {
	if err := Validate(chunkSize, overlap); err != nil {
		return nil, err
	}

	return func(yield func(Chunk) bool) {
		runes := []rune(fullText)
		n := len(runes)
		seq := 0
		for start := 0; start < n; {
			end := min(start+chunkSize, n)
			if end < n {
				end = start + cutPoint(runes[start:end], chunkSize, overlap)
			}

			text := string(runes[start:end])
			if strings.TrimSpace(text) != "" {
				c := Chunk{
					DocumentID: documentID,
					Seq:        seq,
					Text:       text,
					Hash:       HashText(text),
					Start:      start,
					End:        end,
				}
				if !yield(c) {
					return
				}
				seq++
			}

			if end >= n {
				return
			}
			start = end - overlap
		}
	}, nil
}

// Collect drains a chunk sequence into a slice.
func Collect(seq iter.Seq[Chunk]) []Chunk {
	var out []Chunk
	for c := range seq {
		out = append(out, c)
	}
	return out
}

// Validate checks chunk sizing before any work is done.
func Validate(chunkSize, overlap int) error {
	if chunkSize <= 0 {
		return docerr.Configf("chunk_size", "must be positive, got %d", chunkSize)
	}
	if overlap < 0 {
		return docerr.Configf("overlap", "must not be negative, got %d", overlap)
	}
	if overlap >= chunkSize {
		return docerr.Configf("overlap", "must be smaller than chunk size (%d >= %d)", overlap, chunkSize)
	}
	return nil
}

// cutPoint returns where to end a full window. The cut must leave the chunk
// longer than the overlap so the next window starts further on, and at least
// half the window so boundaries don't produce slivers.
func cutPoint(window []rune, chunkSize, overlap int) int {
	minCut := max(chunkSize/2, overlap+1)
	for _, sep := range separators {
		if cut := lastCut(window, sep, minCut); cut > 0 {
			return cut
		}
	}
	return len(window)
}

func lastCut(window, sep []rune, minCut int) int {
	for i := len(window) - len(sep); i >= 0 && i+len(sep) >= minCut; i-- {
		if hasPrefix(window[i:], sep) {
			return i + len(sep)
		}
	}
	return -1
}

func hasPrefix(s, prefix []rune) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i, r := range prefix {
		if s[i] != r {
			return false
		}
	}
	return true
}
