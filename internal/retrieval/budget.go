package retrieval

import "strings"

// tokenCost approximates the model tokens in text at 1.33 per word. Any
// non-blank text costs at least one token.
func tokenCost(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return max(words*133/100, 1)
}

// fitBudget keeps the leading passages that fit the token budget, always
// at least the first.
func (e *Engine) fitBudget(passages []Passage) []Passage {
	spent := 0
	for i, p := range passages {
		spent += tokenCost(p.Text)
		if spent > e.opts.TokenBudget && i > 0 {
			return passages[:i]
		}
	}
	return passages
}
