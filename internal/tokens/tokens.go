// Package tokens counts prompt tokens and trims code slices to fit a model's
// prompt budget.
package tokens

import (
	"strings"

	"github.com/graphide/graphide/internal/core/domain"
)

// Counter counts tokens in text for a model.
type Counter interface {
	CountText(model, text string) (int, error)
	SupportsModel(model string) bool
}

// Estimator provides token count estimation based on character count.
// This is a fallback for models without a known tokenizer.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4.0}
}

// CountText estimates the token count of text.
func (e *Estimator) CountText(model, text string) (int, error) {
	return int(float64(len(text)) / e.CharsPerToken), nil
}

// SupportsModel returns true - estimator supports all models as a fallback.
func (e *Estimator) SupportsModel(model string) bool {
	return true
}

// ModelMatcher helps match model names to provider patterns.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a new model matcher.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{prefixes: prefixes, exact: exact}
}

// Matches returns true if the model matches any pattern.
func (m *ModelMatcher) Matches(model string) bool {
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// Budget caps the prompt size sent to one model.
type Budget struct {
	Counter Counter
	Model   string
	// Max is the prompt token limit; zero disables trimming.
	Max int
}

// NewBudget returns a budget using tiktoken for OpenAI models, or o200k
// encoding as an approximation for others.
func NewBudget(model string, max int) *Budget {
	return &Budget{Counter: NewOpenAICounter(), Model: model, Max: max}
}

// Count returns the token count of text, estimating when the tokenizer
// fails.
func (b *Budget) Count(text string) int {
	if b.Counter != nil {
		if n, err := b.Counter.CountText(b.Model, text); err == nil {
			return n
		}
	}
	n, _ := NewEstimator().CountText(b.Model, text)
	return n
}

// FitSlice drops trailing flow paths until render(slice) fits the budget.
// It returns the slice to send and how many paths were dropped. The input
// slice is not modified. At least one path is always kept.
func (b *Budget) FitSlice(slice *domain.Slice, render func(*domain.Slice) string) (*domain.Slice, int) {
	if b == nil || b.Max <= 0 || slice.Empty() {
		return slice, 0
	}

	fitted := *slice
	fitted.Paths = append([]domain.SlicePath(nil), slice.Paths...)
	for len(fitted.Paths) > 1 && b.Count(render(&fitted)) > b.Max {
		fitted.Paths = fitted.Paths[:len(fitted.Paths)-1]
	}
	return &fitted, len(slice.Paths) - len(fitted.Paths)
}
