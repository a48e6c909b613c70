package dispense

import (
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// Explanation is one step of the audit trail.
type Explanation struct {
	Step        string         `json:"step"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
}

// Trail is an append-only explanation trail. Safe for concurrent use.
type Trail struct {
	mu    sync.Mutex
	steps []Explanation
}

// NewTrail creates an empty trail
func NewTrail() *Trail {
	return &Trail{}
}

// Add appends a step.
func (t *Trail) Add(step, description string, details map[string]any) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, Explanation{Step: step, Description: description, Details: details})
}

// Steps returns a copy of the recorded steps in order.
func (t *Trail) Steps() []Explanation {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Explanation(nil), t.steps...)
}

// Len returns the number of steps
func (t *Trail) Len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.steps)
}

// NormalizeName folds a free-text drug name for lookups and cache keys.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(foldKey(name)), " ")
}

func foldKey(s string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(s)))
}
