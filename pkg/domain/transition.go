package domain

import (
	"slices"
	"strings"
)

// TransitionTable lists, per target status, the statuses an aggregate may
// move from. Statuses marked terminal accept no further transitions.
type TransitionTable[S ~string] struct {
	aggregate string
	allowed   map[S][]S
	terminal  map[S]bool
}

// NewTransitionTable creates an empty table for the named aggregate kind.
func NewTransitionTable[S ~string](aggregate string) *TransitionTable[S] {
	return &TransitionTable[S]{
		aggregate: aggregate,
		allowed:   make(map[S][]S),
		terminal:  make(map[S]bool),
	}
}

// Allow declares that status `to` may be reached from any of `from`.
func (t *TransitionTable[S]) Allow(to S, from ...S) *TransitionTable[S] {
	t.allowed[to] = append(t.allowed[to], from...)
	return t
}

// Terminal marks statuses that end the lifecycle.
func (t *TransitionTable[S]) Terminal(statuses ...S) *TransitionTable[S] {
	for _, s := range statuses {
		t.terminal[s] = true
	}
	return t
}

// IsTerminal reports whether status ends the lifecycle.
func (t *TransitionTable[S]) IsTerminal(status S) bool {
	return t.terminal[status]
}

// Check returns a *RuleViolation when moving from `from` to `to` is not a
// declared transition.
func (t *TransitionTable[S]) Check(from, to S) error {
	if t.terminal[from] {
		return NewRuleViolation(t.aggregate, "terminal_status",
			"status %s is terminal, cannot move to %s", from, to)
	}

	predecessors, ok := t.allowed[to]
	if !ok || !slices.Contains(predecessors, from) {
		return NewRuleViolation(t.aggregate, "illegal_transition",
			"cannot move from %s to %s (allowed from: %s)", from, to, joinStatuses(predecessors))
	}
	return nil
}

func joinStatuses[S ~string](statuses []S) string {
	if len(statuses) == 0 {
		return "none"
	}
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}

