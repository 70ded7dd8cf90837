// Package trigger decides whether an incoming event makes a pipeline (or a
// step) eligible to run. Evaluation is pure: the same predicate and event
// always yield the same answer, so eligibility can be re-verified
// deterministically at any point in a run.
package trigger

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Event types delivered by the event source.
const (
	EventPush        = "push"
	EventTag         = "tag"
	EventPullRequest = "pull_request"
	EventManual      = "manual"
)

// Prior-status values used by status-conditioned predicates.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Event describes a single incoming notification from the event source.
type Event struct {
	Type        string    `json:"type"`
	Ref         string    `json:"ref,omitempty"`
	Branch      string    `json:"branch,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	PriorStatus string    `json:"prior_status,omitempty"`
	ReceivedAt  time.Time `json:"received_at,omitempty"`
}

// Normalize applies canonical formatting before validation.
func (e *Event) Normalize() {
	if e == nil {
		return
	}
	e.Type = strings.TrimSpace(strings.ToLower(e.Type))
	e.Ref = strings.TrimSpace(e.Ref)
	e.Branch = strings.TrimSpace(e.Branch)
	e.Actor = strings.TrimSpace(e.Actor)
	e.PriorStatus = strings.TrimSpace(strings.ToLower(e.PriorStatus))
	if e.Branch == "" {
		e.Branch = branchFromRef(e.Ref)
	}
}

// Validate enforces baseline requirements for an event descriptor.
func (e Event) Validate() error {
	switch e.Type {
	case EventPush, EventTag, EventPullRequest, EventManual:
	case "":
		return &EvaluationError{Detail: "event type is required"}
	default:
		return &EvaluationError{Detail: fmt.Sprintf("unknown event type %q", e.Type)}
	}
	switch e.PriorStatus {
	case "", StatusSuccess, StatusFailure:
	default:
		return &EvaluationError{Detail: fmt.Sprintf("unknown prior status %q", e.PriorStatus)}
	}
	return nil
}

// EvaluationError reports a malformed predicate or event descriptor.
// Callers treat it as "never eligible" with a surfaced diagnostic.
type EvaluationError struct {
	Detail string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("trigger: %s", e.Detail)
}

// Predicate is the subset of a condition set the evaluator consumes. It is
// satisfied when every non-empty list matches its event attribute; an
// entirely empty predicate is always satisfied.
type Predicate interface {
	EventTypes() []string
	RefPatterns() []string
	BranchPatterns() []string
	Statuses() []string
}

// Match reports whether the event satisfies the predicate.
func Match(p Predicate, ev Event) (bool, error) {
	if err := ev.Validate(); err != nil {
		return false, err
	}
	if !matchList(p.EventTypes(), ev.Type) {
		return false, nil
	}
	if !matchList(p.Statuses(), ev.PriorStatus) {
		return false, nil
	}
	ok, err := matchPatterns(p.RefPatterns(), ev.Ref)
	if err != nil || !ok {
		return false, err
	}
	ok, err = matchPatterns(p.BranchPatterns(), ev.Branch)
	if err != nil || !ok {
		return false, err
	}
	return true, nil
}

func matchList(values []string, value string) bool {
	if len(values) == 0 {
		return true
	}
	for _, candidate := range values {
		if strings.EqualFold(candidate, value) {
			return true
		}
	}
	return false
}

// matchPatterns matches the value against glob-style patterns. Besides
// path.Match globs, a trailing "/**" (or bare "**") suffix matches any
// remainder, so "refs/tags/**" covers every tag ref.
func matchPatterns(patterns []string, value string) (bool, error) {
	if len(patterns) == 0 {
		return true, nil
	}
	for _, pattern := range patterns {
		ok, err := matchPattern(pattern, value)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func matchPattern(pattern, value string) (bool, error) {
	if pattern == value {
		return true, nil
	}
	if pattern == "**" {
		return true, nil
	}
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return value == prefix || strings.HasPrefix(value, prefix+"/"), nil
	}
	ok, err := path.Match(pattern, value)
	if err != nil {
		return false, &EvaluationError{Detail: fmt.Sprintf("malformed ref pattern %q", pattern)}
	}
	return ok, nil
}

func branchFromRef(ref string) string {
	if branch, ok := strings.CutPrefix(ref, "refs/heads/"); ok {
		return branch
	}
	return ""
}
