package trigger

import (
	"errors"
	"testing"

	"github.com/gantryci/gantry/internal/pipeline"
)

func TestMatchEmptyPredicateIsAlwaysEligible(t *testing.T) {
	ev := Event{Type: EventPush, Ref: "refs/heads/main"}
	ev.Normalize()
	ok, err := Match(pipeline.Conditions{}, ev)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !ok {
		t.Fatalf("empty predicate must match every event")
	}
}

func TestMatchEventTypes(t *testing.T) {
	cond := pipeline.Conditions{Event: []string{"tag", "push"}}
	ev := Event{Type: EventPullRequest, Ref: "refs/pull/1/head"}
	ev.Normalize()
	ok, err := Match(cond, ev)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if ok {
		t.Fatalf("pull_request must not match [tag, push]")
	}
}

func TestMatchRefGlobs(t *testing.T) {
	cases := []struct {
		pattern string
		ref     string
		want    bool
	}{
		{"refs/tags/**", "refs/tags/v1.0.0", true},
		{"refs/tags/**", "refs/tags/nested/v1", true},
		{"refs/tags/**", "refs/heads/main", false},
		{"refs/heads/release-*", "refs/heads/release-1.2", true},
		{"refs/heads/release-*", "refs/heads/main", false},
		{"refs/heads/main", "refs/heads/main", true},
		{"**", "refs/anything", true},
	}
	for _, tc := range cases {
		ev := Event{Type: EventPush, Ref: tc.ref}
		ev.Normalize()
		ok, err := Match(pipeline.Conditions{Ref: []string{tc.pattern}}, ev)
		if err != nil {
			t.Fatalf("match %s vs %s: %v", tc.pattern, tc.ref, err)
		}
		if ok != tc.want {
			t.Fatalf("match %s vs %s: got %v want %v", tc.pattern, tc.ref, ok, tc.want)
		}
	}
}

func TestMatchIsPure(t *testing.T) {
	cond := pipeline.Conditions{Event: []string{"tag"}, Ref: []string{"refs/tags/**"}}
	ev := Event{Type: EventTag, Ref: "refs/tags/v1.0.0"}
	ev.Normalize()
	first, err := Match(cond, ev)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	for i := 0; i < 100; i++ {
		again, err := Match(cond, ev)
		if err != nil {
			t.Fatalf("match iteration %d: %v", i, err)
		}
		if again != first {
			t.Fatalf("match result changed on iteration %d", i)
		}
	}
}

func TestMatchMalformedPatternIsEvaluationError(t *testing.T) {
	cond := pipeline.Conditions{Ref: []string{"refs/[heads"}}
	ev := Event{Type: EventPush, Ref: "refs/heads/main"}
	ev.Normalize()
	ok, err := Match(cond, ev)
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("expected EvaluationError, got %v", err)
	}
	if ok {
		t.Fatalf("malformed predicate must evaluate as not eligible")
	}
}

func TestMatchUnknownEventTypeIsEvaluationError(t *testing.T) {
	ev := Event{Type: "teleport"}
	ev.Normalize()
	_, err := Match(pipeline.Conditions{}, ev)
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("expected EvaluationError, got %v", err)
	}
}

func TestMatchStatusFilter(t *testing.T) {
	cond := pipeline.Conditions{Status: []string{StatusFailure}}
	ev := Event{Type: EventPush, Ref: "refs/heads/main", PriorStatus: StatusSuccess}
	ev.Normalize()
	ok, err := Match(cond, ev)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if ok {
		t.Fatalf("success must not match a failure-only predicate")
	}
}

func TestNormalizeDerivesBranchFromRef(t *testing.T) {
	ev := Event{Type: "Push", Ref: "refs/heads/feature/x"}
	ev.Normalize()
	if ev.Type != EventPush {
		t.Fatalf("type not lowercased: %s", ev.Type)
	}
	if ev.Branch != "feature/x" {
		t.Fatalf("branch not derived: %q", ev.Branch)
	}
}
