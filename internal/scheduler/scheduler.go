// Package scheduler executes a compiled pipeline graph for one event.
//
// Each pipeline instance moves through Pending -> Eligible -> Running ->
// {Succeeded, Failed, Skipped}. Ordering across pipelines is governed
// solely by the dependency graph; within a pipeline, ungrouped steps run
// strictly sequentially and consecutive steps sharing a group tag run
// concurrently. Named concurrency groups cap how many instances may be
// running at once across the whole graph.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gantryci/gantry/internal/graph"
	"github.com/gantryci/gantry/internal/logging"
	"github.com/gantryci/gantry/internal/pipeline"
	"github.com/gantryci/gantry/internal/runner"
	"github.com/gantryci/gantry/internal/trigger"
)

// StatusSource reports the most recent recorded terminal state for a
// pipeline. It backs status-conditioned triggers when the incoming event
// carries no prior status of its own.
type StatusSource interface {
	LastStatus(pipelineName string) (State, bool, error)
}

// Options configure a scheduler instance.
type Options struct {
	// Runner executes steps; required.
	Runner runner.StepRunner
	// Secrets resolves from_secret references at execution time.
	Secrets runner.SecretStore
	// History resolves prior pipeline outcomes for status-conditioned
	// triggers; optional.
	History StatusSource
	// Logger receives run progress lines; optional.
	Logger *logging.Logger
	// Clock is injectable for tests.
	Clock func() time.Time
}

// Scheduler executes compiled graphs. It is safe for concurrent use; each
// call to Start owns an independent Run.
type Scheduler struct {
	runner  runner.StepRunner
	secrets runner.SecretStore
	history StatusSource
	logger  *logging.Logger
	clock   func() time.Time
}

// New wires a scheduler to its execution backend.
func New(opts Options) (*Scheduler, error) {
	if opts.Runner == nil {
		return nil, fmt.Errorf("scheduler: step runner is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		runner:  opts.Runner,
		secrets: opts.Secrets,
		history: opts.History,
		logger:  opts.Logger,
		clock:   clock,
	}, nil
}

// Execute runs the graph to completion and returns the final result.
func (s *Scheduler) Execute(ctx context.Context, g *graph.Graph, ev trigger.Event) (*Result, error) {
	run, err := s.Start(ctx, g, ev)
	if err != nil {
		return nil, err
	}
	return run.Wait(), nil
}

// Start begins executing the graph and returns immediately. Observers may
// poll Run.Snapshot while the run progresses and call Run.Wait for the
// final result.
func (s *Scheduler) Start(ctx context.Context, g *graph.Graph, ev trigger.Event) (*Run, error) {
	if g == nil || g.Len() == 0 {
		return nil, fmt.Errorf("scheduler: graph is empty")
	}
	ev.Normalize()
	run := &Run{
		sched:       s,
		graph:       g,
		event:       ev,
		runs:        make(map[string]*pipelineRun, g.Len()),
		limits:      map[string]int{},
		active:      map[string]int{},
		completions: make(chan completion, g.Len()),
		done:        make(chan struct{}),
		startedAt:   s.clock(),
	}
	for _, node := range g.Nodes() {
		run.ordered = append(run.ordered, node.Name)
		pr := &pipelineRun{node: node}
		pr.status = PipelineStatus{
			Name:     node.Name,
			Template: node.Template,
			State:    StatePending,
			Steps:    make([]StepStatus, len(node.Pipeline.Steps)),
		}
		for i, step := range node.Pipeline.Steps {
			pr.status.Steps[i] = StepStatus{Name: step.Name, State: StepPending}
		}
		run.runs[node.Name] = pr
		if cc := node.Pipeline.Concurrency; cc.Group != "" && cc.Limit > 0 {
			// Conflicting limits for one group resolve to the strictest.
			if current, ok := run.limits[cc.Group]; !ok || cc.Limit < current {
				run.limits[cc.Group] = cc.Limit
			}
		}
	}
	run.evaluateTriggers()
	go run.loop(ctx)
	return run, nil
}

func (s *Scheduler) now() time.Time {
	return s.clock()
}

type completion struct {
	name string
	err  error
}

type pipelineRun struct {
	node *graph.Node
	// event is the run event with the prior status resolved for this
	// pipeline; trigger and step when predicates evaluate against it.
	event  trigger.Event
	status PipelineStatus
}

// Run is one execution of a graph for one event.
type Run struct {
	sched *Scheduler
	graph *graph.Graph
	event trigger.Event

	mu      sync.Mutex
	runs    map[string]*pipelineRun
	ordered []string
	limits  map[string]int
	active  map[string]int
	running int

	completions chan completion
	done        chan struct{}
	startedAt   time.Time
	result      *Result
}

// Event returns the event this run was started for.
func (r *Run) Event() trigger.Event {
	return r.event
}

// Wait blocks until the run completes and returns the final result.
func (r *Run) Wait() *Result {
	<-r.done
	return r.result
}

// Done exposes the run's completion channel for select loops.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Snapshot returns a point-in-time copy of all pipeline statuses.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{Done: r.result != nil}
	for _, name := range r.ordered {
		snap.Pipelines = append(snap.Pipelines, cloneStatus(r.runs[name].status))
	}
	return snap
}

// evaluateTriggers settles trigger eligibility for every instance up front.
// Evaluation is pure, so deciding before execution and deciding lazily are
// equivalent; deciding early lets skipped instances report immediately.
func (r *Run) evaluateTriggers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.ordered {
		pr := r.runs[name]
		pr.event = r.event
		if pr.event.PriorStatus == "" {
			pr.event.PriorStatus = r.sched.priorStatus(pr.node.Name)
		}
		matched, err := trigger.Match(pr.node.Pipeline.Trigger, pr.event)
		if err != nil {
			r.skipLocked(pr, SkipReasonPredicate, "", err.Error())
			continue
		}
		if !matched {
			r.skipLocked(pr, SkipReasonTrigger, "", fmt.Sprintf("trigger does not match %s event", r.event.Type))
		}
	}
}

// priorStatus resolves a pipeline's recorded last outcome when the event
// itself carries none. Only terminal success and failure translate; a
// pipeline with no comparable history matches no status condition.
func (s *Scheduler) priorStatus(pipelineName string) string {
	if s.history == nil {
		return ""
	}
	state, ok, err := s.history.LastStatus(pipelineName)
	if err != nil || !ok {
		return ""
	}
	switch state {
	case StateSucceeded:
		return trigger.StatusSuccess
	case StateFailed:
		return trigger.StatusFailure
	}
	return ""
}

func (r *Run) loop(ctx context.Context) {
	for {
		r.advance(ctx)
		r.mu.Lock()
		running := r.running
		remaining := r.nonTerminalLocked()
		r.mu.Unlock()
		if remaining == 0 {
			break
		}
		if running == 0 {
			// No instance is running and none can start: everything left is
			// blocked behind a failure, a skip, or cancellation.
			r.markBlocked(ctx)
			break
		}
		select {
		case c := <-r.completions:
			r.complete(c)
		case <-ctx.Done():
			r.drain()
			r.markBlocked(ctx)
			r.finalize()
			return
		}
	}
	r.finalize()
}

// advance promotes pending instances whose dependencies settled and starts
// eligible instances as concurrency slots allow.
func (r *Run) advance(ctx context.Context) {
	r.mu.Lock()
	changed := true
	for changed {
		changed = false
		for _, name := range r.ordered {
			pr := r.runs[name]
			if pr.status.State != StatePending {
				continue
			}
			if blocker, blocked := r.blockerLocked(pr); blocked {
				r.skipLocked(pr, SkipReasonDependency, blocker, fmt.Sprintf("dependency %s did not succeed", blocker))
				changed = true
				continue
			}
			if r.depsSucceededLocked(pr) {
				pr.status.State = StateEligible
				r.logf("pipeline %s eligible", pr.node.Name)
				changed = true
			}
		}
	}
	var launch []*pipelineRun
	if ctx.Err() == nil {
		for _, name := range r.ordered {
			pr := r.runs[name]
			if pr.status.State != StateEligible {
				continue
			}
			if !r.acquireSlotLocked(pr) {
				continue
			}
			pr.status.State = StateRunning
			pr.status.StartedAt = r.sched.now()
			r.running++
			launch = append(launch, pr)
		}
	}
	r.mu.Unlock()
	for _, pr := range launch {
		r.logf("pipeline %s running", pr.node.Name)
		go r.execute(ctx, pr)
	}
}

func (r *Run) execute(ctx context.Context, pr *pipelineRun) {
	err := r.runSteps(ctx, pr)
	r.completions <- completion{name: pr.node.Name, err: err}
}

// runSteps executes the pipeline's step batches in order, failing fast on
// the first non-skipped step error. Grouped siblings of a failed step are
// cancelled through the pipeline-scoped context.
func (r *Run) runSteps(ctx context.Context, pr *pipelineRun) error {
	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var failure error
	for _, batch := range pr.node.Pipeline.StepBatches() {
		mu.Lock()
		failed := failure != nil
		mu.Unlock()
		if failed {
			break
		}
		var runnable []pipeline.Step
		for _, step := range batch {
			matched, err := trigger.Match(step.When, pr.event)
			if err != nil {
				r.setStep(pr, step.Name, StepSkipped, "", err.Error())
				continue
			}
			if !matched {
				r.setStep(pr, step.Name, StepSkipped, "", fmt.Sprintf("when does not match %s event", pr.event.Type))
				continue
			}
			runnable = append(runnable, step)
		}
		if len(runnable) == 0 {
			continue
		}
		var wg sync.WaitGroup
		for _, step := range runnable {
			wg.Add(1)
			go func(step pipeline.Step) {
				defer wg.Done()
				if err := r.runStep(stepCtx, pr, step); err != nil {
					mu.Lock()
					if failure == nil {
						failure = err
					}
					mu.Unlock()
					cancel()
				}
			}(step)
		}
		wg.Wait()
	}
	mu.Lock()
	defer mu.Unlock()
	return failure
}

func (r *Run) runStep(ctx context.Context, pr *pipelineRun, step pipeline.Step) error {
	r.setStep(pr, step.Name, StepRunning, "", "")
	env, err := runner.ResolveEnv(pr.node.Name, step, r.sched.secrets)
	if err != nil {
		r.setStep(pr, step.Name, StepFailed, err.Error(), "")
		return err
	}
	err = r.sched.runner.RunStep(ctx, runner.StepRun{
		Pipeline:    pr.node.Name,
		Step:        step.Name,
		Image:       step.Image,
		Commands:    step.Commands,
		Environment: env,
		Platform:    pr.node.Pipeline.Platform,
	})
	if err != nil {
		r.setStep(pr, step.Name, StepFailed, err.Error(), "")
		return err
	}
	r.setStep(pr, step.Name, StepSucceeded, "", "")
	return nil
}

func (r *Run) complete(c completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pr := r.runs[c.name]
	r.releaseSlotLocked(pr)
	r.running--
	pr.status.FinishedAt = r.sched.now()
	if c.err != nil {
		pr.status.State = StateFailed
		pr.status.Error = c.err.Error()
		r.skipRemainingSteps(pr, "not started: pipeline failed")
		r.logf("pipeline %s failed: %v", pr.node.Name, c.err)
		return
	}
	pr.status.State = StateSucceeded
	r.logf("pipeline %s succeeded", pr.node.Name)
}

// markBlocked settles every instance still waiting once the run can make
// no further progress, so nothing waits indefinitely.
func (r *Run) markBlocked(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason := SkipReasonDependency
	if ctx.Err() != nil {
		reason = SkipReasonCanceled
	}
	changed := true
	for changed {
		changed = false
		for _, name := range r.ordered {
			pr := r.runs[name]
			if pr.status.State.Terminal() || pr.status.State == StateRunning {
				continue
			}
			if blocker, blocked := r.unsettledDepLocked(pr); blocked {
				r.skipLocked(pr, SkipReasonDependency, blocker, fmt.Sprintf("dependency %s did not succeed", blocker))
				changed = true
				continue
			}
			if reason == SkipReasonCanceled {
				r.skipLocked(pr, reason, "", "run canceled")
				changed = true
			}
		}
	}
	// Anything still non-terminal here has every dependency satisfied but
	// never got a slot before progress stopped; settle it explicitly.
	for _, name := range r.ordered {
		pr := r.runs[name]
		if !pr.status.State.Terminal() && pr.status.State != StateRunning {
			r.skipLocked(pr, reason, "", "no further progress possible")
		}
	}
}

// drain consumes completions for instances still running after the run
// context is canceled. Their step contexts share the cancellation, so each
// finishes promptly with a failure.
func (r *Run) drain() {
	for {
		r.mu.Lock()
		running := r.running
		r.mu.Unlock()
		if running == 0 {
			return
		}
		r.complete(<-r.completions)
	}
}

func (r *Run) finalize() {
	r.mu.Lock()
	result := &Result{StartedAt: r.startedAt, FinishedAt: r.sched.now()}
	for _, name := range r.ordered {
		result.Pipelines = append(result.Pipelines, cloneStatus(r.runs[name].status))
	}
	r.result = result
	r.mu.Unlock()
	close(r.done)
}

func (r *Run) blockerLocked(pr *pipelineRun) (string, bool) {
	for _, dep := range pr.node.Dependencies {
		state := r.runs[dep].status.State
		if state.Terminal() && state != StateSucceeded {
			return dep, true
		}
	}
	return "", false
}

// unsettledDepLocked also treats non-terminal dependencies as blockers;
// used only once the run is known to be unable to progress.
func (r *Run) unsettledDepLocked(pr *pipelineRun) (string, bool) {
	for _, dep := range pr.node.Dependencies {
		if r.runs[dep].status.State != StateSucceeded {
			return dep, true
		}
	}
	return "", false
}

func (r *Run) depsSucceededLocked(pr *pipelineRun) bool {
	for _, dep := range pr.node.Dependencies {
		if r.runs[dep].status.State != StateSucceeded {
			return false
		}
	}
	return true
}

func (r *Run) acquireSlotLocked(pr *pipelineRun) bool {
	group := pr.node.Pipeline.Concurrency.Group
	if group == "" {
		return true
	}
	limit, limited := r.limits[group]
	if !limited {
		return true
	}
	if r.active[group] >= limit {
		return false
	}
	r.active[group]++
	return true
}

func (r *Run) releaseSlotLocked(pr *pipelineRun) {
	group := pr.node.Pipeline.Concurrency.Group
	if group == "" {
		return
	}
	if _, limited := r.limits[group]; !limited {
		return
	}
	if r.active[group] > 0 {
		r.active[group]--
	}
}

func (r *Run) skipLocked(pr *pipelineRun, reason SkipReason, blockedBy, detail string) {
	pr.status.State = StateSkipped
	pr.status.SkipReason = reason
	pr.status.BlockedBy = blockedBy
	pr.status.Detail = detail
	r.skipRemainingSteps(pr, "pipeline skipped")
	r.logf("pipeline %s skipped (%s): %s", pr.node.Name, reason, detail)
}

func (r *Run) skipRemainingSteps(pr *pipelineRun, detail string) {
	for i := range pr.status.Steps {
		switch pr.status.Steps[i].State {
		case StepPending, StepRunning:
			pr.status.Steps[i].State = StepSkipped
			if pr.status.Steps[i].Detail == "" {
				pr.status.Steps[i].Detail = detail
			}
		}
	}
}

func (r *Run) setStep(pr *pipelineRun, name string, state StepState, errDetail, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range pr.status.Steps {
		if pr.status.Steps[i].Name != name {
			continue
		}
		pr.status.Steps[i].State = state
		pr.status.Steps[i].Error = errDetail
		pr.status.Steps[i].Detail = detail
		return
	}
}

func (r *Run) nonTerminalLocked() int {
	count := 0
	for _, pr := range r.runs {
		if !pr.status.State.Terminal() {
			count++
		}
	}
	return count
}

func (r *Run) logf(format string, args ...any) {
	r.sched.logger.Printf(format, args...)
}

func cloneStatus(status PipelineStatus) PipelineStatus {
	clone := status
	if len(status.Steps) > 0 {
		clone.Steps = make([]StepStatus, len(status.Steps))
		copy(clone.Steps, status.Steps)
	}
	return clone
}
