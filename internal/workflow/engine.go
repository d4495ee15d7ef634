// Package workflow implements DAG evaluation for multi-task workflows:
// given a Workflow's task definitions and the current state of its
// materialized tasks, Evaluate determines which task definitions are
// now ready to run, which must cascade-skip or cascade-fail, and
// whether the workflow as a whole has completed or failed.
package workflow

import (
	"fmt"
	"time"

	"github.com/forge-cluster/forge/internal/logging"
	"github.com/forge-cluster/forge/internal/types"
	"github.com/forge-cluster/forge/internal/workflow/condition"
)

// Decision is the result of one Evaluate pass.
type Decision struct {
	// ReadyKeys are task-definition keys whose dependencies are all
	// satisfied and whose condition (if any) evaluated true; the engine
	// should materialize and submit a Task for each.
	ReadyKeys []string
	// SkipKeys are task-definition keys that must be cascade-skipped
	// (an ancestor failed/was skipped, or the condition evaluated false).
	SkipKeys []string
	// Complete is true once every task definition has reached a
	// terminal materialized state.
	Complete bool
	// Failed is true if the workflow should be marked failed (any
	// non-retryable task reached dead_letter/failed without being
	// itself optional — in this model, any dead-lettered task fails
	// the whole workflow).
	Failed bool
}

// TaskLookup resolves a materialized Task by ID, for reading exit
// codes/state into the condition environment.
type TaskLookup func(taskID string) (*types.Task, bool)

// Evaluate walks w's DAG once and returns the next set of actions.
// It is idempotent: calling it again with the same inputs before any
// new task state change yields no new ready/skip keys.
func Evaluate(w *types.Workflow, lookup TaskLookup, conditionTimeout time.Duration) Decision {
	log := logging.WithComponent("workflow")

	materialized := func(key string) (*types.Task, bool) {
		id, ok := w.TaskIDs[key]
		if !ok {
			return nil, false
		}
		return lookup(id)
	}

	resolved := make(map[string]bool) // key -> already materialized or decided-skip
	skipped := make(map[string]bool)

	var dec Decision
	allTerminal := true
	anyDeadLetter := false

	// Task definitions are materialized as pending Task rows at
	// workflow_submit time (see internal/statemachine applyWorkflowSubmit),
	// so every key resolves via materialized. A row still in TaskPending
	// has not yet been decided ready/skip/blocked; anything past that
	// state has already been decided and just needs folding into the
	// completion/failure tally.
	for key, def := range w.Tasks {
		t, ok := materialized(key)
		if !ok {
			// Not yet submitted at all (pre-migration snapshot, or a
			// key added after submit); treat like an undecided pending row.
			allTerminal = false
			continue
		}

		if t.State != types.TaskPending {
			resolved[key] = true
			if !t.State.Terminal() {
				allTerminal = false
			}
			if t.State == types.TaskDeadLetter || t.State == types.TaskFailed {
				anyDeadLetter = true
			}
			if t.State == types.TaskSkipped {
				skipped[key] = true
			}
			continue
		}

		allTerminal = false

		ready := true
		shouldSkip := false
		for _, dep := range def.DependsOn {
			depTask, ok := materialized(dep)
			if !ok || depTask.State == types.TaskPending {
				ready = false
				break
			}
			if skipped[dep] || depTask.State == types.TaskSkipped || depTask.State == types.TaskDeadLetter || depTask.State == types.TaskFailed || depTask.State == types.TaskCancelled {
				shouldSkip = true
			}
		}

		if !ready {
			continue
		}
		if shouldSkip {
			skipped[key] = true
			dec.SkipKeys = append(dec.SkipKeys, key)
			continue
		}

		if def.Condition != "" {
			env := buildEnv(w, def, materialized)
			ok, err := condition.Evaluate(def.Condition, env, conditionTimeout)
			if err != nil {
				log.Warn().Err(err).Str("key", key).Msg("condition evaluation failed, skipping task")
				ok = false
			}
			if !ok {
				skipped[key] = true
				dec.SkipKeys = append(dec.SkipKeys, key)
				continue
			}
		}

		dec.ReadyKeys = append(dec.ReadyKeys, key)
	}

	dec.Complete = allTerminal
	dec.Failed = allTerminal && anyDeadLetter
	return dec
}

func buildEnv(w *types.Workflow, def types.TaskDefinition, materialized func(string) (*types.Task, bool)) condition.Env {
	env := condition.Env{}
	for _, dep := range def.DependsOn {
		t, ok := materialized(dep)
		if !ok {
			continue
		}
		prefix := fmt.Sprintf("parent.%s.", dep)
		env[prefix+"state"] = string(t.State)
		if t.Result != nil {
			env[prefix+"exitCode"] = fmt.Sprintf("%d", t.Result.ExitCode)
			env[prefix+"stdout"] = t.Result.Stdout
			env[prefix+"stderr"] = t.Result.Stderr
		}
	}
	for k, v := range w.Context {
		env["workflow.context."+k] = v
	}
	return env
}

// DetectCycle reports whether w's dependsOn graph contains a cycle,
// via DFS with a three-color mark. Submission of a cyclic workflow
// must be rejected with clustererr.ErrInvalidRequest before it ever
// reaches the replicated log.
func DetectCycle(w *types.Workflow) bool {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(w.Tasks))
	var visit func(key string) bool
	visit = func(key string) bool {
		switch color[key] {
		case gray:
			return true
		case black:
			return false
		}
		color[key] = gray
		for _, dep := range w.Tasks[key].DependsOn {
			if _, ok := w.Tasks[dep]; !ok {
				continue // dangling dependency is a separate validation error
			}
			if visit(dep) {
				return true
			}
		}
		color[key] = black
		return false
	}
	for key := range w.Tasks {
		if visit(key) {
			return true
		}
	}
	return false
}
