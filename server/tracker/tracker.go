package tracker

import (
	"errors"
	"fmt"
	"time"

	api "github.com/mohitkumar/dagjob/api/v1"
	"github.com/mohitkumar/dagjob/logger"
	"github.com/mohitkumar/dagjob/server/analytics"
	"github.com/mohitkumar/dagjob/server/dag"
	"github.com/mohitkumar/dagjob/server/model"
	"github.com/mohitkumar/dagjob/server/persistence"
	"github.com/mohitkumar/dagjob/server/scheduler"
	"go.uber.org/zap"
)

// RunStateTracker consumes executor callback batches, transitions run
// state and resolves downstream DAG dependencies as upstream jobs
// complete. Transitions are guarded on the run still being PENDING or
// RUNNING, so a duplicate or late callback can never double-trigger
// downstream nodes. PENDING is accepted because a fast job's callback
// can arrive before the dispatching worker has recorded the run as
// RUNNING.
type RunStateTracker struct {
	storage   persistence.Storage
	scheduler *scheduler.TriggerScheduler
	audit     *analytics.RunAuditCollector
}

// NewRunStateTracker builds a tracker; audit may be nil when no audit
// file is configured.
func NewRunStateTracker(storage persistence.Storage, sched *scheduler.TriggerScheduler, audit *analytics.RunAuditCollector) *RunStateTracker {
	return &RunStateTracker{
		storage:   storage,
		scheduler: sched,
		audit:     audit,
	}
}

// HandleCallbacks processes one batch. Entries fail independently; the
// batch result reports the first failure but every entry is attempted.
func (t *RunStateTracker) HandleCallbacks(batch []api.HandleCallbackParam) error {
	var firstErr error
	for _, cb := range batch {
		if err := t.handleCallback(cb); err != nil {
			logger.Error("error handling callback", zap.String("logId", cb.LogId), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (t *RunStateTracker) handleCallback(cb api.HandleCallbackParam) error {
	run, err := t.storage.GetJobRun(cb.LogId)
	if err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			logger.Info("callback for unknown run ignored", zap.String("logId", cb.LogId))
			return nil
		}
		return err
	}

	to := model.RUN_FAILED
	if cb.HandleCode == api.SuccessCode {
		to = model.RUN_SUCCESS
	}
	updated, applied, err := t.storage.TransitionJobRun(run.RunId, []model.RunState{model.RUN_PENDING, model.RUN_RUNNING}, func(r *model.JobRun) {
		r.State = to
		r.HandleCode = cb.HandleCode
		r.HandleMsg = cb.HandleMsg
		r.Output = cb.Output
		r.FinishedAt = time.Now()
	})
	if err != nil {
		return err
	}
	if !applied {
		// duplicate, late, or post-kill callback: informational only
		logger.Info("callback ignored, run already finished",
			zap.String("run", run.RunId), zap.String("state", string(updated.State)), zap.Int("handleCode", cb.HandleCode))
		return nil
	}
	logger.Info("run completed", zap.String("run", run.RunId), zap.Int64("job", run.JobId), zap.String("state", string(to)))
	if t.audit != nil {
		if to == model.RUN_SUCCESS {
			t.audit.RecordRunSuccess(updated.RunId, updated.JobId, updated.WorkflowRunId, updated.Output)
		} else {
			t.audit.RecordRunFailure(updated.RunId, updated.JobId, updated.WorkflowRunId, updated.HandleMsg)
		}
	}

	if updated.Ephemeral {
		return t.storage.DeleteJobRun(run.RunId)
	}

	t.scheduler.RescheduleAfterCompletion(updated.JobId)

	if updated.WorkflowRunId == "" {
		return nil
	}
	if to == model.RUN_FAILED {
		applied, err := t.storage.TransitionWorkflowRun(updated.WorkflowRunId, []model.RunState{model.RUN_RUNNING}, model.RUN_FAILED)
		if err != nil {
			return err
		}
		if applied {
			logger.Info("workflow run failed", zap.String("workflowRun", updated.WorkflowRunId), zap.Int64("job", updated.JobId))
		}
		return nil
	}
	return t.releaseDownstream(updated.WorkflowRunId, updated.JobId)
}

// releaseDownstream re-enters the scheduler for every successor of node
// whose dependencies are now satisfied within this workflow run.
// Successors whose every inbound edge was skipped are marked SKIPPED and
// the skip propagates.
func (t *RunStateTracker) releaseDownstream(workflowRunId string, node int64) error {
	wfRun, err := t.storage.GetWorkflowRun(workflowRunId)
	if err != nil {
		return err
	}
	if wfRun.State != model.RUN_RUNNING {
		// a failed sibling already halted this run
		return nil
	}
	job, err := t.storage.GetJob(node)
	if err != nil {
		return err
	}
	wf, err := t.storage.GetWorkflow(job.WorkflowId)
	if err != nil {
		return err
	}
	d, err := dag.FromWorkflow(wf)
	if err != nil {
		// defensive re-check at execution time
		return fmt.Errorf("workflow %d graph invalid at execution time: %w", job.WorkflowId, err)
	}

	states, outputs, hasRun, err := t.workflowRunView(workflowRunId)
	if err != nil {
		return err
	}

	status := func(edge model.Edge) dag.EdgeStatus {
		switch states[edge.FromJobId] {
		case model.RUN_SUCCESS:
			if edge.HasCondition() {
				ok, err := dag.EvaluateCondition(edge.ConditionExpr, outputs[edge.FromJobId])
				if err != nil {
					logger.Error("error evaluating edge condition", zap.Int64("from", edge.FromJobId), zap.Int64("to", edge.ToJobId), zap.Error(err))
					return dag.EdgePending
				}
				if !ok {
					return dag.EdgeSkipped
				}
			}
			return dag.EdgeSatisfied
		case model.RUN_SKIPPED:
			return dag.EdgeSkipped
		default:
			return dag.EdgePending
		}
	}

	release, skipped := d.ReleasableSuccessors(node, status)
	for _, next := range release {
		if hasRun[next] {
			continue
		}
		if _, _, err := t.scheduler.TriggerJob(next, model.TRIGGER_DAG, workflowRunId); err != nil {
			logger.Error("error releasing downstream job", zap.Int64("job", next), zap.String("workflowRun", workflowRunId), zap.Error(err))
		}
	}
	for _, next := range skipped {
		if hasRun[next] {
			continue
		}
		if err := t.markSkipped(workflowRunId, next); err != nil {
			logger.Error("error skipping downstream job", zap.Int64("job", next), zap.Error(err))
			continue
		}
		if err := t.releaseDownstream(workflowRunId, next); err != nil {
			logger.Error("error propagating skip", zap.Int64("job", next), zap.Error(err))
		}
	}

	return t.maybeCompleteWorkflowRun(workflowRunId, d)
}

func (t *RunStateTracker) markSkipped(workflowRunId string, jobId int64) error {
	run := &model.JobRun{
		RunId:         skippedRunId(workflowRunId, jobId),
		JobId:         jobId,
		WorkflowRunId: workflowRunId,
		State:         model.RUN_SKIPPED,
		StartedAt:     time.Now(),
		FinishedAt:    time.Now(),
	}
	logger.Info("job skipped by edge conditions", zap.Int64("job", jobId), zap.String("workflowRun", workflowRunId))
	return t.storage.SaveJobRun(run)
}

// skippedRunId is deterministic so concurrent skip propagation collapses
// onto one record.
func skippedRunId(workflowRunId string, jobId int64) string {
	return fmt.Sprintf("%s-skip-%d", workflowRunId, jobId)
}

// workflowRunView folds the run's job runs into a per-node view. Under
// CONCURRENT block strategy a node may hold several runs; the first
// SUCCESS wins for dependency satisfaction.
func (t *RunStateTracker) workflowRunView(workflowRunId string) (map[int64]model.RunState, map[int64]map[string]any, map[int64]bool, error) {
	runs, err := t.storage.RunsForWorkflowRun(workflowRunId)
	if err != nil {
		return nil, nil, nil, err
	}
	states := make(map[int64]model.RunState)
	outputs := make(map[int64]map[string]any)
	hasRun := make(map[int64]bool)
	for _, run := range runs {
		hasRun[run.JobId] = true
		current := states[run.JobId]
		if current == model.RUN_SUCCESS {
			continue
		}
		if run.State == model.RUN_SUCCESS || current == "" {
			states[run.JobId] = run.State
		}
		if run.State == model.RUN_SUCCESS {
			outputs[run.JobId] = run.Output
		}
	}
	return states, outputs, hasRun, nil
}

// maybeCompleteWorkflowRun closes the run once nothing is active and
// nothing further can release. A cascade run completes even though nodes
// gated on predecessors outside the cascade never fired.
func (t *RunStateTracker) maybeCompleteWorkflowRun(workflowRunId string, d *dag.Dag) error {
	runs, err := t.storage.RunsForWorkflowRun(workflowRunId)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return nil
	}
	succeeded := make(map[int64]bool)
	for _, run := range runs {
		if !run.State.IsTerminal() {
			return nil
		}
		if run.State == model.RUN_FAILED || run.State == model.RUN_KILLED {
			// failure path already transitions the workflow run
			return nil
		}
		if run.State == model.RUN_SUCCESS {
			succeeded[run.JobId] = true
		}
	}
	applied, err := t.storage.TransitionWorkflowRun(workflowRunId, []model.RunState{model.RUN_RUNNING}, model.RUN_SUCCESS)
	if err != nil {
		return err
	}
	if applied {
		logger.Info("workflow run succeeded", zap.String("workflowRun", workflowRunId), zap.Int("succeededJobs", len(succeeded)))
	}
	return nil
}
