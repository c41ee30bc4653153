package inmem

import (
	"testing"
	"time"

	"github.com/mohitkumar/dagjob/server/model"
	"github.com/mohitkumar/dagjob/server/persistence"
	"github.com/stretchr/testify/require"
)

func TestTransitionJobRunGuards(t *testing.T) {
	s := NewStorage()
	require.NoError(t, s.SaveJobRun(&model.JobRun{RunId: "r1", JobId: 1, State: model.RUN_RUNNING}))

	_, applied, err := s.TransitionJobRun("r1", []model.RunState{model.RUN_RUNNING}, func(r *model.JobRun) {
		r.State = model.RUN_SUCCESS
	})
	require.NoError(t, err)
	require.True(t, applied)

	// second transition finds the run already terminal
	run, applied, err := s.TransitionJobRun("r1", []model.RunState{model.RUN_RUNNING}, func(r *model.JobRun) {
		r.State = model.RUN_FAILED
	})
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, model.RUN_SUCCESS, run.State)
}

func TestTransitionUnknownRun(t *testing.T) {
	s := NewStorage()
	_, _, err := s.TransitionJobRun("missing", []model.RunState{model.RUN_RUNNING}, func(r *model.JobRun) {})
	var nf persistence.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestActiveRunsExcludesTerminal(t *testing.T) {
	s := NewStorage()
	require.NoError(t, s.SaveJobRun(&model.JobRun{RunId: "r1", JobId: 1, State: model.RUN_RUNNING}))
	require.NoError(t, s.SaveJobRun(&model.JobRun{RunId: "r2", JobId: 1, State: model.RUN_SUCCESS}))
	require.NoError(t, s.SaveJobRun(&model.JobRun{RunId: "r3", JobId: 2, State: model.RUN_PENDING}))

	active, err := s.ActiveRuns(1)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "r1", active[0].RunId)
}

func TestDeleteJobRunClearsIndexes(t *testing.T) {
	s := NewStorage()
	require.NoError(t, s.SaveJobRun(&model.JobRun{RunId: "r1", JobId: 1, WorkflowRunId: "w1", State: model.RUN_RUNNING}))

	require.NoError(t, s.DeleteJobRun("r1"))

	_, err := s.GetJobRun("r1")
	require.Error(t, err)
	active, err := s.ActiveRuns(1)
	require.NoError(t, err)
	require.Empty(t, active)
	runs, err := s.RunsForWorkflowRun("w1")
	require.NoError(t, err)
	require.Empty(t, runs)
	// deleting again is a no-op
	require.NoError(t, s.DeleteJobRun("r1"))
}

func TestDueIndex(t *testing.T) {
	s := NewStorage()
	require.NoError(t, s.SaveJob(&model.JobDefinition{Id: 1, TriggerType: model.TRIGGER_CRON}))
	require.NoError(t, s.SaveJob(&model.JobDefinition{Id: 2, TriggerType: model.TRIGGER_CRON}))

	now := time.Now()
	require.NoError(t, s.SetNextTriggerTime(1, now.Add(-time.Minute)))
	require.NoError(t, s.SetNextTriggerTime(2, now.Add(time.Hour)))

	due, err := s.LoadDueJobs(now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, int64(1), due[0].Id)

	// zero time removes the job from the index
	require.NoError(t, s.SetNextTriggerTime(1, time.Time{}))
	due, err = s.LoadDueJobs(now, 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestWorkflowRunTransition(t *testing.T) {
	s := NewStorage()
	require.NoError(t, s.SaveWorkflowRun(&model.WorkflowRun{RunId: "w1", WorkflowId: 1, State: model.RUN_RUNNING}))

	applied, err := s.TransitionWorkflowRun("w1", []model.RunState{model.RUN_RUNNING}, model.RUN_FAILED)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = s.TransitionWorkflowRun("w1", []model.RunState{model.RUN_RUNNING}, model.RUN_SUCCESS)
	require.NoError(t, err)
	require.False(t, applied)

	wfRun, err := s.GetWorkflowRun("w1")
	require.NoError(t, err)
	require.Equal(t, model.RUN_FAILED, wfRun.State)
}

func TestGetWorkflowJobs(t *testing.T) {
	s := NewStorage()
	require.NoError(t, s.SaveJob(&model.JobDefinition{Id: 1, WorkflowId: 5, TriggerType: model.TRIGGER_DAG}))
	require.NoError(t, s.SaveJob(&model.JobDefinition{Id: 2, WorkflowId: 5, TriggerType: model.TRIGGER_DAG}))
	require.NoError(t, s.SaveWorkflow(&model.Workflow{Id: 5, Jobs: []int64{1, 2}}))

	jobs, err := s.GetWorkflowJobs(5)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
}
