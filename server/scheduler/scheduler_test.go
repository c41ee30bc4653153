package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	api "github.com/mohitkumar/dagjob/api/v1"
	"github.com/mohitkumar/dagjob/server/config"
	"github.com/mohitkumar/dagjob/server/model"
	"github.com/mohitkumar/dagjob/server/persistence/inmem"
	"github.com/mohitkumar/dagjob/server/registry"
	"github.com/mohitkumar/dagjob/server/timers"
	"github.com/stretchr/testify/require"
)

type recordingClient struct {
	mu    sync.Mutex
	kills []int64
}

func (c *recordingClient) Trigger(ctx context.Context, address string, param *api.TriggerParam) (api.ReturnT, error) {
	return api.Success(nil), nil
}

func (c *recordingClient) Kill(ctx context.Context, address string, jobId int64) (api.ReturnT, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kills = append(c.kills, jobId)
	return api.Success(nil), nil
}

func (c *recordingClient) IdleBeat(ctx context.Context, address string, jobId int64) (api.ReturnT, error) {
	return api.Success(nil), nil
}

func (c *recordingClient) Beat(ctx context.Context, address string) (api.ReturnT, error) {
	return api.Success(nil), nil
}

func (c *recordingClient) Log(ctx context.Context, address string, param *api.LogParam) (*api.LogResult, error) {
	return &api.LogResult{}, nil
}

func (c *recordingClient) killed() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.kills...)
}

// newScheduler builds a scheduler with its workers unstarted, so
// TriggerJob's synchronous effects can be asserted without rpc traffic.
func newScheduler(t *testing.T) (*TriggerScheduler, *inmem.Storage, *recordingClient) {
	t.Helper()
	var wg sync.WaitGroup
	store := inmem.NewStorage()
	reg := registry.NewExecutorRegistry(90*time.Second, &wg)
	client := &recordingClient{}
	tm := timers.NewTimerManager(3600)
	s := NewTriggerScheduler(store, reg, client, tm, config.Config{}, &wg)
	return s, store, client
}

func saveJob(t *testing.T, store *inmem.Storage, id int64, block model.BlockStrategy) {
	t.Helper()
	err := store.SaveJob(&model.JobDefinition{
		Id:              id,
		Name:            "job",
		ExecutorGroupId: 1,
		ExecutorHandler: "handler",
		TriggerType:     model.TRIGGER_CRON,
		Cron:            "*/5 * * * *",
		BlockStrategy:   block,
		RouteStrategy:   model.ROUTE_FIRST,
	})
	require.NoError(t, err)
}

func TestDecide(t *testing.T) {
	scenarios := map[string]struct {
		strategy  model.BlockStrategy
		hasActive bool
		want      Decision
	}{
		"no active run proceeds":       {model.BLOCK_SERIAL_DISCARD, false, PROCEED},
		"serial discard drops":         {model.BLOCK_SERIAL_DISCARD, true, DISCARD},
		"cover early kills prior":      {model.BLOCK_COVER_EARLY, true, PROCEED_AFTER_KILL},
		"concurrent always proceeds":   {model.BLOCK_CONCURRENT, true, PROCEED},
		"unset strategy is permissive": {"", true, PROCEED},
	}
	for name, sc := range scenarios {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, sc.want, Decide(sc.strategy, sc.hasActive))
		})
	}
}

func TestTriggerCreatesPendingRun(t *testing.T) {
	s, store, _ := newScheduler(t)
	saveJob(t, store, 1, model.BLOCK_CONCURRENT)

	run, outcome, err := s.TriggerJob(1, model.TRIGGER_MANUAL_SINGLE, "")
	require.NoError(t, err)
	require.Equal(t, OUTCOME_DISPATCHED, outcome)

	stored, err := store.GetJobRun(run.RunId)
	require.NoError(t, err)
	require.Equal(t, model.RUN_PENDING, stored.State)
	require.Equal(t, int64(1), stored.JobId)
}

func TestSerialDiscardDropsSecondTrigger(t *testing.T) {
	s, store, _ := newScheduler(t)
	saveJob(t, store, 1, model.BLOCK_SERIAL_DISCARD)

	_, outcome, err := s.TriggerJob(1, model.TRIGGER_MANUAL_SINGLE, "")
	require.NoError(t, err)
	require.Equal(t, OUTCOME_DISPATCHED, outcome)

	run, outcome, err := s.TriggerJob(1, model.TRIGGER_MANUAL_SINGLE, "")
	require.NoError(t, err)
	require.Equal(t, OUTCOME_DISCARDED, outcome)
	require.Nil(t, run)

	active, err := store.ActiveRuns(1)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestCoverEarlyKillsPriorRun(t *testing.T) {
	s, store, client := newScheduler(t)
	saveJob(t, store, 1, model.BLOCK_COVER_EARLY)

	first, _, err := s.TriggerJob(1, model.TRIGGER_MANUAL_SINGLE, "")
	require.NoError(t, err)

	// mark it dispatched so the kill rpc has an address to hit
	_, applied, err := store.TransitionJobRun(first.RunId, []model.RunState{model.RUN_PENDING}, func(r *model.JobRun) {
		r.State = model.RUN_RUNNING
		r.Address = "10.0.0.1:9999"
	})
	require.NoError(t, err)
	require.True(t, applied)

	second, outcome, err := s.TriggerJob(1, model.TRIGGER_MANUAL_SINGLE, "")
	require.NoError(t, err)
	require.Equal(t, OUTCOME_DISPATCHED, outcome)

	covered, err := store.GetJobRun(first.RunId)
	require.NoError(t, err)
	require.Equal(t, model.RUN_KILLED, covered.State)
	require.Equal(t, []int64{1}, client.killed())

	active, err := store.ActiveRuns(1)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, second.RunId, active[0].RunId)
}

func TestConcurrentAllowsParallelRuns(t *testing.T) {
	s, store, _ := newScheduler(t)
	saveJob(t, store, 1, model.BLOCK_CONCURRENT)

	_, _, err := s.TriggerJob(1, model.TRIGGER_MANUAL_SINGLE, "")
	require.NoError(t, err)
	_, _, err = s.TriggerJob(1, model.TRIGGER_MANUAL_SINGLE, "")
	require.NoError(t, err)

	active, err := store.ActiveRuns(1)
	require.NoError(t, err)
	require.Len(t, active, 2)
}

func TestDebugTriggerIsEphemeral(t *testing.T) {
	s, store, _ := newScheduler(t)
	saveJob(t, store, 1, model.BLOCK_CONCURRENT)

	run, _, err := s.TriggerJob(1, model.TRIGGER_DEBUG, "")
	require.NoError(t, err)

	stored, err := store.GetJobRun(run.RunId)
	require.NoError(t, err)
	require.True(t, stored.Ephemeral)
}

func TestKillRunMarksKilled(t *testing.T) {
	s, store, _ := newScheduler(t)
	saveJob(t, store, 1, model.BLOCK_CONCURRENT)

	run, _, err := s.TriggerJob(1, model.TRIGGER_MANUAL_SINGLE, "")
	require.NoError(t, err)

	require.NoError(t, s.KillRun(run.RunId))

	stored, err := store.GetJobRun(run.RunId)
	require.NoError(t, err)
	require.Equal(t, model.RUN_KILLED, stored.State)
}

func TestKillRunFailsOwningWorkflowRun(t *testing.T) {
	s, store, _ := newScheduler(t)
	saveJob(t, store, 1, model.BLOCK_CONCURRENT)
	saveJob(t, store, 2, model.BLOCK_CONCURRENT)
	err := store.SaveWorkflow(&model.Workflow{
		Id:    7,
		Jobs:  []int64{1, 2},
		Edges: []model.Edge{{FromJobId: 1, ToJobId: 2}},
	})
	require.NoError(t, err)

	wfRunId, err := s.StartWorkflow(7)
	require.NoError(t, err)
	runs, err := store.RunsForWorkflowRun(wfRunId)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	require.NoError(t, s.KillRun(runs[0].RunId))

	killed, err := store.GetJobRun(runs[0].RunId)
	require.NoError(t, err)
	require.Equal(t, model.RUN_KILLED, killed.State)

	// a killed node cannot release successors, so the workflow run must
	// not dangle RUNNING
	wfRun, err := store.GetWorkflowRun(wfRunId)
	require.NoError(t, err)
	require.Equal(t, model.RUN_FAILED, wfRun.State)
}

func TestTerminalRetrySkippedWhenRunFinished(t *testing.T) {
	s, store, _ := newScheduler(t)
	saveJob(t, store, 1, model.BLOCK_CONCURRENT)
	job, err := store.GetJob(1)
	require.NoError(t, err)

	wfRun := &model.WorkflowRun{RunId: "wfrun-1", WorkflowId: 7, State: model.RUN_RUNNING, StartedAt: time.Now()}
	require.NoError(t, store.SaveWorkflowRun(wfRun))
	require.NoError(t, store.SaveJobRun(&model.JobRun{
		RunId:         "run-a",
		JobId:         1,
		WorkflowRunId: "wfrun-1",
		State:         model.RUN_SUCCESS,
		StartedAt:     time.Now(),
	}))

	s.retryOrFail(dispatchRequest{job: job, runId: "run-a", workflowRunId: "wfrun-1", attempt: 1}, "rpc timed out")

	run, err := store.GetJobRun("run-a")
	require.NoError(t, err)
	require.Equal(t, model.RUN_SUCCESS, run.State)

	stored, err := store.GetWorkflowRun("wfrun-1")
	require.NoError(t, err)
	require.Equal(t, model.RUN_RUNNING, stored.State)
}

func TestScheduleJobRejectsBadCron(t *testing.T) {
	s, store, _ := newScheduler(t)
	job := &model.JobDefinition{
		Id:          1,
		TriggerType: model.TRIGGER_CRON,
		Cron:        "not a cron",
	}
	require.NoError(t, store.SaveJob(job))
	require.Error(t, s.ScheduleJob(job))
}

func TestScheduleJobSetsNextTrigger(t *testing.T) {
	s, store, _ := newScheduler(t)
	job := &model.JobDefinition{
		Id:            1,
		TriggerType:   model.TRIGGER_FIX_RATE,
		FixedInterval: time.Minute,
	}
	require.NoError(t, store.SaveJob(job))
	require.NoError(t, s.ScheduleJob(job))

	due, err := store.LoadDueJobs(time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, int64(1), due[0].Id)
}

func TestStartWorkflowFiresRoots(t *testing.T) {
	s, store, _ := newScheduler(t)
	saveJob(t, store, 1, model.BLOCK_CONCURRENT)
	saveJob(t, store, 2, model.BLOCK_CONCURRENT)
	saveJob(t, store, 3, model.BLOCK_CONCURRENT)
	err := store.SaveWorkflow(&model.Workflow{
		Id:   7,
		Jobs: []int64{1, 2, 3},
		Edges: []model.Edge{
			{FromJobId: 1, ToJobId: 3},
			{FromJobId: 2, ToJobId: 3},
		},
	})
	require.NoError(t, err)

	wfRunId, err := s.StartWorkflow(7)
	require.NoError(t, err)

	runs, err := store.RunsForWorkflowRun(wfRunId)
	require.NoError(t, err)
	var jobs []int64
	for _, run := range runs {
		jobs = append(jobs, run.JobId)
	}
	require.ElementsMatch(t, []int64{1, 2}, jobs)
}
