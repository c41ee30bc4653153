package persistence

import (
	"fmt"
	"time"

	"github.com/mohitkumar/dagjob/server/model"
)

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return fmt.Sprintf("storage layer error %s", e.Message)
}

type NotFoundError struct {
	Kind string
	Id   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Id)
}

// Storage is the persistence collaborator of the scheduling core. The
// core treats persisted job and run state as abstract; any store
// satisfying this contract works. Transition methods are the single
// writer per runId: a transition applies only when the run is currently
// in one of the expected states.
type Storage interface {
	// authored definitions, read-only to the scheduler
	SaveJob(job *model.JobDefinition) error
	GetJob(jobId int64) (*model.JobDefinition, error)
	SaveWorkflow(wf *model.Workflow) error
	GetWorkflow(workflowId int64) (*model.Workflow, error)
	GetWorkflowJobs(workflowId int64) ([]*model.JobDefinition, error)
	GetExecutorGroup(groupId int64) (*model.ExecutorGroup, error)
	SaveExecutorGroup(group *model.ExecutorGroup) error

	// due-time index for clock-driven triggers
	LoadDueJobs(now time.Time, limit int) ([]*model.JobDefinition, error)
	SetNextTriggerTime(jobId int64, next time.Time) error

	// job runs
	SaveJobRun(run *model.JobRun) error
	GetJobRun(runId string) (*model.JobRun, error)
	ActiveRuns(jobId int64) ([]*model.JobRun, error)
	// TransitionJobRun applies mutate under the store's run lock iff the
	// run's current state is one of expected. Returns the resulting run
	// and whether the transition applied.
	TransitionJobRun(runId string, expected []model.RunState, mutate func(*model.JobRun)) (*model.JobRun, bool, error)
	// DeleteJobRun discards a run record entirely; debug (ephemeral) runs
	// are not kept once terminal.
	DeleteJobRun(runId string) error
	RunsForWorkflowRun(workflowRunId string) ([]*model.JobRun, error)

	// workflow runs
	SaveWorkflowRun(run *model.WorkflowRun) error
	GetWorkflowRun(runId string) (*model.WorkflowRun, error)
	TransitionWorkflowRun(runId string, expected []model.RunState, to model.RunState) (bool, error)
}

func StateIn(state model.RunState, expected []model.RunState) bool {
	for _, s := range expected {
		if s == state {
			return true
		}
	}
	return false
}
