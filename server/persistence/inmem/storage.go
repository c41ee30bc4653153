package inmem

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mohitkumar/dagjob/server/model"
	"github.com/mohitkumar/dagjob/server/persistence"
)

// Storage is the in-process implementation of the persistence contract.
// It backs single-node deployments and tests.
type Storage struct {
	mu           sync.RWMutex
	jobs         map[int64]*model.JobDefinition
	workflows    map[int64]*model.Workflow
	groups       map[int64]*model.ExecutorGroup
	nextTrigger  map[int64]time.Time
	runs         map[string]*model.JobRun
	runsByJob    map[int64][]string
	runsByWfRun  map[string][]string
	workflowRuns map[string]*model.WorkflowRun
}

var _ persistence.Storage = new(Storage)

func NewStorage() *Storage {
	return &Storage{
		jobs:         make(map[int64]*model.JobDefinition),
		workflows:    make(map[int64]*model.Workflow),
		groups:       make(map[int64]*model.ExecutorGroup),
		nextTrigger:  make(map[int64]time.Time),
		runs:         make(map[string]*model.JobRun),
		runsByJob:    make(map[int64][]string),
		runsByWfRun:  make(map[string][]string),
		workflowRuns: make(map[string]*model.WorkflowRun),
	}
}

func (s *Storage) SaveJob(job *model.JobDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.Id] = &cp
	return nil
}

func (s *Storage) GetJob(jobId int64) (*model.JobDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobId]
	if !ok {
		return nil, persistence.NotFoundError{Kind: "job", Id: itoa(jobId)}
	}
	cp := *job
	return &cp, nil
}

func (s *Storage) SaveWorkflow(wf *model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *wf
	s.workflows[wf.Id] = &cp
	return nil
}

func (s *Storage) GetWorkflow(workflowId int64) (*model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[workflowId]
	if !ok {
		return nil, persistence.NotFoundError{Kind: "workflow", Id: itoa(workflowId)}
	}
	cp := *wf
	return &cp, nil
}

func (s *Storage) GetWorkflowJobs(workflowId int64) ([]*model.JobDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]*model.JobDefinition, 0)
	for _, job := range s.jobs {
		if job.WorkflowId == workflowId {
			cp := *job
			jobs = append(jobs, &cp)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Id < jobs[j].Id })
	return jobs, nil
}

func (s *Storage) GetExecutorGroup(groupId int64) (*model.ExecutorGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupId]
	if !ok {
		return nil, persistence.NotFoundError{Kind: "executor group", Id: itoa(groupId)}
	}
	cp := *g
	return &cp, nil
}

func (s *Storage) SaveExecutorGroup(group *model.ExecutorGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *group
	s.groups[group.Id] = &cp
	return nil
}

func (s *Storage) LoadDueJobs(now time.Time, limit int) ([]*model.JobDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	due := make([]*model.JobDefinition, 0)
	for jobId, next := range s.nextTrigger {
		if !next.After(now) {
			if job, ok := s.jobs[jobId]; ok {
				cp := *job
				due = append(due, &cp)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Id < due[j].Id })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Storage) SetNextTriggerTime(jobId int64, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next.IsZero() {
		delete(s.nextTrigger, jobId)
		return nil
	}
	s.nextTrigger[jobId] = next
	return nil
}

func (s *Storage) SaveJobRun(run *model.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.RunId]; !exists {
		s.runsByJob[run.JobId] = append(s.runsByJob[run.JobId], run.RunId)
		if run.WorkflowRunId != "" {
			s.runsByWfRun[run.WorkflowRunId] = append(s.runsByWfRun[run.WorkflowRunId], run.RunId)
		}
	}
	cp := *run
	s.runs[run.RunId] = &cp
	return nil
}

func (s *Storage) GetJobRun(runId string) (*model.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runId]
	if !ok {
		return nil, persistence.NotFoundError{Kind: "job run", Id: runId}
	}
	cp := *run
	return &cp, nil
}

func (s *Storage) ActiveRuns(jobId int64) ([]*model.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	active := make([]*model.JobRun, 0)
	for _, runId := range s.runsByJob[jobId] {
		run := s.runs[runId]
		if run != nil && !run.State.IsTerminal() {
			cp := *run
			active = append(active, &cp)
		}
	}
	return active, nil
}

func (s *Storage) TransitionJobRun(runId string, expected []model.RunState, mutate func(*model.JobRun)) (*model.JobRun, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runId]
	if !ok {
		return nil, false, persistence.NotFoundError{Kind: "job run", Id: runId}
	}
	if !persistence.StateIn(run.State, expected) {
		cp := *run
		return &cp, false, nil
	}
	mutate(run)
	cp := *run
	return &cp, true, nil
}

func (s *Storage) DeleteJobRun(runId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runId]
	if !ok {
		return nil
	}
	delete(s.runs, runId)
	s.runsByJob[run.JobId] = removeId(s.runsByJob[run.JobId], runId)
	if run.WorkflowRunId != "" {
		s.runsByWfRun[run.WorkflowRunId] = removeId(s.runsByWfRun[run.WorkflowRunId], runId)
	}
	return nil
}

func removeId(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func (s *Storage) RunsForWorkflowRun(workflowRunId string) ([]*model.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]*model.JobRun, 0)
	for _, runId := range s.runsByWfRun[workflowRunId] {
		if run := s.runs[runId]; run != nil {
			cp := *run
			runs = append(runs, &cp)
		}
	}
	return runs, nil
}

func (s *Storage) SaveWorkflowRun(run *model.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.workflowRuns[run.RunId] = &cp
	return nil
}

func (s *Storage) GetWorkflowRun(runId string) (*model.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.workflowRuns[runId]
	if !ok {
		return nil, persistence.NotFoundError{Kind: "workflow run", Id: runId}
	}
	cp := *run
	return &cp, nil
}

func (s *Storage) TransitionWorkflowRun(runId string, expected []model.RunState, to model.RunState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.workflowRuns[runId]
	if !ok {
		return false, persistence.NotFoundError{Kind: "workflow run", Id: runId}
	}
	if !persistence.StateIn(run.State, expected) {
		return false, nil
	}
	run.State = to
	if to.IsTerminal() {
		run.FinishedAt = time.Now()
	}
	return true, nil
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
