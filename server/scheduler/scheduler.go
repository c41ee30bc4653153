package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	api "github.com/mohitkumar/dagjob/api/v1"
	"github.com/mohitkumar/dagjob/logger"
	"github.com/mohitkumar/dagjob/server/backoff"
	"github.com/mohitkumar/dagjob/server/config"
	"github.com/mohitkumar/dagjob/server/dag"
	"github.com/mohitkumar/dagjob/server/model"
	"github.com/mohitkumar/dagjob/server/persistence"
	"github.com/mohitkumar/dagjob/server/registry"
	"github.com/mohitkumar/dagjob/server/route"
	"github.com/mohitkumar/dagjob/server/rpc"
	"github.com/mohitkumar/dagjob/server/timers"
	"github.com/mohitkumar/dagjob/util"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// TriggerOutcome reports what the scheduler did with one trigger.
type TriggerOutcome string

const (
	OUTCOME_DISPATCHED TriggerOutcome = "DISPATCHED"
	OUTCOME_DISCARDED  TriggerOutcome = "DISCARDED"
	OUTCOME_FAILED     TriggerOutcome = "FAILED"
)

type dispatchRequest struct {
	job           *model.JobDefinition
	runId         string
	workflowRunId string
	attempt       int
	ephemeral     bool
}

// TriggerScheduler decides when a job fires, applies its block strategy,
// routes it to a live executor and dispatches the trigger RPC. Each
// dispatch runs on a pool worker so one executor's timeout never stalls
// other jobs' scheduling.
type TriggerScheduler struct {
	storage    persistence.Storage
	registry   *registry.ExecutorRegistry
	client     rpc.ExecutorClient
	timers     *timers.TimerManager
	conf       config.Config
	cronParser cron.Parser

	routersMu sync.Mutex
	routers   map[model.RouteStrategy]route.Router

	jobLocksMu sync.Mutex
	jobLocks   map[int64]*sync.Mutex

	poller     *util.TickWorker
	workers    []*util.Worker
	nextWorker uint32
	workerMu   sync.Mutex
	wg         *sync.WaitGroup
}

func NewTriggerScheduler(storage persistence.Storage, reg *registry.ExecutorRegistry, client rpc.ExecutorClient, tm *timers.TimerManager, conf config.Config, wg *sync.WaitGroup) *TriggerScheduler {
	s := &TriggerScheduler{
		storage:    storage,
		registry:   reg,
		client:     client,
		timers:     tm,
		conf:       conf,
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		routers:    make(map[model.RouteStrategy]route.Router),
		jobLocks:   make(map[int64]*sync.Mutex),
		wg:         wg,
	}
	workers := conf.DispatchWorkers
	if workers <= 0 {
		workers = 8
	}
	capacity := conf.DispatchCapacity
	if capacity <= 0 {
		capacity = 512
	}
	for i := 0; i < workers; i++ {
		w := util.NewWorker(fmt.Sprintf("dispatch-%d", i), wg, s.handleDispatch, capacity)
		s.workers = append(s.workers, w)
	}
	interval := conf.SchedulePollInterval
	if interval <= 0 {
		interval = time.Second
	}
	s.poller = util.NewTickWorker("due-job-poll", interval, s.pollDueJobs, wg)
	return s
}

func (s *TriggerScheduler) Start() {
	for _, w := range s.workers {
		w.Start()
	}
	s.poller.Start()
}

func (s *TriggerScheduler) Stop() error {
	if s.poller.IsRunning() {
		s.poller.Stop()
	}
	for _, w := range s.workers {
		w.Stop()
	}
	return nil
}

func (s *TriggerScheduler) jobLock(jobId int64) *sync.Mutex {
	s.jobLocksMu.Lock()
	defer s.jobLocksMu.Unlock()
	if l, ok := s.jobLocks[jobId]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.jobLocks[jobId] = l
	return l
}

func (s *TriggerScheduler) routerFor(strategy model.RouteStrategy) route.Router {
	s.routersMu.Lock()
	defer s.routersMu.Unlock()
	if r, ok := s.routers[strategy]; ok {
		return r
	}
	r := route.NewRouter(strategy, s.client)
	s.routers[strategy] = r
	return r
}

// ScheduleJob seeds the clock-driven due index for a job. Jobs with
// non-clock trigger types are removed from the index.
func (s *TriggerScheduler) ScheduleJob(job *model.JobDefinition) error {
	next, err := s.nextFireTime(job, time.Now())
	if err != nil {
		return err
	}
	return s.storage.SetNextTriggerTime(job.Id, next)
}

func (s *TriggerScheduler) nextFireTime(job *model.JobDefinition, after time.Time) (time.Time, error) {
	switch job.TriggerType {
	case model.TRIGGER_CRON:
		schedule, err := s.cronParser.Parse(job.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad cron expression %q for job %d: %w", job.Cron, job.Id, err)
		}
		return schedule.Next(after), nil
	case model.TRIGGER_FIX_RATE, model.TRIGGER_FIX_DELAY:
		if job.FixedInterval <= 0 {
			return time.Time{}, fmt.Errorf("job %d has no fixed interval", job.Id)
		}
		return after.Add(job.FixedInterval), nil
	default:
		return time.Time{}, nil
	}
}

func (s *TriggerScheduler) pollDueJobs() {
	now := time.Now()
	due, err := s.storage.LoadDueJobs(now, s.conf.DispatchCapacity)
	if err != nil {
		logger.Error("error loading due jobs", zap.Error(err))
		return
	}
	for _, job := range due {
		switch job.TriggerType {
		case model.TRIGGER_FIX_DELAY:
			// next fire is scheduled after the run completes
			if err := s.storage.SetNextTriggerTime(job.Id, time.Time{}); err != nil {
				logger.Error("error clearing trigger time", zap.Int64("job", job.Id), zap.Error(err))
				continue
			}
		default:
			next, err := s.nextFireTime(job, now)
			if err != nil {
				logger.Error("error computing next fire time", zap.Int64("job", job.Id), zap.Error(err))
				continue
			}
			if err := s.storage.SetNextTriggerTime(job.Id, next); err != nil {
				logger.Error("error advancing trigger time", zap.Int64("job", job.Id), zap.Error(err))
				continue
			}
		}
		if _, _, err := s.TriggerJob(job.Id, job.TriggerType, ""); err != nil {
			logger.Error("error triggering due job", zap.Int64("job", job.Id), zap.Error(err))
		}
	}
}

// RescheduleAfterCompletion re-arms a FIX_DELAY job once its run reaches
// a terminal state.
func (s *TriggerScheduler) RescheduleAfterCompletion(jobId int64) {
	job, err := s.storage.GetJob(jobId)
	if err != nil {
		return
	}
	if job.TriggerType != model.TRIGGER_FIX_DELAY {
		return
	}
	if err := s.storage.SetNextTriggerTime(job.Id, time.Now().Add(job.FixedInterval)); err != nil {
		logger.Error("error rescheduling fix-delay job", zap.Int64("job", job.Id), zap.Error(err))
	}
}

// TriggerJob fires one job. The block-strategy check and the creation of
// the run record happen under the job's dispatch lock so at most one
// active run exists under SERIAL_DISCARD and COVER_EARLY; the routing and
// trigger RPC happen on a pool worker afterwards.
func (s *TriggerScheduler) TriggerJob(jobId int64, triggerType model.TriggerType, workflowRunId string) (*model.JobRun, TriggerOutcome, error) {
	job, err := s.storage.GetJob(jobId)
	if err != nil {
		return nil, OUTCOME_FAILED, err
	}
	ephemeral := triggerType == model.TRIGGER_DEBUG

	lock := s.jobLock(job.Id)
	lock.Lock()
	active, err := s.storage.ActiveRuns(job.Id)
	if err != nil {
		lock.Unlock()
		return nil, OUTCOME_FAILED, err
	}
	decision := Decide(job.BlockStrategy, len(active) > 0)
	if decision == DISCARD {
		lock.Unlock()
		logger.Info("trigger discarded by block strategy", zap.Int64("job", job.Id), zap.Int("activeRuns", len(active)))
		return nil, OUTCOME_DISCARDED, nil
	}

	run := &model.JobRun{
		RunId:         uuid.New().String(),
		JobId:         job.Id,
		WorkflowRunId: workflowRunId,
		State:         model.RUN_PENDING,
		Ephemeral:     ephemeral,
		StartedAt:     time.Now(),
	}
	if err := s.storage.SaveJobRun(run); err != nil {
		lock.Unlock()
		return nil, OUTCOME_FAILED, err
	}
	lock.Unlock()

	if decision == PROCEED_AFTER_KILL {
		for _, prior := range active {
			s.killRun(prior, "covered by newer trigger")
		}
	}

	s.submit(dispatchRequest{job: job, runId: run.RunId, workflowRunId: workflowRunId, attempt: 1, ephemeral: ephemeral})
	return run, OUTCOME_DISPATCHED, nil
}

// StartWorkflow creates a workflow run and fires every root node of the
// published DAG.
func (s *TriggerScheduler) StartWorkflow(workflowId int64) (string, error) {
	wf, err := s.storage.GetWorkflow(workflowId)
	if err != nil {
		return "", err
	}
	d, err := dag.FromWorkflow(wf)
	if err != nil {
		return "", err
	}
	wfRun := &model.WorkflowRun{
		RunId:      uuid.New().String(),
		WorkflowId: workflowId,
		State:      model.RUN_RUNNING,
		StartedAt:  time.Now(),
	}
	if err := s.storage.SaveWorkflowRun(wfRun); err != nil {
		return "", err
	}
	for _, root := range d.RootNodes() {
		if _, _, err := s.TriggerJob(root, model.TRIGGER_DAG, wfRun.RunId); err != nil {
			logger.Error("error triggering workflow root", zap.Int64("job", root), zap.Error(err))
		}
	}
	logger.Info("workflow run started", zap.Int64("workflow", workflowId), zap.String("run", wfRun.RunId))
	return wfRun.RunId, nil
}

// TriggerCascade fires one job and, through normal dependency release,
// every downstream node reachable from it within a fresh workflow run.
// Nodes gated by unfinished predecessors outside the cascade stay gated.
func (s *TriggerScheduler) TriggerCascade(jobId int64) (string, error) {
	job, err := s.storage.GetJob(jobId)
	if err != nil {
		return "", err
	}
	wf, err := s.storage.GetWorkflow(job.WorkflowId)
	if err != nil {
		return "", err
	}
	d, err := dag.FromWorkflow(wf)
	if err != nil {
		return "", err
	}
	if !d.HasNode(jobId) {
		return "", fmt.Errorf("job %d is not part of workflow %d", jobId, job.WorkflowId)
	}
	scope := d.Downstream(jobId)
	wfRun := &model.WorkflowRun{
		RunId:      uuid.New().String(),
		WorkflowId: job.WorkflowId,
		State:      model.RUN_RUNNING,
		StartedAt:  time.Now(),
	}
	if err := s.storage.SaveWorkflowRun(wfRun); err != nil {
		return "", err
	}
	if _, _, err := s.TriggerJob(jobId, model.TRIGGER_DAG, wfRun.RunId); err != nil {
		return "", err
	}
	logger.Info("cascade started", zap.Int64("job", jobId), zap.String("run", wfRun.RunId), zap.Int("downstreamNodes", len(scope)))
	return wfRun.RunId, nil
}

// KillRun issues a best-effort kill. The run is marked KILLED locally
// immediately, independent of whether the executor actually stops.
func (s *TriggerScheduler) KillRun(runId string) error {
	run, err := s.storage.GetJobRun(runId)
	if err != nil {
		return err
	}
	s.killRun(run, "killed by request")
	return nil
}

func (s *TriggerScheduler) killRun(run *model.JobRun, reason string) {
	if run.Address != "" {
		ctx, cancel := context.WithTimeout(context.Background(), s.rpcTimeout())
		defer cancel()
		if _, err := s.client.Kill(ctx, run.Address, run.JobId); err != nil {
			logger.Warn("kill rpc failed", zap.String("run", run.RunId), zap.String("address", run.Address), zap.Error(err))
		}
	}
	_, applied, err := s.storage.TransitionJobRun(run.RunId, []model.RunState{model.RUN_PENDING, model.RUN_RUNNING}, func(r *model.JobRun) {
		r.State = model.RUN_KILLED
		r.HandleMsg = reason
		r.FinishedAt = time.Now()
	})
	if err != nil {
		logger.Error("error marking run killed", zap.String("run", run.RunId), zap.Error(err))
		return
	}
	if !applied {
		return
	}
	logger.Info("run killed", zap.String("run", run.RunId), zap.Int64("job", run.JobId), zap.String("reason", reason))
	if run.WorkflowRunId != "" {
		// a killed node can never release its successors, so the owning
		// workflow run is closed the same way a terminal failure closes it
		applied, err := s.storage.TransitionWorkflowRun(run.WorkflowRunId, []model.RunState{model.RUN_RUNNING}, model.RUN_FAILED)
		if err != nil {
			logger.Error("error failing workflow run", zap.String("workflowRun", run.WorkflowRunId), zap.Error(err))
			return
		}
		if applied {
			logger.Info("workflow run failed", zap.String("workflowRun", run.WorkflowRunId), zap.Int64("job", run.JobId))
		}
	}
}

func (s *TriggerScheduler) submit(req dispatchRequest) {
	s.workerMu.Lock()
	w := s.workers[int(s.nextWorker)%len(s.workers)]
	s.nextWorker++
	s.workerMu.Unlock()
	w.Sender() <- req
}

func (s *TriggerScheduler) handleDispatch(task util.Task) error {
	req, ok := task.(dispatchRequest)
	if !ok {
		return fmt.Errorf("unexpected dispatch task type %T", task)
	}
	s.dispatch(req)
	return nil
}

func (s *TriggerScheduler) rpcTimeout() time.Duration {
	if s.conf.RpcTimeout > 0 {
		return s.conf.RpcTimeout
	}
	return 10 * time.Second
}

// dispatch routes and fires one trigger attempt. A routing failure and a
// transport failure consume a retry attempt identically.
func (s *TriggerScheduler) dispatch(req dispatchRequest) {
	job := req.job
	param := &api.TriggerParam{
		JobId:           job.Id,
		LogId:           req.runId,
		JobParams:       job.JobParams,
		ExecutorGroupId: job.ExecutorGroupId,
		ExecutorHandler: job.ExecutorHandler,
		WorkflowRunId:   req.workflowRunId,
		RetryAttempt:    req.attempt,
		TimeoutSeconds:  job.TimeoutSeconds,
		Ephemeral:       req.ephemeral,
	}

	addresses := s.registry.LiveAddresses(job.ExecutorGroupId)
	router := s.routerFor(job.RouteStrategy)
	ctx, cancel := context.WithTimeout(context.Background(), s.rpcTimeout())
	defer cancel()

	address, trace, err := router.Route(ctx, param, addresses)
	if err != nil {
		detail := err.Error()
		if trace != "" {
			detail = trace
		}
		s.retryOrFail(req, detail)
		return
	}

	ret, err := s.client.Trigger(ctx, address, param)
	if err != nil {
		s.retryOrFail(req, err.Error())
		return
	}
	if !ret.IsSuccess() {
		s.retryOrFail(req, ret.Msg)
		return
	}

	_, applied, err := s.storage.TransitionJobRun(req.runId, []model.RunState{model.RUN_PENDING}, func(r *model.JobRun) {
		r.State = model.RUN_RUNNING
		r.Address = address
		r.RetryAttempt = req.attempt
	})
	if err != nil {
		logger.Error("error marking run running", zap.String("run", req.runId), zap.Error(err))
		return
	}
	if !applied {
		// killed, or a fast callback already finished the run, while the
		// trigger rpc was in flight
		logger.Info("dispatched run no longer pending", zap.String("run", req.runId))
		return
	}
	logger.Info("trigger dispatched", zap.Int64("job", job.Id), zap.String("run", req.runId), zap.String("address", address), zap.Int("attempt", req.attempt))
}

func (s *TriggerScheduler) retryOrFail(req dispatchRequest, detail string) {
	job := req.job
	if req.attempt >= job.Retry.MaxRetries+1 {
		msg := fmt.Sprintf("retries exhausted after %d attempts: %s", req.attempt, detail)
		_, applied, err := s.storage.TransitionJobRun(req.runId, []model.RunState{model.RUN_PENDING}, func(r *model.JobRun) {
			r.State = model.RUN_FAILED
			r.HandleMsg = msg
			r.FinishedAt = time.Now()
		})
		if err != nil {
			logger.Error("error marking run failed", zap.String("run", req.runId), zap.Error(err))
			return
		}
		if !applied {
			// a callback or kill already finished the run
			logger.Info("terminal retry skipped, run already finished", zap.String("run", req.runId))
			return
		}
		logger.Error("trigger failed terminally", zap.Int64("job", job.Id), zap.String("run", req.runId), zap.String("detail", detail))
		if req.ephemeral {
			if err := s.storage.DeleteJobRun(req.runId); err != nil {
				logger.Error("error deleting debug run", zap.String("run", req.runId), zap.Error(err))
			}
			return
		}
		if req.workflowRunId != "" {
			if _, err := s.storage.TransitionWorkflowRun(req.workflowRunId, []model.RunState{model.RUN_RUNNING}, model.RUN_FAILED); err != nil {
				logger.Error("error failing workflow run", zap.String("workflowRun", req.workflowRunId), zap.Error(err))
			}
		}
		s.RescheduleAfterCompletion(job.Id)
		return
	}
	next := req
	next.attempt++
	delay := backoff.ForPolicy(job.Retry).Delay(req.attempt, job.Retry.BaseInterval)
	logger.Info("trigger attempt failed, retrying", zap.Int64("job", job.Id), zap.String("run", req.runId), zap.Int("attempt", req.attempt), zap.Duration("delay", delay), zap.String("detail", detail))
	s.timers.AddTask(func() {
		_, applied, err := s.storage.TransitionJobRun(req.runId, []model.RunState{model.RUN_PENDING}, func(r *model.JobRun) {
			r.RetryAttempt = next.attempt
		})
		if err != nil || !applied {
			// killed or otherwise finished while waiting
			return
		}
		s.submit(next)
	}, delay)
}
