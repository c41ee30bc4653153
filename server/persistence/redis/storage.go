package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	rd "github.com/go-redis/redis/v9"
	"github.com/mohitkumar/dagjob/logger"
	"github.com/mohitkumar/dagjob/server/model"
	"github.com/mohitkumar/dagjob/server/persistence"
	"github.com/mohitkumar/dagjob/util"
	"go.uber.org/zap"
)

// Storage is the redis-backed persistence implementation. Definitions and
// runs are JSON values under namespaced keys; the due index is a sorted
// set scored by next trigger time; per-job and per-workflow-run membership
// sets make the active-run and aggregation queries cheap.
type Storage struct {
	*baseDao
	jobEncDec   util.EncoderDecoder[model.JobDefinition]
	wfEncDec    util.EncoderDecoder[model.Workflow]
	groupEncDec util.EncoderDecoder[model.ExecutorGroup]
	runEncDec   util.EncoderDecoder[model.JobRun]
	wfRunEncDec util.EncoderDecoder[model.WorkflowRun]
}

var _ persistence.Storage = new(Storage)

func NewStorage(conf Config) *Storage {
	return &Storage{
		baseDao:     newBaseDao(conf),
		jobEncDec:   util.NewJsonEncoderDecoder[model.JobDefinition](),
		wfEncDec:    util.NewJsonEncoderDecoder[model.Workflow](),
		groupEncDec: util.NewJsonEncoderDecoder[model.ExecutorGroup](),
		runEncDec:   util.NewJsonEncoderDecoder[model.JobRun](),
		wfRunEncDec: util.NewJsonEncoderDecoder[model.WorkflowRun](),
	}
}

const (
	jobCf     = "job"
	wfCf      = "workflow"
	wfJobsCf  = "workflow_jobs"
	groupCf   = "group"
	dueCf     = "due"
	runCf     = "run"
	activeCf  = "active"
	wfRunCf   = "wfrun"
	wfRunsCf  = "wfrun_runs"
)

func (s *Storage) SaveJob(job *model.JobDefinition) error {
	ctx := context.Background()
	data, err := s.jobEncDec.Encode(*job)
	if err != nil {
		return err
	}
	pipe := s.redisClient.Pipeline()
	pipe.Set(ctx, s.getNamespaceKey(jobCf, itoa(job.Id)), data, 0)
	pipe.SAdd(ctx, s.getNamespaceKey(wfJobsCf, itoa(job.WorkflowId)), job.Id)
	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Storage) GetJob(jobId int64) (*model.JobDefinition, error) {
	ctx := context.Background()
	data, err := s.redisClient.Get(ctx, s.getNamespaceKey(jobCf, itoa(jobId))).Bytes()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Kind: "job", Id: itoa(jobId)}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return s.jobEncDec.Decode(data)
}

func (s *Storage) SaveWorkflow(wf *model.Workflow) error {
	ctx := context.Background()
	data, err := s.wfEncDec.Encode(*wf)
	if err != nil {
		return err
	}
	if err := s.redisClient.Set(ctx, s.getNamespaceKey(wfCf, itoa(wf.Id)), data, 0).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Storage) GetWorkflow(workflowId int64) (*model.Workflow, error) {
	ctx := context.Background()
	data, err := s.redisClient.Get(ctx, s.getNamespaceKey(wfCf, itoa(workflowId))).Bytes()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Kind: "workflow", Id: itoa(workflowId)}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return s.wfEncDec.Decode(data)
}

func (s *Storage) GetWorkflowJobs(workflowId int64) ([]*model.JobDefinition, error) {
	ctx := context.Background()
	ids, err := s.redisClient.SMembers(ctx, s.getNamespaceKey(wfJobsCf, itoa(workflowId))).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	jobs := make([]*model.JobDefinition, 0, len(ids))
	for _, idStr := range ids {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		job, err := s.GetJob(id)
		if err != nil {
			logger.Error("workflow job missing", zap.Int64("workflow", workflowId), zap.String("job", idStr), zap.Error(err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *Storage) GetExecutorGroup(groupId int64) (*model.ExecutorGroup, error) {
	ctx := context.Background()
	data, err := s.redisClient.Get(ctx, s.getNamespaceKey(groupCf, itoa(groupId))).Bytes()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Kind: "executor group", Id: itoa(groupId)}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return s.groupEncDec.Decode(data)
}

func (s *Storage) SaveExecutorGroup(group *model.ExecutorGroup) error {
	ctx := context.Background()
	data, err := s.groupEncDec.Encode(*group)
	if err != nil {
		return err
	}
	if err := s.redisClient.Set(ctx, s.getNamespaceKey(groupCf, itoa(group.Id)), data, 0).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Storage) LoadDueJobs(now time.Time, limit int) ([]*model.JobDefinition, error) {
	ctx := context.Background()
	opt := &rd.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := s.redisClient.ZRangeByScore(ctx, s.getNamespaceKey(dueCf), opt).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	jobs := make([]*model.JobDefinition, 0, len(ids))
	for _, idStr := range ids {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		job, err := s.GetJob(id)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *Storage) SetNextTriggerTime(jobId int64, next time.Time) error {
	ctx := context.Background()
	key := s.getNamespaceKey(dueCf)
	if next.IsZero() {
		if err := s.redisClient.ZRem(ctx, key, itoa(jobId)).Err(); err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
		return nil
	}
	member := rd.Z{Score: float64(next.UnixMilli()), Member: itoa(jobId)}
	if err := s.redisClient.ZAdd(ctx, key, member).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Storage) SaveJobRun(run *model.JobRun) error {
	ctx := context.Background()
	data, err := s.runEncDec.Encode(*run)
	if err != nil {
		return err
	}
	pipe := s.redisClient.Pipeline()
	pipe.Set(ctx, s.getNamespaceKey(runCf, run.RunId), data, 0)
	if run.State.IsTerminal() {
		pipe.SRem(ctx, s.getNamespaceKey(activeCf, itoa(run.JobId)), run.RunId)
	} else {
		pipe.SAdd(ctx, s.getNamespaceKey(activeCf, itoa(run.JobId)), run.RunId)
	}
	if run.WorkflowRunId != "" {
		pipe.SAdd(ctx, s.getNamespaceKey(wfRunsCf, run.WorkflowRunId), run.RunId)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Storage) GetJobRun(runId string) (*model.JobRun, error) {
	ctx := context.Background()
	data, err := s.redisClient.Get(ctx, s.getNamespaceKey(runCf, runId)).Bytes()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Kind: "job run", Id: runId}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return s.runEncDec.Decode(data)
}

func (s *Storage) ActiveRuns(jobId int64) ([]*model.JobRun, error) {
	ctx := context.Background()
	runIds, err := s.redisClient.SMembers(ctx, s.getNamespaceKey(activeCf, itoa(jobId))).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	runs := make([]*model.JobRun, 0, len(runIds))
	for _, runId := range runIds {
		run, err := s.GetJobRun(runId)
		if err != nil {
			continue
		}
		if !run.State.IsTerminal() {
			runs = append(runs, run)
		}
	}
	return runs, nil
}

// TransitionJobRun runs an optimistic WATCH transaction on the run key so
// a late callback and a concurrent kill cannot both win.
func (s *Storage) TransitionJobRun(runId string, expected []model.RunState, mutate func(*model.JobRun)) (*model.JobRun, bool, error) {
	ctx := context.Background()
	key := s.getNamespaceKey(runCf, runId)
	var result *model.JobRun
	applied := false

	txn := func(tx *rd.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, rd.Nil) {
				return persistence.NotFoundError{Kind: "job run", Id: runId}
			}
			return err
		}
		run, err := s.runEncDec.Decode(data)
		if err != nil {
			return err
		}
		if !persistence.StateIn(run.State, expected) {
			result = run
			applied = false
			return nil
		}
		mutate(run)
		updated, err := s.runEncDec.Encode(*run)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			if run.State.IsTerminal() {
				pipe.SRem(ctx, s.getNamespaceKey(activeCf, itoa(run.JobId)), run.RunId)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = run
		applied = true
		return nil
	}

	for i := 0; i < 5; i++ {
		err := s.redisClient.Watch(ctx, txn, key)
		if err == nil {
			return result, applied, nil
		}
		if errors.Is(err, rd.TxFailedErr) {
			continue
		}
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			return nil, false, nf
		}
		return nil, false, persistence.StorageLayerError{Message: err.Error()}
	}
	return nil, false, persistence.StorageLayerError{Message: "job run transition contention on " + runId}
}

func (s *Storage) DeleteJobRun(runId string) error {
	ctx := context.Background()
	run, err := s.GetJobRun(runId)
	if err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			return nil
		}
		return err
	}
	pipe := s.redisClient.Pipeline()
	pipe.Del(ctx, s.getNamespaceKey(runCf, runId))
	pipe.SRem(ctx, s.getNamespaceKey(activeCf, itoa(run.JobId)), runId)
	if run.WorkflowRunId != "" {
		pipe.SRem(ctx, s.getNamespaceKey(wfRunsCf, run.WorkflowRunId), runId)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Storage) RunsForWorkflowRun(workflowRunId string) ([]*model.JobRun, error) {
	ctx := context.Background()
	runIds, err := s.redisClient.SMembers(ctx, s.getNamespaceKey(wfRunsCf, workflowRunId)).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	runs := make([]*model.JobRun, 0, len(runIds))
	for _, runId := range runIds {
		run, err := s.GetJobRun(runId)
		if err != nil {
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *Storage) SaveWorkflowRun(run *model.WorkflowRun) error {
	ctx := context.Background()
	data, err := s.wfRunEncDec.Encode(*run)
	if err != nil {
		return err
	}
	if err := s.redisClient.Set(ctx, s.getNamespaceKey(wfRunCf, run.RunId), data, 0).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Storage) GetWorkflowRun(runId string) (*model.WorkflowRun, error) {
	ctx := context.Background()
	data, err := s.redisClient.Get(ctx, s.getNamespaceKey(wfRunCf, runId)).Bytes()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Kind: "workflow run", Id: runId}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return s.wfRunEncDec.Decode(data)
}

func (s *Storage) TransitionWorkflowRun(runId string, expected []model.RunState, to model.RunState) (bool, error) {
	ctx := context.Background()
	key := s.getNamespaceKey(wfRunCf, runId)
	applied := false
	txn := func(tx *rd.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, rd.Nil) {
				return persistence.NotFoundError{Kind: "workflow run", Id: runId}
			}
			return err
		}
		run, err := s.wfRunEncDec.Decode(data)
		if err != nil {
			return err
		}
		if !persistence.StateIn(run.State, expected) {
			applied = false
			return nil
		}
		run.State = to
		if to.IsTerminal() {
			run.FinishedAt = time.Now()
		}
		updated, err := s.wfRunEncDec.Encode(*run)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}
	for i := 0; i < 5; i++ {
		err := s.redisClient.Watch(ctx, txn, key)
		if err == nil {
			return applied, nil
		}
		if errors.Is(err, rd.TxFailedErr) {
			continue
		}
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			return false, nf
		}
		return false, persistence.StorageLayerError{Message: err.Error()}
	}
	return false, persistence.StorageLayerError{Message: "workflow run transition contention on " + runId}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
