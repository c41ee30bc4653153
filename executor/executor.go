package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	api "github.com/mohitkumar/dagjob/api/v1"
	"github.com/mohitkumar/dagjob/logger"
	"github.com/mohitkumar/dagjob/util"
	"go.uber.org/zap"
)

// JobContext is what a handler sees of one trigger. Log lines written
// through it are served back to the admin through the /log endpoint.
type JobContext struct {
	LogId        string
	JobId        int64
	Params       string
	RetryAttempt int

	logs *logStore
}

func (jc *JobContext) Log(format string, args ...any) {
	jc.logs.append(jc.LogId, format, args...)
}

// JobHandler executes one trigger. The context is cancelled on kill and
// on timeout; a handler that honors it stops promptly, one that does not
// still gets its run marked killed on the admin side.
type JobHandler func(ctx context.Context, jc *JobContext) (map[string]any, error)

// Executor runs triggers for one executor group. Triggers serialize per
// job id: each job gets its own run loop and queue, so two jobs never
// block each other while one job's triggers run in order.
type Executor struct {
	conf      Config
	logs      *logStore
	callbacks *callbackPusher

	handlerMu sync.RWMutex
	handlers  map[string]JobHandler

	runnerMu sync.Mutex
	runners  map[int64]*jobRunner

	logSweeper *util.TickWorker
	wg         *sync.WaitGroup
}

func NewExecutor(conf Config, admin *adminClient, wg *sync.WaitGroup) *Executor {
	e := &Executor{
		conf:      conf,
		logs:      newLogStore(time.Hour),
		callbacks: newCallbackPusher(conf, admin, wg),
		handlers:  make(map[string]JobHandler),
		runners:   make(map[int64]*jobRunner),
		wg:        wg,
	}
	e.logSweeper = util.NewTickWorker("log-sweep", 10*time.Minute, e.logs.sweep, wg)
	return e
}

func (e *Executor) RegisterHandler(name string, handler JobHandler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.handlers[name] = handler
}

func (e *Executor) Start() {
	e.callbacks.Start()
	e.logSweeper.Start()
}

func (e *Executor) Stop() {
	e.runnerMu.Lock()
	for _, r := range e.runners {
		r.shutdown()
	}
	e.runners = make(map[int64]*jobRunner)
	e.runnerMu.Unlock()
	if e.logSweeper.IsRunning() {
		e.logSweeper.Stop()
	}
	e.callbacks.Stop()
}

// Run accepts one trigger onto the job's queue. A full queue rejects the
// trigger; the admin side treats that as a dispatch failure and retries
// per the job's policy.
func (e *Executor) Run(param *api.TriggerParam) error {
	e.handlerMu.RLock()
	handler, ok := e.handlers[param.ExecutorHandler]
	e.handlerMu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler registered for %s", param.ExecutorHandler)
	}
	runner := e.runnerFor(param.JobId)
	select {
	case runner.queue <- &queuedRun{param: param, handler: handler}:
		return nil
	default:
		return fmt.Errorf("job %d trigger queue is full", param.JobId)
	}
}

// Kill cancels the job's in-flight run and fails everything queued
// behind it.
func (e *Executor) Kill(jobId int64) {
	e.runnerMu.Lock()
	runner, ok := e.runners[jobId]
	if ok {
		delete(e.runners, jobId)
	}
	e.runnerMu.Unlock()
	if !ok {
		return
	}
	drained := runner.shutdown()
	for _, qr := range drained {
		e.callbacks.Push(api.HandleCallbackParam{
			LogId:      qr.param.LogId,
			HandleCode: api.FailCode,
			HandleMsg:  "killed before execution",
		})
	}
	logger.Info("job killed", zap.Int64("job", jobId), zap.Int("drained", len(drained)))
}

// Idle reports whether the job has neither a running nor a queued
// trigger.
func (e *Executor) Idle(jobId int64) bool {
	e.runnerMu.Lock()
	runner, ok := e.runners[jobId]
	e.runnerMu.Unlock()
	if !ok {
		return true
	}
	return runner.idle()
}

func (e *Executor) ReadLog(logId string, fromLineNum int) *api.LogResult {
	return e.logs.read(logId, fromLineNum)
}

func (e *Executor) runnerFor(jobId int64) *jobRunner {
	e.runnerMu.Lock()
	defer e.runnerMu.Unlock()
	runner, ok := e.runners[jobId]
	if !ok {
		runner = newJobRunner(jobId, e, e.conf.queueCapacity())
		e.runners[jobId] = runner
		runner.start()
	}
	return runner
}

type queuedRun struct {
	param   *api.TriggerParam
	handler JobHandler
}

type jobRunner struct {
	jobId int64
	exec  *Executor
	queue chan *queuedRun
	stop  chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

func newJobRunner(jobId int64, exec *Executor, capacity int) *jobRunner {
	return &jobRunner{
		jobId: jobId,
		exec:  exec,
		queue: make(chan *queuedRun, capacity),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (r *jobRunner) start() {
	r.exec.wg.Add(1)
	go func() {
		defer r.exec.wg.Done()
		defer close(r.done)
		for {
			select {
			case <-r.stop:
				return
			case qr := <-r.queue:
				r.runOne(qr)
			}
		}
	}()
}

// shutdown stops the loop, cancels the in-flight run and returns what
// was still queued.
func (r *jobRunner) shutdown() []*queuedRun {
	close(r.stop)
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	<-r.done
	var drained []*queuedRun
	for {
		select {
		case qr := <-r.queue:
			drained = append(drained, qr)
		default:
			return drained
		}
	}
}

func (r *jobRunner) idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.running && len(r.queue) == 0
}

func (r *jobRunner) runOne(qr *queuedRun) {
	param := qr.param
	ctx := context.Background()
	var cancel context.CancelFunc
	if param.TimeoutSeconds > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(param.TimeoutSeconds)*time.Second)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	r.mu.Lock()
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		r.cancel = nil
		r.running = false
		r.mu.Unlock()
	}()

	jc := &JobContext{
		LogId:        param.LogId,
		JobId:        param.JobId,
		Params:       param.JobParams,
		RetryAttempt: param.RetryAttempt,
		logs:         r.exec.logs,
	}
	jc.Log("job %d started, handler=%s attempt=%d", param.JobId, param.ExecutorHandler, param.RetryAttempt)

	output, err := r.execute(ctx, qr.handler, jc)
	cb := api.HandleCallbackParam{LogId: param.LogId}
	if err != nil {
		jc.Log("job failed: %v", err)
		cb.HandleCode = api.FailCode
		cb.HandleMsg = err.Error()
	} else {
		jc.Log("job finished")
		cb.HandleCode = api.SuccessCode
		cb.Output = output
	}
	r.exec.logs.finish(param.LogId)
	if param.Ephemeral {
		// debug runs report like any other; only the admin side
		// decides not to keep them
		logger.Debug("debug run finished", zap.String("run", param.LogId))
	}
	r.exec.callbacks.Push(cb)
}

// execute isolates handler panics so one bad handler cannot take the
// run loop down.
func (r *jobRunner) execute(ctx context.Context, handler JobHandler, jc *JobContext) (output map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("handler panic", zap.Int64("job", jc.JobId), zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(ctx, jc)
}
