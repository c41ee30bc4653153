package executor

import (
	"context"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	api "github.com/mohitkumar/dagjob/api/v1"
	"github.com/mohitkumar/dagjob/logger"
	"github.com/mohitkumar/dagjob/util"
	"go.uber.org/zap"
)

// callbackPusher delivers run results to the admin. Results queue on a
// worker and each is retried with a constant backoff; a result that
// still cannot be delivered is dropped and logged, the admin's timeout
// handling owns the run from there.
type callbackPusher struct {
	conf   Config
	admin  *adminClient
	worker *util.Worker
}

func newCallbackPusher(conf Config, admin *adminClient, wg *sync.WaitGroup) *callbackPusher {
	cp := &callbackPusher{
		conf:  conf,
		admin: admin,
	}
	cp.worker = util.NewWorker("callback-push", wg, cp.push, 1024)
	return cp
}

func (cp *callbackPusher) Start() {
	cp.worker.Start()
}

func (cp *callbackPusher) Stop() {
	cp.worker.Stop()
}

func (cp *callbackPusher) Push(cb api.HandleCallbackParam) {
	cp.worker.Sender() <- cb
}

func (cp *callbackPusher) push(task util.Task) error {
	cb, ok := task.(api.HandleCallbackParam)
	if !ok {
		return nil
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(cp.conf.callbackRetryInterval()), cp.conf.callbackRetryMax())
	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return cp.admin.Callback(ctx, []api.HandleCallbackParam{cb})
	}, b)
	if err != nil {
		logger.Error("dropping undeliverable callback", zap.String("run", cb.LogId), zap.Error(err))
	}
	return err
}
