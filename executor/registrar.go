package executor

import (
	"context"
	"sync"
	"time"

	api "github.com/mohitkumar/dagjob/api/v1"
	"github.com/mohitkumar/dagjob/logger"
	"github.com/mohitkumar/dagjob/util"
	"go.uber.org/zap"
)

// registrar announces this executor to the admin on a heartbeat cadence
// and withdraws it on shutdown. A missed beat is only logged; the admin
// evicts the address itself once the lease ages out.
type registrar struct {
	conf   Config
	admin  *adminClient
	beater *util.TickWorker
}

func newRegistrar(conf Config, admin *adminClient, wg *sync.WaitGroup) *registrar {
	r := &registrar{
		conf:  conf,
		admin: admin,
	}
	r.beater = util.NewTickWorker("registry-beat", conf.beatInterval(), r.beat, wg)
	return r
}

func (r *registrar) param() *api.RegistryParam {
	return &api.RegistryParam{GroupId: r.conf.GroupId, Address: r.conf.Address}
}

func (r *registrar) Start() {
	// register immediately, the first tick is a full interval away
	r.beat()
	r.beater.Start()
}

func (r *registrar) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.admin.Registry(ctx, r.param()); err != nil {
		logger.Warn("registry heartbeat failed", zap.String("address", r.conf.Address), zap.Error(err))
	}
}

func (r *registrar) Stop() {
	if r.beater.IsRunning() {
		r.beater.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.admin.RegistryRemove(ctx, r.param()); err != nil {
		logger.Warn("registry remove failed", zap.String("address", r.conf.Address), zap.Error(err))
	}
}
