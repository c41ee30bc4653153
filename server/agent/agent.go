package agent

import (
	"sync"
	"time"

	"github.com/mohitkumar/dagjob/logger"
	"github.com/mohitkumar/dagjob/server/analytics"
	"github.com/mohitkumar/dagjob/server/config"
	"github.com/mohitkumar/dagjob/server/persistence"
	"github.com/mohitkumar/dagjob/server/persistence/inmem"
	rds "github.com/mohitkumar/dagjob/server/persistence/redis"
	"github.com/mohitkumar/dagjob/server/registry"
	"github.com/mohitkumar/dagjob/server/rest"
	"github.com/mohitkumar/dagjob/server/rpc"
	"github.com/mohitkumar/dagjob/server/scheduler"
	"github.com/mohitkumar/dagjob/server/timers"
	"github.com/mohitkumar/dagjob/server/tracker"
)

// Agent assembles the admin process: storage, executor registry, rpc
// client, retry timers, trigger scheduler, run-state tracker and the
// http surface.
type Agent struct {
	Config config.Config

	storage      persistence.Storage
	registry     *registry.ExecutorRegistry
	client       rpc.ExecutorClient
	timers       *timers.TimerManager
	scheduler    *scheduler.TriggerScheduler
	tracker      *tracker.RunStateTracker
	httpServer   *rest.Server
	shutdown     bool
	shutdowns    chan struct{}
	shutdownLock sync.Mutex
	wg           sync.WaitGroup
}

func New(config config.Config) (*Agent, error) {
	a := &Agent{
		Config:    config,
		shutdowns: make(chan struct{}),
	}
	setup := []func() error{
		a.setupStorage,
		a.setupRegistry,
		a.setupRpcClient,
		a.setupTimers,
		a.setupScheduler,
		a.setupTracker,
		a.setupHttpServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupStorage() error {
	switch a.Config.StorageType {
	case config.STORAGE_TYPE_REDIS:
		a.storage = rds.NewStorage(rds.Config{
			Addrs:     a.Config.RedisConfig.Addrs,
			Namespace: a.Config.RedisConfig.Namespace,
		})
	default:
		a.storage = inmem.NewStorage()
	}
	return nil
}

func (a *Agent) setupRegistry() error {
	deadTimeout := a.Config.RegistryDeadTimeout
	if deadTimeout <= 0 {
		deadTimeout = registry.DeadTimeout
	}
	a.registry = registry.NewExecutorRegistry(deadTimeout, &a.wg)
	a.registry.Start()
	return nil
}

func (a *Agent) setupRpcClient() error {
	timeout := a.Config.RpcTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	a.client = rpc.NewExecutorClient(timeout)
	return nil
}

func (a *Agent) setupTimers() error {
	maxDelay := a.Config.MaxTimerDelaySeconds
	if maxDelay <= 0 {
		maxDelay = 24 * 3600
	}
	a.timers = timers.NewTimerManager(maxDelay)
	a.timers.Init()
	return nil
}

func (a *Agent) setupScheduler() error {
	a.scheduler = scheduler.NewTriggerScheduler(a.storage, a.registry, a.client, a.timers, a.Config, &a.wg)
	a.scheduler.Start()
	return nil
}

func (a *Agent) setupTracker() error {
	var audit *analytics.RunAuditCollector
	if a.Config.AuditLogFile != "" {
		var err error
		audit, err = analytics.NewRunAuditCollector(a.Config.AuditLogFile)
		if err != nil {
			return err
		}
	}
	a.tracker = tracker.NewRunStateTracker(a.storage, a.scheduler, audit)
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, a.storage, a.scheduler, a.tracker, a.registry, a.client, a.Config.RpcTimeout)
	if err != nil {
		return err
	}
	return nil
}

func (a *Agent) Start() error {
	var err error
	go func() error {
		err = a.httpServer.Start()
		if err != nil {
			_ = a.Shutdown()
			panic(err)
		}
		return nil
	}()
	return nil
}

func (a *Agent) Shutdown() error {
	logger.Info("shutting down server")
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true
	close(a.shutdowns)

	shutdown := []func() error{
		a.scheduler.Stop,
		func() error {
			a.registry.Stop()
			return nil
		},
		func() error {
			a.timers.Stop()
			return nil
		},
		a.httpServer.Stop,
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	logger.Info("waiting for all services to shutdown...")
	a.wg.Wait()
	return nil
}
