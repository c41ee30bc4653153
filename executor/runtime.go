package executor

import (
	"fmt"
	"sync"

	"github.com/mohitkumar/dagjob/logger"
)

// Runtime assembles one executor process: the admin client, the
// executor core, the heartbeat registrar and the http surface.
type Runtime struct {
	conf      Config
	admin     *adminClient
	executor  *Executor
	registrar *registrar
	server    *Server

	shutdown     bool
	shutdownLock sync.Mutex
	wg           sync.WaitGroup
}

func NewRuntime(conf Config) (*Runtime, error) {
	if len(conf.AdminAddresses) == 0 {
		return nil, fmt.Errorf("at least one admin address is required")
	}
	if conf.GroupId <= 0 {
		return nil, fmt.Errorf("group id must be positive")
	}
	r := &Runtime{conf: conf}
	r.admin = newAdminClient(conf.AdminAddresses, 0)
	r.executor = NewExecutor(conf, r.admin, &r.wg)
	r.registrar = newRegistrar(conf, r.admin, &r.wg)
	r.server = NewServer(conf.HttpPort, r.executor)
	return r, nil
}

func (r *Runtime) Executor() *Executor {
	return r.executor
}

func (r *Runtime) Start() error {
	r.executor.Start()
	r.registrar.Start()
	go func() {
		if err := r.server.Start(); err != nil {
			_ = r.Shutdown()
		}
	}()
	return nil
}

func (r *Runtime) Shutdown() error {
	logger.Info("shutting down executor")
	r.shutdownLock.Lock()
	defer r.shutdownLock.Unlock()
	if r.shutdown {
		return nil
	}
	r.shutdown = true

	// withdraw from the registry before refusing new triggers
	r.registrar.Stop()
	if err := r.server.Stop(); err != nil {
		logger.Error("error stopping executor http server")
	}
	r.executor.Stop()
	r.wg.Wait()
	return nil
}
