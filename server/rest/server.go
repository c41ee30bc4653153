package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mohitkumar/dagjob/logger"
	"github.com/mohitkumar/dagjob/server/persistence"
	"github.com/mohitkumar/dagjob/server/registry"
	"github.com/mohitkumar/dagjob/server/rpc"
	"github.com/mohitkumar/dagjob/server/scheduler"
	"github.com/mohitkumar/dagjob/server/tracker"
	"go.uber.org/zap"
)

// Server is the admin http surface. It carries job and workflow
// authoring, manual triggers, run inspection, and the executor-facing
// registry and callback endpoints.
type Server struct {
	http.Server
	Port       int
	storage    persistence.Storage
	scheduler  *scheduler.TriggerScheduler
	tracker    *tracker.RunStateTracker
	registry   *registry.ExecutorRegistry
	client     rpc.ExecutorClient
	rpcTimeout time.Duration
}

func NewServer(httpPort int, storage persistence.Storage, sched *scheduler.TriggerScheduler,
	trk *tracker.RunStateTracker, reg *registry.ExecutorRegistry, client rpc.ExecutorClient,
	rpcTimeout time.Duration) (*Server, error) {

	s := &Server{
		Server: http.Server{
			Addr: fmt.Sprintf(":%d", httpPort),
		},
		Port:       httpPort,
		storage:    storage,
		scheduler:  sched,
		tracker:    trk,
		registry:   reg,
		client:     client,
		rpcTimeout: rpcTimeout,
	}

	router := mux.NewRouter()
	router.HandleFunc("/job", s.HandleCreateJob).Methods(http.MethodPost)
	router.HandleFunc("/job/{jobId}", s.HandleGetJob).Methods(http.MethodGet)
	router.HandleFunc("/workflow", s.HandleCreateWorkflow).Methods(http.MethodPost)
	router.HandleFunc("/workflow/{workflowId}", s.HandleGetWorkflow).Methods(http.MethodGet)
	router.HandleFunc("/workflow/{workflowId}/execute", s.HandleExecuteWorkflow).Methods(http.MethodPost)
	router.HandleFunc("/group", s.HandleCreateGroup).Methods(http.MethodPost)
	router.HandleFunc("/trigger/{jobId}", s.HandleTriggerJob).Methods(http.MethodPost)
	router.HandleFunc("/trigger/{jobId}/cascade", s.HandleTriggerCascade).Methods(http.MethodPost)
	router.HandleFunc("/trigger/{jobId}/debug", s.HandleTriggerDebug).Methods(http.MethodPost)
	router.HandleFunc("/run/{runId}", s.HandleGetRun).Methods(http.MethodGet)
	router.HandleFunc("/run/{runId}/kill", s.HandleKillRun).Methods(http.MethodPost)
	router.HandleFunc("/workflowRun/{runId}", s.HandleGetWorkflowRun).Methods(http.MethodGet)
	router.HandleFunc("/joblog/{logId}", s.HandleJobLog).Methods(http.MethodGet)

	// executor wire contract
	router.HandleFunc("/api/registry", s.HandleRegistry).Methods(http.MethodPost)
	router.HandleFunc("/api/registryRemove", s.HandleRegistryRemove).Methods(http.MethodPost)
	router.HandleFunc("/api/callback", s.HandleCallback).Methods(http.MethodPost)
	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server on", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.Shutdown(ctx)
	if err != nil {
		logger.Error("error shutting down http server")
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Info(r.RequestURI)
		next.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondOK(w http.ResponseWriter, message string) {
	respondWithJSON(w, http.StatusOK, map[string]string{"message": message})
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
