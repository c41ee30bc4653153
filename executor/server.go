package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	api "github.com/mohitkumar/dagjob/api/v1"
	"github.com/mohitkumar/dagjob/logger"
	"go.uber.org/zap"
)

// Server is the executor's wire surface, called only by the admin. Every
// response is http 200 with a ReturnT body; failures ride in the code
// field.
type Server struct {
	http.Server
	Port     int
	executor *Executor
}

func NewServer(httpPort int, exec *Executor) *Server {
	s := &Server{
		Server: http.Server{
			Addr: fmt.Sprintf(":%d", httpPort),
		},
		Port:     httpPort,
		executor: exec,
	}
	router := mux.NewRouter()
	router.HandleFunc("/run", s.HandleRun).Methods(http.MethodPost)
	router.HandleFunc("/kill", s.HandleKill).Methods(http.MethodPost)
	router.HandleFunc("/idleBeat", s.HandleIdleBeat).Methods(http.MethodPost)
	router.HandleFunc("/log", s.HandleLog).Methods(http.MethodPost)
	router.HandleFunc("/beat", s.HandleBeat).Methods(http.MethodPost)
	s.Handler = router
	return s
}

func (s *Server) Start() error {
	logger.Info("starting executor http server on", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping executor http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) HandleRun(w http.ResponseWriter, r *http.Request) {
	var param api.TriggerParam
	if err := json.NewDecoder(r.Body).Decode(&param); err != nil {
		respond(w, api.Fail("invalid trigger payload"))
		return
	}
	defer r.Body.Close()
	if err := s.executor.Run(&param); err != nil {
		logger.Warn("trigger rejected", zap.Int64("job", param.JobId), zap.Error(err))
		respond(w, api.Fail(err.Error()))
		return
	}
	respond(w, api.Success(nil))
}

func (s *Server) HandleKill(w http.ResponseWriter, r *http.Request) {
	var param api.KillParam
	if err := json.NewDecoder(r.Body).Decode(&param); err != nil {
		respond(w, api.Fail("invalid kill payload"))
		return
	}
	defer r.Body.Close()
	s.executor.Kill(param.JobId)
	respond(w, api.Success(nil))
}

func (s *Server) HandleIdleBeat(w http.ResponseWriter, r *http.Request) {
	var param api.IdleBeatParam
	if err := json.NewDecoder(r.Body).Decode(&param); err != nil {
		respond(w, api.Fail("invalid idleBeat payload"))
		return
	}
	defer r.Body.Close()
	if !s.executor.Idle(param.JobId) {
		respond(w, api.Fail("job thread is running or has queued triggers"))
		return
	}
	respond(w, api.Success(nil))
}

func (s *Server) HandleLog(w http.ResponseWriter, r *http.Request) {
	var param api.LogParam
	if err := json.NewDecoder(r.Body).Decode(&param); err != nil {
		respond(w, api.Fail("invalid log payload"))
		return
	}
	defer r.Body.Close()
	respond(w, api.Success(s.executor.ReadLog(param.LogId, param.FromLineNum)))
}

func (s *Server) HandleBeat(w http.ResponseWriter, r *http.Request) {
	respond(w, api.Success(nil))
}

func respond(w http.ResponseWriter, ret api.ReturnT) {
	response, _ := json.Marshal(ret)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(response)
}
