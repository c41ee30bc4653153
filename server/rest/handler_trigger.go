package rest

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	api "github.com/mohitkumar/dagjob/api/v1"
	"github.com/mohitkumar/dagjob/logger"
	"github.com/mohitkumar/dagjob/server/model"
	"github.com/mohitkumar/dagjob/server/scheduler"
)

func (s *Server) HandleTriggerJob(w http.ResponseWriter, r *http.Request) {
	s.trigger(w, r, model.TRIGGER_MANUAL_SINGLE)
}

// HandleTriggerDebug fires a run whose record is dropped once terminal.
func (s *Server) HandleTriggerDebug(w http.ResponseWriter, r *http.Request) {
	s.trigger(w, r, model.TRIGGER_DEBUG)
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request, triggerType model.TriggerType) {
	jobId, ok := pathInt64(w, r, "jobId")
	if !ok {
		return
	}
	run, outcome, err := s.scheduler.TriggerJob(jobId, triggerType, "")
	if err != nil {
		logger.Error("error triggering job", zap.Int64("job", jobId), zap.Error(err))
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if outcome == scheduler.OUTCOME_DISCARDED {
		respondWithJSON(w, http.StatusOK, map[string]string{"outcome": "DISCARDED"})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"outcome": "DISPATCHED", "runId": run.RunId})
}

func (s *Server) HandleTriggerCascade(w http.ResponseWriter, r *http.Request) {
	jobId, ok := pathInt64(w, r, "jobId")
	if !ok {
		return
	}
	workflowRunId, err := s.scheduler.TriggerCascade(jobId)
	if err != nil {
		logger.Error("error triggering cascade", zap.Int64("job", jobId), zap.Error(err))
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"workflowRunId": workflowRunId})
}

func (s *Server) HandleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowId, ok := pathInt64(w, r, "workflowId")
	if !ok {
		return
	}
	workflowRunId, err := s.scheduler.StartWorkflow(workflowId)
	if err != nil {
		logger.Error("error executing workflow", zap.Int64("workflow", workflowId), zap.Error(err))
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"workflowRunId": workflowRunId})
}

func (s *Server) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runId := mux.Vars(r)["runId"]
	run, err := s.storage.GetJobRun(runId)
	if err != nil {
		respondWithError(w, http.StatusNotFound, "run does not exist")
		return
	}
	respondWithJSON(w, http.StatusOK, run)
}

func (s *Server) HandleKillRun(w http.ResponseWriter, r *http.Request) {
	runId := mux.Vars(r)["runId"]
	if err := s.scheduler.KillRun(runId); err != nil {
		respondWithError(w, http.StatusNotFound, "run does not exist")
		return
	}
	respondOK(w, "killed")
}

func (s *Server) HandleGetWorkflowRun(w http.ResponseWriter, r *http.Request) {
	runId := mux.Vars(r)["runId"]
	wfRun, err := s.storage.GetWorkflowRun(runId)
	if err != nil {
		respondWithError(w, http.StatusNotFound, "workflow run does not exist")
		return
	}
	runs, err := s.storage.RunsForWorkflowRun(runId)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "error loading runs")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"workflowRun": wfRun, "runs": runs})
}

// HandleJobLog proxies a log page request to the executor that ran the
// job, identified by the address recorded on the run.
func (s *Server) HandleJobLog(w http.ResponseWriter, r *http.Request) {
	logId := mux.Vars(r)["logId"]
	fromLineNum, _ := strconv.Atoi(r.URL.Query().Get("fromLineNum"))
	run, err := s.storage.GetJobRun(logId)
	if err != nil {
		respondWithError(w, http.StatusNotFound, "run does not exist")
		return
	}
	if run.Address == "" {
		respondWithError(w, http.StatusBadRequest, "run was never dispatched")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.rpcTimeout)
	defer cancel()
	result, err := s.client.Log(ctx, run.Address, &api.LogParam{LogId: logId, FromLineNum: fromLineNum})
	if err != nil {
		logger.Error("error fetching job log", zap.String("run", logId), zap.String("address", run.Address), zap.Error(err))
		respondWithError(w, http.StatusBadGateway, "error fetching log from executor")
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}
