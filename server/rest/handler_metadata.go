package rest

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mohitkumar/dagjob/logger"
	"github.com/mohitkumar/dagjob/server/dag"
	"github.com/mohitkumar/dagjob/server/model"
)

func (s *Server) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	var job model.JobDefinition
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid job payload")
		return
	}
	defer r.Body.Close()
	if job.Id <= 0 {
		respondWithError(w, http.StatusBadRequest, "job id must be positive")
		return
	}
	if err := s.storage.SaveJob(&job); err != nil {
		logger.Error("error saving job", zap.Int64("job", job.Id), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error saving job")
		return
	}
	if err := s.scheduler.ScheduleJob(&job); err != nil {
		logger.Error("error scheduling job", zap.Int64("job", job.Id), zap.Error(err))
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondOK(w, "created")
}

func (s *Server) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	jobId, ok := pathInt64(w, r, "jobId")
	if !ok {
		return
	}
	job, err := s.storage.GetJob(jobId)
	if err != nil {
		respondWithError(w, http.StatusNotFound, "job does not exist")
		return
	}
	respondWithJSON(w, http.StatusOK, job)
}

// HandleCreateWorkflow validates the dependency graph before the
// workflow is published. An invalid graph is rejected here, never at
// execution time.
func (s *Server) HandleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf model.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid workflow payload")
		return
	}
	defer r.Body.Close()
	if _, err := dag.FromWorkflow(&wf); err != nil {
		logger.Info("workflow rejected", zap.Int64("workflow", wf.Id), zap.Error(err))
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.storage.SaveWorkflow(&wf); err != nil {
		logger.Error("error saving workflow", zap.Int64("workflow", wf.Id), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error saving workflow")
		return
	}
	respondOK(w, "created")
}

func (s *Server) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowId, ok := pathInt64(w, r, "workflowId")
	if !ok {
		return
	}
	wf, err := s.storage.GetWorkflow(workflowId)
	if err != nil {
		respondWithError(w, http.StatusNotFound, "workflow does not exist")
		return
	}
	respondWithJSON(w, http.StatusOK, wf)
}

func (s *Server) HandleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var group model.ExecutorGroup
	if err := json.NewDecoder(r.Body).Decode(&group); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid group payload")
		return
	}
	defer r.Body.Close()
	if err := s.storage.SaveExecutorGroup(&group); err != nil {
		logger.Error("error saving executor group", zap.Int64("group", group.Id), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error saving executor group")
		return
	}
	respondOK(w, "created")
}

func pathInt64(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := mux.Vars(r)[name]
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return v, true
}
