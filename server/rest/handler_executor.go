package rest

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	api "github.com/mohitkumar/dagjob/api/v1"
	"github.com/mohitkumar/dagjob/logger"
)

// Executor wire contract endpoints. These always answer with ReturnT,
// http status 200, so executors interpret failures uniformly.

func (s *Server) HandleRegistry(w http.ResponseWriter, r *http.Request) {
	var param api.RegistryParam
	if err := json.NewDecoder(r.Body).Decode(&param); err != nil {
		respondWithJSON(w, http.StatusOK, api.Fail("invalid registry payload"))
		return
	}
	defer r.Body.Close()
	if param.Address == "" || param.GroupId <= 0 {
		respondWithJSON(w, http.StatusOK, api.Fail("groupId and address are required"))
		return
	}
	s.registry.Register(param.GroupId, param.Address)
	respondWithJSON(w, http.StatusOK, api.Success(nil))
}

func (s *Server) HandleRegistryRemove(w http.ResponseWriter, r *http.Request) {
	var param api.RegistryParam
	if err := json.NewDecoder(r.Body).Decode(&param); err != nil {
		respondWithJSON(w, http.StatusOK, api.Fail("invalid registry payload"))
		return
	}
	defer r.Body.Close()
	s.registry.Deregister(param.GroupId, param.Address)
	respondWithJSON(w, http.StatusOK, api.Success(nil))
}

func (s *Server) HandleCallback(w http.ResponseWriter, r *http.Request) {
	var batch []api.HandleCallbackParam
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		respondWithJSON(w, http.StatusOK, api.Fail("invalid callback payload"))
		return
	}
	defer r.Body.Close()
	if err := s.tracker.HandleCallbacks(batch); err != nil {
		logger.Error("error processing callback batch", zap.Int("size", len(batch)), zap.Error(err))
		respondWithJSON(w, http.StatusOK, api.Fail(err.Error()))
		return
	}
	respondWithJSON(w, http.StatusOK, api.Success(nil))
}
