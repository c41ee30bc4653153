package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	api "github.com/mohitkumar/dagjob/api/v1"
	"github.com/mohitkumar/dagjob/server/config"
	"github.com/mohitkumar/dagjob/server/model"
	"github.com/mohitkumar/dagjob/server/persistence/inmem"
	"github.com/mohitkumar/dagjob/server/registry"
	"github.com/mohitkumar/dagjob/server/scheduler"
	"github.com/mohitkumar/dagjob/server/timers"
	"github.com/mohitkumar/dagjob/server/tracker"
	"github.com/stretchr/testify/require"
)

type noopClient struct{}

func (noopClient) Trigger(ctx context.Context, address string, param *api.TriggerParam) (api.ReturnT, error) {
	return api.Success(nil), nil
}
func (noopClient) Kill(ctx context.Context, address string, jobId int64) (api.ReturnT, error) {
	return api.Success(nil), nil
}
func (noopClient) IdleBeat(ctx context.Context, address string, jobId int64) (api.ReturnT, error) {
	return api.Success(nil), nil
}
func (noopClient) Beat(ctx context.Context, address string) (api.ReturnT, error) {
	return api.Success(nil), nil
}
func (noopClient) Log(ctx context.Context, address string, param *api.LogParam) (*api.LogResult, error) {
	return &api.LogResult{IsEnd: true}, nil
}

type fixture struct {
	store  *inmem.Storage
	reg    *registry.ExecutorRegistry
	server *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var wg sync.WaitGroup
	store := inmem.NewStorage()
	reg := registry.NewExecutorRegistry(90*time.Second, &wg)
	client := noopClient{}
	tm := timers.NewTimerManager(3600)
	sched := scheduler.NewTriggerScheduler(store, reg, client, tm, config.Config{}, &wg)
	trk := tracker.NewRunStateTracker(store, sched, nil)
	srv, err := NewServer(0, store, sched, trk, reg, client, time.Second)
	require.NoError(t, err)
	return &fixture{store: store, reg: reg, server: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	f.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateWorkflowRejectsCycle(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/workflow", model.Workflow{
		Id:   1,
		Jobs: []int64{1, 2},
		Edges: []model.Edge{
			{FromJobId: 1, ToJobId: 2},
			{FromJobId: 2, ToJobId: 1},
		},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "cycle")
}

func TestCreateAndGetWorkflow(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/workflow", model.Workflow{
		Id:    1,
		Jobs:  []int64{1, 2},
		Edges: []model.Edge{{FromJobId: 1, ToJobId: 2}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/workflow/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var wf model.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))
	require.Equal(t, int64(1), wf.Id)
}

func TestCreateJobRejectsBadCron(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/job", model.JobDefinition{
		Id:          1,
		TriggerType: model.TRIGGER_CRON,
		Cron:        "not a cron",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerEndpointCreatesRun(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveJob(&model.JobDefinition{
		Id:            1,
		TriggerType:   model.TRIGGER_CRON,
		BlockStrategy: model.BLOCK_CONCURRENT,
		RouteStrategy: model.ROUTE_FIRST,
	}))

	rec := f.do(t, http.MethodPost, "/trigger/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, "DISPATCHED", res["outcome"])

	run, err := f.store.GetJobRun(res["runId"])
	require.NoError(t, err)
	require.Equal(t, model.RUN_PENDING, run.State)
}

func TestTriggerUnknownJob(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/trigger/99", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegistryWireContract(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/registry", api.RegistryParam{GroupId: 1, Address: "10.0.0.1:9999"})
	require.Equal(t, http.StatusOK, rec.Code)
	var ret api.ReturnT
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ret))
	require.True(t, ret.IsSuccess())
	require.Equal(t, []string{"10.0.0.1:9999"}, f.reg.LiveAddresses(1))

	rec = f.do(t, http.MethodPost, "/api/registryRemove", api.RegistryParam{GroupId: 1, Address: "10.0.0.1:9999"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, f.reg.LiveAddresses(1))
}

func TestRegistryRejectsMissingFields(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/registry", api.RegistryParam{})
	require.Equal(t, http.StatusOK, rec.Code)
	var ret api.ReturnT
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ret))
	require.False(t, ret.IsSuccess())
}

func TestCallbackWireContract(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveJob(&model.JobDefinition{Id: 1, TriggerType: model.TRIGGER_CRON}))
	require.NoError(t, f.store.SaveJobRun(&model.JobRun{
		RunId: "run-1", JobId: 1, State: model.RUN_RUNNING, StartedAt: time.Now(),
	}))

	rec := f.do(t, http.MethodPost, "/api/callback", []api.HandleCallbackParam{
		{LogId: "run-1", HandleCode: api.SuccessCode},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var ret api.ReturnT
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ret))
	require.True(t, ret.IsSuccess())

	run, err := f.store.GetJobRun("run-1")
	require.NoError(t, err)
	require.Equal(t, model.RUN_SUCCESS, run.State)
}

func TestKillRunEndpoint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveJob(&model.JobDefinition{Id: 1, TriggerType: model.TRIGGER_CRON}))
	require.NoError(t, f.store.SaveJobRun(&model.JobRun{
		RunId: "run-1", JobId: 1, State: model.RUN_RUNNING, StartedAt: time.Now(),
	}))

	rec := f.do(t, http.MethodPost, "/run/run-1/kill", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	run, err := f.store.GetJobRun("run-1")
	require.NoError(t, err)
	require.Equal(t, model.RUN_KILLED, run.State)
}
