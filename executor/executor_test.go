package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	api "github.com/mohitkumar/dagjob/api/v1"
	"github.com/stretchr/testify/require"
)

// fakeAdmin records callback batches and answers every wire call with
// success, standing in for the admin process.
type fakeAdmin struct {
	mu        sync.Mutex
	callbacks []api.HandleCallbackParam
	server    *httptest.Server
}

func newFakeAdmin(t *testing.T) *fakeAdmin {
	t.Helper()
	fa := &fakeAdmin{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/callback", func(w http.ResponseWriter, r *http.Request) {
		var batch []api.HandleCallbackParam
		require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
		fa.mu.Lock()
		fa.callbacks = append(fa.callbacks, batch...)
		fa.mu.Unlock()
		respond(w, api.Success(nil))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		respond(w, api.Success(nil))
	})
	fa.server = httptest.NewServer(mux)
	t.Cleanup(fa.server.Close)
	return fa
}

func (fa *fakeAdmin) address() string {
	return strings.TrimPrefix(fa.server.URL, "http://")
}

func (fa *fakeAdmin) waitForCallback(t *testing.T, logId string) api.HandleCallbackParam {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		fa.mu.Lock()
		for _, cb := range fa.callbacks {
			if cb.LogId == logId {
				fa.mu.Unlock()
				return cb
			}
		}
		fa.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no callback received for %s", logId)
	return api.HandleCallbackParam{}
}

func newTestExecutor(t *testing.T, fa *fakeAdmin) *Executor {
	t.Helper()
	var wg sync.WaitGroup
	conf := Config{
		AdminAddresses:        []string{fa.address()},
		GroupId:               1,
		Address:               "localhost:9999",
		CallbackRetryMax:      2,
		CallbackRetryInterval: 10 * time.Millisecond,
		QueueCapacity:         4,
	}
	admin := newAdminClient(conf.AdminAddresses, 5*time.Second)
	exec := NewExecutor(conf, admin, &wg)
	exec.Start()
	t.Cleanup(exec.Stop)
	return exec
}

func TestRunUnknownHandlerRejected(t *testing.T) {
	exec := newTestExecutor(t, newFakeAdmin(t))
	err := exec.Run(&api.TriggerParam{JobId: 1, LogId: "run-1", ExecutorHandler: "missing"})
	require.Error(t, err)
}

func TestRunPushesSuccessCallbackWithOutput(t *testing.T) {
	fa := newFakeAdmin(t)
	exec := newTestExecutor(t, fa)
	exec.RegisterHandler("emit", func(ctx context.Context, jc *JobContext) (map[string]any, error) {
		jc.Log("producing output")
		return map[string]any{"rows": float64(42)}, nil
	})

	require.NoError(t, exec.Run(&api.TriggerParam{JobId: 1, LogId: "run-1", ExecutorHandler: "emit"}))

	cb := fa.waitForCallback(t, "run-1")
	require.Equal(t, api.SuccessCode, cb.HandleCode)
	require.Equal(t, float64(42), cb.Output["rows"])
}

func TestHandlerErrorPushesFailCallback(t *testing.T) {
	fa := newFakeAdmin(t)
	exec := newTestExecutor(t, fa)
	exec.RegisterHandler("boom", func(ctx context.Context, jc *JobContext) (map[string]any, error) {
		panic("exploded")
	})

	require.NoError(t, exec.Run(&api.TriggerParam{JobId: 1, LogId: "run-1", ExecutorHandler: "boom"}))

	cb := fa.waitForCallback(t, "run-1")
	require.Equal(t, api.FailCode, cb.HandleCode)
	require.Contains(t, cb.HandleMsg, "exploded")
}

func TestKillCancelsRunningJob(t *testing.T) {
	fa := newFakeAdmin(t)
	exec := newTestExecutor(t, fa)
	started := make(chan struct{})
	exec.RegisterHandler("block", func(ctx context.Context, jc *JobContext) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	require.NoError(t, exec.Run(&api.TriggerParam{JobId: 1, LogId: "run-1", ExecutorHandler: "block"}))
	<-started
	require.False(t, exec.Idle(1))

	exec.Kill(1)

	cb := fa.waitForCallback(t, "run-1")
	require.Equal(t, api.FailCode, cb.HandleCode)
	require.True(t, exec.Idle(1))
}

func TestKillFailsQueuedTriggers(t *testing.T) {
	fa := newFakeAdmin(t)
	exec := newTestExecutor(t, fa)
	started := make(chan struct{})
	exec.RegisterHandler("block", func(ctx context.Context, jc *JobContext) (map[string]any, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	require.NoError(t, exec.Run(&api.TriggerParam{JobId: 1, LogId: "run-1", ExecutorHandler: "block"}))
	<-started
	require.NoError(t, exec.Run(&api.TriggerParam{JobId: 1, LogId: "run-2", ExecutorHandler: "block"}))

	exec.Kill(1)

	cb := fa.waitForCallback(t, "run-2")
	require.Equal(t, api.FailCode, cb.HandleCode)
	require.Contains(t, cb.HandleMsg, "killed before execution")
}

func TestTimeoutCancelsHandler(t *testing.T) {
	fa := newFakeAdmin(t)
	exec := newTestExecutor(t, fa)
	exec.RegisterHandler("slow", func(ctx context.Context, jc *JobContext) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(30 * time.Second):
			return nil, nil
		}
	})

	require.NoError(t, exec.Run(&api.TriggerParam{JobId: 1, LogId: "run-1", ExecutorHandler: "slow", TimeoutSeconds: 1}))

	cb := fa.waitForCallback(t, "run-1")
	require.Equal(t, api.FailCode, cb.HandleCode)
}

func TestJobsSerializePerJobId(t *testing.T) {
	fa := newFakeAdmin(t)
	exec := newTestExecutor(t, fa)
	var mu sync.Mutex
	var order []string
	exec.RegisterHandler("record", func(ctx context.Context, jc *JobContext) (map[string]any, error) {
		mu.Lock()
		order = append(order, jc.LogId)
		mu.Unlock()
		return nil, nil
	})

	require.NoError(t, exec.Run(&api.TriggerParam{JobId: 1, LogId: "run-1", ExecutorHandler: "record"}))
	require.NoError(t, exec.Run(&api.TriggerParam{JobId: 1, LogId: "run-2", ExecutorHandler: "record"}))

	fa.waitForCallback(t, "run-2")
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"run-1", "run-2"}, order)
}
