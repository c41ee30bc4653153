package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	api "github.com/mohitkumar/dagjob/api/v1"
	"github.com/mohitkumar/dagjob/logger"
	c "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// ExecutorClient is the admin side of the executor wire contract. All
// calls block up to the configured timeout; a transport failure is
// surfaced as an error and treated by callers exactly like an
// application-level failure.
type ExecutorClient interface {
	Trigger(ctx context.Context, address string, param *api.TriggerParam) (api.ReturnT, error)
	Kill(ctx context.Context, address string, jobId int64) (api.ReturnT, error)
	IdleBeat(ctx context.Context, address string, jobId int64) (api.ReturnT, error)
	Beat(ctx context.Context, address string) (api.ReturnT, error)
	Log(ctx context.Context, address string, param *api.LogParam) (*api.LogResult, error)
}

type httpExecutorClient struct {
	timeout time.Duration
	clients *c.Cache
}

var _ ExecutorClient = new(httpExecutorClient)

// NewExecutorClient pools one http client per executor address. Pooled
// clients expire after an idle window and are invalidated on transport
// failure so a replaced executor process gets fresh connections.
func NewExecutorClient(timeout time.Duration) *httpExecutorClient {
	return &httpExecutorClient{
		timeout: timeout,
		clients: c.New(10*time.Minute, 10*time.Minute),
	}
}

func (hc *httpExecutorClient) clientFor(address string) *http.Client {
	if cl, found := hc.clients.Get(address); found {
		return cl.(*http.Client)
	}
	cl := &http.Client{Timeout: hc.timeout}
	hc.clients.SetDefault(address, cl)
	return cl
}

func (hc *httpExecutorClient) invalidate(address string) {
	if cl, found := hc.clients.Get(address); found {
		cl.(*http.Client).CloseIdleConnections()
		hc.clients.Delete(address)
	}
}

func (hc *httpExecutorClient) call(ctx context.Context, address string, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s%s", address, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.clientFor(address).Do(req)
	if err != nil {
		logger.Error("executor rpc transport failure", zap.String("address", address), zap.String("path", path), zap.Error(err))
		hc.invalidate(address)
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding executor response from %s%s: %w", address, path, err)
	}
	return nil
}

func (hc *httpExecutorClient) callReturnT(ctx context.Context, address string, path string, body any) (api.ReturnT, error) {
	var ret api.ReturnT
	if err := hc.call(ctx, address, path, body, &ret); err != nil {
		return api.ReturnT{}, err
	}
	return ret, nil
}

func (hc *httpExecutorClient) Trigger(ctx context.Context, address string, param *api.TriggerParam) (api.ReturnT, error) {
	return hc.callReturnT(ctx, address, "/run", param)
}

func (hc *httpExecutorClient) Kill(ctx context.Context, address string, jobId int64) (api.ReturnT, error) {
	return hc.callReturnT(ctx, address, "/kill", &api.KillParam{JobId: jobId})
}

func (hc *httpExecutorClient) IdleBeat(ctx context.Context, address string, jobId int64) (api.ReturnT, error) {
	return hc.callReturnT(ctx, address, "/idleBeat", &api.IdleBeatParam{JobId: jobId})
}

func (hc *httpExecutorClient) Beat(ctx context.Context, address string) (api.ReturnT, error) {
	return hc.callReturnT(ctx, address, "/beat", struct{}{})
}

func (hc *httpExecutorClient) Log(ctx context.Context, address string, param *api.LogParam) (*api.LogResult, error) {
	var ret struct {
		Code    int           `json:"code"`
		Msg     string        `json:"msg"`
		Content api.LogResult `json:"content"`
	}
	if err := hc.call(ctx, address, "/log", param, &ret); err != nil {
		return nil, err
	}
	if ret.Code != api.SuccessCode {
		return nil, fmt.Errorf("log fetch failed: %s", ret.Msg)
	}
	return &ret.Content, nil
}
