package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	api "github.com/mohitkumar/dagjob/api/v1"
)

// adminClient talks to the admin servers. Every call tries each
// configured address in order and returns on the first success, so one
// admin being down does not lose heartbeats or callbacks.
type adminClient struct {
	addresses []string
	client    *http.Client
}

func newAdminClient(addresses []string, timeout time.Duration) *adminClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &adminClient{
		addresses: addresses,
		client:    &http.Client{Timeout: timeout},
	}
}

func (ac *adminClient) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	var lastErr error
	for _, address := range ac.addresses {
		url := fmt.Sprintf("http://%s%s", address, path)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := ac.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		var ret api.ReturnT
		err = json.NewDecoder(resp.Body).Decode(&ret)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if !ret.IsSuccess() {
			lastErr = fmt.Errorf("admin call %s failed: %s", path, ret.Msg)
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no admin address configured")
	}
	return lastErr
}

func (ac *adminClient) Registry(ctx context.Context, param *api.RegistryParam) error {
	return ac.post(ctx, "/api/registry", param)
}

func (ac *adminClient) RegistryRemove(ctx context.Context, param *api.RegistryParam) error {
	return ac.post(ctx, "/api/registryRemove", param)
}

func (ac *adminClient) Callback(ctx context.Context, batch []api.HandleCallbackParam) error {
	return ac.post(ctx, "/api/callback", batch)
}
