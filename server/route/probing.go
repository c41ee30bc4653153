package route

import (
	"context"
	"fmt"
	"strings"

	api "github.com/mohitkumar/dagjob/api/v1"
	"github.com/mohitkumar/dagjob/logger"
	"github.com/mohitkumar/dagjob/server/rpc"
	"go.uber.org/zap"
)

// busyoverRouter probes each address in order with idleBeat and selects
// the first that reports idle. The per-address beat results are
// concatenated into a human-readable trace; callers rely on that trace
// when no executor is idle.
type busyoverRouter struct {
	client rpc.ExecutorClient
}

func (r *busyoverRouter) Route(ctx context.Context, param *api.TriggerParam, addresses []string) (string, string, error) {
	if len(addresses) == 0 {
		return "", "", ErrNoExecutor
	}
	var sb strings.Builder
	for _, address := range addresses {
		ret, err := r.client.IdleBeat(ctx, address, param.JobId)
		if err != nil {
			ret = api.Fail(err.Error())
		}
		sb.WriteString(fmt.Sprintf("idleBeat %s: code=%d msg=%s\n", address, ret.Code, ret.Msg))
		if ret.IsSuccess() {
			trace := sb.String()
			logger.Debug("busyover route selected", zap.Int64("job", param.JobId), zap.String("address", address))
			return address, trace, nil
		}
	}
	trace := sb.String()
	return "", trace, fmt.Errorf("no idle executor for job %d:\n%s", param.JobId, trace)
}

// failoverRouter probes each address in order with a lightweight beat and
// selects the first that responds, independent of idle semantics.
type failoverRouter struct {
	client rpc.ExecutorClient
}

func (r *failoverRouter) Route(ctx context.Context, param *api.TriggerParam, addresses []string) (string, string, error) {
	if len(addresses) == 0 {
		return "", "", ErrNoExecutor
	}
	var sb strings.Builder
	for _, address := range addresses {
		ret, err := r.client.Beat(ctx, address)
		if err != nil {
			ret = api.Fail(err.Error())
		}
		sb.WriteString(fmt.Sprintf("beat %s: code=%d msg=%s\n", address, ret.Code, ret.Msg))
		if ret.IsSuccess() {
			return address, sb.String(), nil
		}
	}
	trace := sb.String()
	return "", trace, fmt.Errorf("no healthy executor:\n%s", trace)
}
