package route

import (
	"context"
	"errors"

	api "github.com/mohitkumar/dagjob/api/v1"
	"github.com/mohitkumar/dagjob/server/model"
	"github.com/mohitkumar/dagjob/server/rpc"
)

// ErrNoExecutor is returned for an empty address list; no strategy probes
// in that case.
var ErrNoExecutor = errors.New("no available executor")

// Router selects one address from a group's live address list for a
// trigger. The trace carries per-address probe results for the probing
// strategies; callers surface it as the failure detail. Routing failures
// are reported, never fatal; the scheduler retries them like any RPC
// failure.
type Router interface {
	Route(ctx context.Context, param *api.TriggerParam, addresses []string) (address string, trace string, err error)
}

// NewRouter resolves a job's authored route strategy. Unknown strategies
// fall back to FIRST.
func NewRouter(strategy model.RouteStrategy, client rpc.ExecutorClient) Router {
	switch strategy {
	case model.ROUTE_LAST:
		return &lastRouter{}
	case model.ROUTE_ROUND_ROBIN:
		return newRoundRobinRouter()
	case model.ROUTE_RANDOM:
		return &randomRouter{}
	case model.ROUTE_CONSISTENT_HASH:
		return newConsistentHashRouter()
	case model.ROUTE_LFU:
		return newLfuRouter()
	case model.ROUTE_FAILOVER:
		return &failoverRouter{client: client}
	case model.ROUTE_BUSYOVER:
		return &busyoverRouter{client: client}
	default:
		return &firstRouter{}
	}
}

type firstRouter struct{}

func (r *firstRouter) Route(ctx context.Context, param *api.TriggerParam, addresses []string) (string, string, error) {
	if len(addresses) == 0 {
		return "", "", ErrNoExecutor
	}
	return addresses[0], "", nil
}

type lastRouter struct{}

func (r *lastRouter) Route(ctx context.Context, param *api.TriggerParam, addresses []string) (string, string, error) {
	if len(addresses) == 0 {
		return "", "", ErrNoExecutor
	}
	return addresses[len(addresses)-1], "", nil
}
