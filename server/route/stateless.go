package route

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"

	api "github.com/mohitkumar/dagjob/api/v1"
)

type roundRobinRouter struct {
	counters sync.Map // jobId -> *uint32
}

func newRoundRobinRouter() *roundRobinRouter {
	return &roundRobinRouter{}
}

func (r *roundRobinRouter) Route(ctx context.Context, param *api.TriggerParam, addresses []string) (string, string, error) {
	if len(addresses) == 0 {
		return "", "", ErrNoExecutor
	}
	v, _ := r.counters.LoadOrStore(param.JobId, new(uint32))
	n := atomic.AddUint32(v.(*uint32), 1) - 1
	return addresses[int(n)%len(addresses)], "", nil
}

type randomRouter struct{}

func (r *randomRouter) Route(ctx context.Context, param *api.TriggerParam, addresses []string) (string, string, error) {
	if len(addresses) == 0 {
		return "", "", ErrNoExecutor
	}
	return addresses[rand.Intn(len(addresses))], "", nil
}

type lfuRouter struct {
	mu    sync.Mutex
	freq  map[int64]map[string]int
}

func newLfuRouter() *lfuRouter {
	return &lfuRouter{freq: make(map[int64]map[string]int)}
}

// Route picks the address this job has been dispatched to least often. New
// addresses start cold and win until they catch up; counters for addresses
// that left the list are dropped.
func (r *lfuRouter) Route(ctx context.Context, param *api.TriggerParam, addresses []string) (string, string, error) {
	if len(addresses) == 0 {
		return "", "", ErrNoExecutor
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := r.freq[param.JobId]
	if counts == nil {
		counts = make(map[string]int)
		r.freq[param.JobId] = counts
	}
	live := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		live[a] = true
	}
	for a := range counts {
		if !live[a] {
			delete(counts, a)
		}
	}
	selected := addresses[0]
	for _, a := range addresses[1:] {
		if counts[a] < counts[selected] {
			selected = a
		}
	}
	counts[selected]++
	return selected, "", nil
}
