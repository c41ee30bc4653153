package route

import (
	"context"
	"fmt"

	"github.com/buraksezer/consistent"
	api "github.com/mohitkumar/dagjob/api/v1"
	"github.com/spaolacci/murmur3"
)

type hasher struct{}

func (h hasher) Sum64(data []byte) uint64 {
	return murmur3.Sum64(data)
}

type member string

func (m member) String() string {
	return string(m)
}

type consistentHashRouter struct{}

func newConsistentHashRouter() *consistentHashRouter {
	return &consistentHashRouter{}
}

// Route maps a jobId to the same address as long as the address set is
// unchanged, preserving executor-local caching benefits.
func (r *consistentHashRouter) Route(ctx context.Context, param *api.TriggerParam, addresses []string) (string, string, error) {
	if len(addresses) == 0 {
		return "", "", ErrNoExecutor
	}
	members := make([]consistent.Member, 0, len(addresses))
	for _, a := range addresses {
		members = append(members, member(a))
	}
	ring := consistent.New(members, consistent.Config{
		PartitionCount:    271,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            hasher{},
	})
	owner := ring.LocateKey([]byte(fmt.Sprintf("%d", param.JobId)))
	return owner.String(), "", nil
}
