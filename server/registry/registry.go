package registry

import (
	"sync"
	"time"

	"github.com/mohitkumar/dagjob/logger"
	"github.com/mohitkumar/dagjob/util"
	"go.uber.org/zap"
)

const (
	// executors heartbeat every BeatInterval; an address missing
	// DeadTimeout worth of beats is evicted by the sweep
	BeatInterval = 30 * time.Second
	DeadTimeout  = 90 * time.Second

	shardCount = 16
)

type entry struct {
	address         string
	lastHeartbeatAt time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[int64][]*entry
}

// ExecutorRegistry tracks live executor addresses per executor group.
// Addresses are leased: created on first registration, refreshed on each
// heartbeat, evicted by a periodic sweep once the lease ages out. Groups
// are sharded so heartbeat writes do not lock out router reads.
type ExecutorRegistry struct {
	shards      [shardCount]*shard
	deadTimeout time.Duration
	sweeper     *util.TickWorker
	now         func() time.Time
}

func NewExecutorRegistry(deadTimeout time.Duration, wg *sync.WaitGroup) *ExecutorRegistry {
	if deadTimeout <= 0 {
		deadTimeout = DeadTimeout
	}
	r := &ExecutorRegistry{
		deadTimeout: deadTimeout,
		now:         time.Now,
	}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[int64][]*entry)}
	}
	r.sweeper = util.NewTickWorker("registry-sweep", BeatInterval, r.sweep, wg)
	return r
}

func (r *ExecutorRegistry) Start() {
	r.sweeper.Start()
}

func (r *ExecutorRegistry) Stop() {
	if r.sweeper.IsRunning() {
		r.sweeper.Stop()
	}
}

func (r *ExecutorRegistry) shardFor(groupId int64) *shard {
	return r.shards[uint64(groupId)%shardCount]
}

// Register is an idempotent upsert refreshing the heartbeat lease.
// Insertion order within a group is preserved for deterministic
// round-robin.
func (r *ExecutorRegistry) Register(groupId int64, address string) {
	s := r.shardFor(groupId)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries[groupId] {
		if e.address == address {
			e.lastHeartbeatAt = r.now()
			return
		}
	}
	s.entries[groupId] = append(s.entries[groupId], &entry{address: address, lastHeartbeatAt: r.now()})
	logger.Info("executor registered", zap.Int64("group", groupId), zap.String("address", address))
}

func (r *ExecutorRegistry) Deregister(groupId int64, address string) {
	s := r.shardFor(groupId)
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.entries[groupId]
	for i, e := range entries {
		if e.address == address {
			s.entries[groupId] = append(entries[:i], entries[i+1:]...)
			logger.Info("executor deregistered", zap.Int64("group", groupId), zap.String("address", address))
			return
		}
	}
}

// LiveAddresses returns the group's addresses in registration order.
// Expiry is handled by the sweep, not per read, to bound read latency.
func (r *ExecutorRegistry) LiveAddresses(groupId int64) []string {
	s := r.shardFor(groupId)
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.entries[groupId]
	addresses := make([]string, 0, len(entries))
	for _, e := range entries {
		addresses = append(addresses, e.address)
	}
	return addresses
}

func (r *ExecutorRegistry) sweep() {
	cutoff := r.now().Add(-r.deadTimeout)
	for _, s := range r.shards {
		s.mu.Lock()
		for groupId, entries := range s.entries {
			live := entries[:0]
			for _, e := range entries {
				if e.lastHeartbeatAt.After(cutoff) {
					live = append(live, e)
				} else {
					logger.Info("evicting dead executor", zap.Int64("group", groupId), zap.String("address", e.address))
				}
			}
			if len(live) == 0 {
				delete(s.entries, groupId)
			} else {
				s.entries[groupId] = live
			}
		}
		s.mu.Unlock()
	}
}
