package executor

import "time"

// Config addresses the executor within its group and points it at the
// admin servers. Address must be reachable from the admin side; it is
// what gets registered and routed to.
type Config struct {
	AdminAddresses        []string
	GroupId               int64
	Address               string
	HttpPort              int
	BeatInterval          time.Duration
	CallbackRetryMax      uint64
	CallbackRetryInterval time.Duration
	QueueCapacity         int
}

func (c Config) beatInterval() time.Duration {
	if c.BeatInterval <= 0 {
		return 30 * time.Second
	}
	return c.BeatInterval
}

func (c Config) callbackRetryMax() uint64 {
	if c.CallbackRetryMax == 0 {
		return 10
	}
	return c.CallbackRetryMax
}

func (c Config) callbackRetryInterval() time.Duration {
	if c.CallbackRetryInterval <= 0 {
		return 5 * time.Second
	}
	return c.CallbackRetryInterval
}

func (c Config) queueCapacity() int {
	if c.QueueCapacity <= 0 {
		return 64
	}
	return c.QueueCapacity
}
