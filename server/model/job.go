package model

import "time"

type TriggerType string

const (
	TRIGGER_CRON           TriggerType = "CRON"
	TRIGGER_FIX_RATE       TriggerType = "FIX_RATE"
	TRIGGER_FIX_DELAY      TriggerType = "FIX_DELAY"
	TRIGGER_DAG            TriggerType = "DAG"
	TRIGGER_MANUAL_SINGLE  TriggerType = "MANUAL_SINGLE"
	TRIGGER_MANUAL_CASCADE TriggerType = "MANUAL_CASCADE"
	TRIGGER_DEBUG          TriggerType = "DEBUG"
)

type BlockStrategy string

const (
	BLOCK_SERIAL_DISCARD BlockStrategy = "SERIAL_DISCARD"
	BLOCK_COVER_EARLY    BlockStrategy = "COVER_EARLY"
	BLOCK_CONCURRENT     BlockStrategy = "CONCURRENT"
)

type RouteStrategy string

const (
	ROUTE_FIRST           RouteStrategy = "FIRST"
	ROUTE_LAST            RouteStrategy = "LAST"
	ROUTE_ROUND_ROBIN     RouteStrategy = "ROUND_ROBIN"
	ROUTE_RANDOM          RouteStrategy = "RANDOM"
	ROUTE_CONSISTENT_HASH RouteStrategy = "CONSISTENT_HASH"
	ROUTE_LFU             RouteStrategy = "LFU"
	ROUTE_FAILOVER        RouteStrategy = "FAILOVER"
	ROUTE_BUSYOVER        RouteStrategy = "BUSYOVER"
)

type BackoffKind string

const (
	BACKOFF_FIXED              BackoffKind = "FIXED"
	BACKOFF_LINEAR             BackoffKind = "LINEAR"
	BACKOFF_EXPONENTIAL        BackoffKind = "EXPONENTIAL"
	BACKOFF_EXPONENTIAL_JITTER BackoffKind = "EXPONENTIAL_JITTER"
)

type RetryPolicy struct {
	MaxRetries   int           `json:"maxRetries"`
	Backoff      BackoffKind   `json:"backoff"`
	BaseInterval time.Duration `json:"baseInterval"`
	MaxDelay     time.Duration `json:"maxDelay"`
}

// JobDefinition is authored outside the scheduler and read-only here.
type JobDefinition struct {
	Id              int64         `json:"id"`
	WorkflowId      int64         `json:"workflowId"`
	Name            string        `json:"name"`
	ExecutorGroupId int64         `json:"executorGroupId"`
	ExecutorHandler string        `json:"executorHandler"`
	JobParams       string        `json:"jobParams"`
	Cron            string        `json:"cron,omitempty"`
	FixedInterval   time.Duration `json:"fixedInterval,omitempty"`
	TriggerType     TriggerType   `json:"triggerType"`
	BlockStrategy   BlockStrategy `json:"blockStrategy"`
	RouteStrategy   RouteStrategy `json:"routeStrategy"`
	Retry           RetryPolicy   `json:"retry"`
	TimeoutSeconds  int           `json:"timeoutSeconds"`
}

type ExecutorGroup struct {
	Id      int64  `json:"id"`
	AppName string `json:"appName"`
}

// Workflow carries the job set and dependency edges of one published
// workflow version.
type Workflow struct {
	Id    int64   `json:"id"`
	Name  string  `json:"name"`
	Jobs  []int64 `json:"jobs"`
	Edges []Edge  `json:"edges"`
}

type Edge struct {
	FromJobId     int64  `json:"fromJobId"`
	ToJobId       int64  `json:"toJobId"`
	ConditionExpr string `json:"conditionExpr,omitempty"`
}

func (e Edge) HasCondition() bool {
	return e.ConditionExpr != ""
}
