package model

import "time"

type RunState string

const (
	RUN_PENDING RunState = "PENDING"
	RUN_RUNNING RunState = "RUNNING"
	RUN_SUCCESS RunState = "SUCCESS"
	RUN_FAILED  RunState = "FAILED"
	RUN_KILLED  RunState = "KILLED"
	RUN_SKIPPED RunState = "SKIPPED"
)

// IsTerminal reports whether no further transition is allowed except the
// informational record of a late callback.
func (s RunState) IsTerminal() bool {
	switch s {
	case RUN_SUCCESS, RUN_FAILED, RUN_KILLED, RUN_SKIPPED:
		return true
	}
	return false
}

type JobRun struct {
	RunId         string         `json:"runId"`
	JobId         int64          `json:"jobId"`
	WorkflowRunId string         `json:"workflowRunId,omitempty"`
	State         RunState       `json:"state"`
	Address       string         `json:"address,omitempty"`
	RetryAttempt  int            `json:"retryAttempt"`
	HandleCode    int            `json:"handleCode,omitempty"`
	HandleMsg     string         `json:"handleMsg,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	Ephemeral     bool           `json:"ephemeral,omitempty"`
	StartedAt     time.Time      `json:"startedAt"`
	FinishedAt    time.Time      `json:"finishedAt,omitempty"`
}

type WorkflowRun struct {
	RunId      string    `json:"runId"`
	WorkflowId int64     `json:"workflowId"`
	State      RunState  `json:"state"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}
