package api_v1

// Wire model shared by the admin and executor processes. Everything on the
// wire is JSON; ReturnT carries the outcome of every call in both
// directions, code 200 meaning success.

const (
	SuccessCode = 200
	FailCode    = 500
)

type ReturnT struct {
	Code    int    `json:"code"`
	Msg     string `json:"msg,omitempty"`
	Content any    `json:"content,omitempty"`
}

func Success(content any) ReturnT {
	return ReturnT{Code: SuccessCode, Content: content}
}

func Fail(msg string) ReturnT {
	return ReturnT{Code: FailCode, Msg: msg}
}

func (r ReturnT) IsSuccess() bool {
	return r.Code == SuccessCode
}

// TriggerParam is built fresh per trigger attempt and immutable once sent.
type TriggerParam struct {
	JobId           int64  `json:"jobId"`
	LogId           string `json:"logId"`
	JobParams       string `json:"jobParams"`
	ExecutorGroupId int64  `json:"executorGroupId"`
	ExecutorHandler string `json:"executorHandler"`
	WorkflowRunId   string `json:"workflowRunId,omitempty"`
	RetryAttempt    int    `json:"retryAttempt"`
	TimeoutSeconds  int    `json:"timeoutSeconds"`
	Ephemeral       bool   `json:"ephemeral,omitempty"`
}

type KillParam struct {
	JobId int64 `json:"jobId"`
}

type IdleBeatParam struct {
	JobId int64 `json:"jobId"`
}

type LogParam struct {
	LogId       string `json:"logId"`
	FromLineNum int    `json:"fromLineNum"`
}

type LogResult struct {
	FromLineNum int    `json:"fromLineNum"`
	ToLineNum   int    `json:"toLineNum"`
	LogContent  string `json:"logContent"`
	IsEnd       bool   `json:"isEnd"`
}

// HandleCallbackParam reports one run outcome from executor to admin.
// Batched to amortize round trips.
type HandleCallbackParam struct {
	LogId      string         `json:"logId"`
	HandleCode int            `json:"handleCode"`
	HandleMsg  string         `json:"handleMsg,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
}

// RegistryParam is the heartbeat payload; the same shape serves registry
// and registryRemove.
type RegistryParam struct {
	GroupId int64  `json:"groupId"`
	Address string `json:"address"`
}
