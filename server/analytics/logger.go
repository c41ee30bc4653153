package analytics

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RunAuditCollector appends one JSON line per completed run to an audit
// file, kept apart from process logs so it can be shipped or replayed
// independently.
type RunAuditCollector struct {
	fileName string
	logger   *zap.Logger
}

func NewRunAuditCollector(fileName string) (*RunAuditCollector, error) {
	enccoderConfig := zap.NewProductionEncoderConfig()
	enccoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	enccoderConfig.StacktraceKey = "" // to hide stacktrace info
	fileEncoder := zapcore.NewJSONEncoder(enccoderConfig)
	logFile, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	writer := zapcore.AddSync(logFile)
	defaultLogLevel := zapcore.InfoLevel
	core := zapcore.NewTee(zapcore.NewCore(fileEncoder, writer, defaultLogLevel))
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return &RunAuditCollector{
		fileName: fileName,
		logger:   logger,
	}, nil
}

func (c *RunAuditCollector) RecordRunSuccess(runId string, jobId int64, workflowRunId string, output map[string]any) {
	c.logger.Info("success", zap.String("run", runId), zap.Int64("job", jobId), zap.String("workflowRun", workflowRunId), zap.Any("output", output))
}

func (c *RunAuditCollector) RecordRunFailure(runId string, jobId int64, workflowRunId string, reason string) {
	c.logger.Info("failure", zap.String("run", runId), zap.Int64("job", jobId), zap.String("workflowRun", workflowRunId), zap.String("reason", reason))
}
