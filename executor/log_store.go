package executor

import (
	"fmt"
	"strings"
	"sync"
	"time"

	api "github.com/mohitkumar/dagjob/api/v1"
)

// logStore keeps per-run execution logs in memory, paged out through
// the /log endpoint. Entries are dropped once the retention window
// passes so a long-lived executor does not grow without bound.
type logStore struct {
	mu        sync.RWMutex
	logs      map[string]*runLog
	retention time.Duration
}

type runLog struct {
	lines    []string
	done     bool
	finished time.Time
}

func newLogStore(retention time.Duration) *logStore {
	if retention <= 0 {
		retention = time.Hour
	}
	return &logStore{
		logs:      make(map[string]*runLog),
		retention: retention,
	}
}

func (ls *logStore) append(logId string, format string, args ...any) {
	line := fmt.Sprintf("%s %s", time.Now().Format("2006-01-02 15:04:05.000"), fmt.Sprintf(format, args...))
	ls.mu.Lock()
	defer ls.mu.Unlock()
	rl, ok := ls.logs[logId]
	if !ok {
		rl = &runLog{}
		ls.logs[logId] = rl
	}
	rl.lines = append(rl.lines, line)
}

func (ls *logStore) finish(logId string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if rl, ok := ls.logs[logId]; ok {
		rl.done = true
		rl.finished = time.Now()
	}
}

// read pages from fromLineNum, 1-based as on the wire.
func (ls *logStore) read(logId string, fromLineNum int) *api.LogResult {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	rl, ok := ls.logs[logId]
	if !ok {
		return &api.LogResult{FromLineNum: fromLineNum, ToLineNum: fromLineNum, IsEnd: true}
	}
	if fromLineNum < 1 {
		fromLineNum = 1
	}
	total := len(rl.lines)
	if fromLineNum > total {
		return &api.LogResult{FromLineNum: fromLineNum, ToLineNum: total, IsEnd: rl.done}
	}
	page := rl.lines[fromLineNum-1:]
	return &api.LogResult{
		FromLineNum: fromLineNum,
		ToLineNum:   total,
		LogContent:  strings.Join(page, "\n"),
		IsEnd:       rl.done,
	}
}

func (ls *logStore) sweep() {
	cutoff := time.Now().Add(-ls.retention)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for logId, rl := range ls.logs {
		if rl.done && rl.finished.Before(cutoff) {
			delete(ls.logs, logId)
		}
	}
}
