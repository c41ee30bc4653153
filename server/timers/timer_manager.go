package timers

import (
	"time"

	"github.com/RussellLuo/timingwheel"
)

// TimerManager owns the timing wheel behind retry and fixed-delay
// scheduling. One wheel serves the whole process. The tick is 100ms so
// sub-second retry backoff delays fire close to their computed value.
type TimerManager struct {
	wheel *timingwheel.TimingWheel
}

const wheelTick = 100 * time.Millisecond

func NewTimerManager(maxDelayInSeconds int64) *TimerManager {
	ticksPerSecond := int64(time.Second / wheelTick)
	return &TimerManager{
		wheel: timingwheel.NewTimingWheel(wheelTick, maxDelayInSeconds*ticksPerSecond),
	}
}

func (m *TimerManager) AddTask(task func(), delay time.Duration) {
	m.wheel.AfterFunc(delay, task)
}

func (m *TimerManager) Init() {
	m.wheel.Start()
}

func (m *TimerManager) Stop() {
	m.wheel.Stop()
}
