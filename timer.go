package brpc

import (
	"time"

	"github.com/RussellLuo/timingwheel"
)

// The timer service: one process-wide hashed timing wheel delivering
// single-shot callbacks. Both RPC timeouts and backup-request triggers are
// armed here; a fired callback only posts an event against a correlation
// slot, so a stale fire is harmless.

var timerWheel *timingwheel.TimingWheel

func initTimerService(cfg frameworkConfig) {
	timerWheel = timingwheel.NewTimingWheel(cfg.TimerTick, cfg.TimerWheelSize)
	timerWheel.Start()
}

// addTimerAt schedules f at the absolute wall time abstimeUs (microseconds).
// A deadline in the past fires on the next tick. Callbacks hop onto the
// work pool so a slow one (a backup attempt dialing out) cannot stall the
// wheel.
func addTimerAt(abstimeUs int64, f func()) (*timingwheel.Timer, error) {
	if timerWheel == nil {
		return nil, ErrTimerService
	}
	d := time.Until(absTime(abstimeUs))
	if d < 0 {
		d = 0
	}
	return timerWheel.AfterFunc(d, func() {
		if workPool == nil || workPool.Submit(f) != nil {
			f()
		}
	}), nil
}

func stopTimer(t *timingwheel.Timer) {
	if t != nil {
		t.Stop()
	}
}
