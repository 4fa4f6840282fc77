package executor

import (
	"context"
	"time"
)

// WaitExecutor — executor для шага типа "wait".
//
// Ожидает WaitStep.Seconds секунд. Поддерживает отмену через context.
type WaitExecutor struct{}

// Execute выполняет задержку.
func (e *WaitExecutor) Execute(ctx context.Context, req *Request) Result {
	seconds := 0.0
	if req.Step.Wait != nil {
		seconds = req.Step.Wait.Seconds
	}
	if seconds < 0 {
		seconds = 0
	}

	duration := time.Duration(seconds * float64(time.Second))
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return Succeeded(map[string]any{"waited_sec": seconds})
	case <-ctx.Done():
		return Cancelled(ctx.Err())
	}
}
