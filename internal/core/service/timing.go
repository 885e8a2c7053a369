package service

import (
	"context"
	"time"
)

const (
	EMERGENCY_SOC_THRESHOLD = 20.0 // %
)

type Timings struct {
	PollInterval            time.Duration
	LoadSettleDelay         time.Duration
	ReconnectSettleDelay    time.Duration
	RestoreLoadDelay        time.Duration
	RestoreSettleDelay      time.Duration
	StatusBroadcastInterval time.Duration
	CommandTimeout          time.Duration
}

// DefaultTimings are the production delays. The inter-step delays guard
// against cumulative inrush current and must not be shortened on real hardware.
func DefaultTimings() Timings {
	return Timings{
		PollInterval:            100 * time.Millisecond,
		LoadSettleDelay:         500 * time.Millisecond,
		ReconnectSettleDelay:    100 * time.Millisecond,
		RestoreLoadDelay:        200 * time.Millisecond,
		RestoreSettleDelay:      5 * time.Second,
		StatusBroadcastInterval: 5 * time.Second,
		CommandTimeout:          2 * time.Second,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
