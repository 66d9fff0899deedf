package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/credit_ledger_server/config"
)

type fakeResetter struct {
	calls atomic.Int32
	err   error
}

func (f *fakeResetter) ResetMonthly(context.Context) (int64, error) {
	f.calls.Add(1)
	return 3, f.err
}

type fakeChecker struct{ calls atomic.Int32 }

func (f *fakeChecker) CheckThreshold(context.Context) error {
	f.calls.Add(1)
	return errors.New("billing unavailable")
}

type fakeSweeper struct{ calls atomic.Int32 }

func (f *fakeSweeper) Sweep(context.Context) (int, error) {
	f.calls.Add(1)
	return 2, nil
}

func TestNextMonthStart(t *testing.T) {
	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2026, 1, 31, 23, 59, 0, 0, time.UTC), time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 12, 15, 8, 0, 0, 0, time.UTC), time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NextMonthStart(tt.now))
	}

	// 非 UTC 时间按 UTC 计算
	shanghai := time.FixedZone("CST", 8*3600)
	got := NextMonthStart(time.Date(2026, 3, 1, 5, 0, 0, 0, shanghai))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestService_RunNow(t *testing.T) {
	resetter := &fakeResetter{}
	svc := NewService(resetter, nil, nil, config.CronConfig{})

	n, err := svc.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, int32(1), resetter.calls.Load())

	resetter.err = errors.New("db down")
	_, err = svc.RunNow(context.Background())
	assert.Error(t, err)
}

func TestService_PeriodicJobs(t *testing.T) {
	checker := &fakeChecker{}
	sweeper := &fakeSweeper{}
	svc := NewService(&fakeResetter{}, checker, sweeper, config.CronConfig{
		ThresholdCheckInterval: 10 * time.Millisecond,
		OutboxSweepInterval:    10 * time.Millisecond,
	})

	svc.Start()
	assert.Eventually(t, func() bool {
		return checker.calls.Load() >= 2 && sweeper.calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)
	svc.Stop()

	// 停止后不再执行
	after := sweeper.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, sweeper.calls.Load())
}

func TestService_MonthlyResetFires(t *testing.T) {
	resetter := &fakeResetter{}
	svc := NewService(resetter, nil, nil, config.CronConfig{})
	svc.now = func() time.Time {
		return time.Date(2026, 4, 30, 23, 59, 59, 999_990_000, time.UTC)
	}

	svc.Start()
	assert.Eventually(t, func() bool { return resetter.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	svc.Stop()
}

func TestService_StartWithoutJobs(t *testing.T) {
	svc := NewService(nil, nil, nil, config.CronConfig{})
	svc.Start()
	svc.Stop()
}
