package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type chanLocker struct {
	ch chan struct{}
}

func newChanLocker() *chanLocker {
	return &chanLocker{ch: make(chan struct{}, 1)}
}

func (l *chanLocker) LockContext(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	default:
		return errors.New("lock already taken")
	}
}

func (l *chanLocker) UnlockContext(ctx context.Context) (bool, error) {
	<-l.ch
	return true, nil
}

type mockJobs struct {
	mock.Mock
}

func (m *mockJobs) RecoverStaleClaims(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockJobs) ProcessDueReleases(ctx context.Context, now time.Time) (int, error) {
	args := m.Called(ctx, now)
	return args.Int(0), args.Error(1)
}

func (m *mockJobs) RetryApprovedRefunds(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockJobs) SweepPendingPayments(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	args := m.Called(ctx, olderThan, limit)
	return args.Int(0), args.Error(1)
}

var testSchedule = SchedulerConfig{
	Schedule:        "@every 1h",
	TickTimeout:     time.Minute,
	PendingMaxAge:   2 * time.Minute,
	PendingSweepMax: 50,
}

func TestTickRunsEveryJob(t *testing.T) {
	jobs := &mockJobs{}
	now := time.Date(2024, 1, 13, 12, 0, 0, 0, time.UTC)
	jobs.On("RecoverStaleClaims", mock.Anything, now).Return(int64(1), nil).Once()
	jobs.On("ProcessDueReleases", mock.Anything, now).Return(3, nil).Once()
	jobs.On("RetryApprovedRefunds", mock.Anything).Return(0, nil).Once()
	jobs.On("SweepPendingPayments", mock.Anything, 2*time.Minute, 50).Return(2, nil).Once()

	s := NewEscrowScheduler(testSchedule, newChanLocker(), jobs, jobs, jobs)
	s.now = func() time.Time { return now }

	assert.True(t, s.Tick(context.Background()))
	jobs.AssertExpectations(t)
}

func TestTickKeepsGoingAfterJobFailure(t *testing.T) {
	jobs := &mockJobs{}
	jobs.On("RecoverStaleClaims", mock.Anything, mock.Anything).Return(int64(0), errors.New("db down"))
	jobs.On("ProcessDueReleases", mock.Anything, mock.Anything).Return(0, errors.New("db down"))
	jobs.On("RetryApprovedRefunds", mock.Anything).Return(1, nil)
	jobs.On("SweepPendingPayments", mock.Anything, mock.Anything, mock.Anything).Return(0, nil)

	s := NewEscrowScheduler(testSchedule, newChanLocker(), jobs, jobs, jobs)

	assert.True(t, s.Tick(context.Background()))
	jobs.AssertCalled(t, "RetryApprovedRefunds", mock.Anything)
	jobs.AssertCalled(t, "SweepPendingPayments", mock.Anything, mock.Anything, mock.Anything)
}

func TestTickSkipsWhenLockHeld(t *testing.T) {
	jobs := &mockJobs{}
	lock := newChanLocker()
	require.NoError(t, lock.LockContext(context.Background()))

	s := NewEscrowScheduler(testSchedule, lock, jobs, jobs, jobs)

	assert.False(t, s.Tick(context.Background()))
	jobs.AssertNotCalled(t, "ProcessDueReleases", mock.Anything, mock.Anything)
}

func TestConcurrentTicksRunOnce(t *testing.T) {
	jobs := &mockJobs{}
	release := make(chan struct{})
	jobs.On("RecoverStaleClaims", mock.Anything, mock.Anything).Return(int64(0), nil)
	jobs.On("ProcessDueReleases", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(0, nil)
	jobs.On("RetryApprovedRefunds", mock.Anything).Return(0, nil)
	jobs.On("SweepPendingPayments", mock.Anything, mock.Anything, mock.Anything).Return(0, nil)

	lock := newChanLocker()
	a := NewEscrowScheduler(testSchedule, lock, jobs, jobs, jobs)
	b := NewEscrowScheduler(testSchedule, lock, jobs, jobs, jobs)

	var wg sync.WaitGroup
	var ranA bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		ranA = a.Tick(context.Background())
	}()

	require.Eventually(t, func() bool { return len(lock.ch) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, b.Tick(context.Background()))

	close(release)
	wg.Wait()

	assert.True(t, ranA)
	jobs.AssertNumberOfCalls(t, "ProcessDueReleases", 1)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := NewEscrowScheduler(SchedulerConfig{Schedule: "not a schedule"}, newChanLocker(), nil, nil, nil)
	assert.Error(t, s.Start())
}
