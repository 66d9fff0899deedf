package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStatus_CanTransition(t *testing.T) {
	assert.True(t, TaskPending.CanTransition(TaskRunning))
	assert.True(t, TaskRunning.CanTransition(TaskSucceeded))
	assert.True(t, TaskRunning.CanTransition(TaskFailed))

	assert.False(t, TaskPending.CanTransition(TaskSucceeded))
	assert.False(t, TaskRunning.CanTransition(TaskPending))
	assert.False(t, TaskSucceeded.CanTransition(TaskFailed))
	assert.False(t, TaskFailed.CanTransition(TaskSucceeded))
	assert.False(t, TaskFailed.CanTransition(TaskRunning))
}

func TestTaskStatus_Terminal(t *testing.T) {
	assert.False(t, TaskPending.Terminal())
	assert.False(t, TaskRunning.Terminal())
	assert.True(t, TaskSucceeded.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.False(t, TaskStatus("bogus").Valid())
}

func TestTaskStatus_PathTo(t *testing.T) {
	path, err := TaskPending.PathTo(TaskFailed)
	require.NoError(t, err)
	assert.Equal(t, []TaskStatus{TaskRunning, TaskFailed}, path)

	path, err = TaskRunning.PathTo(TaskSucceeded)
	require.NoError(t, err)
	assert.Equal(t, []TaskStatus{TaskSucceeded}, path)

	_, err = TaskSucceeded.PathTo(TaskFailed)
	assert.Error(t, err)
}

func TestUserCreditAccount_ResetDue(t *testing.T) {
	acc := &UserCreditAccount{LastResetAt: time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC)}

	assert.False(t, acc.ResetDue(time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC)))
	assert.True(t, acc.ResetDue(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, acc.ResetDue(time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC)))
}

func TestUser_EffectiveTier(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.Equal(t, "free", (&User{}).EffectiveTier(now))
	assert.Equal(t, "pro", (&User{SubscriptionLevel: "pro"}).EffectiveTier(now))
	assert.Equal(t, "pro", (&User{SubscriptionLevel: "pro", SubscriptionExpiresAt: &future}).EffectiveTier(now))
	assert.Equal(t, "free", (&User{SubscriptionLevel: "pro", SubscriptionExpiresAt: &past}).EffectiveTier(now))
}
