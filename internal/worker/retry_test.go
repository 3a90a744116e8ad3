package worker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoWithStepLadderSucceedsWithoutSleeping(t *testing.T) {
	calls := 0
	err := doWithStepLadder(nil, func(attempt int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoWithStepLadderExhaustsStepsThenFails(t *testing.T) {
	steps := []time.Duration{time.Millisecond, time.Millisecond}
	calls := 0
	err := doWithStepLadder(steps, func(attempt int) error {
		calls++
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, len(steps)+1, calls)
}

func TestDoWithStepLadderRecoversOnLaterAttempt(t *testing.T) {
	steps := []time.Duration{time.Millisecond, time.Millisecond}
	calls := 0
	err := doWithStepLadder(steps, func(attempt int) error {
		calls++
		if calls < 2 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
