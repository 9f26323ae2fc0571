package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobState_Transition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to JobState
		ok       bool
	}{
		{JobQueued, JobProcessing, true},
		{JobProcessing, JobCompleted, true},
		{JobProcessing, JobRetrying, true},
		{JobProcessing, JobDeadLettered, true},
		{JobRetrying, JobProcessing, true},
		{JobQueued, JobCompleted, false},
		{JobRetrying, JobCompleted, false},
		{JobCompleted, JobProcessing, false},
		{JobDeadLettered, JobQueued, false},
	}
	for _, tt := range tests {
		got, err := tt.from.Transition(tt.to)
		if tt.ok {
			require.NoError(t, err, "%s -> %s", tt.from, tt.to)
			assert.Equal(t, tt.to, got)
			continue
		}
		require.Error(t, err, "%s -> %s", tt.from, tt.to)
		assert.Equal(t, tt.from, got)
	}

	assert.True(t, JobCompleted.Final())
	assert.True(t, JobDeadLettered.Final())
	assert.False(t, JobRetrying.Final())
}
