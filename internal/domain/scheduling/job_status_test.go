package scheduling

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ahrav/scan-delegation/internal/domain/shared"
)

func TestJobStatus_ValidTransitions(t *testing.T) {
	tests := []struct {
		current JobStatus
		target  JobStatus
	}{
		{JobStatusInitializing, JobStatusReadyToStart},
		{JobStatusInitializing, JobStatusCancelRequested},
		{JobStatusReadyToStart, JobStatusStarted},
		{JobStatusReadyToStart, JobStatusCancelRequested},
		{JobStatusStarted, JobStatusEnded},
		{JobStatusStarted, JobStatusPaused},
		{JobStatusStarted, JobStatusCancelRequested},
		{JobStatusCancelRequested, JobStatusCanceled},
		{JobStatusCancelRequested, JobStatusPaused},
		{JobStatusPaused, JobStatusStarted},
		{JobStatusPaused, JobStatusCancelRequested},
	}

	for _, tt := range tests {
		t.Run(tt.current.String()+" to "+tt.target.String(), func(t *testing.T) {
			assert.NoError(t, tt.current.validateTransition(tt.target))
		})
	}
}

func TestJobStatus_InvalidTransitions(t *testing.T) {
	all := []JobStatus{
		JobStatusInitializing, JobStatusReadyToStart, JobStatusStarted,
		JobStatusCancelRequested, JobStatusCanceled, JobStatusPaused, JobStatusEnded,
	}
	legal := map[JobStatus][]JobStatus{
		JobStatusInitializing:    {JobStatusReadyToStart, JobStatusCancelRequested},
		JobStatusReadyToStart:    {JobStatusStarted, JobStatusCancelRequested},
		JobStatusStarted:         {JobStatusEnded, JobStatusPaused, JobStatusCancelRequested},
		JobStatusCancelRequested: {JobStatusCanceled, JobStatusPaused},
		JobStatusPaused:          {JobStatusStarted, JobStatusCancelRequested},
	}

	for _, from := range all {
		for _, to := range all {
			if contains(legal[from], to) {
				continue
			}
			t.Run(from.String()+" to "+to.String(), func(t *testing.T) {
				err := from.validateTransition(to)
				assert.Error(t, err)
				assert.True(t, shared.IsStateTransitionError(err))
			})
		}
	}
}

func contains(list []JobStatus, s JobStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestJobStatus_Classification(t *testing.T) {
	for _, s := range ActiveJobStatuses() {
		assert.True(t, s.IsActive(), s)
		assert.False(t, s.IsTerminal(), s)
	}
	for _, s := range TerminalJobStatuses() {
		assert.True(t, s.IsTerminal(), s)
		assert.False(t, s.IsActive(), s)
	}
	assert.False(t, JobStatusReadyToStart.IsActive())
	assert.False(t, JobStatusInitializing.IsActive())
}

func TestParseJobStatus(t *testing.T) {
	assert.Equal(t, JobStatusPaused, ParseJobStatus("PAUSED"))
	assert.Equal(t, JobStatus(""), ParseJobStatus("paused"))
	assert.Equal(t, JobResultOK, ParseJobResult("OK"))
	assert.Equal(t, JobResultNone, ParseJobResult("bogus"))
}
