package rberrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOutcomeString(t *testing.T) {
	tcases := []struct {
		outcome  Outcome
		expected string
	}{
		{ToolExited, "exited"},
		{ToolSignaled, "signaled"},
		{ToolTimeout, "timeout"},
		{ToolOutOfMemory, "out-of-memory"},
		{ToolFileLimitExceeded, "file-limit-exceeded"},
		{Outcome(99), "unknown"},
	}
	for _, tc := range tcases {
		require.Equal(t, tc.expected, tc.outcome.String())
	}
}

func TestInfeasibleAllocationErrorMessage(t *testing.T) {
	plain := &InfeasibleAllocationError{Reason: "not enough cores"}
	require.Equal(t, "infeasible core allocation: not enough cores", plain.Error())

	withSuggestion := &InfeasibleAllocationError{Reason: "too many workers", SuggestedWorkers: 3, HasSuggestion: true}
	require.Equal(t, "infeasible core allocation: too many workers (suggested worker count: 3)", withSuggestion.Error())
}

func TestContainerSetupErrorUnwraps(t *testing.T) {
	cause := errors.New("mount failed")
	err := &ContainerSetupError{Stage: "mount-proc", Errno: cause}
	require.ErrorIs(t, err, cause)
}

func TestTopologyReadFailureErrorUnwraps(t *testing.T) {
	cause := errors.New("permission denied")
	err := &TopologyReadFailureError{Path: "/sys/devices/system/cpu/cpu0", Err: cause}
	require.ErrorIs(t, err, cause)
}
