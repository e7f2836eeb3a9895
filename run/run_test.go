package run

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		id   string
		ok   bool
	}{
		{"simple", "abc-1", true},
		{"underscore inside", "a_b", true},
		{"max length", strings.Repeat("a", 128), true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", 129), false},
		{"leading underscore", "_abc", false},
		{"slash", "a/b", false},
		{"space", "a b", false},
		{"colon", "run:1", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateID(tc.id)
			if tc.ok {
				require.NoError(t, err)
				return
			}
			var ierr *InvalidIDError
			require.ErrorAs(t, err, &ierr)
		})
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	require.True(t, CanTransition(StatusAccepted, StatusRunning))
	require.True(t, CanTransition(StatusAccepted, StatusCancelled))
	require.False(t, CanTransition(StatusAccepted, StatusCompleted))
	require.False(t, CanTransition(StatusAccepted, StatusFailed))

	for _, to := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		require.True(t, CanTransition(StatusRunning, to))
	}

	// Terminal states are absorbing.
	for _, from := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		for _, to := range []Status{StatusAccepted, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled} {
			require.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}
