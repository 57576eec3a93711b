package backend

import (
	"testing"

	"github.com/stretchr/testify/require"

	types "github.com/sebas/agentphone/api/types/v1"
	"github.com/sebas/agentphone/internal/agent/apperr"
)

func TestMessageSucceeded(t *testing.T) {
	t.Parallel()

	for msg, want := range map[string]bool{
		"Call held successfully":     true,
		"OK":                         true,
		"Dial initiated":             true,
		"Call connected.":            true,
		"Call disconnected":          false,
		"Link broken":                false,
		"Token revoked":              false,
		"Conference failed: timeout": false,
		"Bridge not found":           false,
		"Unable to resume call":      false,
		"":                           false,
	} {
		require.Equal(t, want, messageSucceeded(msg), msg)
	}
}

func TestInterpretPrefersStructuredFlag(t *testing.T) {
	t.Parallel()

	ok := true
	require.NoError(t, interpret("backend.hold", types.Result{Success: &ok, Message: "Call disconnected"}))

	err := interpret("backend.hold", types.Result{Message: "Call disconnected"})
	require.Equal(t, apperr.CodeRejected, apperr.CodeOf(err))
}
