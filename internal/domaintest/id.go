package domaintest

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// NewEventID returns a time-ordered (v7) event id, like the ones clients are expected to send
func NewEventID(t *testing.T) string {
	t.Helper()

	id, err := uuid.NewV7()
	require.NoError(t, err)
	return id.String()
}
