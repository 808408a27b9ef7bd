package trip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []Status{
	StatusPending, StatusAssigned, StatusEnRoute, StatusAtPickup,
	StatusInTransit, StatusArrived, StatusCompleted, StatusCancelled,
}

func TestParseStatus(t *testing.T) {
	got, err := ParseStatus("  In_Transit ")
	require.NoError(t, err)
	assert.Equal(t, StatusInTransit, got)

	_, err = ParseStatus("teleporting")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestTransitionMatrix(t *testing.T) {
	allowed := map[Status]Status{
		StatusPending:   StatusAssigned,
		StatusAssigned:  StatusEnRoute,
		StatusEnRoute:   StatusAtPickup,
		StatusAtPickup:  StatusInTransit,
		StatusInTransit: StatusArrived,
		StatusArrived:   StatusCompleted,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := false
			if next, ok := allowed[from]; ok && next == to {
				want = true
			}
			if to == StatusCancelled && !from.Terminal() {
				want = true
			}
			assert.Equalf(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalHasNoOutgoingEdges(t *testing.T) {
	for _, from := range []Status{StatusCompleted, StatusCancelled} {
		for _, to := range allStatuses {
			assert.Falsef(t, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestSourcesOf(t *testing.T) {
	assert.ElementsMatch(t, []Status{StatusArrived}, SourcesOf(StatusCompleted))
	assert.ElementsMatch(t,
		[]Status{StatusPending, StatusAssigned, StatusEnRoute, StatusAtPickup, StatusInTransit, StatusArrived},
		SourcesOf(StatusCancelled))
	assert.Empty(t, SourcesOf(StatusPending))
}

func TestInProgress(t *testing.T) {
	assert.False(t, StatusPending.InProgress())
	assert.True(t, StatusEnRoute.InProgress())
	assert.True(t, StatusArrived.InProgress())
	assert.False(t, StatusCompleted.InProgress())
	assert.False(t, StatusCancelled.InProgress())
}
