package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateUUIDWithSuffix(t *testing.T) {
	id := GenerateUUIDWithSuffix("op")
	assert.True(t, strings.HasPrefix(id, "op_"))

	other := GenerateUUIDWithSuffix("op")
	assert.NotEqual(t, id, other)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusInProgress))
	assert.True(t, CanTransition(StatusInProgress, StatusSucceeded))
	assert.True(t, CanTransition(StatusInProgress, StatusFailed))
	assert.True(t, CanTransition(StatusFailed, StatusInProgress))
	assert.True(t, CanTransition(StatusFailed, StatusAbandoned))
	assert.True(t, CanTransition(StatusPending, StatusAbandoned))

	// terminal statuses are frozen
	assert.False(t, CanTransition(StatusSucceeded, StatusFailed))
	assert.False(t, CanTransition(StatusSucceeded, StatusInProgress))
	assert.False(t, CanTransition(StatusAbandoned, StatusInProgress))
	assert.False(t, CanTransition(StatusAbandoned, StatusPending))

	// no self transitions, no skipping in_progress
	assert.False(t, CanTransition(StatusPending, StatusPending))
	assert.False(t, CanTransition(StatusPending, StatusSucceeded))
}

func TestValidKind(t *testing.T) {
	assert.True(t, ValidKind(KindCreate))
	assert.True(t, ValidKind(KindUpdate))
	assert.True(t, ValidKind(KindDelete))
	assert.False(t, ValidKind("upsert"))
	assert.False(t, ValidKind(""))
}
