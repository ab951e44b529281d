package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()

	h := NewComponentHealth("subscriber", 0)
	r.Register(h)

	assert.Same(t, h, r.Get("subscriber"))
	assert.Nil(t, r.Get("consumer"))
}

func TestRegistry_SnapshotsSortedByName(t *testing.T) {
	r := NewRegistry()
	r.Register(NewComponentHealth("subscriber", 0))
	r.Register(NewComponentHealth("consumer", 0))
	r.Register(NewComponentHealth("backfill", 0))

	snaps := r.Snapshots()
	names := make([]string, 0, len(snaps))
	for _, s := range snaps {
		names = append(names, s.Component)
	}
	assert.Equal(t, []string{"backfill", "consumer", "subscriber"}, names)
}

func TestRegistry_Healthy(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.Healthy(), "empty registry is healthy")

	h := NewComponentHealth("consumer", 1)
	r.Register(h)
	assert.True(t, r.Healthy(), "unknown is not unhealthy")

	h.RecordFailure()
	assert.False(t, r.Healthy())

	h.RecordSuccess()
	assert.True(t, r.Healthy())
}
