package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindPool(t *testing.T) {
	assert.Equal(t, PoolCommon, ValidateStudy.Pool())
	assert.Equal(t, PoolCommon, FailRevision.Pool())
	assert.Equal(t, PoolDataMover, SetFTPReadOnly.Pool())
	assert.Equal(t, PoolDataMover, SubmitMirrorSync.Pool())
	assert.Equal(t, PoolMonitor, Heartbeat.Pool())
	assert.Equal(t, PoolCommon, Kind("unknown").Pool())
}

func TestEnvelopeCursor(t *testing.T) {
	env := Envelope{Chain: []Kind{IncrementRevision, PrepareRevisionFolder}}
	assert.Equal(t, IncrementRevision, env.Current())
	assert.False(t, env.Last())

	env.Index = 1
	assert.Equal(t, PrepareRevisionFolder, env.Current())
	assert.True(t, env.Last())

	env.Index = 2
	assert.Equal(t, Kind(""), env.Current())
}

func TestParsePool(t *testing.T) {
	p, ok := ParsePool("data-mover")
	assert.True(t, ok)
	assert.Equal(t, PoolDataMover, p)

	_, ok = ParsePool("datamover")
	assert.False(t, ok)
}
