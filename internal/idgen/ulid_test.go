package idgen_test

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isaacncz/Eat-Spin-sub000/internal/idgen"
)

func TestNewULID_MonotonicWithinSameMillisecond(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	prev := idgen.NewULIDAt(at)
	for i := 0; i < 100; i++ {
		next := idgen.NewULIDAt(at)
		assert.Greater(t, next, prev)
		prev = next
	}

	id, err := ulid.Parse(idgen.NewULID())
	require.NoError(t, err)
	assert.InDelta(t, time.Now().UnixMilli(), int64(id.Time()), 5000)
}
