package taskcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericroliver/tinyscheduler/pkg/types"
)

func TestPutGetRoundTrip(t *testing.T) {
	cache, err := Open(t.TempDir())
	require.NoError(t, err)
	defer cache.Close()

	tasks := []types.Task{{ID: "101", Priority: 5}, {ID: "102"}}
	require.NoError(t, cache.Put(AgentKey("vaela"), tasks))

	got, err := cache.Get(AgentKey("vaela"))
	require.NoError(t, err)
	assert.Equal(t, tasks, got)
}

func TestGetMissingKeyReturnsNil(t *testing.T) {
	cache, err := Open(t.TempDir())
	require.NoError(t, err)
	defer cache.Close()

	got, err := cache.Get(QueueKey("dev"))
	require.NoError(t, err)
	assert.Nil(t, got)
}
