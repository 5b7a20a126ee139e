package taskclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericroliver/tinyscheduler/pkg/taskcache"
	"github.com/ericroliver/tinyscheduler/pkg/types"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Attempts: 3}
}

func TestListIdleTasksSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "vaela", r.URL.Query().Get("agent"))
		json.NewEncoder(w).Encode([]types.Task{{ID: "101"}})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, fastPolicy())
	tasks, err := c.ListIdleTasks(context.Background(), "vaela", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "101", tasks[0].ID)
}

func TestListIdleTasksDegradesOnExhaustion(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	clk := testclock.NewClock(time.Now())
	go advanceOnWait(clk, 3*time.Second)

	c := NewHTTPClient(srv.URL, time.Second, fastPolicy()).WithClock(clk)
	tasks, err := c.ListIdleTasks(context.Background(), "vaela", 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestListIdleTasksServesCacheOnExhaustion(t *testing.T) {
	cache, err := taskcache.Open(t.TempDir())
	require.NoError(t, err)
	defer cache.Close()
	require.NoError(t, cache.Put(taskcache.AgentKey("vaela"), []types.Task{{ID: "stale-1"}}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	clk := testclock.NewClock(time.Now())
	go advanceOnWait(clk, 3*time.Second)

	c := NewHTTPClient(srv.URL, time.Second, fastPolicy()).WithClock(clk).WithCache(cache)
	tasks, err := c.ListIdleTasks(context.Background(), "vaela", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "stale-1", tasks[0].ID)
}

func TestListIdleTasksRefreshesCacheOnSuccess(t *testing.T) {
	cache, err := taskcache.Open(t.TempDir())
	require.NoError(t, err)
	defer cache.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]types.Task{{ID: "fresh-1"}})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, fastPolicy()).WithCache(cache)
	_, err = c.ListIdleTasks(context.Background(), "vaela", 10)
	require.NoError(t, err)

	cached, err := cache.Get(taskcache.AgentKey("vaela"))
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "fresh-1", cached[0].ID)
}

func TestAssignInvalidIdentifierReturnsFalse(t *testing.T) {
	c := NewHTTPClient("http://unused.invalid", time.Second, fastPolicy())
	assert.False(t, c.Assign(context.Background(), "bad id", "agent"))
}

func TestAssignSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, fastPolicy())
	assert.True(t, c.Assign(context.Background(), "101", "vaela"))
}

func TestUpdateStateDegradesOnExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	clk := testclock.NewClock(time.Now())
	go advanceOnWait(clk, 3*time.Second)

	c := NewHTTPClient(srv.URL, time.Second, fastPolicy()).WithClock(clk)
	ok := c.UpdateState(context.Background(), "101", types.StateIdle, nil)
	assert.False(t, ok)
}

// advanceOnWait repeatedly advances the fake clock so retry.Call's
// internal waits resolve promptly instead of the test hanging on real
// time; it stops once budget has elapsed.
func advanceOnWait(clk *testclock.Clock, budget time.Duration) {
	deadline := time.Now().Add(budget)
	for time.Now().Before(deadline) {
		clk.Advance(10 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
}
