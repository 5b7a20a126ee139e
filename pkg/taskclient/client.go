package taskclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/ericroliver/tinyscheduler/pkg/log"
	"github.com/ericroliver/tinyscheduler/pkg/metrics"
	"github.com/ericroliver/tinyscheduler/pkg/taskcache"
	"github.com/ericroliver/tinyscheduler/pkg/tserrors"
	"github.com/ericroliver/tinyscheduler/pkg/types"
)

// Client is implemented by anything able to serve the four task-service
// operations the reconciler and supervisor need. Production code uses
// *HTTPClient; tests use a hand-written fake.
type Client interface {
	ListIdleTasks(ctx context.Context, agent string, limit int) ([]types.Task, error)
	GetUnassignedInQueue(ctx context.Context, queue string, limit int) ([]types.Task, error)
	Assign(ctx context.Context, taskID, agent string) bool
	UpdateState(ctx context.Context, taskID string, state types.UpdateState, metadata map[string]any) bool
}

// RetryPolicy controls the bounded exponential backoff applied to every
// call. The zero value is not usable; use DefaultRetryPolicy.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Attempts  int
}

// DefaultRetryPolicy matches spec: base ~0.5s, cap ~8s, at most 3 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second, Attempts: 3}
}

// HTTPClient is an HTTP+JSON implementation of Client.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	retry   RetryPolicy
	clock   clock.Clock
	cache   *taskcache.Cache
}

// NewHTTPClient returns a client talking to baseURL with the given
// per-call timeout and retry policy.
func NewHTTPClient(baseURL string, callTimeout time.Duration, policy RetryPolicy) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: callTimeout},
		retry:   policy,
		clock:   clock.WallClock,
	}
}

// WithClock overrides the clock used for backoff delays; tests use a fake
// clock so retries don't actually sleep.
func (c *HTTPClient) WithClock(clk clock.Clock) *HTTPClient {
	c.clock = clk
	return c
}

// WithCache attaches a last-known-good result cache. When set, a read
// call that exhausts its retries serves the cached result for that key
// instead of an empty list, and every successful read refreshes it.
func (c *HTTPClient) WithCache(cache *taskcache.Cache) *HTTPClient {
	c.cache = cache
	return c
}

// fatalErr marks a non-retryable failure (a 4xx response, a marshal
// error) so retry.Call's IsFatalError check can stop early instead of
// burning the full attempt budget on a request that will never succeed.
type fatalErr struct{ err error }

func (f fatalErr) Error() string { return f.err.Error() }
func (f fatalErr) Unwrap() error { return f.err }

func isFatal(err error) bool {
	_, ok := err.(fatalErr)
	return ok
}

func (c *HTTPClient) call(ctx context.Context, op string, fn func() error) error {
	logger := log.WithComponent("taskclient")
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TaskServiceCallDuration, op)

	attempt := 0
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempt++
			if attempt > 1 {
				metrics.TaskServiceRetriesTotal.WithLabelValues(op).Inc()
			}
			return fn()
		},
		Attempts:     c.retry.Attempts,
		Delay:        c.retry.BaseDelay,
		MaxDelay:     c.retry.MaxDelay,
		BackoffFunc:  retry.DoubleDelay,
		IsFatalError: isFatal,
		Clock:        c.clock,
		Stop:         ctx.Done(),
	})
	if err != nil {
		metrics.TaskServiceExhaustedTotal.WithLabelValues(op).Inc()
		logger.Warn().Err(err).Str("op", op).Int("attempts", attempt).Msg("task service call exhausted retries")
		return &tserrors.RemoteTransient{Op: op, Err: err}
	}
	return nil
}

func (c *HTTPClient) getJSON(ctx context.Context, op, path string, query url.Values, out any) error {
	return c.call(ctx, op, func() error {
		u := c.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("task service %s: status %d", op, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			// Client errors are not transient; don't retry, but still
			// report failure to the caller via the wrapped error.
			return fatalErr{fmt.Errorf("task service %s: status %d", op, resp.StatusCode)}
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

func (c *HTTPClient) postJSON(ctx context.Context, op, path string, body any, out any) error {
	return c.call(ctx, op, func() error {
		data, err := json.Marshal(body)
		if err != nil {
			return fatalErr{err}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("task service %s: status %d", op, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return fatalErr{fmt.Errorf("task service %s: status %d", op, resp.StatusCode)}
		}
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

// ListIdleTasks lists tasks assigned to agent with status idle. On retry
// exhaustion it falls back to the last successful result for this agent
// (if a cache is attached) rather than returning an empty list, since an
// empty list is indistinguishable from "agent has no idle tasks" and
// would otherwise starve an agent during a transient outage.
func (c *HTTPClient) ListIdleTasks(ctx context.Context, agent string, limit int) ([]types.Task, error) {
	if !types.ValidIdentifier(agent) {
		return nil, &tserrors.InvalidIdentifier{Kind: "agent", Value: agent}
	}
	key := taskcache.AgentKey(agent)
	var tasks []types.Task
	if err := c.getJSON(ctx, "list_idle_tasks", "/tasks/idle", url.Values{"agent": {agent}, "limit": {fmt.Sprint(limit)}}, &tasks); err != nil {
		return c.cachedOrEmpty(key), nil
	}
	c.cachePut(key, tasks)
	return tasks, nil
}

// GetUnassignedInQueue lists unassigned idle tasks in queue. On retry
// exhaustion it falls back to the last successful result for this queue.
func (c *HTTPClient) GetUnassignedInQueue(ctx context.Context, queue string, limit int) ([]types.Task, error) {
	key := taskcache.QueueKey(queue)
	var tasks []types.Task
	if err := c.getJSON(ctx, "get_unassigned_in_queue", "/tasks/unassigned", url.Values{"queue": {queue}, "limit": {fmt.Sprint(limit)}}, &tasks); err != nil {
		return c.cachedOrEmpty(key), nil
	}
	c.cachePut(key, tasks)
	return tasks, nil
}

func (c *HTTPClient) cachePut(key string, tasks []types.Task) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Put(key, tasks); err != nil {
		log.WithComponent("taskclient").Warn().Err(err).Str("key", key).Msg("failed to update task cache")
	}
}

func (c *HTTPClient) cachedOrEmpty(key string) []types.Task {
	if c.cache == nil {
		return nil
	}
	tasks, err := c.cache.Get(key)
	if err != nil {
		log.WithComponent("taskclient").Warn().Err(err).Str("key", key).Msg("failed to read task cache")
		return nil
	}
	if len(tasks) > 0 {
		log.WithComponent("taskclient").Warn().Str("key", key).Int("count", len(tasks)).Msg("serving stale cached tasks after retry exhaustion")
	}
	return tasks
}

// Assign attempts to assign taskID to agent. Returns false on invalid
// input, remote rejection, or retry exhaustion.
func (c *HTTPClient) Assign(ctx context.Context, taskID, agent string) bool {
	if !types.ValidIdentifier(taskID) || !types.ValidIdentifier(agent) {
		return false
	}
	var result struct {
		OK bool `json:"ok"`
	}
	body := map[string]string{"task_id": taskID, "agent": agent}
	if err := c.postJSON(ctx, "assign", "/tasks/assign", body, &result); err != nil {
		return false
	}
	return result.OK
}

// UpdateState reports taskID's new lifecycle state. Returns false on
// invalid input or retry exhaustion.
func (c *HTTPClient) UpdateState(ctx context.Context, taskID string, state types.UpdateState, metadata map[string]any) bool {
	if !types.ValidIdentifier(taskID) {
		return false
	}
	var result struct {
		OK bool `json:"ok"`
	}
	body := map[string]any{"task_id": taskID, "state": state, "metadata": metadata}
	if err := c.postJSON(ctx, "update_state", "/tasks/update_state", body, &result); err != nil {
		return false
	}
	return result.OK
}
