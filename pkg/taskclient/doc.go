/*
Package taskclient is a thin, retrying, failure-tolerant façade over the
remote task service.

# Architecture

	┌─────────────────── TASK SERVICE CLIENT ───────────────────┐
	│                                                             │
	│  ListIdleTasks(agent, limit)         -> [Task], retried    │
	│  GetUnassignedInQueue(queue, limit)  -> [Task], retried    │
	│  Assign(taskID, agent)               -> bool,  retried     │
	│  UpdateState(taskID, state, meta)    -> bool,  retried     │
	│                                                             │
	│  Each call:                                                │
	│    1. validates task_id / agent against the identifier     │
	│       rule before touching the network                     │
	│    2. wraps the HTTP round-trip in retry.Call: base delay   │
	│       ~500ms, doubling, capped at 8s, 3 attempts total      │
	│    3. on exhaustion: reads fall back to the last cached      │
	│       result (pkg/taskcache) if one is attached, else the  │
	│       empty list; writes return false                      │
	└─────────────────────────────────────────────────────────────┘

Idempotence is a caller-visible contract, not something this package
enforces on the wire: Assign and UpdateState are safe to call twice with
the same arguments because the task service's own semantics make repeat
calls no-ops, not because the client deduplicates them.
*/
package taskclient
