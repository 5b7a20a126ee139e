// Package reconciler implements the periodic pass that reconciles the
// lease store and the remote task service: reclaiming stale leases,
// selecting eligible tasks, and spawning one supervisor per assignment.
package reconciler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ericroliver/tinyscheduler/pkg/blocking"
	"github.com/ericroliver/tinyscheduler/pkg/config"
	"github.com/ericroliver/tinyscheduler/pkg/leasestore"
	"github.com/ericroliver/tinyscheduler/pkg/lock"
	"github.com/ericroliver/tinyscheduler/pkg/log"
	"github.com/ericroliver/tinyscheduler/pkg/metrics"
	"github.com/ericroliver/tinyscheduler/pkg/registry"
	"github.com/ericroliver/tinyscheduler/pkg/taskclient"
	"github.com/ericroliver/tinyscheduler/pkg/types"
)

// Spawner launches a supervisor process for one assignment. By the time
// Spawn is called the task has already been assigned remotely (when
// assignment applies).
type Spawner interface {
	Spawn(ctx context.Context, task types.Task, agent, recipePath string) error
}

// Summary is the per-pass counters emitted in the closing log line.
type Summary struct {
	PassID            string `json:"pass_id"`
	LeasesScanned     int    `json:"leases_scanned"`
	LeasesReclaimed   int    `json:"leases_reclaimed"`
	TasksSpawned      int    `json:"tasks_spawned"`
	AssignedSpawned   int    `json:"assigned_spawned"`
	UnassignedMatched int    `json:"unassigned_matched"`
	TasksBlocked      int    `json:"tasks_blocked"`
	Errors            int    `json:"errors"`
	Skipped           bool   `json:"skipped"`
}

// Reconciler runs one idempotent reconciliation pass, serialized across
// overlapping invocations by an exclusive lock file.
type Reconciler struct {
	cfg      *config.Config
	leases   *leasestore.Store
	client   taskclient.Client
	registry *registry.Registry
	spawner  Spawner
	recipes  *RecipeResolver
	logger   zerolog.Logger

	mu sync.Mutex
}

// New builds a Reconciler from its collaborators.
func New(cfg *config.Config, leases *leasestore.Store, client taskclient.Client, reg *registry.Registry, spawner Spawner) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		leases:   leases,
		client:   client,
		registry: reg,
		spawner:  spawner,
		recipes:  NewRecipeResolver(cfg.RecipesDir),
		logger:   log.WithComponent("reconciler"),
	}
}

// RunOnce acquires the process lock and runs a single pass. If the lock
// is held by another process, it logs a warning and returns a skipped
// Summary with no error.
func (r *Reconciler) RunOnce(ctx context.Context) (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, err := lock.Acquire(r.cfg.LockFilePath(), r.cfg.Host)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			metrics.ReconciliationSkippedTotal.Inc()
			r.logger.Warn().Err(err).Msg("reconciliation pass skipped: lock held")
			return Summary{Skipped: true}, nil
		}
		return Summary{}, err
	}
	defer l.Release()

	passID := uuid.New().String()
	passLogger := r.logger.With().Str("pass_id", passID).Logger()

	timer := metrics.NewTimer()
	summary := r.pass(ctx)
	summary.PassID = passID
	timer.ObserveDuration(metrics.ReconciliationDuration)
	metrics.ReconciliationPassesTotal.Inc()

	passLogger.Info().
		Int("leases_scanned", summary.LeasesScanned).
		Int("leases_reclaimed", summary.LeasesReclaimed).
		Int("tasks_spawned", summary.TasksSpawned).
		Int("assigned_spawned", summary.AssignedSpawned).
		Int("unassigned_matched", summary.UnassignedMatched).
		Int("tasks_blocked", summary.TasksBlocked).
		Int("errors", summary.Errors).
		Msg("reconciliation pass complete")

	return summary, nil
}

// RunDaemon runs RunOnce on a ticker until ctx is cancelled, finishing
// the current pass before returning.
func (r *Reconciler) RunDaemon(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error().Err(err).Msg("reconciliation pass failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) pass(ctx context.Context) Summary {
	var summary Summary

	r.scanAndReclaim(ctx, &summary)

	if !r.registry.IsEmpty() {
		r.processQueues(ctx, &summary)
		r.processAssigned(ctx, &summary)
	} else {
		r.processLegacy(ctx, &summary)
	}

	return summary
}

func (r *Reconciler) scanAndReclaim(ctx context.Context, summary *Summary) {
	leases, err := r.leases.List()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list leases")
		summary.Errors++
		return
	}
	summary.LeasesScanned = len(leases)

	now := time.Now().UTC()
	for _, lease := range leases {
		class := r.leases.Classify(lease, now)
		if class == types.Healthy {
			continue
		}

		outcome := types.StateIdle
		if class == types.OverMaxRuntime {
			outcome = types.StateFailed
		}

		if r.cfg.DryRun {
			r.logger.Info().Str("task_id", lease.TaskID).Str("classification", string(class)).Msg("dry run: would reclaim lease")
			summary.LeasesReclaimed++
			continue
		}

		if err := r.leases.Delete(lease.TaskID); err != nil {
			r.logger.Error().Err(err).Str("task_id", lease.TaskID).Msg("failed to delete stale lease")
			summary.Errors++
			continue
		}
		r.client.UpdateState(ctx, lease.TaskID, outcome, map[string]any{"reason": string(class)})
		metrics.LeasesReclaimedTotal.WithLabelValues(string(class)).Inc()
		summary.LeasesReclaimed++
	}
}

func (r *Reconciler) processQueues(ctx context.Context, summary *Summary) {
	for _, queue := range r.registry.Queues() {
		agents := r.registry.AgentsForQueue(queue)
		freeSlots := r.freeSlotsFor(agents)

		total := 0
		for _, n := range freeSlots {
			total += n
		}
		if total == 0 {
			continue
		}

		tasks, err := r.client.GetUnassignedInQueue(ctx, queue, total)
		if err != nil {
			r.logger.Error().Err(err).Str("queue", queue).Msg("failed to fetch unassigned tasks")
			summary.Errors++
			continue
		}

		candidates := tasks
		if !r.cfg.DisableBlocking {
			var blocked int
			candidates, blocked = blocking.FilterAndSort(tasks)
			summary.TasksBlocked += blocked
		}

		for _, task := range candidates {
			best := argmaxAgent(freeSlots)
			if best == "" || freeSlots[best] == 0 {
				break
			}
			if r.assignAndSpawn(ctx, task, best, summary) {
				freeSlots[best]--
				summary.UnassignedMatched++
			}
		}
	}
}

func (r *Reconciler) processAssigned(ctx context.Context, summary *Summary) {
	for _, agent := range r.registry.Agents() {
		free := r.cfg.LimitFor(agent) - r.countByAgent(agent)
		if free <= 0 {
			continue
		}

		tasks, err := r.client.ListIdleTasks(ctx, agent, free)
		if err != nil {
			r.logger.Error().Err(err).Str("agent", agent).Msg("failed to fetch idle tasks")
			summary.Errors++
			continue
		}

		candidates := tasks
		if !r.cfg.DisableBlocking {
			var blocked int
			candidates, blocked = blocking.Filter(tasks)
			summary.TasksBlocked += blocked
		}

		for _, task := range candidates {
			if r.spawnOnly(ctx, task, agent, summary) {
				summary.AssignedSpawned++
			}
		}
	}
}

func (r *Reconciler) processLegacy(ctx context.Context, summary *Summary) {
	for agent, limit := range r.cfg.AgentLimits {
		free := limit - r.countByAgent(agent)
		if free <= 0 {
			continue
		}

		tasks, err := r.client.ListIdleTasks(ctx, agent, free)
		if err != nil {
			r.logger.Error().Err(err).Str("agent", agent).Msg("failed to fetch idle tasks")
			summary.Errors++
			continue
		}

		candidates := tasks
		if !r.cfg.DisableBlocking {
			var blocked int
			candidates, blocked = blocking.FilterAndSort(tasks)
			summary.TasksBlocked += blocked
		}

		spawned := 0
		for _, task := range candidates {
			if spawned >= free {
				break
			}
			if r.spawnOnly(ctx, task, agent, summary) {
				spawned++
			}
		}
	}
}

// assignAndSpawn calls assign then spawns a supervisor on success,
// matching the unassigned-task step of the queue-mode pass.
func (r *Reconciler) assignAndSpawn(ctx context.Context, task types.Task, agent string, summary *Summary) bool {
	recipePath, ok := r.recipes.Resolve(task, agent)
	if !ok {
		r.logger.Warn().Str("task_id", task.ID).Msg("recipe resolution failed, skipping task")
		return false
	}

	if r.cfg.DryRun {
		r.logger.Info().Str("task_id", task.ID).Str("agent", agent).Msg("dry run: would assign and spawn")
		summary.TasksSpawned++
		return true
	}

	if !r.client.Assign(ctx, task.ID, agent) {
		return false
	}

	if err := r.spawner.Spawn(ctx, task, agent, recipePath); err != nil {
		r.logger.Error().Err(err).Str("task_id", task.ID).Msg("supervisor spawn failed")
		metrics.ReconcilerErrorsTotal.WithLabelValues("spawn_failure").Inc()
		summary.Errors++
		return false
	}

	metrics.TasksSpawnedTotal.WithLabelValues(agent).Inc()
	summary.TasksSpawned++
	return true
}

// spawnOnly launches a supervisor for an already-assigned task, used by
// the assigned-task and legacy-mode steps where no assign call is needed.
func (r *Reconciler) spawnOnly(ctx context.Context, task types.Task, agent string, summary *Summary) bool {
	recipePath, ok := r.recipes.Resolve(task, agent)
	if !ok {
		r.logger.Warn().Str("task_id", task.ID).Msg("recipe resolution failed, skipping task")
		return false
	}

	if r.cfg.DryRun {
		r.logger.Info().Str("task_id", task.ID).Str("agent", agent).Msg("dry run: would spawn")
		summary.TasksSpawned++
		return true
	}

	if err := r.spawner.Spawn(ctx, task, agent, recipePath); err != nil {
		r.logger.Error().Err(err).Str("task_id", task.ID).Msg("supervisor spawn failed")
		metrics.ReconcilerErrorsTotal.WithLabelValues("spawn_failure").Inc()
		summary.Errors++
		return false
	}

	metrics.TasksSpawnedTotal.WithLabelValues(agent).Inc()
	summary.TasksSpawned++
	return true
}

func (r *Reconciler) freeSlotsFor(agents []string) map[string]int {
	slots := make(map[string]int, len(agents))
	for _, agent := range agents {
		free := r.cfg.LimitFor(agent) - r.countByAgent(agent)
		if free < 0 {
			free = 0
		}
		slots[agent] = free
	}
	return slots
}

func (r *Reconciler) countByAgent(agent string) int {
	n, err := r.leases.CountByAgent(agent)
	if err != nil {
		r.logger.Error().Err(err).Str("agent", agent).Msg("failed to count leases by agent")
		return 0
	}
	return n
}

// argmaxAgent picks the agent to receive the next task: the one closest
// to its limit (smallest positive free_slots), ties broken by
// lexicographic agent name, "" if every agent is at zero. Filling the
// most-constrained agent first means a low-limit agent never starves
// behind a high-limit one that still has plenty of room later in the
// same pass.
func argmaxAgent(freeSlots map[string]int) string {
	agents := make([]string, 0, len(freeSlots))
	for agent := range freeSlots {
		agents = append(agents, agent)
	}
	sort.Strings(agents)

	best := ""
	bestSlots := 0
	for _, agent := range agents {
		n := freeSlots[agent]
		if n <= 0 {
			continue
		}
		if best == "" || n < bestSlots {
			best = agent
			bestSlots = n
		}
	}
	return best
}
