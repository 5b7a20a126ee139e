// Package registry loads the static agent-to-queue mapping from the
// agent control file and indexes it for the reconciler's queue mode.
package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ericroliver/tinyscheduler/pkg/log"
	"github.com/ericroliver/tinyscheduler/pkg/types"
)

// maxControlFileSize bounds how much of the agent control file is read.
const maxControlFileSize = 10 * 1024 * 1024 // 10 MiB

// Registry indexes agents by queue and by name.
type Registry struct {
	byQueue map[string][]string
	byAgent map[string]string
}

// Empty returns a Registry with no agents, the state the Reconciler
// interprets as legacy mode.
func Empty() *Registry {
	return &Registry{byQueue: map[string][]string{}, byAgent: map[string]string{}}
}

// Load reads and indexes the agent control file at path. If path does not
// exist, it returns an empty Registry (legacy mode), not an error.
func Load(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return nil, fmt.Errorf("open agent control file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxControlFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read agent control file: %w", err)
	}
	if len(data) > maxControlFileSize {
		return nil, fmt.Errorf("agent control file exceeds %d bytes", maxControlFileSize)
	}

	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse agent control file: %w", err)
	}

	logger := log.WithComponent("registry")
	reg := Empty()
	for i, entry := range raw {
		var agent types.Agent
		if v, ok := entry["agentName"]; ok {
			if err := json.Unmarshal(v, &agent.Name); err != nil {
				return nil, fmt.Errorf("entry %d: agentName must be a string", i)
			}
		}
		if v, ok := entry["agentType"]; ok {
			if err := json.Unmarshal(v, &agent.QueueName); err != nil {
				return nil, fmt.Errorf("entry %d: agentType must be a string", i)
			}
		}
		if agent.Name == "" {
			return nil, fmt.Errorf("entry %d: agentName is required and must be non-empty", i)
		}
		if agent.QueueName == "" {
			return nil, fmt.Errorf("entry %d: agentType is required and must be non-empty", i)
		}
		if _, exists := reg.byAgent[agent.Name]; exists {
			return nil, fmt.Errorf("duplicate agent name %q", agent.Name)
		}

		for field := range entry {
			if field != "agentName" && field != "agentType" {
				logger.Warn().Str("agent", agent.Name).Str("field", field).Msg("ignoring unknown agent control field")
			}
		}

		reg.byAgent[agent.Name] = agent.QueueName
		reg.byQueue[agent.QueueName] = append(reg.byQueue[agent.QueueName], agent.Name)
	}

	return reg, nil
}

// IsEmpty reports whether the registry has no agents (legacy mode).
func (r *Registry) IsEmpty() bool {
	return len(r.byAgent) == 0
}

// Queues returns the distinct queue names known to the registry.
func (r *Registry) Queues() []string {
	queues := make([]string, 0, len(r.byQueue))
	for q := range r.byQueue {
		queues = append(queues, q)
	}
	return queues
}

// AgentsForQueue returns the agent names mapped to queue.
func (r *Registry) AgentsForQueue(queue string) []string {
	return r.byQueue[queue]
}

// QueueForAgent returns the queue mapped to agent, and whether agent is known.
func (r *Registry) QueueForAgent(agent string) (string, bool) {
	q, ok := r.byAgent[agent]
	return q, ok
}

// Agents returns all known agent names.
func (r *Registry) Agents() []string {
	agents := make([]string, 0, len(r.byAgent))
	for a := range r.byAgent {
		agents = append(agents, a)
	}
	return agents
}
