package network

import (
	"fmt"
	"sync"

	"github.com/xiaonanln/netfabric/core"
)

// Candidate is an agent eligible to host a new container.
type Candidate struct {
	Agent      core.AgentRecord
	Containers int
}

// Selector chooses which agent hosts a new container. Candidates are
// non-empty, all serve kind, and are sorted by agent id.
type Selector interface {
	Select(kind core.ContainerKind, labels []string, candidates []Candidate) core.AgentUUID
}

// RoundRobin cycles through candidates independently for each kind.
type RoundRobin struct {
	mu   sync.Mutex
	next map[core.ContainerKind]int
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{next: make(map[core.ContainerKind]int)}
}

func (r *RoundRobin) Select(kind core.ContainerKind, labels []string, candidates []Candidate) core.AgentUUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.next[kind] % len(candidates)
	r.next[kind] = i + 1
	return candidates[i].Agent.AgentID
}

// LeastLoaded picks the candidate hosting the fewest containers.
type LeastLoaded struct{}

func (LeastLoaded) Select(kind core.ContainerKind, labels []string, candidates []Candidate) core.AgentUUID {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Containers < best.Containers {
			best = c
		}
	}
	return best.Agent.AgentID
}

// SelectorByName maps a configuration name to a Selector.
func SelectorByName(name string) (Selector, error) {
	switch name {
	case "", "round-robin":
		return NewRoundRobin(), nil
	case "least-loaded":
		return LeastLoaded{}, nil
	default:
		return nil, fmt.Errorf("unknown selector %q", name)
	}
}
