// Package pipeline runs itinerary generation as an ordered set of agents,
// each holding a lease on the itinerary while it works and reporting
// progress through the broadcast hub.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"pkt.systems/itinerd/api"
	"pkt.systems/itinerd/internal/lockmgr"
	"pkt.systems/itinerd/internal/upstream"
)

// ErrInvalidAgent flags a rejected registration.
var ErrInvalidAgent = errors.New("pipeline: invalid agent")

// Capability is the static descriptor every agent declares.
type Capability struct {
	// Kind uniquely names the agent, e.g. "planner".
	Kind string `json:"kind"`
	// Stage orders agents; lower stages run first.
	Stage int `json:"stage"`
	// LockType is held on the itinerary while the agent runs.
	LockType    lockmgr.LockType `json:"lockType"`
	Description string           `json:"description,omitempty"`
}

// Validate reports whether c can be registered.
func (c Capability) Validate() error {
	if strings.TrimSpace(c.Kind) == "" {
		return fmt.Errorf("%w: kind required", ErrInvalidAgent)
	}
	if c.Stage < 0 {
		return fmt.Errorf("%w: %s: negative stage", ErrInvalidAgent, c.Kind)
	}
	if !c.LockType.Valid() {
		return fmt.Errorf("%w: %s: unknown lock type %q", ErrInvalidAgent, c.Kind, c.LockType)
	}
	return nil
}

// Agent is one worker in the generation pipeline.
type Agent interface {
	Capability() Capability
	Run(ctx context.Context, step *Step) (any, error)
}

// FuncAgent adapts a function to Agent.
type FuncAgent struct {
	Cap Capability
	Fn  func(ctx context.Context, step *Step) (any, error)
}

// Capability implements Agent.
func (a FuncAgent) Capability() Capability { return a.Cap }

// Run implements Agent.
func (a FuncAgent) Run(ctx context.Context, step *Step) (any, error) { return a.Fn(ctx, step) }

// HTTPAgent delegates its work to a remote service reached through the
// upstream client.
type HTTPAgent struct {
	cap    Capability
	client *upstream.Client
	path   string
}

// NewHTTPAgent returns an agent posting to path on client.
func NewHTTPAgent(capability Capability, client *upstream.Client, path string) *HTTPAgent {
	if path == "" {
		path = "agents/" + capability.Kind
	}
	return &HTTPAgent{cap: capability, client: client, path: path}
}

// Capability implements Agent.
func (a *HTTPAgent) Capability() Capability { return a.cap }

// Run implements Agent.
func (a *HTTPAgent) Run(ctx context.Context, step *Step) (any, error) {
	call := api.AgentCall{
		Kind:       a.cap.Kind,
		ResourceID: step.ResourceID,
		SessionID:  step.SessionID,
		Input:      step.Input,
		Previous:   step.Previous,
	}
	var res api.AgentResult
	if err := a.client.Call(ctx, a.path, call, &res); err != nil {
		return nil, err
	}
	return res.Output, nil
}

// Registry holds the agents known to a runner.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds agent after validating its descriptor. Kinds are unique.
func (r *Registry) Register(agent Agent) error {
	if agent == nil {
		return fmt.Errorf("%w: nil agent", ErrInvalidAgent)
	}
	capability := agent.Capability()
	if err := capability.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[capability.Kind]; exists {
		return fmt.Errorf("%w: duplicate kind %q", ErrInvalidAgent, capability.Kind)
	}
	r.agents[capability.Kind] = agent
	return nil
}

// Lookup returns the agent registered under kind.
func (r *Registry) Lookup(kind string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[kind]
	return agent, ok
}

// Agents returns the registered agents in execution order: by stage, then
// by kind.
func (r *Registry) Agents() []Agent {
	r.mu.RLock()
	out := make([]Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, agent)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Capability(), out[j].Capability()
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		return a.Kind < b.Kind
	})
	return out
}

// Capabilities returns the descriptors of Agents in the same order.
func (r *Registry) Capabilities() []Capability {
	agents := r.Agents()
	out := make([]Capability, 0, len(agents))
	for _, agent := range agents {
		out = append(out, agent.Capability())
	}
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
