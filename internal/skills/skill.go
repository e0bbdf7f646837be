// Package skills defines the pluggable capability units the executor
// invokes, and the typed registry that resolves them by name. Skills are
// registered explicitly at startup; there is no filesystem-convention
// discovery.
package skills

import (
	"context"
	"sort"
	"sync"
)

// Result is the outcome of one skill invocation.
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Skill is a named capability. Invoke runs one command with a flat
// parameter bag and must honor ctx cancellation; a command that ran and
// failed returns a Result with Success=false, while transport-level
// problems (the skill could not run at all) return an error.
type Skill interface {
	Name() string
	// Commands lists the sub-operations the skill understands.
	Commands() []string
	// RequiredParams names the parameters a command cannot run without.
	RequiredParams(command string) []string
	Invoke(ctx context.Context, command string, params map[string]any) (*Result, error)
}

// Registry maps skill names to implementations.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]Skill
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]Skill)}
}

// Register adds or replaces a skill.
func (r *Registry) Register(s Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[s.Name()] = s
}

// Resolve looks a skill up by name.
func (r *Registry) Resolve(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// Names returns all registered skill names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ok/fail are small constructors shared by the built-in skills.

func ok(message string, data map[string]any) *Result {
	return &Result{Success: true, Message: message, Data: data}
}

func fail(message string) *Result {
	return &Result{Success: false, Message: message}
}
