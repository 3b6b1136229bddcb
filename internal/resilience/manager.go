package resilience

import "sort"

// Tracked is implemented by every Endpoint regardless of handle type.
type Tracked interface {
	Name() string
	State() State
	RetriesLeft() int
	observe(fn func(name string, s State))
}

// Status is a point-in-time view of an endpoint.
type Status struct {
	Name        string `json:"name"`
	State       string `json:"state"`
	RetriesLeft int    `json:"retries_left"`
}

// Manager is the registry of named endpoints. It is owned by the loop.
type Manager struct {
	endpoints map[string]Tracked
	onChange  func(name string, s State)
}

// NewManager creates a registry. onChange, if set, is called whenever a
// registered endpoint changes state and once on registration.
func NewManager(onChange func(name string, s State)) *Manager {
	return &Manager{
		endpoints: make(map[string]Tracked),
		onChange:  onChange,
	}
}

// Register adds an endpoint, replacing any with the same name.
func (m *Manager) Register(e Tracked) {
	m.endpoints[e.Name()] = e
	e.observe(func(name string, s State) {
		if m.endpoints[name] != e {
			return
		}
		if m.onChange != nil {
			m.onChange(name, s)
		}
	})
}

// Remove drops an endpoint from the registry.
func (m *Manager) Remove(name string) {
	delete(m.endpoints, name)
}

// Get returns the endpoint registered under name.
func (m *Manager) Get(name string) (Tracked, bool) {
	e, ok := m.endpoints[name]
	return e, ok
}

// Snapshot returns every endpoint's status sorted by name.
func (m *Manager) Snapshot() []Status {
	out := make([]Status, 0, len(m.endpoints))
	for _, e := range m.endpoints {
		out = append(out, Status{
			Name:        e.Name(),
			State:       e.State().String(),
			RetriesLeft: e.RetriesLeft(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
