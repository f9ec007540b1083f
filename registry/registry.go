// Package registry holds the process-wide widget registry. Hosts embedding
// the experimenter call Init once at process start, then Register a factory
// for every widget flavor they ship. All registration state lives in the
// registry handed out by Init; there are no other package-level variables.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/expkit/experimenter/channel"
	"github.com/expkit/experimenter/pkg/logger"
)

var (
	// ErrNotInitialized is returned when Register or Lookup is called before
	// Init.
	ErrNotInitialized = errors.New("registry not initialized")

	// ErrWidgetNotFound is returned when no widget matches the requested name
	// and version.
	ErrWidgetNotFound = errors.New("widget not found in registry")
)

// Factory builds the synchronization channel for a widget instance. It is
// invoked once per instantiation by the host frontend.
type Factory func(lggr logger.Logger) (*channel.Channel, error)

// Widget is a registered widget flavor: a name, a semver version, and the
// factory that builds its channel.
type Widget struct {
	Name    string
	Version *semver.Version
	factory Factory
}

// Build invokes the widget's factory.
func (w Widget) Build(lggr logger.Logger) (*channel.Channel, error) {
	return w.factory(lggr)
}

// Registry stores widget registrations and allows retrieval by name and
// version. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	widgets []Widget
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a widget registration. Registering the same name and version
// twice is an error.
func (r *Registry) Register(name string, version *semver.Version, factory Factory) error {
	if name == "" {
		return errors.New("widget name is required")
	}
	if version == nil {
		return errors.New("widget version is required")
	}
	if factory == nil {
		return errors.New("widget factory is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range r.widgets {
		if w.Name == name && w.Version.Equal(version) {
			return fmt.Errorf("widget %s@%s already registered", name, version)
		}
	}
	r.widgets = append(r.widgets, Widget{Name: name, Version: version, factory: factory})

	return nil
}

// Lookup retrieves the widget registered under the exact name and version.
func (r *Registry) Lookup(name string, version *semver.Version) (Widget, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, w := range r.widgets {
		if w.Name == name && w.Version.Equal(version) {
			return w, nil
		}
	}

	return Widget{}, fmt.Errorf("%w: %s@%s", ErrWidgetNotFound, name, version)
}

// Resolve retrieves the highest registered version of name satisfying the
// semver constraint, e.g. "^1.0.0".
func (r *Registry) Resolve(name string, constraint string) (Widget, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return Widget{}, fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best  Widget
		found bool
	)
	for _, w := range r.widgets {
		if w.Name != name || !c.Check(w.Version) {
			continue
		}
		if !found || w.Version.GreaterThan(best.Version) {
			best = w
			found = true
		}
	}
	if !found {
		return Widget{}, fmt.Errorf("%w: %s matching %s", ErrWidgetNotFound, name, constraint)
	}

	return best, nil
}

// List returns all registrations ordered by name, then ascending version.
func (r *Registry) List() []Widget {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Widget, len(r.widgets))
	copy(out, r.widgets)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}

		return out[i].Version.LessThan(out[j].Version)
	})

	return out
}

var (
	defaultMu sync.Mutex
	def       *Registry
)

// Init creates the process-wide registry and returns it. Calling Init more
// than once returns the registry created by the first call.
func Init() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if def == nil {
		def = NewRegistry()
	}

	return def
}

// Register adds a widget registration to the process-wide registry.
func Register(name string, version *semver.Version, factory Factory) error {
	r, err := defaultRegistry()
	if err != nil {
		return err
	}

	return r.Register(name, version, factory)
}

// Lookup retrieves a widget from the process-wide registry by exact name and
// version.
func Lookup(name string, version *semver.Version) (Widget, error) {
	r, err := defaultRegistry()
	if err != nil {
		return Widget{}, err
	}

	return r.Lookup(name, version)
}

func defaultRegistry() (*Registry, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if def == nil {
		return nil, ErrNotInitialized
	}

	return def, nil
}
