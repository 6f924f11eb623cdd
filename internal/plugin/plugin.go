// Package plugin provides the extension point a cron entry's PLUGIN
// action dispatches through, keeping the schedule handler itself ignorant
// of what any given plugin actually does.
package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Plugin is an invokable action named by a cron entry's PLUGIN row.
type Plugin interface {
	// Name identifies the plugin as referenced from a schedule entry.
	Name() string
	// Invoke runs the plugin with the entry's argument string, returning
	// once the action completes or ctx is cancelled. runtimeMax and
	// runtimeMin are the entry's max_runtime_minutes/min_runtime_minutes
	// bounds (zero meaning unset), passed through so a plugin that knows
	// its own expected duration can act on them (e.g. warn if it expects
	// to run past runtimeMax).
	Invoke(ctx context.Context, command string, runtimeMax, runtimeMin time.Duration) error
}

// Registry holds the set of plugins known to the agent, keyed by name.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds p to the registry, replacing any existing plugin of the
// same name.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.Name()] = p
}

// Invoke looks up name and runs it with command and the entry's runtime
// bounds. It returns an error identifying the unknown-plugin case
// distinctly from a plugin's own failure, so callers can log the two
// differently.
func (r *Registry) Invoke(ctx context.Context, name, command string, runtimeMax, runtimeMin time.Duration) error {
	r.mu.RLock()
	p, ok := r.plugins[name]
	r.mu.RUnlock()
	if !ok {
		return errors.Errorf("plugin: no plugin registered under name %q", name)
	}
	return p.Invoke(ctx, command, runtimeMax, runtimeMin)
}

// Names lists every registered plugin name, for diagnostics and the list
// subcommand.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for n := range r.plugins {
		names = append(names, n)
	}
	return names
}

// Noop is a reference plugin that does nothing but record that it ran;
// useful for schedule dry-runs and tests.
type Noop struct {
	mu      sync.Mutex
	Invoked []string
}

// Name implements Plugin.
func (*Noop) Name() string { return "noop" }

// Invoke implements Plugin.
func (n *Noop) Invoke(ctx context.Context, command string, runtimeMax, runtimeMin time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Invoked = append(n.Invoked, command)
	return nil
}

// BinaryUploadArgs describes the arguments a BINARYUPLOAD plugin row
// carries: "<label> <device-id>".
type BinaryUploadArgs struct {
	Label    string
	DeviceID uint32
}

// ParseBinaryUploadArgs parses the cron entry argument string for a
// binaryupload plugin row.
func ParseBinaryUploadArgs(arg string) (BinaryUploadArgs, error) {
	var a BinaryUploadArgs
	var label string
	var id uint32
	n, err := fmt.Sscanf(arg, "%s %d", &label, &id)
	if err != nil || n != 2 {
		return a, errors.Errorf("plugin: malformed binaryupload argument %q", arg)
	}
	a.Label, a.DeviceID = label, id
	return a, nil
}

// BinaryUpload is the reference plugin that kicks the transfer engine
// into treating a device's pending backlog as eligible for immediate
// send, rather than waiting on the directory watcher alone.
type BinaryUpload struct {
	Nudge func(deviceID uint32) error
}

// Name implements Plugin.
func (*BinaryUpload) Name() string { return "binaryupload" }

// Invoke implements Plugin.
func (b *BinaryUpload) Invoke(ctx context.Context, command string, runtimeMax, runtimeMin time.Duration) error {
	args, err := ParseBinaryUploadArgs(command)
	if err != nil {
		return err
	}
	if b.Nudge == nil {
		return nil
	}
	return b.Nudge(args.DeviceID)
}
