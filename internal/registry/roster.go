package registry

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	v1 "github.com/kandev/orbital/pkg/api/v1"
)

// RosterEntry is one agent record as it appears in the YAML roster file
// (spec.md §6: "agent roster loaded from a YAML file listing agents
// (name, endpoint, capabilities, optional metadata); may be hot-reloaded").
type RosterEntry struct {
	Name         string                `yaml:"name"`
	Endpoint     string                `yaml:"endpoint"`
	Capabilities []string              `yaml:"capabilities"`
	Pricing      *v1.PricingMetadata   `yaml:"pricing,omitempty"`
	Ethics       *v1.EthicsMetadata    `yaml:"ethics,omitempty"`
}

type rosterFile struct {
	Agents []RosterEntry `yaml:"agents"`
}

// LoadRoster reads a YAML roster file and registers every entry as
// available. Re-running it (e.g. on a hot-reload event) simply
// re-registers each entry, which Register treats as an update.
func (r *Registry) LoadRoster(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("registry: read roster %s: %w", path, err)
	}

	var doc rosterFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("registry: parse roster %s: %w", path, err)
	}

	for _, entry := range doc.Agents {
		if entry.Name == "" || entry.Endpoint == "" {
			r.logger.Warn("skipping invalid roster entry", zap.Any("entry", entry))
			continue
		}
		desc := v1.AgentDescriptor{
			ID:           entry.Name,
			Endpoint:     entry.Endpoint,
			Capabilities: entry.Capabilities,
			Status:       v1.AgentAvailable,
			Pricing:      entry.Pricing,
			Ethics:       entry.Ethics,
		}
		if err := r.Register(desc); err != nil {
			r.logger.Warn("failed to register roster entry", zap.String("name", entry.Name), zap.Error(err))
		}
	}

	r.logger.Info("loaded agent roster", zap.String("path", path), zap.Int("agents", len(doc.Agents)))
	return nil
}

// WatchRoster reloads the roster whenever the file changes on disk,
// using fsnotify to watch the roster path. The returned watcher must be
// closed by the caller on shutdown.
func (r *Registry) WatchRoster(path string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("registry: create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("registry: watch %s: %w", path, err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := r.LoadRoster(path); err != nil {
						r.logger.Error("failed to hot-reload roster", zap.Error(err))
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Error("roster watcher error", zap.Error(err))
			}
		}
	}()

	return watcher, nil
}
