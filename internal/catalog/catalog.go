// Package catalog holds the scheduler's view of the flow catalog. Flows
// are YAML documents loaded from a directory at startup; the in-memory
// snapshot can then be mutated through Update/Delete as upstream change
// events arrive. Reads are cheap copies, called once per scheduler tick.
package catalog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"flowmill/internal/triggers"
	"flowmill/internal/types"
)

// flowDoc is the YAML shape of a flow document.
type flowDoc struct {
	Namespace string            `yaml:"namespace"`
	ID        string            `yaml:"id"`
	Revision  int               `yaml:"revision"`
	Disabled  bool              `yaml:"disabled"`
	Labels    map[string]string `yaml:"labels"`
	Triggers  []triggerDoc      `yaml:"triggers"`
}

// triggerDoc is the YAML shape of one trigger declaration. Type selects
// the trigger kind; the remaining fields are kind-specific.
type triggerDoc struct {
	ID       string `yaml:"id"`
	Type     string `yaml:"type"`
	Cron     string `yaml:"cron"`
	Every    string `yaml:"every"`
	Interval string `yaml:"interval"`
	When     string `yaml:"when"`
}

// Catalog is a thread-safe in-memory flow snapshot keyed by
// namespace/id. The scheduler reads it once per tick via Flows.
type Catalog struct {
	logger *slog.Logger

	mu    sync.RWMutex
	flows map[string]types.Flow
}

// New creates an empty catalog.
func New(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		logger: logger,
		flows:  make(map[string]types.Flow),
	}
}

// LoadDir parses every .yaml/.yml file under dir (one or more documents
// per file) and replaces the snapshot with the result. A malformed
// document fails the whole load; a half-applied catalog is worse than a
// stale one.
func (c *Catalog) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("catalog: reading flows dir %s: %w", dir, err)
	}

	loaded := make(map[string]types.Flow)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		flows, err := parseFile(path)
		if err != nil {
			return err
		}
		for _, flow := range flows {
			loaded[flow.Key()] = flow
		}
	}

	c.mu.Lock()
	c.flows = loaded
	c.mu.Unlock()

	c.logger.Info("flow catalog loaded", "dir", dir, "flows", len(loaded))
	return nil
}

// Update inserts or replaces one flow in the snapshot.
func (c *Catalog) Update(flow types.Flow) {
	c.mu.Lock()
	c.flows[flow.Key()] = flow
	c.mu.Unlock()
}

// Delete removes a flow from the snapshot. Removing an absent flow is a
// no-op.
func (c *Catalog) Delete(namespace, id string) {
	c.mu.Lock()
	delete(c.flows, namespace+"/"+id)
	c.mu.Unlock()
}

// Flows returns a copy of the current snapshot, sorted by flow key so
// iteration order is stable across ticks.
func (c *Catalog) Flows() []types.Flow {
	c.mu.RLock()
	out := make([]types.Flow, 0, len(c.flows))
	for _, flow := range c.flows {
		out = append(out, flow)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// parseFile decodes all YAML documents in one file.
func parseFile(path string) ([]types.Flow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: opening %s: %w", path, err)
	}
	defer f.Close()

	var flows []types.Flow
	dec := yaml.NewDecoder(f)
	for {
		var doc flowDoc
		if err := dec.Decode(&doc); err != nil {
			if err == io.EOF {
				break
			}
			return nil, types.NewAppError(types.ErrCodeCatalogParse,
				fmt.Sprintf("failed to decode flow document in %s", path), err)
		}

		flow, err := buildFlow(doc)
		if err != nil {
			return nil, fmt.Errorf("catalog: %s: %w", path, err)
		}
		flows = append(flows, flow)
	}

	return flows, nil
}

// buildFlow validates a decoded document and constructs its triggers.
func buildFlow(doc flowDoc) (types.Flow, error) {
	if doc.Namespace == "" || doc.ID == "" {
		return types.Flow{}, types.NewAppError(types.ErrCodeCatalogParse,
			"flow document must set namespace and id", nil)
	}
	if doc.Revision <= 0 {
		doc.Revision = 1
	}

	flow := types.Flow{
		Namespace: doc.Namespace,
		ID:        doc.ID,
		Revision:  doc.Revision,
		Disabled:  doc.Disabled,
		Labels:    doc.Labels,
	}

	seen := make(map[string]struct{}, len(doc.Triggers))
	for _, td := range doc.Triggers {
		if _, dup := seen[td.ID]; dup {
			return types.Flow{}, types.NewAppError(types.ErrCodeCatalogParse,
				fmt.Sprintf("duplicate trigger id %q in flow %s/%s", td.ID, doc.Namespace, doc.ID), nil)
		}
		seen[td.ID] = struct{}{}

		trigger, err := buildTrigger(td)
		if err != nil {
			return types.Flow{}, err
		}
		flow.Triggers = append(flow.Triggers, trigger)
	}

	return flow, nil
}

// buildTrigger constructs one trigger declaration from its document.
func buildTrigger(td triggerDoc) (types.TriggerDecl, error) {
	switch td.Type {
	case "schedule":
		opts := []triggers.ScheduleOption{}
		if td.Interval != "" {
			d, err := parseDuration(td.Interval, td.ID)
			if err != nil {
				return nil, err
			}
			opts = append(opts, triggers.WithScheduleInterval(d))
		}
		if td.When != "" {
			opts = append(opts, triggers.WithScheduleCondition(td.When))
		}
		return triggers.NewSchedule(td.ID, td.Cron, opts...)

	case "interval":
		every, err := parseDuration(td.Every, td.ID)
		if err != nil {
			return nil, err
		}
		opts := []triggers.IntervalOption{}
		if td.Interval != "" {
			d, err := parseDuration(td.Interval, td.ID)
			if err != nil {
				return nil, err
			}
			opts = append(opts, triggers.WithIntervalPoll(d))
		}
		if td.When != "" {
			opts = append(opts, triggers.WithIntervalCondition(td.When))
		}
		return triggers.NewInterval(td.ID, every, opts...)

	default:
		return nil, types.NewAppError(types.ErrCodeCatalogUnknown,
			fmt.Sprintf("unknown trigger type %q for trigger %q", td.Type, td.ID), nil)
	}
}

func parseDuration(raw, triggerID string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeCatalogParse,
			fmt.Sprintf("invalid duration %q on trigger %q", raw, triggerID), err)
	}
	return d, nil
}
