// Package config loads the scheduler's own YAML configuration and the
// YAML envelope clients submit to describe a task graph. Grounded on
// the teacher's cmd/warren/apply.go: a generic {apiVersion, kind,
// metadata, spec} resource envelope parsed with yaml.v3 and dispatched
// on Kind, generalized here from Service/Secret/Volume resources to a
// single TaskGraph resource.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lognorman20/dask/pkg/key"
	"github.com/lognorman20/dask/pkg/types"
	"github.com/lognorman20/dask/pkg/wire"
)

// Scheduler holds the scheduler process's own settings.
type Scheduler struct {
	HTTPAddr       string        `yaml:"httpAddr"`
	ClientQueue    int           `yaml:"clientQueueSize"`
	WorkerQueue    int           `yaml:"workerQueueSize"`
	ReportQueue    int           `yaml:"reportQueueSize"`
	ComputeQueue   int           `yaml:"computeQueueSize"`
	FeedInterval   time.Duration `yaml:"feedInterval"`
	BroadcastAux   int           `yaml:"broadcastAuxPort"`
	StrictValidate bool          `yaml:"strictValidate"`
	LogLevel       string        `yaml:"logLevel"`
	LogJSON        bool          `yaml:"logJSON"`
}

// Default returns a Scheduler config with the same fallbacks the
// package's own constants otherwise use.
func Default() Scheduler {
	return Scheduler{
		HTTPAddr:     ":8787",
		ClientQueue:  256,
		WorkerQueue:  256,
		ReportQueue:  64,
		ComputeQueue: 64,
		FeedInterval: time.Second,
		LogLevel:     "info",
	}
}

// LoadScheduler reads and parses a scheduler config file, filling
// unset fields from Default.
func LoadScheduler(path string) (Scheduler, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// GraphDocument is the envelope a client submits to describe (a
// fragment of) a task graph, mirroring the teacher's WarrenResource
// shape: apiVersion/kind/metadata/spec, dispatched on Kind.
type GraphDocument struct {
	APIVersion string    `yaml:"apiVersion"`
	Kind       string    `yaml:"kind"`
	Metadata   GraphMeta `yaml:"metadata"`
	Spec       GraphSpec `yaml:"spec"`
}

type GraphMeta struct {
	Name string `yaml:"name"`
}

// GraphSpec is the submitted body: tasks keyed by name, each task's
// dependency list, which keys the client wants retained, and any
// worker-host restrictions.
type GraphSpec struct {
	Tasks             map[string]TaskSpec `yaml:"tasks"`
	Keys              []string            `yaml:"keys"`
	Restrictions      map[string][]string `yaml:"restrictions"`
	LooseRestrictions []string            `yaml:"looseRestrictions"`
}

// TaskSpec is one task's opaque payload plus its dependency list. The
// function/args/kwargs fields are carried as raw strings in the YAML
// document and stored as opaque bytes — the scheduler never inspects
// task payload contents (spec §1, §6).
type TaskSpec struct {
	Function     string   `yaml:"function"`
	Args         string   `yaml:"args"`
	Kwargs       string   `yaml:"kwargs"`
	Dependencies []string `yaml:"dependencies"`
}

// LoadGraphDocument reads and parses a graph submission file.
func LoadGraphDocument(path string) (*GraphDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph document: %w", err)
	}
	var doc GraphDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse graph document: %w", err)
	}
	if doc.Kind != "" && doc.Kind != "TaskGraph" {
		return nil, fmt.Errorf("unsupported resource kind: %s", doc.Kind)
	}
	return &doc, nil
}

// ToUpdateGraph converts a parsed document into the wire message the
// engine consumes, normalizing every task and dependency name through
// pkg/key so client-chosen names match however those same names are
// referenced elsewhere in the document.
func (d *GraphDocument) ToUpdateGraph(client types.ClientID) wire.UpdateGraph {
	msg := wire.UpdateGraph{
		Client:            client,
		Tasks:             make(map[types.Key]types.Payload, len(d.Spec.Tasks)),
		Dependencies:      make(map[types.Key][]types.Key),
		Restrictions:      make(map[types.Key][]string, len(d.Spec.Restrictions)),
		LooseRestrictions: make(map[types.Key]bool, len(d.Spec.LooseRestrictions)),
	}

	rawDeps := make(map[interface{}][]interface{}, len(d.Spec.Tasks))
	for name, task := range d.Spec.Tasks {
		deps := make([]interface{}, len(task.Dependencies))
		for i, dep := range task.Dependencies {
			deps[i] = dep
		}
		rawDeps[name] = deps
	}
	normalized := key.StrGraph(rawDeps)

	for name, task := range d.Spec.Tasks {
		k := key.Normalize(name)
		msg.Tasks[k] = types.Payload{
			Function: []byte(task.Function),
			Args:     []byte(task.Args),
			Kwargs:   []byte(task.Kwargs),
		}
		if deps := normalized[k]; len(deps) > 0 {
			msg.Dependencies[k] = deps
		}
	}

	for _, name := range d.Spec.Keys {
		msg.Keys = append(msg.Keys, key.Normalize(name))
	}
	for name, hosts := range d.Spec.Restrictions {
		msg.Restrictions[key.Normalize(name)] = hosts
	}
	for _, name := range d.Spec.LooseRestrictions {
		msg.LooseRestrictions[key.Normalize(name)] = true
	}

	return msg
}
