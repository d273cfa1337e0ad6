package process

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"flowmesh/pkg/counter"
	"flowmesh/pkg/flow"
)

// versionCounterPrefix names the per-flow version counter.
const versionCounterPrefix = "process.definition.version/"

// Registry compiles flows into versioned, immutable definitions.
type Registry struct {
	repo       *Repository
	counters   *counter.Registry
	flows      flow.Reader
	adapters   AdapterInvoker
	transforms Transformer
	logger     hclog.Logger
}

// NewRegistry creates a definition registry.
func NewRegistry(repo *Repository, counters *counter.Registry, flows flow.Reader,
	adapters AdapterInvoker, transforms Transformer, logger hclog.Logger) *Registry {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Registry{repo: repo, counters: counters, flows: flows, adapters: adapters, transforms: transforms, logger: logger}
}

// Deploy compiles the flow and registers a new version of it.
func (r *Registry) Deploy(ctx context.Context, flowID string) (Definition, error) {
	f, err := r.flows.Read(ctx, flowID)
	if err != nil {
		return Definition{}, err
	}
	def, err := Compile(f, r.adapters, r.transforms)
	if err != nil {
		return Definition{}, err
	}
	v, err := r.counters.Increment(ctx, versionCounterPrefix+def.FlowID)
	if err != nil {
		return Definition{}, err
	}
	def.Version = v
	def.ID = DefinitionID(def.FlowID, v)
	def.DeployedAt = time.Now().UTC()
	if err := r.repo.PutDefinition(ctx, def); err != nil {
		return Definition{}, err
	}
	r.logger.Info("deployed process definition", "id", def.ID, "steps", len(def.Steps))
	return def, nil
}

// Get returns a definition by id. A bare flow id resolves to its latest version.
func (r *Registry) Get(ctx context.Context, id string) (Definition, error) {
	if !strings.Contains(id, ":") {
		return r.Latest(ctx, id)
	}
	def, ok, err := r.repo.Definition(ctx, id)
	if err != nil {
		return Definition{}, err
	}
	if !ok {
		return Definition{}, newError(ErrDefinitionNotFound, "process definition not found: "+id, nil,
			map[string]any{"definitionId": id})
	}
	return def, nil
}

// Latest returns the highest deployed version of flowID.
func (r *Registry) Latest(ctx context.Context, flowID string) (Definition, error) {
	defs, err := r.repo.Definitions(ctx)
	if err != nil {
		return Definition{}, err
	}
	var (
		best  Definition
		found bool
	)
	for _, d := range defs {
		if d.FlowID == flowID && (!found || d.Version > best.Version) {
			best, found = d, true
		}
	}
	if !found {
		return Definition{}, newError(ErrDefinitionNotFound, "no deployed definition for flow "+flowID, nil,
			map[string]any{"flowId": flowID})
	}
	return best, nil
}

// List returns every deployed definition.
func (r *Registry) List(ctx context.Context) ([]Definition, error) {
	return r.repo.Definitions(ctx)
}
