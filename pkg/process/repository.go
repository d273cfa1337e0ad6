package process

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"flowmesh/pkg/kv"
)

const (
	keyDefinition = "definition/"
	keyInstance   = "instance/"
	keyTask       = "task/"
)

// Repository persists definitions, instances and user tasks in the replicated KV.
type Repository struct {
	kv *kv.Store
}

// NewRepository returns a repository over store.
func NewRepository(store *kv.Store) *Repository {
	return &Repository{kv: store}
}

// Fence couples a write to a held lock.
type Fence struct {
	Lock  string
	Token uint64
}

func (r *Repository) PutDefinition(ctx context.Context, d Definition) error {
	_, err := r.kv.NewBatch().PutJSON(keyDefinition+d.ID, d).Commit(ctx)
	return err
}

func (r *Repository) Definition(ctx context.Context, id string) (Definition, bool, error) {
	var d Definition
	ok, err := r.kv.GetJSON(ctx, keyDefinition+id, &d)
	if err != nil {
		return Definition{}, false, fmt.Errorf("read definition %s: %w", id, err)
	}
	return d, ok, nil
}

// Definitions lists definitions ordered by flow id then version.
func (r *Repository) Definitions(ctx context.Context) ([]Definition, error) {
	var out []Definition
	err := r.kv.Scan(ctx, keyDefinition, func(key string, raw []byte) error {
		var d Definition
		if err := json.Unmarshal(raw, &d); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, d)
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].FlowID == out[j].FlowID {
			return out[i].Version < out[j].Version
		}
		return out[i].FlowID < out[j].FlowID
	})
	return out, err
}

// CreateInstance writes a new instance without a fence.
func (r *Repository) CreateInstance(ctx context.Context, inst Instance) error {
	_, err := r.kv.NewBatch().PutJSON(keyInstance+inst.ID, inst).Commit(ctx)
	return err
}

// SaveInstance writes inst, creates and deletes tasks, all in one fenced write.
// It reports false when the fence no longer holds.
func (r *Repository) SaveInstance(ctx context.Context, fence Fence, inst Instance, create []UserTask, remove []string) (bool, error) {
	b := r.kv.NewBatch().Fence(fence.Lock, fence.Token).PutJSON(keyInstance+inst.ID, inst)
	for _, t := range create {
		b.PutJSON(keyTask+t.ID, t)
	}
	for _, id := range remove {
		b.Delete(keyTask + id)
	}
	return b.Commit(ctx)
}

func (r *Repository) Instance(ctx context.Context, id string) (Instance, bool, error) {
	var inst Instance
	ok, err := r.kv.GetJSON(ctx, keyInstance+id, &inst)
	if err != nil {
		return Instance{}, false, fmt.Errorf("read instance %s: %w", id, err)
	}
	return inst, ok, nil
}

// Instances lists every instance matching keep, ordered by sequence.
func (r *Repository) Instances(ctx context.Context, keep func(*Instance) bool) ([]Instance, error) {
	var out []Instance
	err := r.kv.Scan(ctx, keyInstance, func(key string, raw []byte) error {
		var inst Instance
		if err := json.Unmarshal(raw, &inst); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if keep == nil || keep(&inst) {
			out = append(out, inst)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, err
}

func (r *Repository) Task(ctx context.Context, id string) (UserTask, bool, error) {
	var t UserTask
	ok, err := r.kv.GetJSON(ctx, keyTask+id, &t)
	if err != nil {
		return UserTask{}, false, fmt.Errorf("read task %s: %w", id, err)
	}
	return t, ok, nil
}

// Tasks lists outstanding user tasks, optionally for one instance.
func (r *Repository) Tasks(ctx context.Context, instanceID string) ([]UserTask, error) {
	var out []UserTask
	err := r.kv.Scan(ctx, keyTask, func(key string, raw []byte) error {
		var t UserTask
		if err := json.Unmarshal(raw, &t); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if instanceID == "" || t.InstanceID == instanceID {
			out = append(out, t)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}
