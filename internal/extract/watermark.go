package extract

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crash-pipeline/internal/model"
	"github.com/sells-group/crash-pipeline/internal/objstore"
)

// WatermarkKey returns state/{entity}/watermark.
func WatermarkKey(entity model.EntityType) string {
	return "state/" + string(entity) + "/watermark"
}

// WatermarkState is the persisted watermark document.
type WatermarkState struct {
	Entity    model.EntityType `json:"entity"`
	Value     model.Watermark  `json:"value"`
	UpdatedAt time.Time        `json:"updated_at,omitzero"`
	RunID     string           `json:"run_id,omitempty"`
	Version   objstore.Version `json:"version,omitempty"`
}

// WatermarkStore reads and advances per-entity watermarks with optimistic
// concurrency.
type WatermarkStore struct {
	store objstore.Store
}

// NewWatermarkStore returns a WatermarkStore over store.
func NewWatermarkStore(store objstore.Store) *WatermarkStore {
	return &WatermarkStore{store: store}
}

// Load returns the entity's watermark. An entity that was never extracted
// is at Beginning with NoVersion.
func (w *WatermarkStore) Load(ctx context.Context, entity model.EntityType) (WatermarkState, error) {
	obj, err := w.store.GetVersioned(ctx, WatermarkKey(entity))
	if errors.Is(err, objstore.ErrNotFound) {
		return WatermarkState{Entity: entity, Value: model.Beginning, Version: objstore.NoVersion}, nil
	}
	if err != nil {
		return WatermarkState{}, eris.Wrapf(err, "watermark: load %s", entity)
	}
	var st WatermarkState
	if err := json.Unmarshal(obj.Data, &st); err != nil {
		return WatermarkState{}, eris.Wrapf(err, "watermark: decode %s", entity)
	}
	st.Entity = entity
	st.Version = obj.Version
	return st, nil
}

// Advance moves cur to value if value is greater, using cur.Version as the
// expected version. A value at or below cur.Value leaves the stored state
// alone and returns cur. A concurrent writer yields objstore.ErrVersionConflict.
func (w *WatermarkStore) Advance(ctx context.Context, cur WatermarkState, value model.Watermark, runID string) (WatermarkState, error) {
	if value <= cur.Value {
		return cur, nil
	}
	next := WatermarkState{
		Entity:    cur.Entity,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
		RunID:     runID,
	}
	data, err := json.Marshal(next)
	if err != nil {
		return cur, eris.Wrap(err, "watermark: encode")
	}
	ver, err := w.store.CompareAndSwap(ctx, WatermarkKey(cur.Entity), data, cur.Version)
	if err != nil {
		return cur, eris.Wrapf(err, "watermark: advance %s to %d", cur.Entity, value)
	}
	next.Version = ver
	return next, nil
}

// List loads the watermark of every entity in extraction order.
func (w *WatermarkStore) List(ctx context.Context) ([]WatermarkState, error) {
	out := make([]WatermarkState, 0, len(model.AllEntities))
	for _, e := range model.AllEntities {
		st, err := w.Load(ctx, e)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}
