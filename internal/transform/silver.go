package transform

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/crash-pipeline/internal/model"
	"github.com/sells-group/crash-pipeline/internal/objstore"
)

// SilverPrefix is the key namespace of Silver snapshots.
const SilverPrefix = "silver/"

const manifestName = "_manifest.json"

// snapshotIDLayout sorts lexically in creation order.
const snapshotIDLayout = "20060102T150405.000000000Z"

// ErrNoSnapshot is returned when no committed Silver snapshot exists.
var ErrNoSnapshot = eris.New("transform: no silver snapshot")

// Manifest commits a Silver snapshot. It is written after every part.
type Manifest struct {
	Schema     string                               `json:"schema"`
	Columns    []string                             `json:"columns"`
	SnapshotID string                               `json:"snapshot_id"`
	Cutoffs    map[model.EntityType]model.Watermark `json:"cutoffs"`
	Parts      []string                             `json:"parts"`
	RowCount   int                                  `json:"row_count"`
	CreatedAt  time.Time                            `json:"created_at"`
	RunID      string                               `json:"run_id"`
}

// NewSnapshotID returns a time-ordered snapshot id.
func NewSnapshotID(now time.Time) string {
	return now.UTC().Format(snapshotIDLayout) + "-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// ManifestKey returns silver/{id}/_manifest.json.
func ManifestKey(snapshotID string) string {
	return SilverPrefix + snapshotID + "/" + manifestName
}

func partKey(snapshotID string, n int) string {
	return fmt.Sprintf("%s%s/part-%05d.csv", SilverPrefix, snapshotID, n)
}

// SnapshotWriter writes the parts of one Silver snapshot and then commits
// it. Until Commit succeeds the snapshot is invisible to readers.
type SnapshotWriter struct {
	store    objstore.Store
	id       string
	partRows int
	parts    []string
	rows     int
	pending  [][]string
	onPut    func(start time.Time)
}

// NewSnapshotWriter starts a snapshot with partRows rows per part.
func NewSnapshotWriter(store objstore.Store, id string, partRows int) *SnapshotWriter {
	if partRows <= 0 {
		partRows = 50000
	}
	return &SnapshotWriter{store: store, id: id, partRows: partRows}
}

// ID returns the snapshot id.
func (w *SnapshotWriter) ID() string { return w.id }

// Write buffers a row and flushes a part when it is full.
func (w *SnapshotWriter) Write(ctx context.Context, row *model.SilverRow) error {
	w.pending = append(w.pending, row.Record())
	if len(w.pending) >= w.partRows {
		return w.flush(ctx)
	}
	return nil
}

func (w *SnapshotWriter) flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(model.SilverColumns); err != nil {
		return eris.Wrap(err, "transform: write header")
	}
	if err := cw.WriteAll(w.pending); err != nil {
		return eris.Wrap(err, "transform: write part")
	}
	key := partKey(w.id, len(w.parts))
	start := time.Now()
	if err := w.store.Put(ctx, key, buf.Bytes()); err != nil {
		return eris.Wrapf(err, "transform: put %s", key)
	}
	if w.onPut != nil {
		w.onPut(start)
	}
	w.parts = append(w.parts, key)
	w.rows += len(w.pending)
	w.pending = w.pending[:0]
	return nil
}

// Commit flushes the last part and writes the manifest.
func (w *SnapshotWriter) Commit(ctx context.Context, m Manifest) (*Manifest, error) {
	if err := w.flush(ctx); err != nil {
		return nil, err
	}
	m.Schema = model.SilverSchema
	m.Columns = model.SilverColumns
	m.SnapshotID = w.id
	m.Parts = w.parts
	if m.Parts == nil {
		m.Parts = []string{}
	}
	m.RowCount = w.rows
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "transform: encode manifest")
	}
	if err := w.store.Put(ctx, ManifestKey(w.id), data); err != nil {
		return nil, eris.Wrapf(err, "transform: commit snapshot %s", w.id)
	}
	return &m, nil
}

// LatestSnapshot returns the manifest of the newest committed snapshot.
func LatestSnapshot(ctx context.Context, store objstore.Store) (*Manifest, error) {
	keys, err := store.List(ctx, SilverPrefix)
	if err != nil {
		return nil, eris.Wrap(err, "transform: list snapshots")
	}
	latest := ""
	for _, k := range keys {
		if strings.HasSuffix(k, "/"+manifestName) && k > latest {
			latest = k
		}
	}
	if latest == "" {
		return nil, ErrNoSnapshot
	}
	return ReadManifest(ctx, store, latest)
}

// ReadManifest loads the manifest stored at key.
func ReadManifest(ctx context.Context, store objstore.Store, key string) (*Manifest, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, ErrNoSnapshot
		}
		return nil, eris.Wrapf(err, "transform: get %s", key)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrapf(err, "transform: decode %s", key)
	}
	return &m, nil
}

// ReadRecords streams every data record of a snapshot in order. The header
// row of each part must match the manifest columns.
func ReadRecords(ctx context.Context, store objstore.Store, m *Manifest, fn func(rec []string) error) error {
	for _, key := range m.Parts {
		data, err := store.Get(ctx, key)
		if err != nil {
			return eris.Wrapf(err, "transform: get %s", key)
		}
		r := csv.NewReader(bytes.NewReader(data))
		r.FieldsPerRecord = -1
		header, err := r.Read()
		if err != nil {
			return eris.Wrapf(err, "transform: read header of %s", key)
		}
		if err := model.CheckContract(m.Schema, m.Columns, m.Schema, header); err != nil {
			return eris.Wrapf(err, "transform: part %s", key)
		}
		for {
			rec, err := r.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return eris.Wrapf(err, "transform: read %s", key)
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
	}
	return nil
}
