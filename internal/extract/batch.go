package extract

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crash-pipeline/internal/model"
	"github.com/sells-group/crash-pipeline/internal/objstore"
)

// RawPrefix is the key namespace of raw batches.
const RawPrefix = "raw/"

// Envelope is the self-describing body of a raw batch object. Records keep
// the source's field names, values and order; only insignificant whitespace
// is dropped.
type Envelope struct {
	Schema      string            `json:"schema"`
	Entity      model.EntityType  `json:"entity"`
	Watermark   model.Watermark   `json:"watermark"`
	BatchSeq    int               `json:"batch_seq"`
	RunID       string            `json:"run_id"`
	FetchedAt   time.Time         `json:"fetched_at"`
	HighWater   model.Watermark   `json:"high_water"`
	RecordCount int               `json:"record_count"`
	Records     []json.RawMessage `json:"records"`
}

// EncodeBatch serializes env as gzip-compressed JSON.
func EncodeBatch(env *Envelope) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, eris.Wrap(err, "extract: encode batch")
	}
	if err := zw.Close(); err != nil {
		return nil, eris.Wrap(err, "extract: compress batch")
	}
	return buf.Bytes(), nil
}

// DecodeBatch reverses EncodeBatch. The schema tag is not checked here.
func DecodeBatch(data []byte) (*Envelope, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, eris.Wrap(err, "extract: open batch")
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, eris.Wrap(err, "extract: decompress batch")
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, eris.Wrap(err, "extract: decode batch")
	}
	return &env, nil
}

// BatchKey returns raw/{entity}/{watermark}/{seq}.json.gz.
func BatchKey(entity model.EntityType, wm model.Watermark, seq int) string {
	return fmt.Sprintf("%s%s/%s/%08d.json.gz", RawPrefix, entity, wm.Key(), seq)
}

// BatchRef locates one raw batch.
type BatchRef struct {
	Key       string
	Entity    model.EntityType
	Watermark model.Watermark
	Seq       int
}

// ParseBatchKey decodes a key produced by BatchKey.
func ParseBatchKey(key string) (BatchRef, error) {
	parts := strings.Split(strings.TrimPrefix(key, RawPrefix), "/")
	if !strings.HasPrefix(key, RawPrefix) || len(parts) != 3 || !strings.HasSuffix(parts[2], ".json.gz") {
		return BatchRef{}, eris.Errorf("extract: not a batch key: %q", key)
	}
	entity, err := model.ParseEntityType(parts[0])
	if err != nil {
		return BatchRef{}, eris.Wrapf(err, "extract: batch key %q", key)
	}
	wm, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return BatchRef{}, eris.Wrapf(err, "extract: batch key %q watermark", key)
	}
	seq, err := strconv.Atoi(strings.TrimSuffix(parts[2], ".json.gz"))
	if err != nil {
		return BatchRef{}, eris.Wrapf(err, "extract: batch key %q sequence", key)
	}
	return BatchRef{Key: key, Entity: entity, Watermark: model.Watermark(wm), Seq: seq}, nil
}

// ListBatches returns every batch of entity ordered by watermark then
// sequence. Keys that do not parse are skipped.
func ListBatches(ctx context.Context, store objstore.Store, entity model.EntityType) ([]BatchRef, error) {
	keys, err := store.List(ctx, RawPrefix+string(entity)+"/")
	if err != nil {
		return nil, eris.Wrapf(err, "extract: list %s batches", entity)
	}
	refs := make([]BatchRef, 0, len(keys))
	for _, k := range keys {
		ref, err := ParseBatchKey(k)
		if err != nil {
			continue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// NextSeq returns the first free batch sequence under (entity, wm).
func NextSeq(ctx context.Context, store objstore.Store, entity model.EntityType, wm model.Watermark) (int, error) {
	keys, err := store.List(ctx, fmt.Sprintf("%s%s/%s/", RawPrefix, entity, wm.Key()))
	if err != nil {
		return 0, eris.Wrapf(err, "extract: list %s batches at %d", entity, wm)
	}
	next := 0
	for _, k := range keys {
		ref, err := ParseBatchKey(k)
		if err == nil && ref.Seq >= next {
			next = ref.Seq + 1
		}
	}
	return next, nil
}
