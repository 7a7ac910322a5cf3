package transform

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"

	"github.com/sells-group/crash-pipeline/internal/model"
)

// origin locates a record in the raw layer.
type origin struct {
	watermark model.Watermark
	seq       int
	raw       json.RawMessage
}

// entry is the current winner for one natural key.
type entry[T any] struct {
	origin
	rec *T
}

// table keeps the winning record per natural key. Records must be offered
// in (watermark, seq, position) order so that a later offer always wins;
// an offer whose bytes equal the current winner keeps the earlier lineage.
type table[T any] struct {
	rows     map[string]*entry[T]
	replaced int
}

func newTable[T any]() *table[T] {
	return &table[T]{rows: make(map[string]*entry[T])}
}

func (t *table[T]) offer(key string, o origin, rec *T) {
	cur, ok := t.rows[key]
	if ok {
		if bytes.Equal(cur.raw, o.raw) {
			return
		}
		t.replaced++
	}
	t.rows[key] = &entry[T]{origin: o, rec: rec}
}

func (t *table[T]) len() int { return len(t.rows) }

func vehicleKey(v *model.Vehicle) string { return v.CrashRecordID + "\x00" + v.VehicleID }
func personKey(p *model.Person) string   { return p.CrashRecordID + "\x00" + p.PersonID }

// joinResult is the output of join.
type joinResult struct {
	Rows           []*model.SilverRow
	OrphanVehicles int
	OrphanPersons  int
}

// join builds one Silver row per crash, ordered by crash_record_id.
// Vehicles and people whose crash is unknown are dropped and counted.
func join(crashes *table[model.Crash], vehicles *table[model.Vehicle], persons *table[model.Person]) joinResult {
	var res joinResult

	byCrashV := make(map[string][]*model.Vehicle)
	for _, e := range vehicles.rows {
		id := e.rec.CrashRecordID
		if _, ok := crashes.rows[id]; !ok {
			res.OrphanVehicles++
			continue
		}
		byCrashV[id] = append(byCrashV[id], e.rec)
	}
	byCrashP := make(map[string][]*model.Person)
	for _, e := range persons.rows {
		id := e.rec.CrashRecordID
		if _, ok := crashes.rows[id]; !ok {
			res.OrphanPersons++
			continue
		}
		byCrashP[id] = append(byCrashP[id], e.rec)
	}

	keys := make([]string, 0, crashes.len())
	for k := range crashes.rows {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	res.Rows = make([]*model.SilverRow, 0, len(keys))
	for _, k := range keys {
		e := crashes.rows[k]
		row := &model.SilverRow{
			Crash:           *e.rec,
			SourceWatermark: e.watermark,
			SourceBatchSeq:  e.seq,
		}
		aggregateVehicles(row, byCrashV[k])
		aggregatePersons(row, byCrashP[k])
		res.Rows = append(res.Rows, row)
	}
	return res
}

func aggregateVehicles(row *model.SilverRow, vs []*model.Vehicle) {
	row.VehicleCount = len(vs)
	types := make([]string, 0, len(vs))
	maneuvers := make(map[string]int)
	for _, v := range vs {
		if t := strings.TrimSpace(v.VehicleType); t != "" {
			types = append(types, t)
		}
		if m := strings.TrimSpace(v.Maneuver); m != "" {
			maneuvers[m]++
		}
	}
	slices.Sort(types)
	row.VehicleTypes = slices.Compact(types)
	if len(row.VehicleTypes) == 0 {
		row.VehicleTypes = nil
	}

	best, bestN := "", 0
	for m, n := range maneuvers {
		if n > bestN || (n == bestN && m < best) {
			best, bestN = m, n
		}
	}
	row.VehiclePrimaryManeuver = best
}

func aggregatePersons(row *model.SilverRow, ps []*model.Person) {
	row.PersonCount = len(ps)
	for _, p := range ps {
		switch strings.ToUpper(strings.TrimSpace(p.InjuryClassification)) {
		case model.InjuryFatal:
			row.PersonFatalityCount++
			row.PersonInjuredCount++
		case model.InjuryIncapacitating, model.InjuryNonIncapacitating, model.InjuryReportedNotEvident:
			row.PersonInjuredCount++
		}
		if strings.EqualFold(strings.TrimSpace(p.PersonType), model.PersonTypeDriver) {
			row.DriverCount++
		}
	}
}
