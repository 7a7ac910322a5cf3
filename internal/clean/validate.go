package clean

import (
	"slices"
	"strconv"
	"strings"

	"github.com/sells-group/crash-pipeline/internal/model"
)

// outcome is the verdict on one Silver row.
type outcome struct {
	row       *model.GoldRow
	rejection *model.Rejection
	clamped   []string
	unknown   []string
}

// validator applies the fixed rule tables.
type validator struct {
	domains Domains
}

func reject(row *model.SilverRow, reason, field, value string) outcome {
	return outcome{rejection: &model.Rejection{
		CrashRecordID: row.CrashRecordID,
		Reason:        reason,
		Field:         field,
		Value:         value,
	}}
}

// validate checks required fields and ranges, normalizes categoricals and
// derives labels. Clamped values are written back into row.
func (v *validator) validate(row *model.SilverRow) outcome {
	switch {
	case strings.TrimSpace(row.CrashRecordID) == "":
		return reject(row, "missing_crash_record_id", "crash_record_id", "")
	case row.CrashDate == nil:
		return reject(row, "missing_crash_date", "crash_date", "")
	case row.Latitude == nil:
		return reject(row, "missing_latitude", "latitude", "")
	case row.Longitude == nil:
		return reject(row, "missing_longitude", "longitude", "")
	}

	var out outcome
	for _, r := range intRules {
		p := r.get(row)
		if p == nil {
			continue
		}
		val := float64(*p)
		if val >= r.Min && val <= r.Max {
			continue
		}
		if r.Policy == Reject {
			return reject(row, "range_"+r.Field, r.Field, strconv.Itoa(*p))
		}
		*p = int(min(max(val, r.Min), r.Max))
		out.clamped = append(out.clamped, r.Field)
	}
	for _, r := range floatRules {
		p := r.get(row)
		if p == nil {
			continue
		}
		if *p >= r.Min && *p <= r.Max {
			continue
		}
		if r.Policy == Reject {
			return reject(row, "range_"+r.Field, r.Field, formatNum(*p))
		}
		*p = min(max(*p, r.Min), r.Max)
		out.clamped = append(out.clamped, r.Field)
	}

	c := &row.Crash
	g := &model.GoldRow{
		CrashRecordID:          strings.TrimSpace(c.CrashRecordID),
		CrashDate:              c.CrashDate.UTC(),
		PostedSpeedLimit:       c.PostedSpeedLimit,
		PrimContributoryCause:  v.text(c.PrimContributoryCause),
		StreetNo:               c.StreetNo,
		StreetName:             v.text(c.StreetName),
		NumUnits:               c.NumUnits,
		InjuriesTotal:          c.InjuriesTotal,
		InjuriesFatal:          c.InjuriesFatal,
		Latitude:               *c.Latitude,
		Longitude:              *c.Longitude,
		VehicleCount:           row.VehicleCount,
		VehicleTypes:           v.list(row.VehicleTypes),
		VehiclePrimaryManeuver: v.text(row.VehiclePrimaryManeuver),
		PersonCount:            row.PersonCount,
		PersonInjuredCount:     row.PersonInjuredCount,
		PersonFatalityCount:    row.PersonFatalityCount,
		DriverCount:            row.DriverCount,
		SourceWatermark:        row.SourceWatermark,
	}
	for _, cat := range []struct {
		domain string
		dst    *string
		src    string
	}{
		{"traffic_control_device", &g.TrafficControlDevice, c.TrafficControlDevice},
		{"device_condition", &g.DeviceCondition, c.DeviceCondition},
		{"weather_condition", &g.WeatherCondition, c.WeatherCondition},
		{"lighting_condition", &g.LightingCondition, c.LightingCondition},
		{"first_crash_type", &g.FirstCrashType, c.FirstCrashType},
		{"trafficway_type", &g.TrafficwayType, c.TrafficwayType},
		{"alignment", &g.Alignment, c.Alignment},
		{"roadway_surface_cond", &g.RoadwaySurfaceCond, c.RoadwaySurfaceCond},
		{"road_defect", &g.RoadDefect, c.RoadDefect},
		{"crash_type", &g.CrashType, c.CrashType},
		{"damage", &g.Damage, c.Damage},
		{"street_direction", &g.StreetDirection, c.StreetDirection},
	} {
		val, replaced := v.domains.Canonical(cat.domain, cat.src)
		*cat.dst = val
		if replaced {
			out.unknown = append(out.unknown, cat.domain)
		}
	}

	fatalities := max(deref(c.InjuriesFatal), row.PersonFatalityCount)
	injuries := max(deref(c.InjuriesTotal), row.PersonInjuredCount)
	g.Severity = Severity(fatalities, injuries)
	g.HasInjury = g.Severity != model.SeverityNoInjury

	out.row = g
	return out
}

func (v *validator) text(s string) string {
	if n := Normalize(s); n != "" {
		return n
	}
	return Unknown
}

func (v *validator) list(items []string) string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if n := Normalize(it); n != "" {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return strings.Join(slices.Compact(out), model.ListSeparator)
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
