package clean

import (
	"strconv"

	"github.com/sells-group/crash-pipeline/internal/model"
)

// Policy is what happens to a numeric value outside its range.
type Policy string

const (
	// Clamp moves the value to the nearest bound and counts it.
	Clamp Policy = "clamp"
	// Reject drops the row.
	Reject Policy = "reject"
)

// RequiredFields must be present on every Gold row.
var RequiredFields = []string{"crash_record_id", "crash_date", "latitude", "longitude"}

// RangeRule bounds one numeric Silver field.
type RangeRule struct {
	Field    string
	Min, Max float64
	Policy   Policy
}

// intField and floatField bind a rule to the row value it guards. A nil
// pointer means the field is null and the rule does not apply.
type intField func(r *model.SilverRow) *int
type floatField func(r *model.SilverRow) *float64

type intRule struct {
	RangeRule
	get intField
}

type floatRule struct {
	RangeRule
	get floatField
}

var intRules = []intRule{
	{RangeRule{"posted_speed_limit", 0, 99, Clamp}, func(r *model.SilverRow) *int { return r.PostedSpeedLimit }},
	{RangeRule{"num_units", 0, 50, Clamp}, func(r *model.SilverRow) *int { return r.NumUnits }},
	{RangeRule{"injuries_total", 0, 500, Clamp}, func(r *model.SilverRow) *int { return r.InjuriesTotal }},
	{RangeRule{"injuries_fatal", 0, 100, Clamp}, func(r *model.SilverRow) *int { return r.InjuriesFatal }},
	{RangeRule{"street_no", 0, 99999, Clamp}, func(r *model.SilverRow) *int { return r.StreetNo }},
	{RangeRule{"vehicle_count", 0, 500, Reject}, func(r *model.SilverRow) *int { return &r.VehicleCount }},
	{RangeRule{"person_count", 0, 1000, Reject}, func(r *model.SilverRow) *int { return &r.PersonCount }},
	{RangeRule{"person_injured_count", 0, 1000, Reject}, func(r *model.SilverRow) *int { return &r.PersonInjuredCount }},
	{RangeRule{"person_fatality_count", 0, 1000, Reject}, func(r *model.SilverRow) *int { return &r.PersonFatalityCount }},
	{RangeRule{"driver_count", 0, 500, Reject}, func(r *model.SilverRow) *int { return &r.DriverCount }},
}

var floatRules = []floatRule{
	{RangeRule{"latitude", -90, 90, Reject}, func(r *model.SilverRow) *float64 { return r.Latitude }},
	{RangeRule{"longitude", -180, 180, Reject}, func(r *model.SilverRow) *float64 { return r.Longitude }},
}

// RangeRules lists every numeric policy in evaluation order.
func RangeRules() []RangeRule {
	out := make([]RangeRule, 0, len(intRules)+len(floatRules))
	for _, r := range intRules {
		out = append(out, r.RangeRule)
	}
	for _, r := range floatRules {
		out = append(out, r.RangeRule)
	}
	return out
}

// severityRule is one row of the severity lookup table.
type severityRule struct {
	label string
	match func(fatalities, injuries int) bool
}

// severityTable is evaluated top to bottom; the first match wins.
var severityTable = []severityRule{
	{model.SeverityFatal, func(f, _ int) bool { return f > 0 }},
	{model.SeverityInjury, func(_, i int) bool { return i > 0 }},
	{model.SeverityNoInjury, func(int, int) bool { return true }},
}

// Severity labels a crash from its fatality and injury counts.
func Severity(fatalities, injuries int) string {
	for _, r := range severityTable {
		if r.match(fatalities, injuries) {
			return r.label
		}
	}
	return model.SeverityNoInjury
}

func formatNum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
