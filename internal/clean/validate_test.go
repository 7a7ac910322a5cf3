package clean

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/crash-pipeline/internal/model"
)

func newValidator(t *testing.T) *validator {
	t.Helper()
	d, err := LoadDomains()
	require.NoError(t, err)
	return &validator{domains: d}
}

func TestValidate_RequiredFields(t *testing.T) {
	v := newValidator(t)
	cases := map[string]func(r *model.SilverRow){
		"missing_crash_record_id": func(r *model.SilverRow) { r.CrashRecordID = " " },
		"missing_crash_date":      func(r *model.SilverRow) { r.CrashDate = nil },
		"missing_latitude":        func(r *model.SilverRow) { r.Latitude = nil },
		"missing_longitude":       func(r *model.SilverRow) { r.Longitude = nil },
	}
	for reason, mutate := range cases {
		t.Run(reason, func(t *testing.T) {
			r := silverRow(0)
			mutate(r)
			out := v.validate(r)
			require.NotNil(t, out.rejection)
			assert.Nil(t, out.row)
			assert.Equal(t, reason, out.rejection.Reason)
		})
	}
}

func TestValidate_RangePolicies(t *testing.T) {
	v := newValidator(t)

	r := silverRow(0)
	r.Latitude = ptr(91.5)
	out := v.validate(r)
	require.NotNil(t, out.rejection)
	assert.Equal(t, "range_latitude", out.rejection.Reason)
	assert.Equal(t, "91.5", out.rejection.Value)

	r = silverRow(0)
	r.InjuriesFatal = ptr(150)
	r.InjuriesTotal = ptr(-3)
	out = v.validate(r)
	require.NotNil(t, out.row)
	assert.Equal(t, 100, *out.row.InjuriesFatal)
	assert.Equal(t, 0, *out.row.InjuriesTotal)
	assert.ElementsMatch(t, []string{"injuries_fatal", "injuries_total"}, out.clamped)
	assert.Equal(t, model.SeverityFatal, out.row.Severity)

	r = silverRow(0)
	r.DriverCount = 501
	out = v.validate(r)
	require.NotNil(t, out.rejection)
	assert.Equal(t, "range_driver_count", out.rejection.Reason)
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, model.SeverityFatal, Severity(1, 0))
	assert.Equal(t, model.SeverityFatal, Severity(2, 5))
	assert.Equal(t, model.SeverityInjury, Severity(0, 1))
	assert.Equal(t, model.SeverityNoInjury, Severity(0, 0))
}

func TestValidate_SeverityUsesPersonCounts(t *testing.T) {
	v := newValidator(t)
	r := silverRow(0)
	r.PersonFatalityCount = 1
	out := v.validate(r)
	require.NotNil(t, out.row)
	assert.Equal(t, model.SeverityFatal, out.row.Severity)
	assert.True(t, out.row.HasInjury)
}

func TestRangeRules(t *testing.T) {
	rules := RangeRules()
	byField := make(map[string]RangeRule, len(rules))
	for _, r := range rules {
		byField[r.Field] = r
	}
	assert.Equal(t, Reject, byField["person_count"].Policy)
	assert.Equal(t, Clamp, byField["posted_speed_limit"].Policy)
	assert.Equal(t, 99.0, byField["posted_speed_limit"].Max)
	assert.Len(t, rules, 12)
}
