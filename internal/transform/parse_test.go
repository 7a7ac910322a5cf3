package transform

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCrash(t *testing.T) {
	c, err := ParseCrash(json.RawMessage(`{
		"crash_record_id": " abc ",
		"crash_date": "2023-09-30T23:15:00.000",
		"posted_speed_limit": 30,
		"num_units": "2.0",
		"latitude": "41.881",
		"longitude": -87.62,
		"weather_condition": "CLEAR"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", c.CrashRecordID)
	assert.Equal(t, time.Date(2023, 9, 30, 23, 15, 0, 0, time.UTC), *c.CrashDate)
	assert.Equal(t, 30, *c.PostedSpeedLimit)
	assert.Equal(t, 2, *c.NumUnits)
	assert.InDelta(t, 41.881, *c.Latitude, 1e-9)
	assert.InDelta(t, -87.62, *c.Longitude, 1e-9)
	assert.Nil(t, c.InjuriesTotal)
	assert.Equal(t, "CLEAR", c.WeatherCondition)
}

func TestParseCrashErrors(t *testing.T) {
	for raw, reason := range map[string]string{
		`null`:                                      "invalid_json",
		`{"crash_record_id":""}`:                    "missing_crash_record_id",
		`{"crash_record_id":"A","num_units":"2.5"}`: "malformed_num_units",
		`{"crash_record_id":"A","street_no":"12B"}`: "malformed_street_no",
	} {
		_, err := ParseCrash(json.RawMessage(raw))
		var pe *ParseError
		require.ErrorAs(t, err, &pe, raw)
		assert.Equal(t, reason, pe.Reason, raw)
	}
}

func TestParseVehicleUnitFallback(t *testing.T) {
	v, err := ParseVehicle(json.RawMessage(`{"crash_record_id":"A","crash_unit_id":"17","vehicle_type":"BUS"}`))
	require.NoError(t, err)
	assert.Equal(t, "17", v.VehicleID)
	assert.Equal(t, "BUS", v.VehicleType)

	_, err = ParseVehicle(json.RawMessage(`{"crash_record_id":"A"}`))
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "missing_vehicle_id", pe.Reason)
}

func TestParsePerson(t *testing.T) {
	p, err := ParsePerson(json.RawMessage(`{"crash_record_id":"A","person_id":"O1","person_type":"DRIVER","injury_classification":"FATAL"}`))
	require.NoError(t, err)
	assert.Equal(t, "O1", p.PersonID)
	assert.Equal(t, "FATAL", p.InjuryClassification)
}
