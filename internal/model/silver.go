package model

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// SilverColumns is the ordered column list of the silver.v1 contract.
var SilverColumns = []string{
	"crash_record_id",
	"crash_date",
	"posted_speed_limit",
	"traffic_control_device",
	"device_condition",
	"weather_condition",
	"lighting_condition",
	"first_crash_type",
	"trafficway_type",
	"alignment",
	"roadway_surface_cond",
	"road_defect",
	"crash_type",
	"damage",
	"prim_contributory_cause",
	"street_no",
	"street_direction",
	"street_name",
	"num_units",
	"injuries_total",
	"injuries_fatal",
	"latitude",
	"longitude",
	"vehicle_count",
	"vehicle_types",
	"vehicle_primary_maneuver",
	"person_count",
	"person_injured_count",
	"person_fatality_count",
	"driver_count",
	"source_watermark",
	"source_batch_seq",
}

// SilverRow is one crash joined with the aggregates of its vehicles and
// people, plus the lineage of the batch that supplied the crash fields.
type SilverRow struct {
	Crash

	VehicleCount           int
	VehicleTypes           []string
	VehiclePrimaryManeuver string

	PersonCount         int
	PersonInjuredCount  int
	PersonFatalityCount int
	DriverCount         int

	SourceWatermark Watermark
	SourceBatchSeq  int
}

// Record renders the row in SilverColumns order. Null values are empty cells.
func (r *SilverRow) Record() []string {
	c := &r.Crash
	return []string{
		c.CrashRecordID,
		formatTime(c.CrashDate),
		formatInt(c.PostedSpeedLimit),
		c.TrafficControlDevice,
		c.DeviceCondition,
		c.WeatherCondition,
		c.LightingCondition,
		c.FirstCrashType,
		c.TrafficwayType,
		c.Alignment,
		c.RoadwaySurfaceCond,
		c.RoadDefect,
		c.CrashType,
		c.Damage,
		c.PrimContributoryCause,
		formatInt(c.StreetNo),
		c.StreetDirection,
		c.StreetName,
		formatInt(c.NumUnits),
		formatInt(c.InjuriesTotal),
		formatInt(c.InjuriesFatal),
		formatFloat(c.Latitude),
		formatFloat(c.Longitude),
		strconv.Itoa(r.VehicleCount),
		strings.Join(r.VehicleTypes, ListSeparator),
		r.VehiclePrimaryManeuver,
		strconv.Itoa(r.PersonCount),
		strconv.Itoa(r.PersonInjuredCount),
		strconv.Itoa(r.PersonFatalityCount),
		strconv.Itoa(r.DriverCount),
		strconv.FormatInt(int64(r.SourceWatermark), 10),
		strconv.Itoa(r.SourceBatchSeq),
	}
}

// ParseSilverRecord decodes a CSV record laid out in SilverColumns order.
// Typed fields that fail to parse are reported as *FieldError; the first
// such error is returned.
func ParseSilverRecord(rec []string) (*SilverRow, error) {
	if len(rec) != len(SilverColumns) {
		return nil, eris.Errorf("silver record has %d fields, want %d", len(rec), len(SilverColumns))
	}

	var row SilverRow
	p := &parser{rec: rec}
	c := &row.Crash
	c.CrashRecordID = strings.TrimSpace(rec[0])
	c.CrashDate = p.optTime(1)
	c.PostedSpeedLimit = p.optInt(2)
	c.TrafficControlDevice = rec[3]
	c.DeviceCondition = rec[4]
	c.WeatherCondition = rec[5]
	c.LightingCondition = rec[6]
	c.FirstCrashType = rec[7]
	c.TrafficwayType = rec[8]
	c.Alignment = rec[9]
	c.RoadwaySurfaceCond = rec[10]
	c.RoadDefect = rec[11]
	c.CrashType = rec[12]
	c.Damage = rec[13]
	c.PrimContributoryCause = rec[14]
	c.StreetNo = p.optInt(15)
	c.StreetDirection = rec[16]
	c.StreetName = rec[17]
	c.NumUnits = p.optInt(18)
	c.InjuriesTotal = p.optInt(19)
	c.InjuriesFatal = p.optInt(20)
	c.Latitude = p.optFloat(21)
	c.Longitude = p.optFloat(22)

	row.VehicleCount = p.reqInt(23)
	if rec[24] != "" {
		row.VehicleTypes = strings.Split(rec[24], ListSeparator)
	}
	row.VehiclePrimaryManeuver = rec[25]
	row.PersonCount = p.reqInt(26)
	row.PersonInjuredCount = p.reqInt(27)
	row.PersonFatalityCount = p.reqInt(28)
	row.DriverCount = p.reqInt(29)
	row.SourceWatermark = Watermark(p.reqInt(30))
	row.SourceBatchSeq = p.reqInt(31)

	return &row, p.err
}

// parser records the first field error and keeps going so the caller still
// sees every parseable value.
type parser struct {
	rec []string
	err error
}

func (p *parser) keep(err error) {
	if err != nil && p.err == nil {
		p.err = err
	}
}

func (p *parser) optInt(i int) *int {
	v, err := ParseOptionalInt(SilverColumns[i], p.rec[i])
	p.keep(err)
	return v
}

func (p *parser) optFloat(i int) *float64 {
	v, err := ParseOptionalFloat(SilverColumns[i], p.rec[i])
	p.keep(err)
	return v
}

func (p *parser) optTime(i int) *time.Time {
	v, err := ParseOptionalTime(SilverColumns[i], p.rec[i])
	p.keep(err)
	return v
}

func (p *parser) reqInt(i int) int {
	v, err := parseRequiredInt(SilverColumns[i], p.rec[i])
	p.keep(err)
	return v
}
