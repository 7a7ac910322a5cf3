package model

import (
	"time"
)

// ColumnType is a logical column type; each Gold driver maps it to a SQL type.
type ColumnType string

const (
	TypeText      ColumnType = "text"
	TypeInteger   ColumnType = "integer"
	TypeReal      ColumnType = "real"
	TypeTimestamp ColumnType = "timestamp"
)

// ColumnSpec documents one column of a layer contract.
type ColumnSpec struct {
	Name        string     `json:"name"`
	Type        ColumnType `json:"type"`
	Nullable    bool       `json:"nullable"`
	Domain      string     `json:"domain,omitempty"`
	Description string     `json:"description"`
}

// Severity labels.
const (
	SeverityFatal    = "fatal"
	SeverityInjury   = "injury"
	SeverityNoInjury = "no_injury"
)

// SeverityDomain is the name of the derived severity domain.
const SeverityDomain = "severity"

// GoldColumns is the documented gold.v1 schema. Order matches GoldRow.Values.
var GoldColumns = []ColumnSpec{
	{Name: "crash_record_id", Type: TypeText, Description: "natural key of the crash"},
	{Name: "crash_date", Type: TypeTimestamp, Description: "crash timestamp, UTC"},
	{Name: "posted_speed_limit", Type: TypeInteger, Nullable: true, Description: "posted limit in mph, clamped to [0,99]"},
	{Name: "traffic_control_device", Type: TypeText, Domain: "traffic_control_device", Description: "traffic control present"},
	{Name: "device_condition", Type: TypeText, Domain: "device_condition", Description: "condition of the control device"},
	{Name: "weather_condition", Type: TypeText, Domain: "weather_condition", Description: "weather at time of crash"},
	{Name: "lighting_condition", Type: TypeText, Domain: "lighting_condition", Description: "lighting at time of crash"},
	{Name: "first_crash_type", Type: TypeText, Domain: "first_crash_type", Description: "type of first collision"},
	{Name: "trafficway_type", Type: TypeText, Domain: "trafficway_type", Description: "trafficway layout"},
	{Name: "alignment", Type: TypeText, Domain: "alignment", Description: "street alignment"},
	{Name: "roadway_surface_cond", Type: TypeText, Domain: "roadway_surface_cond", Description: "road surface condition"},
	{Name: "road_defect", Type: TypeText, Domain: "road_defect", Description: "road defects"},
	{Name: "crash_type", Type: TypeText, Domain: "crash_type", Description: "injury/tow classification"},
	{Name: "damage", Type: TypeText, Domain: "damage", Description: "estimated damage bracket"},
	{Name: "prim_contributory_cause", Type: TypeText, Description: "primary contributory cause, normalized text"},
	{Name: "street_no", Type: TypeInteger, Nullable: true, Description: "street number"},
	{Name: "street_direction", Type: TypeText, Domain: "street_direction", Description: "street direction"},
	{Name: "street_name", Type: TypeText, Description: "street name, normalized text"},
	{Name: "num_units", Type: TypeInteger, Nullable: true, Description: "units involved, clamped to [0,50]"},
	{Name: "injuries_total", Type: TypeInteger, Nullable: true, Description: "total injuries, clamped to [0,500]"},
	{Name: "injuries_fatal", Type: TypeInteger, Nullable: true, Description: "fatal injuries, clamped to [0,100]"},
	{Name: "latitude", Type: TypeReal, Description: "latitude in [-90,90]"},
	{Name: "longitude", Type: TypeReal, Description: "longitude in [-180,180]"},
	{Name: "vehicle_count", Type: TypeInteger, Description: "vehicles joined to the crash"},
	{Name: "vehicle_types", Type: TypeText, Description: "sorted distinct vehicle types, | separated"},
	{Name: "vehicle_primary_maneuver", Type: TypeText, Description: "most frequent vehicle maneuver"},
	{Name: "person_count", Type: TypeInteger, Description: "people joined to the crash"},
	{Name: "person_injured_count", Type: TypeInteger, Description: "people with an injury classification"},
	{Name: "person_fatality_count", Type: TypeInteger, Description: "people classified fatal"},
	{Name: "driver_count", Type: TypeInteger, Description: "people with person type DRIVER"},
	{Name: "crash_year", Type: TypeInteger, Description: "year of crash_date"},
	{Name: "crash_month", Type: TypeInteger, Description: "month of crash_date, 1-12"},
	{Name: "crash_day", Type: TypeInteger, Description: "day of month of crash_date"},
	{Name: "crash_hour", Type: TypeInteger, Description: "hour of crash_date, 0-23"},
	{Name: "crash_day_of_week", Type: TypeInteger, Description: "weekday of crash_date, 0 = Sunday"},
	{Name: "severity", Type: TypeText, Domain: SeverityDomain, Description: "fatal, injury or no_injury"},
	{Name: "has_injury", Type: TypeInteger, Description: "1 when severity is not no_injury"},
	{Name: "source_watermark", Type: TypeInteger, Description: "watermark of the raw batch that supplied the crash"},
}

// GoldColumnNames returns the Gold column names in order.
func GoldColumnNames() []string {
	names := make([]string, len(GoldColumns))
	for i, c := range GoldColumns {
		names[i] = c.Name
	}
	return names
}

// GoldRow is a validated, normalized crash ready for consumers.
type GoldRow struct {
	CrashRecordID          string
	CrashDate              time.Time
	PostedSpeedLimit       *int
	TrafficControlDevice   string
	DeviceCondition        string
	WeatherCondition       string
	LightingCondition      string
	FirstCrashType         string
	TrafficwayType         string
	Alignment              string
	RoadwaySurfaceCond     string
	RoadDefect             string
	CrashType              string
	Damage                 string
	PrimContributoryCause  string
	StreetNo               *int
	StreetDirection        string
	StreetName             string
	NumUnits               *int
	InjuriesTotal          *int
	InjuriesFatal          *int
	Latitude               float64
	Longitude              float64
	VehicleCount           int
	VehicleTypes           string
	VehiclePrimaryManeuver string
	PersonCount            int
	PersonInjuredCount     int
	PersonFatalityCount    int
	DriverCount            int
	Severity               string
	HasInjury              bool
	SourceWatermark        Watermark
}

// Values returns the row in GoldColumns order, with nil for null cells.
// Timestamps are rendered with TimestampLayout.
func (g *GoldRow) Values() []any {
	d := g.CrashDate.UTC()
	hasInjury := 0
	if g.HasInjury {
		hasInjury = 1
	}
	return []any{
		g.CrashRecordID,
		d.Format(TimestampLayout),
		intOrNil(g.PostedSpeedLimit),
		g.TrafficControlDevice,
		g.DeviceCondition,
		g.WeatherCondition,
		g.LightingCondition,
		g.FirstCrashType,
		g.TrafficwayType,
		g.Alignment,
		g.RoadwaySurfaceCond,
		g.RoadDefect,
		g.CrashType,
		g.Damage,
		g.PrimContributoryCause,
		intOrNil(g.StreetNo),
		g.StreetDirection,
		g.StreetName,
		intOrNil(g.NumUnits),
		intOrNil(g.InjuriesTotal),
		intOrNil(g.InjuriesFatal),
		g.Latitude,
		g.Longitude,
		g.VehicleCount,
		g.VehicleTypes,
		g.VehiclePrimaryManeuver,
		g.PersonCount,
		g.PersonInjuredCount,
		g.PersonFatalityCount,
		g.DriverCount,
		d.Year(),
		int(d.Month()),
		d.Day(),
		d.Hour(),
		int(d.Weekday()),
		g.Severity,
		hasInjury,
		int64(g.SourceWatermark),
	}
}

func intOrNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// Rejection records a Silver row that did not make it into Gold.
type Rejection struct {
	CrashRecordID string `json:"crash_record_id"`
	Reason        string `json:"reason"`
	Field         string `json:"field"`
	Value         string `json:"value"`
}
