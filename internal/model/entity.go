// Package model defines the records, watermarks, layer contracts and run
// summaries shared by every pipeline stage.
package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// EntityType names one of the three related source datasets.
type EntityType string

const (
	EntityCrash   EntityType = "crash"
	EntityVehicle EntityType = "vehicle"
	EntityPerson  EntityType = "person"
)

// AllEntities lists the entity types in extraction order.
var AllEntities = []EntityType{EntityCrash, EntityVehicle, EntityPerson}

// CursorField is the source column the watermark is derived from. All three
// datasets carry it.
const CursorField = "crash_date"

// CrashKeyField is the join key shared by all three entity types.
const CrashKeyField = "crash_record_id"

// ParseEntityType converts a string like "crash" into an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(s) {
	case EntityCrash, EntityVehicle, EntityPerson:
		return EntityType(s), nil
	default:
		return "", eris.Errorf("unknown entity type: %q (valid: crash, vehicle, person)", s)
	}
}

// KeyFields returns the fields forming the natural key of the entity.
func (e EntityType) KeyFields() []string {
	switch e {
	case EntityVehicle:
		return []string{CrashKeyField, "vehicle_id"}
	case EntityPerson:
		return []string{CrashKeyField, "person_id"}
	default:
		return []string{CrashKeyField}
	}
}

// Crash is a typed crash record. Pointer fields are nullable.
type Crash struct {
	CrashRecordID         string
	CrashDate             *time.Time
	PostedSpeedLimit      *int
	TrafficControlDevice  string
	DeviceCondition       string
	WeatherCondition      string
	LightingCondition     string
	FirstCrashType        string
	TrafficwayType        string
	Alignment             string
	RoadwaySurfaceCond    string
	RoadDefect            string
	CrashType             string
	Damage                string
	PrimContributoryCause string
	StreetNo              *int
	StreetDirection       string
	StreetName            string
	NumUnits              *int
	InjuriesTotal         *int
	InjuriesFatal         *int
	Latitude              *float64
	Longitude             *float64
}

// Vehicle is a typed vehicle (unit) record referencing a crash.
type Vehicle struct {
	CrashRecordID string
	VehicleID     string
	VehicleType   string
	Maneuver      string
	Make          string
}

// Person is a typed person record referencing a crash.
type Person struct {
	CrashRecordID        string
	PersonID             string
	PersonType           string
	InjuryClassification string
}

// Injury classifications and person types used by the person aggregate.
const (
	InjuryFatal              = "FATAL"
	InjuryIncapacitating     = "INCAPACITATING INJURY"
	InjuryNonIncapacitating  = "NONINCAPACITATING INJURY"
	InjuryReportedNotEvident = "REPORTED, NOT EVIDENT"
	PersonTypeDriver         = "DRIVER"
)
