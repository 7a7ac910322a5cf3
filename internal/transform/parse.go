package transform

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crash-pipeline/internal/model"
)

// ParseError is a raw record that could not be turned into a typed record.
// Reason is the metric label: invalid_json, missing_<field> or
// malformed_<field>.
type ParseError struct {
	Entity model.EntityType
	Key    string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := "parse " + string(e.Entity)
	if e.Key != "" {
		msg += " " + strconv.Quote(e.Key)
	}
	return msg + ": " + e.Reason + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// fields is a decoded source record. Socrata renders most values as
// strings; numbers may also arrive as JSON numbers.
type fields map[string]any

func decodeFields(entity model.EntityType, raw json.RawMessage) (fields, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var f fields
	if err := dec.Decode(&f); err != nil || f == nil {
		if err == nil {
			err = eris.New("record is not an object")
		}
		return nil, &ParseError{Entity: entity, Reason: "invalid_json", Err: err}
	}
	return f, nil
}

func (f fields) str(name string) string {
	switch v := f[name].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// typed collects the first field error of a record.
type typed struct {
	f      fields
	entity model.EntityType
	key    string
	err    error
}

func (t *typed) keep(field string, err error) {
	if err != nil && t.err == nil {
		t.err = &ParseError{Entity: t.entity, Key: t.key, Reason: "malformed_" + field, Err: err}
	}
}

func (t *typed) optInt(field string) *int {
	v, err := model.ParseOptionalInt(field, t.f.str(field))
	t.keep(field, err)
	return v
}

func (t *typed) optFloat(field string) *float64 {
	v, err := model.ParseOptionalFloat(field, t.f.str(field))
	t.keep(field, err)
	return v
}

func requireKey(entity model.EntityType, f fields, field string) (string, error) {
	v := f.str(field)
	if v == "" {
		return "", &ParseError{Entity: entity, Reason: "missing_" + field, Err: eris.Errorf("%s is blank", field)}
	}
	return v, nil
}

// ParseCrash decodes a raw crash record.
func ParseCrash(raw json.RawMessage) (*model.Crash, error) {
	f, err := decodeFields(model.EntityCrash, raw)
	if err != nil {
		return nil, err
	}
	id, err := requireKey(model.EntityCrash, f, model.CrashKeyField)
	if err != nil {
		return nil, err
	}
	t := &typed{f: f, entity: model.EntityCrash, key: id}
	date, err := model.ParseOptionalTime(model.CursorField, f.str(model.CursorField))
	t.keep(model.CursorField, err)

	c := &model.Crash{
		CrashRecordID:         id,
		CrashDate:             date,
		PostedSpeedLimit:      t.optInt("posted_speed_limit"),
		TrafficControlDevice:  f.str("traffic_control_device"),
		DeviceCondition:       f.str("device_condition"),
		WeatherCondition:      f.str("weather_condition"),
		LightingCondition:     f.str("lighting_condition"),
		FirstCrashType:        f.str("first_crash_type"),
		TrafficwayType:        f.str("trafficway_type"),
		Alignment:             f.str("alignment"),
		RoadwaySurfaceCond:    f.str("roadway_surface_cond"),
		RoadDefect:            f.str("road_defect"),
		CrashType:             f.str("crash_type"),
		Damage:                f.str("damage"),
		PrimContributoryCause: f.str("prim_contributory_cause"),
		StreetNo:              t.optInt("street_no"),
		StreetDirection:       f.str("street_direction"),
		StreetName:            f.str("street_name"),
		NumUnits:              t.optInt("num_units"),
		InjuriesTotal:         t.optInt("injuries_total"),
		InjuriesFatal:         t.optInt("injuries_fatal"),
		Latitude:              t.optFloat("latitude"),
		Longitude:             t.optFloat("longitude"),
	}
	if t.err != nil {
		return nil, t.err
	}
	return c, nil
}

// ParseVehicle decodes a raw vehicle record. Older extracts carry the unit
// id as crash_unit_id instead of vehicle_id.
func ParseVehicle(raw json.RawMessage) (*model.Vehicle, error) {
	f, err := decodeFields(model.EntityVehicle, raw)
	if err != nil {
		return nil, err
	}
	crashID, err := requireKey(model.EntityVehicle, f, model.CrashKeyField)
	if err != nil {
		return nil, err
	}
	if f.str("vehicle_id") == "" {
		f["vehicle_id"] = f.str("crash_unit_id")
	}
	vid, err := requireKey(model.EntityVehicle, f, "vehicle_id")
	if err != nil {
		return nil, err
	}
	return &model.Vehicle{
		CrashRecordID: crashID,
		VehicleID:     vid,
		VehicleType:   f.str("vehicle_type"),
		Maneuver:      f.str("maneuver"),
		Make:          f.str("make"),
	}, nil
}

// ParsePerson decodes a raw person record.
func ParsePerson(raw json.RawMessage) (*model.Person, error) {
	f, err := decodeFields(model.EntityPerson, raw)
	if err != nil {
		return nil, err
	}
	crashID, err := requireKey(model.EntityPerson, f, model.CrashKeyField)
	if err != nil {
		return nil, err
	}
	pid, err := requireKey(model.EntityPerson, f, "person_id")
	if err != nil {
		return nil, err
	}
	return &model.Person{
		CrashRecordID:        crashID,
		PersonID:             pid,
		PersonType:           f.str("person_type"),
		InjuryClassification: f.str("injury_classification"),
	}, nil
}
