// Package models defines MoniSens's core domain types: devices, sensors,
// typed field values, and monitor configurations. These are the shapes
// threaded between the Controller and its collaborators (Registry, Schema
// Manager, Repository); they are independent of both the driver ABI wire
// format and any HTTP JSON encoding.
package models

import "time"

// DeviceID is a process-unique, server-assigned positive integer. Allocated
// monotonically and persisted in the device row.
type DeviceID uint32

// InitState is a device's lifecycle stage. The zero value is never used as a
// stored state; a device only exists in the registry once it reaches
// InitStateDevice.
type InitState string

const (
	InitStateDevice  InitState = "DEVICE"
	InitStateSensors InitState = "SENSORS"
)

// FieldType is the tag of a sensor field's value domain. It governs both the
// dynamic table's column type and the wire representation of a FieldValue.
type FieldType string

const (
	FieldInt16     FieldType = "INT16"
	FieldInt32     FieldType = "INT32"
	FieldInt64     FieldType = "INT64"
	FieldFloat32   FieldType = "FLOAT32"
	FieldFloat64   FieldType = "FLOAT64"
	FieldTimestamp FieldType = "TIMESTAMP"
	FieldString    FieldType = "STRING"
	FieldJSON      FieldType = "JSON"
)

// Sensor is a named group of typed fields under a device, one-to-one with a
// dynamically created database table.
type Sensor struct {
	Name   string
	Fields map[string]FieldType
}

// Device is a single registry entry. Sensors is empty until InitState
// reaches InitStateSensors.
type Device struct {
	ID          DeviceID
	Name        string // snake-cased, stable, used in filesystem paths
	DisplayName string
	ModuleDir   string // relative to the data root
	DataDir     string // relative to the data root
	InitState   InitState
	Sensors     map[string]Sensor
}

// FieldValue is a dynamically-typed sensor reading value. Exactly one field
// is meaningful, selected by Type; this mirrors the eight-variant sum type
// the Schema Manager binds to and decodes from SQL.
type FieldValue struct {
	Type FieldType

	Int16Val     int16
	Int32Val     int32
	Int64Val     int64
	Float32Val   float32
	Float64Val   float64
	TimestampVal time.Time
	StringVal    string
	JSONVal      []byte
}

func NewInt16(v int16) FieldValue         { return FieldValue{Type: FieldInt16, Int16Val: v} }
func NewInt32(v int32) FieldValue         { return FieldValue{Type: FieldInt32, Int32Val: v} }
func NewInt64(v int64) FieldValue         { return FieldValue{Type: FieldInt64, Int64Val: v} }
func NewFloat32(v float32) FieldValue     { return FieldValue{Type: FieldFloat32, Float32Val: v} }
func NewFloat64(v float64) FieldValue     { return FieldValue{Type: FieldFloat64, Float64Val: v} }
func NewTimestamp(v time.Time) FieldValue { return FieldValue{Type: FieldTimestamp, TimestampVal: v} }
func NewString(v string) FieldValue       { return FieldValue{Type: FieldString, StringVal: v} }
func NewJSON(v []byte) FieldValue         { return FieldValue{Type: FieldJSON, JSONVal: v} }

// Any returns the value boxed as an any, suitable for passing to a sql
// driver as a bind parameter.
func (f FieldValue) Any() any {
	switch f.Type {
	case FieldInt16:
		return f.Int16Val
	case FieldInt32:
		return f.Int32Val
	case FieldInt64:
		return f.Int64Val
	case FieldFloat32:
		return f.Float32Val
	case FieldFloat64:
		return f.Float64Val
	case FieldTimestamp:
		return f.TimestampVal
	case FieldString:
		return f.StringVal
	case FieldJSON:
		return f.JSONVal
	default:
		return nil
	}
}

// SensorMsg is a single reading pushed by a driver (or by the direct
// save_sensor_data path): a sensor name plus a set of named, typed field
// values.
type SensorMsg struct {
	Sensor string
	Fields map[string]FieldValue
}

// SortDir is an ORDER BY direction.
type SortDir string

const (
	SortAsc  SortDir = "ASC"
	SortDesc SortDir = "DESC"
)

// Sort describes a single ORDER BY clause.
type Sort struct {
	Field string
	Order SortDir
}

// SensorDataFilter narrows a get_sensor_data query. From/To are (field,
// value) bounds applied as WHERE field > value / WHERE field < value; nil
// means unbounded.
type SensorDataFilter struct {
	From  *FieldBound
	To    *FieldBound
	Limit int
	Sort  Sort
}

// FieldBound pairs a field name with a bounding value for a range filter.
type FieldBound struct {
	Field string
	Value FieldValue
}

// MonitorType tags which shape a MonitorConf's Config carries.
type MonitorType string

const (
	MonitorLog  MonitorType = "LOG"
	MonitorLine MonitorType = "LINE"
)

// LogConfig describes a tabular "log" view over a sensor's rows.
type LogConfig struct {
	Fields        []string `json:"fields"`
	SortField     string   `json:"sort_field"`
	SortDirection SortDir  `json:"sort_direction"`
	Limit         int      `json:"limit"`
}

// LineConfig describes an x/y "line chart" view over a sensor's rows.
type LineConfig struct {
	XField string `json:"x_field"`
	YField string `json:"y_field"`
	Limit  int    `json:"limit"`
}

// MonitorConf is a stored query shape describing how a client intends to
// visualize a sensor's data. Config holds exactly one of Log or Line,
// selected by Typ; it round-trips to the database as a JSON document.
type MonitorConf struct {
	ID       int32
	DeviceID DeviceID
	Sensor   string
	Typ      MonitorType
	Log      *LogConfig
	Line     *LineConfig
}

// MonitorConfListFilter narrows get_monitor_conf_list.
type MonitorConfListFilter struct {
	DeviceID *DeviceID
}
