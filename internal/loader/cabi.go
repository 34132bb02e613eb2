package loader

import (
	"time"
	"unsafe"

	"github.com/monisens/monisens/pkg/driverabi"
	"github.com/monisens/monisens/pkg/merrors"
	"github.com/monisens/monisens/pkg/models"
)

func unixNanoToTime(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

// This file mirrors the fixed-layout C structures a driver and the Module
// Loader agree on across the shared-library boundary. The driver ABI
// (§6.2) freezes entry-point names and the status-byte convention; it
// leaves the concrete struct layout to a shared header, which this file
// is the Go-side half of. Every decode* function copies borrowed C memory
// into owned Go values before returning, per the "callbacks yield owned
// data" design note -- nothing here retains a C pointer past the call that
// produced it.

// cConfKind mirrors driverabi.ConfKind as a single byte tag.
type cConfKind uint8

const (
	cConfKindSection cConfKind = iota
	cConfKindString
	cConfKindInt
	cConfKindIntRange
	cConfKindFloat
	cConfKindFloatRange
	cConfKindJSON
	cConfKindChoiceList
)

func (k cConfKind) toDriverABI() driverabi.ConfKind {
	switch k {
	case cConfKindSection:
		return driverabi.ConfKindSection
	case cConfKindString:
		return driverabi.ConfKindString
	case cConfKindInt:
		return driverabi.ConfKindInt
	case cConfKindIntRange:
		return driverabi.ConfKindIntRange
	case cConfKindFloat:
		return driverabi.ConfKindFloat
	case cConfKindFloatRange:
		return driverabi.ConfKindFloatRange
	case cConfKindJSON:
		return driverabi.ConfKindJSON
	case cConfKindChoiceList:
		return driverabi.ConfKindChoiceList
	default:
		return ""
	}
}

// cFieldTag mirrors models.FieldType as a single byte tag, frozen order per
// §6.2 ("the tag is one of the eight FieldTypes").
type cFieldTag uint8

const (
	cFieldInt16 cFieldTag = iota
	cFieldInt32
	cFieldInt64
	cFieldFloat32
	cFieldFloat64
	cFieldTimestamp
	cFieldString
	cFieldJSON
)

func (tag cFieldTag) toFieldType() (models.FieldType, error) {
	switch tag {
	case cFieldInt16:
		return models.FieldInt16, nil
	case cFieldInt32:
		return models.FieldInt32, nil
	case cFieldInt64:
		return models.FieldInt64, nil
	case cFieldFloat32:
		return models.FieldFloat32, nil
	case cFieldFloat64:
		return models.FieldFloat64, nil
	case cFieldTimestamp:
		return models.FieldTimestamp, nil
	case cFieldString:
		return models.FieldString, nil
	case cFieldJSON:
		return models.FieldJSON, nil
	default:
		return "", merrors.DriverErrorf(merrors.DriverUnknown, "unrecognized field tag %d", tag)
	}
}

// cConfInfoList is the root of a conf tree: a contiguous array of
// cConfInfoEntry, as returned via the obtain_device_connect_info /
// obtain_device_conf_info callbacks.
type cConfInfoList struct {
	Entries uintptr // *cConfInfoEntry
	Len     int32
}

// cConfInfoEntry is one tagged node. Payload points at the kind-specific
// struct below, selected by Kind; nil only when Kind == Section and the
// section is empty.
type cConfInfoEntry struct {
	ID      int32
	_       int32
	Name    uintptr // *char, NUL-terminated
	Kind    uint8
	_       [7]byte
	Payload uintptr
}

type cConfInfoString struct {
	Required   uint8
	_          [3]byte
	Default    uintptr // nullable *char
	MinLen     uintptr // nullable *int32
	MaxLen     uintptr // nullable *int32
	MatchRegex uintptr // nullable *char
}

type cConfInfoInt struct {
	Required uint8
	_        [3]byte
	Default  uintptr // nullable *int32
	Lt       uintptr
	Gt       uintptr
	Neq      uintptr
}

type cConfInfoIntRange struct {
	Required uint8
	_        [3]byte
	DefFrom  uintptr // nullable *int32
	DefTo    uintptr
	Min      int32
	Max      int32
}

type cConfInfoFloat struct {
	Required uint8
	_        [3]byte
	Default  uintptr // nullable *float32
	Lt       uintptr
	Gt       uintptr
	Neq      uintptr
}

type cConfInfoFloatRange struct {
	Required uint8
	_        [3]byte
	DefFrom  uintptr
	DefTo    uintptr
	Min      float32
	Max      float32
}

type cConfInfoJSON struct {
	Required uint8
	_        [3]byte
	Default  uintptr // nullable *char
}

type cConfInfoChoiceList struct {
	Required   uint8
	_          [3]byte
	Default    uintptr // nullable *int32
	Choices    uintptr // *uintptr (array of *char)
	ChoicesLen int32
}

type cSensorTypeList struct {
	Sensors uintptr // *cSensorType
	Len     int32
}

type cSensorType struct {
	Name      uintptr // *char
	Fields    uintptr // *cSensorField
	FieldsLen int32
}

type cSensorField struct {
	Name uintptr // *char
	Tag  uint8
}

// cMessage mirrors a single driver-pushed sensor reading.
type cMessage struct {
	SensorName uintptr // *char
	Fields     uintptr // *cMessageField
	FieldsLen  int32
}

type cMessageField struct {
	Name      uintptr // *char
	Tag       uint8
	_         [7]byte
	IntVal    int64
	FloatVal  float64
	StrPtr    uintptr // *char, used for String and JSON
	StrLen    int32
	TimeUnix  int64 // unix nanoseconds, used for Timestamp
}

// --- decode helpers -------------------------------------------------------

func readCString(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	var b []byte
	for i := 0; ; i++ {
		c := *(*byte)(unsafe.Pointer(ptr + uintptr(i)))
		if c == 0 {
			break
		}
		b = append(b, c)
	}
	return string(b)
}

func readOptString(ptr uintptr) *string {
	if ptr == 0 {
		return nil
	}
	s := readCString(ptr)
	return &s
}

func readOptInt32(ptr uintptr) *int32 {
	if ptr == 0 {
		return nil
	}
	v := *(*int32)(unsafe.Pointer(ptr))
	return &v
}

func readOptFloat32(ptr uintptr) *float32 {
	if ptr == 0 {
		return nil
	}
	v := *(*float32)(unsafe.Pointer(ptr))
	return &v
}

// decodeConfInfoList decodes a borrowed cConfInfoList into an owned
// []driverabi.ConfInfoEntry, recursing into Section children.
func decodeConfInfoList(listPtr uintptr) ([]driverabi.ConfInfoEntry, error) {
	if listPtr == 0 {
		return nil, merrors.InvalidPointer("conf_info_list")
	}
	list := (*cConfInfoList)(unsafe.Pointer(listPtr))
	return decodeConfInfoEntries(list.Entries, list.Len)
}

func decodeConfInfoEntries(arrPtr uintptr, n int32) ([]driverabi.ConfInfoEntry, error) {
	if n == 0 {
		return nil, nil
	}
	if arrPtr == 0 {
		return nil, merrors.InvalidPointer("conf_info_entries")
	}
	out := make([]driverabi.ConfInfoEntry, 0, n)
	for i := int32(0); i < n; i++ {
		cePtr := arrPtr + uintptr(i)*unsafe.Sizeof(cConfInfoEntry{})
		ce := (*cConfInfoEntry)(unsafe.Pointer(cePtr))
		entry, err := decodeConfInfoEntry(ce)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func decodeConfInfoEntry(ce *cConfInfoEntry) (driverabi.ConfInfoEntry, error) {
	kind := cConfKind(ce.Kind).toDriverABI()
	if kind == "" {
		return driverabi.ConfInfoEntry{}, merrors.DriverErrorf(merrors.DriverUnknown, "unrecognized conf kind %d", ce.Kind)
	}

	entry := driverabi.ConfInfoEntry{
		ID:   ce.ID,
		Name: readCString(ce.Name),
		Kind: kind,
	}

	switch cConfKind(ce.Kind) {
	case cConfKindSection:
		if ce.Payload == 0 {
			return entry, nil
		}
		list := (*cConfInfoList)(unsafe.Pointer(ce.Payload))
		children, err := decodeConfInfoEntries(list.Entries, list.Len)
		if err != nil {
			return driverabi.ConfInfoEntry{}, err
		}
		entry.Section = children
	case cConfKindString:
		if ce.Payload == 0 {
			return driverabi.ConfInfoEntry{}, merrors.InvalidPointer(entry.Name + ".string")
		}
		p := (*cConfInfoString)(unsafe.Pointer(ce.Payload))
		entry.String = &driverabi.ConfInfoString{
			Required:   p.Required != 0,
			Default:    readOptString(p.Default),
			MinLen:     readOptInt32(p.MinLen),
			MaxLen:     readOptInt32(p.MaxLen),
			MatchRegex: readOptString(p.MatchRegex),
		}
	case cConfKindInt:
		if ce.Payload == 0 {
			return driverabi.ConfInfoEntry{}, merrors.InvalidPointer(entry.Name + ".int")
		}
		p := (*cConfInfoInt)(unsafe.Pointer(ce.Payload))
		entry.Int = &driverabi.ConfInfoInt{
			Required: p.Required != 0,
			Default:  readOptInt32(p.Default),
			Lt:       readOptInt32(p.Lt),
			Gt:       readOptInt32(p.Gt),
			Neq:      readOptInt32(p.Neq),
		}
	case cConfKindIntRange:
		if ce.Payload == 0 {
			return driverabi.ConfInfoEntry{}, merrors.InvalidPointer(entry.Name + ".int_range")
		}
		p := (*cConfInfoIntRange)(unsafe.Pointer(ce.Payload))
		entry.IntRange = &driverabi.ConfInfoIntRange{
			Required: p.Required != 0,
			DefFrom:  readOptInt32(p.DefFrom),
			DefTo:    readOptInt32(p.DefTo),
			Min:      p.Min,
			Max:      p.Max,
		}
	case cConfKindFloat:
		if ce.Payload == 0 {
			return driverabi.ConfInfoEntry{}, merrors.InvalidPointer(entry.Name + ".float")
		}
		p := (*cConfInfoFloat)(unsafe.Pointer(ce.Payload))
		entry.Float = &driverabi.ConfInfoFloat{
			Required: p.Required != 0,
			Default:  readOptFloat32(p.Default),
			Lt:       readOptFloat32(p.Lt),
			Gt:       readOptFloat32(p.Gt),
			Neq:      readOptFloat32(p.Neq),
		}
	case cConfKindFloatRange:
		if ce.Payload == 0 {
			return driverabi.ConfInfoEntry{}, merrors.InvalidPointer(entry.Name + ".float_range")
		}
		p := (*cConfInfoFloatRange)(unsafe.Pointer(ce.Payload))
		entry.FloatRange = &driverabi.ConfInfoFloatRange{
			Required: p.Required != 0,
			DefFrom:  readOptFloat32(p.DefFrom),
			DefTo:    readOptFloat32(p.DefTo),
			Min:      p.Min,
			Max:      p.Max,
		}
	case cConfKindJSON:
		if ce.Payload == 0 {
			return driverabi.ConfInfoEntry{}, merrors.InvalidPointer(entry.Name + ".json")
		}
		p := (*cConfInfoJSON)(unsafe.Pointer(ce.Payload))
		entry.JSON = &driverabi.ConfInfoJSON{
			Required: p.Required != 0,
			Default:  readOptString(p.Default),
		}
	case cConfKindChoiceList:
		if ce.Payload == 0 {
			return driverabi.ConfInfoEntry{}, merrors.InvalidPointer(entry.Name + ".choice_list")
		}
		p := (*cConfInfoChoiceList)(unsafe.Pointer(ce.Payload))
		choices := make([]string, 0, p.ChoicesLen)
		for i := int32(0); i < p.ChoicesLen; i++ {
			strPtr := *(*uintptr)(unsafe.Pointer(p.Choices + uintptr(i)*unsafe.Sizeof(uintptr(0))))
			choices = append(choices, readCString(strPtr))
		}
		entry.ChoiceList = &driverabi.ConfInfoChoiceList{
			Required: p.Required != 0,
			Default:  readOptInt32(p.Default),
			Choices:  choices,
		}
	}
	return entry, nil
}

func decodeSensorTypeList(listPtr uintptr) ([]models.Sensor, error) {
	if listPtr == 0 {
		return nil, merrors.InvalidPointer("sensor_type_list")
	}
	list := (*cSensorTypeList)(unsafe.Pointer(listPtr))
	if list.Len == 0 {
		return nil, nil
	}
	if list.Sensors == 0 {
		return nil, merrors.InvalidPointer("sensor_type_list.sensors")
	}

	out := make([]models.Sensor, 0, list.Len)
	for i := int32(0); i < list.Len; i++ {
		sPtr := list.Sensors + uintptr(i)*unsafe.Sizeof(cSensorType{})
		st := (*cSensorType)(unsafe.Pointer(sPtr))
		sensor := models.Sensor{
			Name:   readCString(st.Name),
			Fields: make(map[string]models.FieldType, st.FieldsLen),
		}
		for j := int32(0); j < st.FieldsLen; j++ {
			fPtr := st.Fields + uintptr(j)*unsafe.Sizeof(cSensorField{})
			cf := (*cSensorField)(unsafe.Pointer(fPtr))
			ft, err := cFieldTag(cf.Tag).toFieldType()
			if err != nil {
				return nil, err
			}
			sensor.Fields[readCString(cf.Name)] = ft
		}
		out = append(out, sensor)
	}
	return out, nil
}

func decodeMessage(msgPtr uintptr) (models.SensorMsg, error) {
	if msgPtr == 0 {
		return models.SensorMsg{}, merrors.InvalidPointer("message")
	}
	m := (*cMessage)(unsafe.Pointer(msgPtr))
	msg := models.SensorMsg{
		Sensor: readCString(m.SensorName),
		Fields: make(map[string]models.FieldValue, m.FieldsLen),
	}
	for i := int32(0); i < m.FieldsLen; i++ {
		fPtr := m.Fields + uintptr(i)*unsafe.Sizeof(cMessageField{})
		cf := (*cMessageField)(unsafe.Pointer(fPtr))
		name := readCString(cf.Name)

		switch cFieldTag(cf.Tag) {
		case cFieldInt16:
			msg.Fields[name] = models.NewInt16(int16(cf.IntVal))
		case cFieldInt32:
			msg.Fields[name] = models.NewInt32(int32(cf.IntVal))
		case cFieldInt64:
			msg.Fields[name] = models.NewInt64(cf.IntVal)
		case cFieldFloat32:
			msg.Fields[name] = models.NewFloat32(float32(cf.FloatVal))
		case cFieldFloat64:
			msg.Fields[name] = models.NewFloat64(cf.FloatVal)
		case cFieldTimestamp:
			msg.Fields[name] = models.NewTimestamp(unixNanoToTime(cf.TimeUnix))
		case cFieldString:
			msg.Fields[name] = models.NewString(readCStringN(cf.StrPtr, cf.StrLen))
		case cFieldJSON:
			msg.Fields[name] = models.NewJSON([]byte(readCStringN(cf.StrPtr, cf.StrLen)))
		default:
			return models.SensorMsg{}, merrors.DriverErrorf(merrors.DriverUnknown, "message field %q: unrecognized tag %d", name, cf.Tag)
		}
	}
	return msg, nil
}

func readCStringN(ptr uintptr, n int32) string {
	if ptr == 0 || n == 0 {
		return ""
	}
	b := make([]byte, n)
	for i := int32(0); i < n; i++ {
		b[i] = *(*byte)(unsafe.Pointer(ptr + uintptr(i)))
	}
	return string(b)
}
