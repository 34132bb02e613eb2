// Package driverabi is the Go-side SDK for the MoniSens driver plug-in ABI:
// the Handle contract every dynamically-loaded driver (or in-process fake,
// for tests) must satisfy, and the recursive conf-tree types exchanged
// across it.
//
// A driver is a shared library exposing C-linkage entry points (§6.2); the
// entry-point names below are frozen and must match the symbols the Module
// Loader resolves with purego.Dlopen/RegisterLibFunc. Every entry returns a
// single status byte; non-zero statuses are mapped to a KindDriverError by
// pkg/merrors.DriverStatus.
package driverabi

import (
	"context"

	"github.com/monisens/monisens/pkg/models"
)

// Entry point symbol names, frozen by the ABI contract.
const (
	SymVersion                = "version"
	SymObtainDeviceConnectInfo = "obtain_device_connect_info"
	SymConnect                = "connect"
	SymObtainDeviceConfInfo   = "obtain_device_conf_info"
	SymConfigure              = "configure"
	SymObtainSensorTypeInfos  = "obtain_sensor_type_infos"
	SymStart                  = "start"
	SymStop                   = "stop"
)

// RequiredVersion is the only ABI version accepted; version() must return it.
const RequiredVersion = 1

// ConfKind tags which variant of the recursive conf tree an entry holds.
type ConfKind string

const (
	ConfKindSection    ConfKind = "SECTION"
	ConfKindString     ConfKind = "STRING"
	ConfKindInt        ConfKind = "INT"
	ConfKindIntRange   ConfKind = "INT_RANGE"
	ConfKindFloat      ConfKind = "FLOAT"
	ConfKindFloatRange ConfKind = "FLOAT_RANGE"
	ConfKindJSON       ConfKind = "JSON"
	ConfKindChoiceList ConfKind = "CHOICE_LIST"
)

// ConfInfoEntry is one node of the conf tree a driver describes its
// connection/configuration parameters with. Exactly one of the type-specific
// fields is populated, selected by Kind. This mirrors the original driver
// model's callback-built tree (Section | String | Int | IntRange | Float |
// FloatRange | JSON | ChoiceList), kept here as a tagged struct rather than a
// class hierarchy per the design notes.
type ConfInfoEntry struct {
	ID   int32    `json:"id"`
	Name string   `json:"name"`
	Kind ConfKind `json:"kind"`

	Section    []ConfInfoEntry     `json:"section,omitempty"`
	String     *ConfInfoString     `json:"string,omitempty"`
	Int        *ConfInfoInt        `json:"int,omitempty"`
	IntRange   *ConfInfoIntRange   `json:"int_range,omitempty"`
	Float      *ConfInfoFloat      `json:"float,omitempty"`
	FloatRange *ConfInfoFloatRange `json:"float_range,omitempty"`
	JSON       *ConfInfoJSON       `json:"json,omitempty"`
	ChoiceList *ConfInfoChoiceList `json:"choice_list,omitempty"`
}

type ConfInfoString struct {
	Required   bool    `json:"required"`
	Default    *string `json:"default,omitempty"`
	MinLen     *int32  `json:"min_len,omitempty"`
	MaxLen     *int32  `json:"max_len,omitempty"`
	MatchRegex *string `json:"match_regex,omitempty"`
}

type ConfInfoInt struct {
	Required bool   `json:"required"`
	Default  *int32 `json:"default,omitempty"`
	Lt       *int32 `json:"lt,omitempty"`
	Gt       *int32 `json:"gt,omitempty"`
	Neq      *int32 `json:"neq,omitempty"`
}

type ConfInfoIntRange struct {
	Required bool   `json:"required"`
	DefFrom  *int32 `json:"def_from,omitempty"`
	DefTo    *int32 `json:"def_to,omitempty"`
	Min      int32  `json:"min"`
	Max      int32  `json:"max"`
}

type ConfInfoFloat struct {
	Required bool     `json:"required"`
	Default  *float32 `json:"default,omitempty"`
	Lt       *float32 `json:"lt,omitempty"`
	Gt       *float32 `json:"gt,omitempty"`
	Neq      *float32 `json:"neq,omitempty"`
}

type ConfInfoFloatRange struct {
	Required bool     `json:"required"`
	DefFrom  *float32 `json:"def_from,omitempty"`
	DefTo    *float32 `json:"def_to,omitempty"`
	Min      float32  `json:"min"`
	Max      float32  `json:"max"`
}

type ConfInfoJSON struct {
	Required bool    `json:"required"`
	Default  *string `json:"default,omitempty"`
}

type ConfInfoChoiceList struct {
	Required bool     `json:"required"`
	Default  *int32   `json:"default,omitempty"`
	Choices  []string `json:"choices"`
}

// ConfEntry is a client-submitted value tree, shaped to match a
// ConfInfoEntry tree received from ObtainConnectParams/ObtainConfInfo.
type ConfEntry struct {
	ID   int32    `json:"id"`
	Kind ConfKind `json:"kind"`

	Section        []ConfEntry `json:"section,omitempty"`
	String         string      `json:"string,omitempty"`
	Int            int32       `json:"int,omitempty"`
	IntRangeFrom   int32       `json:"int_range_from,omitempty"`
	IntRangeTo     int32       `json:"int_range_to,omitempty"`
	Float          float32     `json:"float,omitempty"`
	FloatRangeFrom float32     `json:"float_range_from,omitempty"`
	FloatRangeTo   float32     `json:"float_range_to,omitempty"`
	JSON           string      `json:"json,omitempty"`
	ChoiceID       int32       `json:"choice_id,omitempty"`
}

// MessageSink receives sensor messages pushed by a driver after Start.
// Implementations must return promptly: the driver's calling thread is
// blocked for the duration of the call.
type MessageSink func(models.SensorMsg)

// Handle is the Module Loader's view of a single connected driver instance.
// Handles are not copyable; the Loader owns the underlying library image.
type Handle interface {
	// ObtainConnectParams returns the conf tree describing the parameters
	// Connect expects.
	ObtainConnectParams(ctx context.Context) ([]ConfInfoEntry, error)
	// Connect attempts to establish the physical/network connection to the
	// device using the given parameters.
	Connect(ctx context.Context, params []ConfEntry) error
	// ObtainConfInfo returns the conf tree describing Configure's parameters.
	// Only valid after a successful Connect.
	ObtainConfInfo(ctx context.Context) ([]ConfInfoEntry, error)
	// Configure applies device-specific configuration.
	Configure(ctx context.Context, confs []ConfEntry) error
	// ObtainSensorTypes returns the sensors (and their field schemas) this
	// device exposes, as determined after Connect/Configure.
	ObtainSensorTypes(ctx context.Context) ([]models.Sensor, error)
	// Start installs sink as the driver's message callback. The driver may
	// invoke it from its own thread at any point until Stop returns.
	Start(ctx context.Context, sink MessageSink) error
	// Stop uninstalls the message callback. Must be called, and must
	// return, before Close.
	Stop(ctx context.Context) error
	// Close unloads the underlying shared library. Must be called exactly
	// once, after Stop has returned.
	Close() error
}
