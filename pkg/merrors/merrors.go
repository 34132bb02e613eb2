// Package merrors defines the error kinds used across MoniSens's Controller
// and its collaborators. Every kind carries a distinct wire shape so the
// HTTP adapter can map it to an RFC 7807 problem response without
// string-matching error text.
package merrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error shapes from the error handling design.
type Kind string

const (
	// KindIllegalState marks a state-machine violation, e.g. interrupting a
	// device that has already completed sensor init.
	KindIllegalState Kind = "illegal_state"
	// KindNotFound marks a referenced entity (device, sensor, or field) that
	// does not exist.
	KindNotFound Kind = "not_found"
	// KindInvalidArgument marks a validation failure: an empty required
	// field, a malformed identifier, or a limit exceeded.
	KindInvalidArgument Kind = "invalid_argument"
	// KindDriverError marks a failure surfaced across the driver ABI
	// boundary.
	KindDriverError Kind = "driver_error"
	// KindSchemaError marks a database column type that doesn't map to any
	// known FieldType.
	KindSchemaError Kind = "schema_error"
	// KindIOError marks a filesystem failure.
	KindIOError Kind = "io_error"
	// KindStorageError marks a database failure unrelated to schema.
	KindStorageError Kind = "storage_error"
	// KindAlreadyExists marks a duplicate: a module file already on disk,
	// or an id collision.
	KindAlreadyExists Kind = "already_exists"
)

// DriverReason refines KindDriverError per the ABI status-byte convention
// and protocol-level failures the Loader itself detects.
type DriverReason string

const (
	DriverConnectionError DriverReason = "connection_error"
	DriverInvalidArgument DriverReason = "invalid_argument"
	DriverUnknown         DriverReason = "unknown"
	DriverInvalidPointer  DriverReason = "invalid_pointer"
	DriverVersionMismatch DriverReason = "version_mismatch"
)

// Entity refines KindNotFound: which kind of object was missing.
type Entity string

const (
	EntityDevice Entity = "device"
	EntitySensor Entity = "sensor"
	EntityField  Entity = "field"
)

// Error is the concrete error type returned by the Controller and its
// collaborators. Callers should use errors.As to recover it and inspect Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // wrapped cause, may be nil

	Entity Entity // set when Kind == KindNotFound
	Name   string // the missing entity's name/identifier, when applicable

	DriverReason DriverReason // set when Kind == KindDriverError
	Path         string       // out-param field path, set when DriverReason == DriverInvalidPointer

	Table  string // set when Kind == KindSchemaError
	Column string // set when Kind == KindSchemaError
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on the sentinel-like kind values declared below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf reports the Kind of err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return ""
}

// IllegalStatef builds a KindIllegalState error.
func IllegalStatef(format string, args ...any) error {
	return &Error{Kind: KindIllegalState, Msg: fmt.Sprintf(format, args...)}
}

// NotFound builds a KindNotFound error for the named entity.
func NotFound(entity Entity, name string) error {
	return &Error{
		Kind:   KindNotFound,
		Msg:    fmt.Sprintf("%s %q not found", entity, name),
		Entity: entity,
		Name:   name,
	}
}

// InvalidArgumentf builds a KindInvalidArgument error.
func InvalidArgumentf(format string, args ...any) error {
	return &Error{Kind: KindInvalidArgument, Msg: fmt.Sprintf(format, args...)}
}

// DriverErrorf builds a KindDriverError error with the given reason.
func DriverErrorf(reason DriverReason, format string, args ...any) error {
	return &Error{Kind: KindDriverError, DriverReason: reason, Msg: fmt.Sprintf(format, args...)}
}

// InvalidPointer builds a KindDriverError/DriverInvalidPointer error for a
// nil out-parameter at the given field path.
func InvalidPointer(path string) error {
	return &Error{
		Kind:         KindDriverError,
		DriverReason: DriverInvalidPointer,
		Msg:          fmt.Sprintf("nil out-parameter at %s", path),
		Path:         path,
	}
}

// DriverStatus maps a raw ABI status byte to a KindDriverError error.
// Per §6.2: 0=OK, 1=ConnectionError, 2=InvalidArgument, other=Unknown.
func DriverStatus(status byte, op string) error {
	switch status {
	case 0:
		return nil
	case 1:
		return DriverErrorf(DriverConnectionError, "%s: connection error", op)
	case 2:
		return DriverErrorf(DriverInvalidArgument, "%s: invalid argument", op)
	default:
		return DriverErrorf(DriverUnknown, "%s: unknown driver error (status %d)", op, status)
	}
}

// SchemaUnsupportedType builds a KindSchemaError error for an unrecognized
// database column type discovered at introspection time.
func SchemaUnsupportedType(table, column string) error {
	return &Error{
		Kind:   KindSchemaError,
		Msg:    fmt.Sprintf("unsupported column type at %s.%s", table, column),
		Table:  table,
		Column: column,
	}
}

// IOErrorf wraps a filesystem failure as KindIOError.
func IOErrorf(err error, format string, args ...any) error {
	return &Error{Kind: KindIOError, Msg: fmt.Sprintf(format, args...), Err: err}
}

// StorageErrorf wraps a database failure as KindStorageError.
func StorageErrorf(err error, format string, args ...any) error {
	return &Error{Kind: KindStorageError, Msg: fmt.Sprintf(format, args...), Err: err}
}

// AlreadyExistsf builds a KindAlreadyExists error.
func AlreadyExistsf(format string, args ...any) error {
	return &Error{Kind: KindAlreadyExists, Msg: fmt.Sprintf(format, args...)}
}
