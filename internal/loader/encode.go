package loader

import (
	"runtime"
	"unsafe"

	"github.com/monisens/monisens/pkg/driverabi"
)

// cConfEntryList/cConfEntry mirror the client-submitted conf value tree on
// the C side, the dual of cConfInfoList/cConfInfoEntry.
type cConfEntryList struct {
	Entries uintptr // *cConfEntry
	Len     int32
}

type cConfEntry struct {
	ID      int32
	_       int32
	Kind    uint8
	_       [7]byte
	Payload uintptr
}

type cConfEntryString struct {
	Ptr uintptr // NUL-terminated
	Len int32
}

type cConfEntryInt struct {
	Value int32
}

type cConfEntryIntRange struct {
	From int32
	To   int32
}

type cConfEntryFloat struct {
	Value float32
}

type cConfEntryFloatRange struct {
	From float32
	To   float32
}

type cConfEntryChoice struct {
	ChoiceID int32
}

// encoder builds C-compatible memory for a ConfEntry tree and pins every
// allocation for the duration of the driver call that consumes it. Go's GC
// does not currently move heap objects, but nothing prevents collection
// once the only reference is a bare uintptr -- Pin keeps each value alive
// and pinned until Unpin runs.
type encoder struct {
	pinner runtime.Pinner
}

func newEncoder() *encoder {
	return &encoder{}
}

func (e *encoder) release() {
	e.pinner.Unpin()
}

func (e *encoder) pin(v any) uintptr {
	e.pinner.Pin(v)
	return reflectAddr(v)
}

// reflectAddr returns the address of the pointee for any pointer-typed v.
func reflectAddr(v any) uintptr {
	switch p := v.(type) {
	case *cConfEntryList:
		return uintptr(unsafe.Pointer(p))
	case *cConfEntry:
		return uintptr(unsafe.Pointer(p))
	case *cConfEntryString:
		return uintptr(unsafe.Pointer(p))
	case *cConfEntryInt:
		return uintptr(unsafe.Pointer(p))
	case *cConfEntryIntRange:
		return uintptr(unsafe.Pointer(p))
	case *cConfEntryFloat:
		return uintptr(unsafe.Pointer(p))
	case *cConfEntryFloatRange:
		return uintptr(unsafe.Pointer(p))
	case *cConfEntryChoice:
		return uintptr(unsafe.Pointer(p))
	case *byte:
		return uintptr(unsafe.Pointer(p))
	default:
		return 0
	}
}

func (e *encoder) cString(s string) uintptr {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	e.pinner.Pin(&buf[0])
	return uintptr(unsafe.Pointer(&buf[0]))
}

// encodeConfEntries builds the root cConfEntryList for entries and returns
// its address. Call release() on the returned encoder once the driver call
// has returned.
func (e *encoder) encodeConfEntries(entries []driverabi.ConfEntry) uintptr {
	if len(entries) == 0 {
		list := &cConfEntryList{}
		return e.pin(list)
	}

	arr := make([]cConfEntry, len(entries))
	e.pinner.Pin(&arr[0])
	for i, entry := range entries {
		arr[i] = cConfEntry{
			ID:   entry.ID,
			Kind: byte(fromDriverABIKind(entry.Kind)),
		}
		arr[i].Payload = e.encodeConfEntryPayload(entry)
	}

	list := &cConfEntryList{
		Entries: uintptr(unsafe.Pointer(&arr[0])),
		Len:     int32(len(arr)),
	}
	return e.pin(list)
}

func (e *encoder) encodeConfEntryPayload(entry driverabi.ConfEntry) uintptr {
	switch entry.Kind {
	case driverabi.ConfKindSection:
		return e.encodeConfEntries(entry.Section)
	case driverabi.ConfKindString:
		p := &cConfEntryString{Ptr: e.cString(entry.String), Len: int32(len(entry.String))}
		return e.pin(p)
	case driverabi.ConfKindInt:
		p := &cConfEntryInt{Value: entry.Int}
		return e.pin(p)
	case driverabi.ConfKindIntRange:
		p := &cConfEntryIntRange{From: entry.IntRangeFrom, To: entry.IntRangeTo}
		return e.pin(p)
	case driverabi.ConfKindFloat:
		p := &cConfEntryFloat{Value: entry.Float}
		return e.pin(p)
	case driverabi.ConfKindFloatRange:
		p := &cConfEntryFloatRange{From: entry.FloatRangeFrom, To: entry.FloatRangeTo}
		return e.pin(p)
	case driverabi.ConfKindJSON:
		p := &cConfEntryString{Ptr: e.cString(entry.JSON), Len: int32(len(entry.JSON))}
		return e.pin(p)
	case driverabi.ConfKindChoiceList:
		p := &cConfEntryChoice{ChoiceID: entry.ChoiceID}
		return e.pin(p)
	default:
		return 0
	}
}

func fromDriverABIKind(k driverabi.ConfKind) cConfKind {
	switch k {
	case driverabi.ConfKindSection:
		return cConfKindSection
	case driverabi.ConfKindString:
		return cConfKindString
	case driverabi.ConfKindInt:
		return cConfKindInt
	case driverabi.ConfKindIntRange:
		return cConfKindIntRange
	case driverabi.ConfKindFloat:
		return cConfKindFloat
	case driverabi.ConfKindFloatRange:
		return cConfKindFloatRange
	case driverabi.ConfKindJSON:
		return cConfKindJSON
	case driverabi.ConfKindChoiceList:
		return cConfKindChoiceList
	default:
		return cConfKindSection
	}
}
