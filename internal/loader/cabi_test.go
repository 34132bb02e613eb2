package loader

import (
	"testing"
	"unsafe"

	"github.com/monisens/monisens/pkg/models"
)

func cStrBuf(s string) uintptr {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return uintptr(unsafe.Pointer(&b[0]))
}

func TestDecodeConfInfoListSimpleString(t *testing.T) {
	required := uint8(1)
	str := cConfInfoString{Required: required}
	entry := cConfInfoEntry{
		ID:      1,
		Name:    cStrBuf("host"),
		Kind:    uint8(cConfKindString),
		Payload: uintptr(unsafe.Pointer(&str)),
	}
	list := cConfInfoList{
		Entries: uintptr(unsafe.Pointer(&entry)),
		Len:     1,
	}

	got, err := decodeConfInfoList(uintptr(unsafe.Pointer(&list)))
	if err != nil {
		t.Fatalf("decodeConfInfoList() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("decodeConfInfoList() = %+v, want 1 entry", got)
	}
	if got[0].Name != "host" {
		t.Errorf("entry.Name = %q, want %q", got[0].Name, "host")
	}
	if got[0].String == nil || !got[0].String.Required {
		t.Errorf("entry.String = %+v, want Required=true", got[0].String)
	}
}

func TestDecodeConfInfoListNilPayloadErrors(t *testing.T) {
	entry := cConfInfoEntry{
		ID:   1,
		Name: cStrBuf("host"),
		Kind: uint8(cConfKindString),
	}
	list := cConfInfoList{
		Entries: uintptr(unsafe.Pointer(&entry)),
		Len:     1,
	}

	_, err := decodeConfInfoList(uintptr(unsafe.Pointer(&list)))
	if err == nil {
		t.Fatal("decodeConfInfoList() error = nil, want InvalidPointer")
	}
}

func TestDecodeMessage(t *testing.T) {
	field := cMessageField{
		Name:     cStrBuf("v"),
		Tag:      uint8(cFieldFloat32),
		FloatVal: 21.5,
	}
	msg := cMessage{
		SensorName: cStrBuf("temp"),
		Fields:     uintptr(unsafe.Pointer(&field)),
		FieldsLen:  1,
	}

	got, err := decodeMessage(uintptr(unsafe.Pointer(&msg)))
	if err != nil {
		t.Fatalf("decodeMessage() error = %v", err)
	}
	if got.Sensor != "temp" {
		t.Errorf("Sensor = %q", got.Sensor)
	}
	v, ok := got.Fields["v"]
	if !ok || v.Type != models.FieldFloat32 || v.Float32Val != 21.5 {
		t.Errorf("Fields[v] = %+v", v)
	}
}
