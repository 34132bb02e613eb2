package schema

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/monisens/monisens/pkg/models"
)

func TestValidIdentifier(t *testing.T) {
	cases := map[string]bool{
		"temp_1":     true,
		"_private":   true,
		"Sensor2":    true,
		"2sensor":    false,
		"has-dash":   false,
		"has space":  false,
		"":           false,
		"DROP TABLE": false,
	}
	for in, want := range cases {
		if got := ValidIdentifier(in); got != want {
			t.Errorf("ValidIdentifier(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFieldTypeDBTypeRoundTrip(t *testing.T) {
	for ft, dbType := range fieldTypeToDBType {
		back, ok := dbTypeToFieldType[dbType]
		if !ok {
			t.Fatalf("db type %q has no inverse mapping", dbType)
		}
		if back != ft {
			t.Errorf("round trip for %q: got %q, want %q", ft, back, ft)
		}
	}
}

func TestDecodeColumn(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		raw    any
		dbType string
		want   models.FieldValue
	}{
		{"int2", int64(7), "INT2", models.NewInt16(7)},
		{"int4", int64(7), "int4", models.NewInt32(7)},
		{"int8", int64(7), "INT8", models.NewInt64(7)},
		{"float4", float64(21.5), "FLOAT4", models.NewFloat32(21.5)},
		{"float8", float64(21.5), "FLOAT8", models.NewFloat64(21.5)},
		{"timestamp", now, "TIMESTAMP", models.NewTimestamp(now)},
		{"text", []byte("hello"), "TEXT", models.NewString("hello")},
		{"jsonb", []byte(`{"a":1}`), "JSONB", models.NewJSON([]byte(`{"a":1}`))},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decodeColumn(tc.raw, tc.dbType)
			if err != nil {
				t.Fatalf("decodeColumn() error = %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("decodeColumn() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestDecodeColumnUnsupportedType(t *testing.T) {
	if _, err := decodeColumn(int64(1), "BYTEA"); err == nil {
		t.Fatal("decodeColumn() with unsupported type: error = nil, want error")
	}
}

func TestCreateTableRejectsInvalidIdentifiers(t *testing.T) {
	m := &Manager{}
	sensor := models.Sensor{Name: "temp", Fields: map[string]models.FieldType{"v": models.FieldFloat32}}

	ctx := context.Background()
	if err := m.CreateTable(ctx, "bad-name", sensor); err == nil {
		t.Fatal("CreateTable() with invalid table name: error = nil")
	}

	badField := models.Sensor{Name: "temp", Fields: map[string]models.FieldType{"bad col": models.FieldFloat32}}
	if err := m.CreateTable(ctx, "temp_1", badField); err == nil {
		t.Fatal("CreateTable() with invalid field name: error = nil")
	}
}
