package reconcile

import (
	"context"
	"testing"

	"github.com/monisens/monisens/internal/registry"
	"github.com/monisens/monisens/internal/repository"
	"github.com/monisens/monisens/pkg/models"
	"go.uber.org/zap"
)

type fakeRepo struct {
	devices []models.Device
	sensors []repository.SensorRow
	maxID   models.DeviceID
}

func (r *fakeRepo) AllDevices(ctx context.Context) ([]models.Device, error) { return r.devices, nil }
func (r *fakeRepo) AllDeviceSensors(ctx context.Context) ([]repository.SensorRow, error) {
	return r.sensors, nil
}
func (r *fakeRepo) MaxDeviceID(ctx context.Context) (models.DeviceID, error) { return r.maxID, nil }

type fakeSchema struct {
	fields map[string]map[string]models.FieldType // table -> fields
}

func (s *fakeSchema) IntrospectTable(ctx context.Context, tableName string) (map[string]models.FieldType, error) {
	return s.fields[tableName], nil
}

type fakeFS struct {
	present map[models.DeviceID]bool
}

func (f *fakeFS) Exists(id models.DeviceID, name string) bool { return f.present[id] }

func TestRunRebuildsRegistryAndFields(t *testing.T) {
	repo := &fakeRepo{
		devices: []models.Device{
			{ID: 1, Name: "foo", InitState: models.InitStateSensors},
			{ID: 2, Name: "bar", InitState: models.InitStateDevice},
		},
		sensors: []repository.SensorRow{
			{DeviceID: 1, SensorName: "temp", SensorTableName: "temp_1"},
		},
		maxID: 2,
	}
	schema := &fakeSchema{fields: map[string]map[string]models.FieldType{
		"temp_1": {"v": models.FieldFloat32},
	}}
	fs := &fakeFS{present: map[models.DeviceID]bool{1: true, 2: true}}

	reg := registry.New(zap.NewNop())
	r := New(repo, schema, fs, zap.NewNop())

	orphans, err := r.Run(context.Background(), reg)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("orphans = %v, want none", orphans)
	}

	dev, err := reg.Get(1)
	if err != nil {
		t.Fatalf("registry.Get(1) error = %v", err)
	}
	sensor, ok := dev.Sensors["temp"]
	if !ok {
		t.Fatal("expected sensor temp to be rebuilt")
	}
	if sensor.Fields["v"] != models.FieldFloat32 {
		t.Errorf("Fields[v] = %v, want FLOAT32", sensor.Fields["v"])
	}

	if next := reg.NextID(); next <= 2 {
		t.Errorf("NextID() = %d, want > 2 after RaiseFloor(2)", next)
	}
}

func TestRunExcludesOrphanedDevice(t *testing.T) {
	repo := &fakeRepo{
		devices: []models.Device{{ID: 1, Name: "missing", InitState: models.InitStateSensors}},
		maxID:   1,
	}
	schema := &fakeSchema{fields: map[string]map[string]models.FieldType{}}
	fs := &fakeFS{present: map[models.DeviceID]bool{}}

	reg := registry.New(zap.NewNop())
	r := New(repo, schema, fs, zap.NewNop())

	orphans, err := r.Run(context.Background(), reg)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(orphans) != 1 || orphans[0].DeviceID != 1 {
		t.Fatalf("orphans = %v, want one entry for device 1", orphans)
	}
	if _, err := reg.Get(1); err == nil {
		t.Error("orphaned device should not be registered")
	}
}
