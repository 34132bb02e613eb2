package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/monisens/monisens/pkg/merrors"
	"github.com/monisens/monisens/pkg/models"
	"go.uber.org/zap"
)

type fakeTables struct {
	tables map[string]string // "deviceID/sensor" -> table
}

func (f *fakeTables) SensorTable(deviceID models.DeviceID, sensor string) (string, bool) {
	t, ok := f.tables[key(deviceID, sensor)]
	return t, ok
}

func key(id models.DeviceID, sensor string) string {
	return deviceIDLabel(id) + "/" + sensor
}

type fakeInserter struct {
	mu      sync.Mutex
	inserts []models.SensorMsg
	err     error
	delay   time.Duration
}

func (f *fakeInserter) Insert(ctx context.Context, tableName string, msg models.SensorMsg) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.inserts = append(f.inserts, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeInserter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserts)
}

func TestRouterRoutesKnownSensor(t *testing.T) {
	tables := &fakeTables{tables: map[string]string{key(1, "temp"): "temp_1"}}
	ins := &fakeInserter{}
	r := New(tables, ins, zap.NewNop(), time.Second)

	sink := r.SinkFor(1)
	sink(models.SensorMsg{Sensor: "temp", Fields: map[string]models.FieldValue{"v": models.NewFloat32(21.5)}})

	if ins.count() != 1 {
		t.Fatalf("inserts = %d, want 1", ins.count())
	}
}

func TestRouterDropsUnknownSensor(t *testing.T) {
	tables := &fakeTables{tables: map[string]string{}}
	ins := &fakeInserter{}
	r := New(tables, ins, zap.NewNop(), time.Second)

	r.SinkFor(1)(models.SensorMsg{Sensor: "missing"})

	if ins.count() != 0 {
		t.Fatalf("inserts = %d, want 0", ins.count())
	}
}

func TestRouterDropsOnInsertError(t *testing.T) {
	tables := &fakeTables{tables: map[string]string{key(1, "temp"): "temp_1"}}
	ins := &fakeInserter{err: merrors.StorageErrorf(nil, "boom")}
	r := New(tables, ins, zap.NewNop(), time.Second)

	r.SinkFor(1)(models.SensorMsg{Sensor: "temp"})

	if ins.count() != 0 {
		t.Fatalf("inserts = %d, want 0", ins.count())
	}
}

func TestRouterTimesOutOnSlowInsert(t *testing.T) {
	tables := &fakeTables{tables: map[string]string{key(1, "temp"): "temp_1"}}
	ins := &fakeInserter{delay: 50 * time.Millisecond}
	r := New(tables, ins, zap.NewNop(), 5*time.Millisecond)

	start := time.Now()
	r.SinkFor(1)(models.SensorMsg{Sensor: "temp"})
	if elapsed := time.Since(start); elapsed > 40*time.Millisecond {
		t.Fatalf("sink blocked for %v, want well under the insert delay", elapsed)
	}
	if ins.count() != 0 {
		t.Fatalf("inserts = %d, want 0 (should have timed out)", ins.count())
	}
}
