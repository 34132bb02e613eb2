// Package reconcile rebuilds the in-memory Registry from persisted state at
// boot (C8): every device and device_sensor row is read back, each sensor's
// field schema is rebuilt from the database's own column types rather than
// trusted from a stored copy, and the registry's id floor is raised past the
// highest persisted device id. Drivers are never reloaded here -- a
// reconciled device has no live handle, and no other code path loads one
// for it.
package reconcile

import (
	"context"

	"github.com/monisens/monisens/internal/registry"
	"github.com/monisens/monisens/internal/repository"
	"github.com/monisens/monisens/pkg/merrors"
	"github.com/monisens/monisens/pkg/models"
	"go.uber.org/zap"
)

// DeviceLister is the subset of internal/repository.Repository the
// reconciler reads devices and sensors from.
type DeviceLister interface {
	AllDevices(ctx context.Context) ([]models.Device, error)
	AllDeviceSensors(ctx context.Context) ([]repository.SensorRow, error)
	MaxDeviceID(ctx context.Context) (models.DeviceID, error)
}

// SchemaIntrospector is the subset of internal/schema.Manager the reconciler
// uses to rebuild a sensor's field schema from the live database, rather
// than from a stored copy that could have drifted.
type SchemaIntrospector interface {
	IntrospectTable(ctx context.Context, tableName string) (map[string]models.FieldType, error)
}

// DirChecker reports whether a device's directory tree is present on disk.
type DirChecker interface {
	Exists(id models.DeviceID, name string) bool
}

// Reconciler rebuilds a Registry from the database at boot.
type Reconciler struct {
	repo   DeviceLister
	schema SchemaIntrospector
	fs     DirChecker
	logger *zap.Logger
}

// New returns a Reconciler.
func New(repo DeviceLister, schema SchemaIntrospector, fs DirChecker, logger *zap.Logger) *Reconciler {
	return &Reconciler{repo: repo, schema: schema, fs: fs, logger: logger}
}

// Orphan names a device whose row survives in the database but whose
// directory tree is missing from disk. It is logged and reported, never
// auto-deleted -- an operator decides what to do with it.
type Orphan struct {
	DeviceID models.DeviceID
	Name     string
}

// Run rebuilds reg from the database and returns the set of devices flagged
// as orphaned (row present, directory missing). Orphaned devices are not
// registered, so they are excluded from every registry-backed listing until
// an operator intervenes; their database rows are left untouched.
func (r *Reconciler) Run(ctx context.Context, reg *registry.Registry) ([]Orphan, error) {
	devices, err := r.repo.AllDevices(ctx)
	if err != nil {
		return nil, err
	}

	sensorRows, err := r.repo.AllDeviceSensors(ctx)
	if err != nil {
		return nil, err
	}
	byDevice := make(map[models.DeviceID][]repository.SensorRow, len(devices))
	for _, row := range sensorRows {
		byDevice[row.DeviceID] = append(byDevice[row.DeviceID], row)
	}

	var orphans []Orphan
	for _, dev := range devices {
		if !r.fs.Exists(dev.ID, dev.Name) {
			orphans = append(orphans, Orphan{DeviceID: dev.ID, Name: dev.Name})
			r.logger.Warn("reconcile: device directory missing, excluding from registry",
				zap.Uint32("device_id", uint32(dev.ID)), zap.String("name", dev.Name))
			continue
		}

		sensors := make(map[string]models.Sensor, len(byDevice[dev.ID]))
		for _, row := range byDevice[dev.ID] {
			fields, err := r.schema.IntrospectTable(ctx, row.SensorTableName)
			if err != nil {
				if merrors.KindOf(err) == merrors.KindSchemaError {
					// An unsupported column type is a fatal boot error, not a
					// recoverable one -- propagate so main can refuse to start.
					return orphans, err
				}
				r.logger.Error("reconcile: introspect sensor table failed",
					zap.Uint32("device_id", uint32(dev.ID)), zap.String("table", row.SensorTableName), zap.Error(err))
				continue
			}
			sensors[row.SensorName] = models.Sensor{Name: row.SensorName, Fields: fields}
		}
		dev.Sensors = sensors

		if err := reg.InsertWithHandle(dev, nil); err != nil {
			r.logger.Error("reconcile: insert device into registry failed",
				zap.Uint32("device_id", uint32(dev.ID)), zap.Error(err))
		}
	}

	maxID, err := r.repo.MaxDeviceID(ctx)
	if err != nil {
		return orphans, err
	}
	reg.RaiseFloor(maxID)

	return orphans, nil
}
