// Package repository is the Repository (C5): typed CRUD over the three
// fixed tables (device, device_sensor, monitor_conf). Multi-row mutations
// that must be atomic with a filesystem or dynamic-table operation accept a
// *sql.Tx so the Controller can sequence them inside one transaction.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/monisens/monisens/pkg/merrors"
	"github.com/monisens/monisens/pkg/models"
)

// Repository is a thin typed layer over a *sql.DB. It holds no state beyond
// the connection pool.
type Repository struct {
	db *sql.DB
}

// New returns a Repository over db.
func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting every method
// below run either standalone or inside a caller-managed transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *Repository) exec(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.db
}

// InsertDevice inserts a device row with init_state = Device.
func (r *Repository) InsertDevice(ctx context.Context, tx *sql.Tx, dev models.Device) error {
	_, err := r.exec(tx).ExecContext(ctx,
		`INSERT INTO device (id, name, display_name, module_dir, data_dir, init_state)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		dev.ID, dev.Name, dev.DisplayName, dev.ModuleDir, dev.DataDir, string(dev.InitState),
	)
	if err != nil {
		return merrors.StorageErrorf(err, "insert device %d", dev.ID)
	}
	return nil
}

// SetDeviceInitState updates a device's init_state column.
func (r *Repository) SetDeviceInitState(ctx context.Context, tx *sql.Tx, id models.DeviceID, state models.InitState) error {
	_, err := r.exec(tx).ExecContext(ctx,
		"UPDATE device SET init_state = $1 WHERE id = $2", string(state), id,
	)
	if err != nil {
		return merrors.StorageErrorf(err, "update device %d init_state", id)
	}
	return nil
}

// DeleteDevice removes a device row. Used by interrupt_device_init, always
// while init_state = Device, so no device_sensor rows can yet exist.
func (r *Repository) DeleteDevice(ctx context.Context, tx *sql.Tx, id models.DeviceID) error {
	_, err := r.exec(tx).ExecContext(ctx, "DELETE FROM device WHERE id = $1", id)
	if err != nil {
		return merrors.StorageErrorf(err, "delete device %d", id)
	}
	return nil
}

// deviceRow is the scan target shared by every device-listing query below.
type deviceRow struct {
	ID          models.DeviceID
	Name        string
	DisplayName string
	ModuleDir   string
	DataDir     string
	InitState   string
}

func scanDeviceRow(rows *sql.Rows) (deviceRow, error) {
	var d deviceRow
	err := rows.Scan(&d.ID, &d.Name, &d.DisplayName, &d.ModuleDir, &d.DataDir, &d.InitState)
	return d, err
}

func (d deviceRow) toModel() models.Device {
	return models.Device{
		ID:          d.ID,
		Name:        d.Name,
		DisplayName: d.DisplayName,
		ModuleDir:   d.ModuleDir,
		DataDir:     d.DataDir,
		InitState:   models.InitState(d.InitState),
		Sensors:     map[string]models.Sensor{},
	}
}

// AllDevices returns every device row, regardless of init_state. Used by the
// startup reconciler, which needs Device rows too.
func (r *Repository) AllDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, name, display_name, module_dir, data_dir, init_state FROM device ORDER BY id",
	)
	if err != nil {
		return nil, merrors.StorageErrorf(err, "list devices")
	}
	defer rows.Close()

	var out []models.Device
	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, merrors.StorageErrorf(err, "scan device row")
		}
		out = append(out, d.toModel())
	}
	return out, rows.Err()
}

// MaxDeviceID returns MAX(device.id), or 0 if no device exists. Used to
// restore the registry's allocation floor at boot.
func (r *Repository) MaxDeviceID(ctx context.Context) (models.DeviceID, error) {
	var max sql.NullInt64
	err := r.db.QueryRowContext(ctx, "SELECT MAX(id) FROM device").Scan(&max)
	if err != nil {
		return 0, merrors.StorageErrorf(err, "max device id")
	}
	if !max.Valid {
		return 0, nil
	}
	return models.DeviceID(max.Int64), nil
}

// SensorRow is one device_sensor row.
type SensorRow struct {
	DeviceID        models.DeviceID
	SensorName      string
	SensorTableName string
}

// InsertDeviceSensors inserts one device_sensor row per sensor, inside the
// caller's transaction.
func (r *Repository) InsertDeviceSensors(ctx context.Context, tx *sql.Tx, rows []SensorRow) error {
	for _, row := range rows {
		_, err := r.exec(tx).ExecContext(ctx,
			`INSERT INTO device_sensor (device_id, sensor_name, sensor_table_name)
			 VALUES ($1, $2, $3)`,
			row.DeviceID, row.SensorName, row.SensorTableName,
		)
		if err != nil {
			return merrors.StorageErrorf(err, "insert device_sensor %d/%s", row.DeviceID, row.SensorName)
		}
	}
	return nil
}

// DeviceSensors returns every device_sensor row for a device.
func (r *Repository) DeviceSensors(ctx context.Context, id models.DeviceID) ([]SensorRow, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT device_id, sensor_name, sensor_table_name FROM device_sensor WHERE device_id = $1 ORDER BY sensor_name",
		id,
	)
	if err != nil {
		return nil, merrors.StorageErrorf(err, "list device_sensor for %d", id)
	}
	defer rows.Close()

	var out []SensorRow
	for rows.Next() {
		var s SensorRow
		if err := rows.Scan(&s.DeviceID, &s.SensorName, &s.SensorTableName); err != nil {
			return nil, merrors.StorageErrorf(err, "scan device_sensor row")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// AllDeviceSensors returns every device_sensor row across all devices. Used
// by the startup reconciler.
func (r *Repository) AllDeviceSensors(ctx context.Context) ([]SensorRow, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT device_id, sensor_name, sensor_table_name FROM device_sensor ORDER BY device_id, sensor_name",
	)
	if err != nil {
		return nil, merrors.StorageErrorf(err, "list device_sensor")
	}
	defer rows.Close()

	var out []SensorRow
	for rows.Next() {
		var s SensorRow
		if err := rows.Scan(&s.DeviceID, &s.SensorName, &s.SensorTableName); err != nil {
			return nil, merrors.StorageErrorf(err, "scan device_sensor row")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// monitorConfRow is the fixed-table shape; Config holds whichever of Log or
// Line applies, selected by Typ.
type monitorConfRow struct {
	Typ    models.MonitorType
	Config json.RawMessage
}

func (r *Repository) decodeMonitorConf(id int32, deviceID models.DeviceID, sensor string, row monitorConfRow) (models.MonitorConf, error) {
	conf := models.MonitorConf{ID: id, DeviceID: deviceID, Sensor: sensor, Typ: row.Typ}
	switch row.Typ {
	case models.MonitorLog:
		var log models.LogConfig
		if err := json.Unmarshal(row.Config, &log); err != nil {
			return models.MonitorConf{}, merrors.StorageErrorf(err, "decode monitor_conf %d config", id)
		}
		conf.Log = &log
	case models.MonitorLine:
		var line models.LineConfig
		if err := json.Unmarshal(row.Config, &line); err != nil {
			return models.MonitorConf{}, merrors.StorageErrorf(err, "decode monitor_conf %d config", id)
		}
		conf.Line = &line
	default:
		return models.MonitorConf{}, merrors.InvalidArgumentf("monitor_conf %d: unknown typ %q", id, row.Typ)
	}
	return conf, nil
}

// InsertMonitorConf serializes conf's Log or Line config (selected by Typ)
// to JSON and inserts it, returning
// the server-assigned id.
func (r *Repository) InsertMonitorConf(ctx context.Context, conf models.MonitorConf) (int32, error) {
	var payload any
	switch conf.Typ {
	case models.MonitorLog:
		payload = conf.Log
	case models.MonitorLine:
		payload = conf.Line
	default:
		return 0, merrors.InvalidArgumentf("unknown monitor typ %q", conf.Typ)
	}

	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, merrors.InvalidArgumentf("marshal monitor_conf config: %v", err)
	}

	var id int32
	err = r.db.QueryRowContext(ctx,
		`INSERT INTO monitor_conf (device_id, sensor, typ, config) VALUES ($1, $2, $3, $4) RETURNING id`,
		conf.DeviceID, conf.Sensor, string(conf.Typ), buf,
	).Scan(&id)
	if err != nil {
		return 0, merrors.StorageErrorf(err, "insert monitor_conf")
	}
	return id, nil
}

// MonitorConfList returns monitor_conf rows, optionally filtered by device.
func (r *Repository) MonitorConfList(ctx context.Context, filter models.MonitorConfListFilter) ([]models.MonitorConf, error) {
	var rows *sql.Rows
	var err error
	if filter.DeviceID != nil {
		rows, err = r.db.QueryContext(ctx,
			"SELECT id, device_id, sensor, typ, config FROM monitor_conf WHERE device_id = $1 ORDER BY id",
			*filter.DeviceID,
		)
	} else {
		rows, err = r.db.QueryContext(ctx,
			"SELECT id, device_id, sensor, typ, config FROM monitor_conf ORDER BY id",
		)
	}
	if err != nil {
		return nil, merrors.StorageErrorf(err, "list monitor_conf")
	}
	defer rows.Close()

	var out []models.MonitorConf
	for rows.Next() {
		var id int32
		var deviceID models.DeviceID
		var sensor string
		var row monitorConfRow
		if err := rows.Scan(&id, &deviceID, &sensor, &row.Typ, &row.Config); err != nil {
			return nil, merrors.StorageErrorf(err, "scan monitor_conf row")
		}
		conf, err := r.decodeMonitorConf(id, deviceID, sensor, row)
		if err != nil {
			return nil, err
		}
		out = append(out, conf)
	}
	return out, rows.Err()
}
