// Package controller is the Controller (C7): the hard core that implements
// every operation the HTTP adapter calls, enforcing the device state
// machine and the atomicity/rollback contract from SPEC_FULL.md §4.7.
package controller

import (
	"context"
	"database/sql"
	"io"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/monisens/monisens/internal/registry"
	"github.com/monisens/monisens/internal/repository"
	"github.com/monisens/monisens/pkg/driverabi"
	"github.com/monisens/monisens/pkg/merrors"
	"github.com/monisens/monisens/pkg/models"
	"go.uber.org/zap"
)

// MaxLimit is the contract-level cap on get_sensor_data's limit parameter.
const MaxLimit = 1000

// ModuleLoader loads a driver shared library into a live handle.
type ModuleLoader interface {
	Load(path string) (driverabi.Handle, error)
}

// DeviceFS is the subset of internal/devicefs.Tree the Controller depends on.
type DeviceFS interface {
	CreateTree(id models.DeviceID, name string) error
	WriteModule(id models.DeviceID, name string, src io.Reader) (string, error)
	RemoveTree(id models.DeviceID, name string) error
	ModuleFilePath(id models.DeviceID, name string) string
}

// SchemaManager is the subset of internal/schema.Manager the Controller
// depends on.
type SchemaManager interface {
	CreateTable(ctx context.Context, tableName string, sensor models.Sensor) error
	DropTable(ctx context.Context, tableName string) error
	Insert(ctx context.Context, tableName string, msg models.SensorMsg) error
	Query(ctx context.Context, tableName string, fields []string, filter models.SensorDataFilter) ([]map[string]models.FieldValue, error)
}

// Repository is the subset of internal/repository.Repository the Controller
// depends on.
type Repository interface {
	InsertDevice(ctx context.Context, tx *sql.Tx, dev models.Device) error
	SetDeviceInitState(ctx context.Context, tx *sql.Tx, id models.DeviceID, state models.InitState) error
	DeleteDevice(ctx context.Context, tx *sql.Tx, id models.DeviceID) error
	InsertDeviceSensors(ctx context.Context, tx *sql.Tx, rows []repository.SensorRow) error
	InsertMonitorConf(ctx context.Context, conf models.MonitorConf) (int32, error)
	MonitorConfList(ctx context.Context, filter models.MonitorConfListFilter) ([]models.MonitorConf, error)
}

// Txer runs fn inside a database transaction.
type Txer interface {
	Tx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// SinkFactory builds the message sink bound to a device, installed with the
// driver at Start.
type SinkFactory func(id models.DeviceID) func(models.SensorMsg)

// Controller wires the Registry, Device Filesystem, Module Loader, Schema
// Manager, Repository, and Message Router into the service contract.
type Controller struct {
	registry *registry.Registry
	fs       DeviceFS
	loader   ModuleLoader
	schema   SchemaManager
	repo     Repository
	store    Txer
	sinkFor  SinkFactory
	logger   *zap.Logger
}

// New returns a Controller.
func New(reg *registry.Registry, fs DeviceFS, loader ModuleLoader, schema SchemaManager, repo Repository, store Txer, sinkFor SinkFactory, logger *zap.Logger) *Controller {
	return &Controller{
		registry: reg,
		fs:       fs,
		loader:   loader,
		schema:   schema,
		repo:     repo,
		store:    store,
		sinkFor:  sinkFor,
		logger:   logger,
	}
}

// StartDeviceInitResult is the caller-facing result of StartDeviceInit: the
// allocated id plus the driver's declared connection parameters.
type StartDeviceInitResult struct {
	DeviceID   models.DeviceID
	ConnParams []driverabi.ConfInfoEntry
}

// StartDeviceInit allocates a device id, materializes its directory tree,
// writes the uploaded module, loads the driver, and records a Device row
// with init_state=Device. Any failure after id allocation triggers
// best-effort reverse-order cleanup; the id itself is never reclaimed.
func (c *Controller) StartDeviceInit(ctx context.Context, displayName string, moduleFile io.Reader) (StartDeviceInitResult, error) {
	if strings.TrimSpace(displayName) == "" {
		return StartDeviceInitResult{}, merrors.InvalidArgumentf("display_name must not be empty")
	}

	id := c.registry.NextID()
	name := slugify(displayName) + "-" + uniqueSuffix()

	if err := c.fs.CreateTree(id, name); err != nil {
		return StartDeviceInitResult{}, err
	}

	modulePath, err := c.fs.WriteModule(id, name, moduleFile)
	if err != nil {
		c.rollbackTree(id, name)
		return StartDeviceInitResult{}, err
	}

	handle, err := c.loader.Load(modulePath)
	if err != nil {
		c.rollbackTree(id, name)
		return StartDeviceInitResult{}, err
	}

	connParams, err := handle.ObtainConnectParams(ctx)
	if err != nil {
		c.closeAndRollback(handle, id, name)
		return StartDeviceInitResult{}, err
	}

	dev := models.Device{
		ID:          id,
		Name:        name,
		DisplayName: displayName,
		ModuleDir:   "module",
		DataDir:     "data",
		InitState:   models.InitStateDevice,
	}
	if err := c.repo.InsertDevice(ctx, nil, dev); err != nil {
		c.closeAndRollback(handle, id, name)
		return StartDeviceInitResult{}, err
	}

	if err := c.registry.InsertWithHandle(dev, handle); err != nil {
		if delErr := c.repo.DeleteDevice(ctx, nil, id); delErr != nil {
			c.logger.Error("rollback: delete device row failed", zap.Uint32("device_id", uint32(id)), zap.Error(delErr))
		}
		c.closeAndRollback(handle, id, name)
		return StartDeviceInitResult{}, err
	}

	return StartDeviceInitResult{DeviceID: id, ConnParams: connParams}, nil
}

func (c *Controller) rollbackTree(id models.DeviceID, name string) {
	if err := c.fs.RemoveTree(id, name); err != nil {
		c.logger.Error("rollback: remove device tree failed", zap.Uint32("device_id", uint32(id)), zap.Error(err))
	}
}

func (c *Controller) closeAndRollback(handle driverabi.Handle, id models.DeviceID, name string) {
	if err := handle.Close(); err != nil {
		c.logger.Error("rollback: close driver handle failed", zap.Uint32("device_id", uint32(id)), zap.Error(err))
	}
	c.rollbackTree(id, name)
}

// ConnectDevice forwards connect parameters to the device's driver, after
// validating them against the driver's own declared connect-parameter
// schema rather than trusting the driver to reject bad input.
func (c *Controller) ConnectDevice(ctx context.Context, id models.DeviceID, params []driverabi.ConfEntry) error {
	handle, err := c.requireHandle(id)
	if err != nil {
		return err
	}
	info, err := handle.ObtainConnectParams(ctx)
	if err != nil {
		return err
	}
	if err := driverabi.ValidateConf(info, params); err != nil {
		return err
	}
	return handle.Connect(ctx, params)
}

// ObtainDeviceConfInfo returns the device's configuration schema.
func (c *Controller) ObtainDeviceConfInfo(ctx context.Context, id models.DeviceID) ([]driverabi.ConfInfoEntry, error) {
	handle, err := c.requireHandle(id)
	if err != nil {
		return nil, err
	}
	return handle.ObtainConfInfo(ctx)
}

// ConfigureDevice applies configuration to the device's driver, after
// validating confs against the driver's declared configuration schema. Per
// the resolved open question in SPEC_FULL.md, this never transitions
// init_state -- only device_sensor_init does.
func (c *Controller) ConfigureDevice(ctx context.Context, id models.DeviceID, confs []driverabi.ConfEntry) error {
	handle, err := c.requireHandle(id)
	if err != nil {
		return err
	}
	info, err := handle.ObtainConfInfo(ctx)
	if err != nil {
		return err
	}
	if err := driverabi.ValidateConf(info, confs); err != nil {
		return err
	}
	return handle.Configure(ctx, confs)
}

func (c *Controller) requireHandle(id models.DeviceID) (driverabi.Handle, error) {
	handle, ok, err := c.registry.Handle(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, merrors.DriverErrorf(merrors.DriverUnknown, "device %d has no live driver handle", id)
	}
	return handle, nil
}

// DeviceSensorInit creates one dynamic table per sensor, records
// device_sensor rows and the init_state transition in one transaction, then
// updates the registry and starts the driver's message stream. Legal only
// when init_state=Device.
func (c *Controller) DeviceSensorInit(ctx context.Context, id models.DeviceID, sensors []models.Sensor) error {
	dev, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	if dev.InitState != models.InitStateDevice {
		return merrors.IllegalStatef("device %d: device_sensor_init requires init_state=Device, has %s", id, dev.InitState)
	}
	if len(sensors) == 0 {
		return merrors.InvalidArgumentf("device_sensor_init requires at least one sensor")
	}

	tables := make([]string, len(sensors))
	created := 0
	for i, s := range sensors {
		table := sensorTableName(id, s.Name)
		if err := c.schema.CreateTable(ctx, table, s); err != nil {
			c.rollbackTables(ctx, tables[:created])
			return err
		}
		tables[i] = table
		created++
	}

	rows := make([]repository.SensorRow, len(sensors))
	for i, s := range sensors {
		rows[i] = repository.SensorRow{DeviceID: id, SensorName: s.Name, SensorTableName: tables[i]}
	}

	err = c.store.Tx(ctx, func(tx *sql.Tx) error {
		if err := c.repo.InsertDeviceSensors(ctx, tx, rows); err != nil {
			return err
		}
		return c.repo.SetDeviceInitState(ctx, tx, id, models.InitStateSensors)
	})
	if err != nil {
		c.rollbackTables(ctx, tables)
		return err
	}

	sensorMap := make(map[string]models.Sensor, len(sensors))
	for _, s := range sensors {
		sensorMap[s.Name] = s
	}

	var handle driverabi.Handle
	err = c.registry.Mutate(id, func(dev *models.Device, h *driverabi.Handle) error {
		dev.Sensors = sensorMap
		dev.InitState = models.InitStateSensors
		handle = *h
		return nil
	})
	if err != nil {
		return err
	}

	if handle != nil && c.sinkFor != nil {
		if err := handle.Start(ctx, c.sinkFor(id)); err != nil {
			c.logger.Error("device_sensor_init: driver start failed", zap.Uint32("device_id", uint32(id)), zap.Error(err))
		}
	}
	return nil
}

func (c *Controller) rollbackTables(ctx context.Context, tables []string) {
	for _, table := range tables {
		if err := c.schema.DropTable(ctx, table); err != nil {
			c.logger.Error("rollback: drop sensor table failed", zap.String("table", table), zap.Error(err))
		}
	}
}

// InterruptDeviceInit unloads the driver, removes the device's directory,
// and deletes its rows. Legal only when init_state=Device.
func (c *Controller) InterruptDeviceInit(ctx context.Context, id models.DeviceID) error {
	dev, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	if dev.InitState != models.InitStateDevice {
		return merrors.IllegalStatef("device %d: interrupt_device_init requires init_state=Device, has %s", id, dev.InitState)
	}

	handle, _, err := c.registry.Handle(id)
	if err != nil {
		return err
	}

	if err := c.repo.DeleteDevice(ctx, nil, id); err != nil {
		return err
	}

	if handle != nil {
		if err := handle.Stop(ctx); err != nil {
			c.logger.Error("interrupt_device_init: stop driver failed", zap.Uint32("device_id", uint32(id)), zap.Error(err))
		}
		if err := handle.Close(); err != nil {
			c.logger.Error("interrupt_device_init: close driver handle failed", zap.Uint32("device_id", uint32(id)), zap.Error(err))
		}
	}
	c.rollbackTree(id, dev.Name)
	c.registry.Remove(id)
	return nil
}

// SaveSensorData validates the sensor and fields against the registry's
// known schema, then delegates to the Schema Manager.
func (c *Controller) SaveSensorData(ctx context.Context, id models.DeviceID, msg models.SensorMsg) error {
	dev, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	sensor, ok := dev.Sensors[msg.Sensor]
	if !ok {
		return merrors.NotFound(models.EntitySensor, msg.Sensor)
	}
	for field := range msg.Fields {
		if _, ok := sensor.Fields[field]; !ok {
			return merrors.NotFound(models.EntityField, field)
		}
	}
	return c.schema.Insert(ctx, sensorTableName(id, msg.Sensor), msg)
}

// GetSensorData validates identifiers and the limit cap, then delegates to
// the Schema Manager.
func (c *Controller) GetSensorData(ctx context.Context, id models.DeviceID, sensor string, fields []string, filter models.SensorDataFilter) ([]map[string]models.FieldValue, error) {
	dev, err := c.registry.Get(id)
	if err != nil {
		return nil, err
	}
	sensorDef, ok := dev.Sensors[sensor]
	if !ok {
		return nil, merrors.NotFound(models.EntitySensor, sensor)
	}
	if len(fields) == 0 {
		return nil, merrors.InvalidArgumentf("fields must not be empty")
	}
	for _, f := range fields {
		if _, ok := sensorDef.Fields[f]; !ok {
			return nil, merrors.NotFound(models.EntityField, f)
		}
	}
	if filter.Sort.Field != "" {
		if _, ok := sensorDef.Fields[filter.Sort.Field]; !ok {
			return nil, merrors.NotFound(models.EntityField, filter.Sort.Field)
		}
	}
	if filter.Limit > MaxLimit {
		return nil, merrors.InvalidArgumentf("limit %d exceeds maximum %d", filter.Limit, MaxLimit)
	}
	if filter.Limit == 0 {
		return nil, nil
	}

	return c.schema.Query(ctx, sensorTableName(id, sensor), fields, filter)
}

// GetDeviceIDs returns every registered device id. Pure read; does not
// suspend.
func (c *Controller) GetDeviceIDs() []models.DeviceID {
	return c.registry.IDs()
}

// DeviceInitData is a registry snapshot of one device's init-lifecycle
// bookkeeping, independent of any one-time driver response.
type DeviceInitData struct {
	DeviceID  models.DeviceID
	ModuleDir string
	DataDir   string
	InitState models.InitState
}

// GetInitDataAllDevices returns bookkeeping data for every registered
// device regardless of init_state.
func (c *Controller) GetInitDataAllDevices() []DeviceInitData {
	devices := c.registry.All()
	out := make([]DeviceInitData, len(devices))
	for i, d := range devices {
		out[i] = DeviceInitData{DeviceID: d.ID, ModuleDir: d.ModuleDir, DataDir: d.DataDir, InitState: d.InitState}
	}
	return out
}

// GetDeviceInfoList returns devices that have reached init_state=Sensors,
// ascending by id.
func (c *Controller) GetDeviceInfoList() []models.Device {
	return c.registry.InfoList()
}

// GetDeviceSensorInfo returns a device's sensors, sorted by name.
func (c *Controller) GetDeviceSensorInfo(id models.DeviceID) ([]models.Sensor, error) {
	dev, err := c.registry.Get(id)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(dev.Sensors))
	for name := range dev.Sensors {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]models.Sensor, len(names))
	for i, name := range names {
		out[i] = dev.Sensors[name]
	}
	return out, nil
}

// SaveMonitorConf checks that the device is registered, then has the
// repository store conf's Log or Line config as JSON, returning the
// server-assigned id.
func (c *Controller) SaveMonitorConf(ctx context.Context, conf models.MonitorConf) (int32, error) {
	if _, err := c.registry.Get(conf.DeviceID); err != nil {
		return 0, err
	}
	return c.repo.InsertMonitorConf(ctx, conf)
}

// GetMonitorConfList returns monitor_conf rows, optionally filtered by
// device.
func (c *Controller) GetMonitorConfList(ctx context.Context, filter models.MonitorConfListFilter) ([]models.MonitorConf, error) {
	return c.repo.MonitorConfList(ctx, filter)
}

// SensorTable returns the dynamic table name for a device's sensor,
// implementing internal/router.TableResolver.
func (c *Controller) SensorTable(deviceID models.DeviceID, sensor string) (string, bool) {
	dev, err := c.registry.Get(deviceID)
	if err != nil {
		return "", false
	}
	if _, ok := dev.Sensors[sensor]; !ok {
		return "", false
	}
	return sensorTableName(deviceID, sensor), true
}

// sensorTableName builds the dynamic table name for a device's sensor.
// Prefixing with the device id prevents collisions between devices that
// happen to share a sensor name (SPEC_FULL.md §4.4).
func sensorTableName(id models.DeviceID, sensor string) string {
	return sensor + "_" + strconv.FormatUint(uint64(id), 10)
}

// uniqueSuffix returns a short fragment of a fresh random uuid, appended to
// a device's snake-cased name so two concurrent start_device_init calls for
// the same display_name never collide on the same directory (SPEC_FULL.md
// §11, §12).
func uniqueSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// slugify lowercases displayName and replaces every run of non
// alphanumeric characters with a single underscore ("Foo Box" -> "foo_box").
func slugify(displayName string) string {
	var b strings.Builder
	prevUnderscore := false
	for _, r := range displayName {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			prevUnderscore = false
		default:
			if !prevUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				prevUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
