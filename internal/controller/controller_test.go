package controller

import (
	"context"
	"database/sql"
	"io"
	"strings"
	"testing"

	"github.com/monisens/monisens/internal/registry"
	"github.com/monisens/monisens/internal/repository"
	"github.com/monisens/monisens/pkg/driverabi"
	"github.com/monisens/monisens/pkg/merrors"
	"github.com/monisens/monisens/pkg/models"
	"go.uber.org/zap"
)

type fakeFS struct {
	createErr error
	removed   []string
}

func (f *fakeFS) CreateTree(id models.DeviceID, name string) error { return f.createErr }
func (f *fakeFS) WriteModule(id models.DeviceID, name string, src io.Reader) (string, error) {
	return "/fake/module/lib.so", nil
}
func (f *fakeFS) RemoveTree(id models.DeviceID, name string) error {
	f.removed = append(f.removed, name)
	return nil
}
func (f *fakeFS) ModuleFilePath(id models.DeviceID, name string) string {
	return "/fake/module/lib.so"
}

type fakeLoader struct {
	handle driverabi.Handle
	err    error
}

func (f *fakeLoader) Load(path string) (driverabi.Handle, error) {
	return f.handle, f.err
}

type fakeHandle struct {
	connParams []driverabi.ConfInfoEntry
	obtainErr  error
	confInfo   []driverabi.ConfInfoEntry
	confErr    error
	closed     bool
	started    bool
	sink       driverabi.MessageSink
}

func (h *fakeHandle) ObtainConnectParams(ctx context.Context) ([]driverabi.ConfInfoEntry, error) {
	return h.connParams, h.obtainErr
}
func (h *fakeHandle) Connect(ctx context.Context, params []driverabi.ConfEntry) error { return nil }
func (h *fakeHandle) ObtainConfInfo(ctx context.Context) ([]driverabi.ConfInfoEntry, error) {
	return h.confInfo, h.confErr
}
func (h *fakeHandle) Configure(ctx context.Context, confs []driverabi.ConfEntry) error { return nil }
func (h *fakeHandle) ObtainSensorTypes(ctx context.Context) ([]models.Sensor, error)   { return nil, nil }
func (h *fakeHandle) Start(ctx context.Context, sink driverabi.MessageSink) error {
	h.started = true
	h.sink = sink
	return nil
}
func (h *fakeHandle) Stop(ctx context.Context) error { return nil }
func (h *fakeHandle) Close() error                   { h.closed = true; return nil }

type fakeSchema struct {
	tables    map[string]bool
	createErr error
}

func newFakeSchema() *fakeSchema { return &fakeSchema{tables: map[string]bool{}} }

func (s *fakeSchema) CreateTable(ctx context.Context, tableName string, sensor models.Sensor) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.tables[tableName] = true
	return nil
}
func (s *fakeSchema) DropTable(ctx context.Context, tableName string) error {
	delete(s.tables, tableName)
	return nil
}
func (s *fakeSchema) Insert(ctx context.Context, tableName string, msg models.SensorMsg) error {
	if !s.tables[tableName] {
		return merrors.NotFound(models.EntitySensor, tableName)
	}
	return nil
}
func (s *fakeSchema) Query(ctx context.Context, tableName string, fields []string, filter models.SensorDataFilter) ([]map[string]models.FieldValue, error) {
	return nil, nil
}

type fakeRepo struct {
	devices  map[models.DeviceID]models.Device
	sensors  []repository.SensorRow
	confs    []models.MonitorConf
	nextConf int32
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{devices: map[models.DeviceID]models.Device{}, nextConf: 1}
}

func (r *fakeRepo) InsertDevice(ctx context.Context, tx *sql.Tx, dev models.Device) error {
	r.devices[dev.ID] = dev
	return nil
}
func (r *fakeRepo) SetDeviceInitState(ctx context.Context, tx *sql.Tx, id models.DeviceID, state models.InitState) error {
	d := r.devices[id]
	d.InitState = state
	r.devices[id] = d
	return nil
}
func (r *fakeRepo) DeleteDevice(ctx context.Context, tx *sql.Tx, id models.DeviceID) error {
	delete(r.devices, id)
	return nil
}
func (r *fakeRepo) InsertDeviceSensors(ctx context.Context, tx *sql.Tx, rows []repository.SensorRow) error {
	r.sensors = append(r.sensors, rows...)
	return nil
}
func (r *fakeRepo) InsertMonitorConf(ctx context.Context, conf models.MonitorConf) (int32, error) {
	id := r.nextConf
	r.nextConf++
	conf.ID = id
	r.confs = append(r.confs, conf)
	return id, nil
}
func (r *fakeRepo) MonitorConfList(ctx context.Context, filter models.MonitorConfListFilter) ([]models.MonitorConf, error) {
	if filter.DeviceID == nil {
		return r.confs, nil
	}
	var out []models.MonitorConf
	for _, c := range r.confs {
		if c.DeviceID == *filter.DeviceID {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeStore struct{}

func (fakeStore) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return fn(nil)
}

func setup(t *testing.T) (*Controller, *registry.Registry, *fakeRepo, *fakeSchema, *fakeFS, *fakeLoader) {
	t.Helper()
	reg := registry.New(zap.NewNop())
	repo := newFakeRepo()
	schemaMgr := newFakeSchema()
	fs := &fakeFS{}
	loader := &fakeLoader{handle: &fakeHandle{}}
	c := New(reg, fs, loader, schemaMgr, repo, fakeStore{}, nil, zap.NewNop())
	return c, reg, repo, schemaMgr, fs, loader
}

func TestStartDeviceInitRegistersDeviceAndHandle(t *testing.T) {
	c, reg, repo, _, _, _ := setup(t)

	res, err := c.StartDeviceInit(context.Background(), "Foo Box", io.NopCloser(nil))
	if err != nil {
		t.Fatalf("StartDeviceInit() error = %v", err)
	}
	if res.DeviceID != 1 {
		t.Errorf("DeviceID = %d, want 1", res.DeviceID)
	}

	dev, err := reg.Get(res.DeviceID)
	if err != nil {
		t.Fatalf("registry.Get() error = %v", err)
	}
	if !strings.HasPrefix(dev.Name, "foo_box-") {
		t.Errorf("Name = %q, want prefix %q", dev.Name, "foo_box-")
	}
	if dev.InitState != models.InitStateDevice {
		t.Errorf("InitState = %q, want %q", dev.InitState, models.InitStateDevice)
	}
	if _, ok := repo.devices[res.DeviceID]; !ok {
		t.Error("device row not inserted")
	}
}

func TestStartDeviceInitRollsBackOnLoadFailure(t *testing.T) {
	c, reg, repo, _, fs, loader := setup(t)
	loader.err = merrors.DriverErrorf(merrors.DriverUnknown, "load failed")

	_, err := c.StartDeviceInit(context.Background(), "Foo Box", io.NopCloser(nil))
	if err == nil {
		t.Fatal("StartDeviceInit() error = nil, want load failure")
	}
	if len(fs.removed) != 1 {
		t.Errorf("RemoveTree calls = %d, want 1", len(fs.removed))
	}
	if len(repo.devices) != 0 {
		t.Error("device row should not have been inserted after load failure")
	}
	if _, err := reg.Get(1); merrors.KindOf(err) != merrors.KindNotFound {
		t.Error("device should not remain registered after rollback")
	}
}

func TestConnectDeviceValidatesAgainstDeclaredParams(t *testing.T) {
	reg := registry.New(zap.NewNop())
	handle := &fakeHandle{connParams: []driverabi.ConfInfoEntry{
		{ID: 1, Name: "host", Kind: driverabi.ConfKindString, String: &driverabi.ConfInfoString{Required: true}},
	}}
	c := New(reg, &fakeFS{}, &fakeLoader{handle: handle}, newFakeSchema(), newFakeRepo(), fakeStore{}, nil, zap.NewNop())
	dev := models.Device{ID: 1, Name: "dev", InitState: models.InitStateDevice}
	if err := reg.InsertWithHandle(dev, handle); err != nil {
		t.Fatalf("InsertWithHandle() error = %v", err)
	}

	if err := c.ConnectDevice(context.Background(), 1, []driverabi.ConfEntry{
		{ID: 1, Kind: driverabi.ConfKindString, String: ""},
	}); merrors.KindOf(err) != merrors.KindInvalidArgument {
		t.Errorf("ConnectDevice() error = %v, want KindInvalidArgument for missing required field", err)
	}

	if err := c.ConnectDevice(context.Background(), 1, []driverabi.ConfEntry{
		{ID: 1, Kind: driverabi.ConfKindString, String: "example.com"},
	}); err != nil {
		t.Errorf("ConnectDevice() error = %v, want nil for valid params", err)
	}
}

func TestConfigureDeviceValidatesAgainstDeclaredConfInfo(t *testing.T) {
	reg := registry.New(zap.NewNop())
	handle := &fakeHandle{confInfo: []driverabi.ConfInfoEntry{
		{ID: 1, Name: "interval", Kind: driverabi.ConfKindIntRange, IntRange: &driverabi.ConfInfoIntRange{Min: 1, Max: 60}},
	}}
	c := New(reg, &fakeFS{}, &fakeLoader{handle: handle}, newFakeSchema(), newFakeRepo(), fakeStore{}, nil, zap.NewNop())
	dev := models.Device{ID: 1, Name: "dev", InitState: models.InitStateDevice}
	if err := reg.InsertWithHandle(dev, handle); err != nil {
		t.Fatalf("InsertWithHandle() error = %v", err)
	}

	if err := c.ConfigureDevice(context.Background(), 1, []driverabi.ConfEntry{
		{ID: 1, Kind: driverabi.ConfKindIntRange, IntRangeFrom: 0, IntRangeTo: 120},
	}); merrors.KindOf(err) != merrors.KindInvalidArgument {
		t.Errorf("ConfigureDevice() error = %v, want KindInvalidArgument for out-of-range value", err)
	}

	if err := c.ConfigureDevice(context.Background(), 1, []driverabi.ConfEntry{
		{ID: 1, Kind: driverabi.ConfKindIntRange, IntRangeFrom: 5, IntRangeTo: 10},
	}); err != nil {
		t.Errorf("ConfigureDevice() error = %v, want nil for in-range value", err)
	}
}

func TestDeviceSensorInitTransitionsState(t *testing.T) {
	c, reg, repo, schemaMgr, _, _ := setup(t)

	dev := models.Device{ID: 1, Name: "foo", DisplayName: "Foo", InitState: models.InitStateDevice}
	if err := reg.InsertWithHandle(dev, &fakeHandle{}); err != nil {
		t.Fatal(err)
	}
	if err := repo.InsertDevice(context.Background(), nil, dev); err != nil {
		t.Fatal(err)
	}

	sensors := []models.Sensor{{Name: "temp", Fields: map[string]models.FieldType{"v": models.FieldFloat32}}}
	if err := c.DeviceSensorInit(context.Background(), 1, sensors); err != nil {
		t.Fatalf("DeviceSensorInit() error = %v", err)
	}

	got, err := reg.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if got.InitState != models.InitStateSensors {
		t.Errorf("InitState = %q, want %q", got.InitState, models.InitStateSensors)
	}
	if _, ok := got.Sensors["temp"]; !ok {
		t.Error("Sensors[temp] missing after DeviceSensorInit")
	}
	if !schemaMgr.tables["temp_1"] {
		t.Error("expected table temp_1 to have been created")
	}
	if len(repo.sensors) != 1 {
		t.Errorf("device_sensor rows = %d, want 1", len(repo.sensors))
	}
}

func TestDeviceSensorInitRejectsWrongState(t *testing.T) {
	c, reg, _, _, _, _ := setup(t)
	dev := models.Device{ID: 1, Name: "foo", InitState: models.InitStateSensors}
	if err := reg.Insert(dev); err != nil {
		t.Fatal(err)
	}

	err := c.DeviceSensorInit(context.Background(), 1, []models.Sensor{{Name: "temp", Fields: map[string]models.FieldType{"v": models.FieldFloat32}}})
	if merrors.KindOf(err) != merrors.KindIllegalState {
		t.Fatalf("DeviceSensorInit() error = %v, want IllegalState", err)
	}
}

func TestDeviceSensorInitRollsBackTablesOnCreateFailure(t *testing.T) {
	c, reg, _, schemaMgr, _, _ := setup(t)
	dev := models.Device{ID: 1, Name: "foo", InitState: models.InitStateDevice}
	if err := reg.Insert(dev); err != nil {
		t.Fatal(err)
	}
	schemaMgr.createErr = merrors.StorageErrorf(nil, "boom")

	err := c.DeviceSensorInit(context.Background(), 1, []models.Sensor{
		{Name: "temp", Fields: map[string]models.FieldType{"v": models.FieldFloat32}},
	})
	if err == nil {
		t.Fatal("DeviceSensorInit() error = nil, want create failure")
	}
	got, _ := reg.Get(1)
	if got.InitState != models.InitStateDevice {
		t.Errorf("InitState = %q, want unchanged %q", got.InitState, models.InitStateDevice)
	}
}

func TestInterruptDeviceInitRejectsAfterSensorInit(t *testing.T) {
	c, reg, _, _, _, _ := setup(t)
	dev := models.Device{ID: 1, Name: "foo", InitState: models.InitStateSensors}
	if err := reg.Insert(dev); err != nil {
		t.Fatal(err)
	}

	err := c.InterruptDeviceInit(context.Background(), 1)
	if merrors.KindOf(err) != merrors.KindIllegalState {
		t.Fatalf("InterruptDeviceInit() error = %v, want IllegalState", err)
	}

	got, err := reg.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if got.InitState != models.InitStateSensors {
		t.Error("device state changed despite rejected interrupt")
	}
}

func TestInterruptDeviceInitRemovesDevice(t *testing.T) {
	c, reg, repo, _, fs, _ := setup(t)
	dev := models.Device{ID: 1, Name: "foo", InitState: models.InitStateDevice}
	if err := reg.InsertWithHandle(dev, &fakeHandle{}); err != nil {
		t.Fatal(err)
	}
	if err := repo.InsertDevice(context.Background(), nil, dev); err != nil {
		t.Fatal(err)
	}

	if err := c.InterruptDeviceInit(context.Background(), 1); err != nil {
		t.Fatalf("InterruptDeviceInit() error = %v", err)
	}
	if _, err := reg.Get(1); merrors.KindOf(err) != merrors.KindNotFound {
		t.Error("device should be removed from registry after interrupt")
	}
	if len(fs.removed) != 1 {
		t.Errorf("RemoveTree calls = %d, want 1", len(fs.removed))
	}
}

func TestSaveSensorDataValidatesField(t *testing.T) {
	c, reg, _, schemaMgr, _, _ := setup(t)
	dev := models.Device{
		ID: 1, Name: "foo", InitState: models.InitStateSensors,
		Sensors: map[string]models.Sensor{"temp": {Name: "temp", Fields: map[string]models.FieldType{"v": models.FieldFloat32}}},
	}
	if err := reg.Insert(dev); err != nil {
		t.Fatal(err)
	}
	schemaMgr.tables["temp_1"] = true

	err := c.SaveSensorData(context.Background(), 1, models.SensorMsg{Sensor: "temp", Fields: map[string]models.FieldValue{"unknown": models.NewFloat32(1)}})
	if merrors.KindOf(err) != merrors.KindNotFound {
		t.Fatalf("SaveSensorData() error = %v, want NotFound", err)
	}

	err = c.SaveSensorData(context.Background(), 1, models.SensorMsg{Sensor: "temp", Fields: map[string]models.FieldValue{"v": models.NewFloat32(1)}})
	if err != nil {
		t.Fatalf("SaveSensorData() error = %v", err)
	}
}

func TestGetSensorDataRejectsLimitOverCap(t *testing.T) {
	c, reg, _, _, _, _ := setup(t)
	dev := models.Device{
		ID: 1, Name: "foo", InitState: models.InitStateSensors,
		Sensors: map[string]models.Sensor{"temp": {Name: "temp", Fields: map[string]models.FieldType{"v": models.FieldFloat32}}},
	}
	if err := reg.Insert(dev); err != nil {
		t.Fatal(err)
	}

	_, err := c.GetSensorData(context.Background(), 1, "temp", []string{"v"}, models.SensorDataFilter{Limit: MaxLimit + 1})
	if merrors.KindOf(err) != merrors.KindInvalidArgument {
		t.Fatalf("GetSensorData() error = %v, want InvalidArgument", err)
	}
}

func TestGetSensorDataUnknownFieldNotFound(t *testing.T) {
	c, reg, _, _, _, _ := setup(t)
	dev := models.Device{
		ID: 1, Name: "foo", InitState: models.InitStateSensors,
		Sensors: map[string]models.Sensor{"temp": {Name: "temp", Fields: map[string]models.FieldType{"v": models.FieldFloat32}}},
	}
	if err := reg.Insert(dev); err != nil {
		t.Fatal(err)
	}

	_, err := c.GetSensorData(context.Background(), 1, "temp", []string{"missing"}, models.SensorDataFilter{Limit: 10})
	if merrors.KindOf(err) != merrors.KindNotFound {
		t.Fatalf("GetSensorData() error = %v, want NotFound", err)
	}
}

func TestGetSensorDataZeroLimitReturnsEmpty(t *testing.T) {
	c, reg, _, _, _, _ := setup(t)
	dev := models.Device{
		ID: 1, Name: "foo", InitState: models.InitStateSensors,
		Sensors: map[string]models.Sensor{"temp": {Name: "temp", Fields: map[string]models.FieldType{"v": models.FieldFloat32}}},
	}
	if err := reg.Insert(dev); err != nil {
		t.Fatal(err)
	}

	rows, err := c.GetSensorData(context.Background(), 1, "temp", []string{"v"}, models.SensorDataFilter{Limit: 0})
	if err != nil {
		t.Fatalf("GetSensorData() error = %v", err)
	}
	if rows != nil {
		t.Errorf("GetSensorData() rows = %v, want nil", rows)
	}
}

func TestSaveAndListMonitorConf(t *testing.T) {
	c, reg, _, _, _, _ := setup(t)
	if err := reg.Insert(models.Device{ID: 1, Name: "foo", InitState: models.InitStateSensors}); err != nil {
		t.Fatal(err)
	}

	id, err := c.SaveMonitorConf(context.Background(), models.MonitorConf{
		DeviceID: 1, Sensor: "temp", Typ: models.MonitorLine,
		Line: &models.LineConfig{XField: "ts", YField: "v", Limit: 100},
	})
	if err != nil {
		t.Fatalf("SaveMonitorConf() error = %v", err)
	}

	dev1 := models.DeviceID(1)
	list, err := c.GetMonitorConfList(context.Background(), models.MonitorConfListFilter{DeviceID: &dev1})
	if err != nil {
		t.Fatalf("GetMonitorConfList() error = %v", err)
	}
	if len(list) != 1 || list[0].ID != id {
		t.Errorf("GetMonitorConfList() = %+v, want entry with id %d", list, id)
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Foo Box":     "foo_box",
		"  leading":   "leading",
		"Weird!!Name": "weird_name",
	}
	for in, want := range cases {
		if got := slugify(in); got != want {
			t.Errorf("slugify(%q) = %q, want %q", in, got, want)
		}
	}
}
