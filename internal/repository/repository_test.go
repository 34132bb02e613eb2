package repository

import (
	"encoding/json"
	"testing"

	"github.com/monisens/monisens/pkg/models"
)

func TestDecodeMonitorConfLog(t *testing.T) {
	r := &Repository{}
	cfg := models.LogConfig{Fields: []string{"ts", "v"}, SortField: "ts", SortDirection: models.SortAsc, Limit: 10}
	buf, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}

	conf, err := r.decodeMonitorConf(7, 1, "temp", monitorConfRow{Typ: models.MonitorLog, Config: buf})
	if err != nil {
		t.Fatalf("decodeMonitorConf() error = %v", err)
	}
	if conf.Log == nil || conf.Log.SortField != "ts" || conf.Log.Limit != 10 {
		t.Errorf("decodeMonitorConf() Log = %+v", conf.Log)
	}
	if conf.Line != nil {
		t.Errorf("decodeMonitorConf() Line = %+v, want nil", conf.Line)
	}
}

func TestDecodeMonitorConfLine(t *testing.T) {
	r := &Repository{}
	cfg := models.LineConfig{XField: "ts", YField: "v", Limit: 100}
	buf, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}

	conf, err := r.decodeMonitorConf(7, 1, "temp", monitorConfRow{Typ: models.MonitorLine, Config: buf})
	if err != nil {
		t.Fatalf("decodeMonitorConf() error = %v", err)
	}
	if conf.Line == nil || conf.Line.XField != "ts" || conf.Line.YField != "v" {
		t.Errorf("decodeMonitorConf() Line = %+v", conf.Line)
	}
}

func TestDecodeMonitorConfUnknownType(t *testing.T) {
	r := &Repository{}
	if _, err := r.decodeMonitorConf(7, 1, "temp", monitorConfRow{Typ: "BOGUS"}); err == nil {
		t.Fatal("decodeMonitorConf() with unknown typ: error = nil")
	}
}

func TestDeviceRowToModel(t *testing.T) {
	d := deviceRow{ID: 1, Name: "foo", DisplayName: "Foo", ModuleDir: "device/1-foo/module", DataDir: "device/1-foo/data", InitState: "DEVICE"}
	m := d.toModel()
	if m.InitState != models.InitStateDevice {
		t.Errorf("toModel() InitState = %q, want %q", m.InitState, models.InitStateDevice)
	}
	if m.Sensors == nil {
		t.Error("toModel() Sensors = nil, want empty map")
	}
}
