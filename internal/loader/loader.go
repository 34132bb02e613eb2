// Package loader implements the Module Loader (C1): it dlopens a driver
// shared library, resolves the fixed set of entry-point symbols from §6.2,
// and marshals calls across the C ABI boundary without cgo, via
// github.com/ebitengine/purego.
package loader

import (
	"context"
	"fmt"
	"sync"

	"github.com/ebitengine/purego"
	"github.com/monisens/monisens/pkg/driverabi"
	"github.com/monisens/monisens/pkg/merrors"
	"github.com/monisens/monisens/pkg/models"
	"go.uber.org/zap"
)

type fnVersion func() uint8
type fnWithConfList func(confList uintptr) uint8
type fnStop func() uint8
type fnWithCallback func(ctx uintptr, cb uintptr) uint8

// Loader loads driver shared libraries and builds driverabi.Handle values
// over them. One Loader is shared by the whole process; the handles it
// returns are not.
type Loader struct {
	logger *zap.Logger
}

// New returns a Loader.
func New(logger *zap.Logger) *Loader {
	return &Loader{logger: logger}
}

// Load dlopens the shared library at path, resolves its entry points, and
// verifies its declared ABI version. The returned Handle owns the library
// image; Close must be called exactly once, after Stop has returned.
func (l *Loader) Load(path string) (driverabi.Handle, error) {
	lib, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, merrors.IOErrorf(err, "dlopen %s", path)
	}

	h := &driverHandle{
		lib:    lib,
		path:   path,
		logger: l.logger.Named("driver").With(zap.String("path", path)),
	}

	purego.RegisterLibFunc(&h.fnVersion, lib, driverabi.SymVersion)
	purego.RegisterLibFunc(&h.fnObtainConnectInfo, lib, driverabi.SymObtainDeviceConnectInfo)
	purego.RegisterLibFunc(&h.fnConnect, lib, driverabi.SymConnect)
	purego.RegisterLibFunc(&h.fnObtainConfInfo, lib, driverabi.SymObtainDeviceConfInfo)
	purego.RegisterLibFunc(&h.fnConfigure, lib, driverabi.SymConfigure)
	purego.RegisterLibFunc(&h.fnObtainSensorTypes, lib, driverabi.SymObtainSensorTypeInfos)
	purego.RegisterLibFunc(&h.fnStart, lib, driverabi.SymStart)
	purego.RegisterLibFunc(&h.fnStop, lib, driverabi.SymStop)

	if v := h.fnVersion(); v != driverabi.RequiredVersion {
		purego.Dlclose(lib)
		return nil, merrors.DriverErrorf(merrors.DriverVersionMismatch,
			"driver %s declares ABI version %d, server requires %d", path, v, driverabi.RequiredVersion)
	}

	return h, nil
}

// driverHandle is the purego-backed driverabi.Handle for a single loaded
// driver instance.
type driverHandle struct {
	lib    uintptr
	path   string
	logger *zap.Logger

	fnVersion           fnVersion
	fnObtainConnectInfo fnWithCallback
	fnConnect           fnWithConfList
	fnObtainConfInfo    fnWithCallback
	fnConfigure         fnWithConfList
	fnObtainSensorTypes fnWithCallback
	fnStart             fnWithCallback
	fnStop              fnStop

	mu      sync.Mutex
	sink    driverabi.MessageSink
	started bool
	stopped bool
	closed  bool
}

func (h *driverHandle) ObtainConnectParams(_ context.Context) ([]driverabi.ConfInfoEntry, error) {
	var result []driverabi.ConfInfoEntry
	var decodeErr error

	cb := purego.NewCallback(func(_ uintptr, dataPtr uintptr) uintptr {
		result, decodeErr = decodeConfInfoList(dataPtr)
		return 0
	})

	status := h.fnObtainConnectInfo(0, cb)
	if err := merrors.DriverStatus(status, "obtain_device_connect_info"); err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return result, nil
}

func (h *driverHandle) Connect(_ context.Context, params []driverabi.ConfEntry) error {
	enc := newEncoder()
	defer enc.release()

	status := h.fnConnect(enc.encodeConfEntries(params))
	return merrors.DriverStatus(status, "connect")
}

func (h *driverHandle) ObtainConfInfo(_ context.Context) ([]driverabi.ConfInfoEntry, error) {
	var result []driverabi.ConfInfoEntry
	var decodeErr error

	cb := purego.NewCallback(func(_ uintptr, dataPtr uintptr) uintptr {
		result, decodeErr = decodeConfInfoList(dataPtr)
		return 0
	})

	status := h.fnObtainConfInfo(0, cb)
	if err := merrors.DriverStatus(status, "obtain_device_conf_info"); err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return result, nil
}

func (h *driverHandle) Configure(_ context.Context, confs []driverabi.ConfEntry) error {
	enc := newEncoder()
	defer enc.release()

	status := h.fnConfigure(enc.encodeConfEntries(confs))
	return merrors.DriverStatus(status, "configure")
}

func (h *driverHandle) ObtainSensorTypes(_ context.Context) ([]models.Sensor, error) {
	var result []models.Sensor
	var decodeErr error

	cb := purego.NewCallback(func(_ uintptr, dataPtr uintptr) uintptr {
		result, decodeErr = decodeSensorTypeList(dataPtr)
		return 0
	})

	status := h.fnObtainSensorTypes(0, cb)
	if err := merrors.DriverStatus(status, "obtain_sensor_type_infos"); err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return result, nil
}

func (h *driverHandle) Start(_ context.Context, sink driverabi.MessageSink) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return merrors.DriverErrorf(merrors.DriverUnknown, "start: already started")
	}
	h.sink = sink
	h.mu.Unlock()

	cb := purego.NewCallback(func(_ uintptr, dataPtr uintptr) uintptr {
		msg, err := decodeMessage(dataPtr)
		if err != nil {
			h.logger.Warn("dropping malformed message", zap.Error(err))
			return 0
		}
		h.mu.Lock()
		sink := h.sink
		h.mu.Unlock()
		if sink != nil {
			sink(msg)
		}
		return 0
	})

	status := h.fnStart(0, cb)
	if err := merrors.DriverStatus(status, "start"); err != nil {
		return err
	}

	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
	return nil
}

func (h *driverHandle) Stop(_ context.Context) error {
	status := h.fnStop()
	err := merrors.DriverStatus(status, "stop")

	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	return err
}

func (h *driverHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	if h.started && !h.stopped {
		return merrors.DriverErrorf(merrors.DriverUnknown, "close: stop must complete before close")
	}

	if err := purego.Dlclose(h.lib); err != nil {
		return merrors.IOErrorf(err, "dlclose %s", h.path)
	}
	h.closed = true
	return nil
}

var _ fmt.Stringer = (*driverHandle)(nil)

func (h *driverHandle) String() string {
	return fmt.Sprintf("driver(%s)", h.path)
}
