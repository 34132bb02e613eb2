// Package httpapi is the thin net/http adapter (§6.1) over
// internal/controller.Controller: the ten service endpoints, request
// validation, and RFC 7807 error mapping. It holds no domain logic of its
// own.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/monisens/monisens/internal/controller"
	"github.com/monisens/monisens/pkg/driverabi"
	"github.com/monisens/monisens/pkg/merrors"
	"github.com/monisens/monisens/pkg/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"
)

// maxUploadMemory bounds the in-memory portion of a multipart module
// upload; anything beyond it spills to a temp file via net/http's own
// multipart reader.
const maxUploadMemory = 32 << 20

// Controller is the subset of internal/controller.Controller the HTTP
// adapter depends on.
type Controller interface {
	StartDeviceInit(ctx context.Context, displayName string, moduleFile io.Reader) (controller.StartDeviceInitResult, error)
	ConnectDevice(ctx context.Context, id models.DeviceID, params []driverabi.ConfEntry) error
	ObtainDeviceConfInfo(ctx context.Context, id models.DeviceID) ([]driverabi.ConfInfoEntry, error)
	ConfigureDevice(ctx context.Context, id models.DeviceID, confs []driverabi.ConfEntry) error
	InterruptDeviceInit(ctx context.Context, id models.DeviceID) error
	GetSensorData(ctx context.Context, id models.DeviceID, sensor string, fields []string, filter models.SensorDataFilter) ([]map[string]models.FieldValue, error)
	GetDeviceInfoList() []models.Device
	GetDeviceSensorInfo(id models.DeviceID) ([]models.Sensor, error)
	SaveMonitorConf(ctx context.Context, conf models.MonitorConf) (int32, error)
	GetMonitorConfList(ctx context.Context, filter models.MonitorConfListFilter) ([]models.MonitorConf, error)
}

// ReadinessChecker verifies that the server is ready to serve traffic.
type ReadinessChecker func(ctx context.Context) error

// Server is the MoniSens HTTP adapter.
type Server struct {
	httpServer *http.Server
	ctrl       Controller
	logger     *zap.Logger
	mux        *http.ServeMux
	ready      ReadinessChecker
}

// New builds a Server wired to ctrl, with the standard middleware chain and
// an optional Swagger UI when devMode is true.
func New(addr string, ctrl Controller, logger *zap.Logger, ready ReadinessChecker, devMode bool) *Server {
	mux := http.NewServeMux()
	s := &Server{ctrl: ctrl, logger: logger, mux: mux, ready: ready}
	s.registerRoutes()

	if devMode {
		mux.Handle("GET /swagger/", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
		logger.Info("swagger UI enabled (dev_mode)", zap.String("path", "/swagger/"))
	}

	handler := Chain(mux,
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger, []string{"/healthz", "/readyz", "/metrics"}),
		SecurityHeadersMiddleware,
		VersionHeaderMiddleware,
		RateLimitMiddleware(100, 200, []string{"/healthz", "/readyz", "/metrics"}),
	)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("POST /service/start-device-init", s.handleStartDeviceInit)
	s.mux.HandleFunc("POST /service/connect-device", s.handleConnectDevice)
	s.mux.HandleFunc("POST /service/obtain-device-conf-info", s.handleObtainDeviceConfInfo)
	s.mux.HandleFunc("POST /service/configure-device", s.handleConfigureDevice)
	s.mux.HandleFunc("POST /service/interrupt-device-init", s.handleInterruptDeviceInit)
	s.mux.HandleFunc("POST /service/get-sensor-data", s.handleGetSensorData)
	s.mux.HandleFunc("GET /service/get-device-list", s.handleGetDeviceList)
	s.mux.HandleFunc("POST /service/get-device-sensor-info", s.handleGetDeviceSensorInfo)
	s.mux.HandleFunc("POST /service/save-monitor-conf", s.handleSaveMonitorConf)
	s.mux.HandleFunc("POST /service/get-monitor-conf-list", s.handleGetMonitorConfList)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// handleStartDeviceInit implements POST /service/start-device-init.
//
//	@Summary	Start device initialization
//	@Tags		service
//	@Accept		multipart/form-data
//	@Produce	json
//	@Router		/service/start-device-init [post]
func (s *Server) handleStartDeviceInit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		BadRequest(w, "invalid multipart form: "+err.Error(), r.URL.Path)
		return
	}
	deviceName := r.FormValue("device_name")
	if deviceName == "" {
		BadRequest(w, "device_name is required", r.URL.Path)
		return
	}
	file, _, err := r.FormFile("module_file")
	if err != nil {
		BadRequest(w, "module_file is required: "+err.Error(), r.URL.Path)
		return
	}
	defer file.Close()

	res, err := s.ctrl.StartDeviceInit(r.Context(), deviceName, file)
	if err != nil {
		WriteError(w, err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":   res.DeviceID,
		"conn_params": res.ConnParams,
	})
}

type deviceIDRequest struct {
	DeviceID models.DeviceID `json:"device_id"`
}

func (req deviceIDRequest) validate() error {
	if req.DeviceID < 1 {
		return merrors.InvalidArgumentf("device_id must be >= 1")
	}
	return nil
}

type connectDeviceRequest struct {
	DeviceID    models.DeviceID      `json:"device_id"`
	ConnectConf []driverabi.ConfEntry `json:"connect_conf"`
}

// handleConnectDevice implements POST /service/connect-device.
func (s *Server) handleConnectDevice(w http.ResponseWriter, r *http.Request) {
	var req connectDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		BadRequest(w, "invalid request body: "+err.Error(), r.URL.Path)
		return
	}
	if err := (deviceIDRequest{req.DeviceID}).validate(); err != nil {
		WriteError(w, err, r.URL.Path)
		return
	}
	if err := s.ctrl.ConnectDevice(r.Context(), req.DeviceID, req.ConnectConf); err != nil {
		WriteError(w, err, r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleObtainDeviceConfInfo implements POST /service/obtain-device-conf-info.
func (s *Server) handleObtainDeviceConfInfo(w http.ResponseWriter, r *http.Request) {
	var req deviceIDRequest
	if err := decodeJSON(r, &req); err != nil {
		BadRequest(w, "invalid request body: "+err.Error(), r.URL.Path)
		return
	}
	if err := req.validate(); err != nil {
		WriteError(w, err, r.URL.Path)
		return
	}
	info, err := s.ctrl.ObtainDeviceConfInfo(r.Context(), req.DeviceID)
	if err != nil {
		WriteError(w, err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_conf_info": info})
}

type configureDeviceRequest struct {
	DeviceID models.DeviceID       `json:"device_id"`
	Confs    []driverabi.ConfEntry `json:"confs"`
}

// handleConfigureDevice implements POST /service/configure-device.
func (s *Server) handleConfigureDevice(w http.ResponseWriter, r *http.Request) {
	var req configureDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		BadRequest(w, "invalid request body: "+err.Error(), r.URL.Path)
		return
	}
	if err := (deviceIDRequest{req.DeviceID}).validate(); err != nil {
		WriteError(w, err, r.URL.Path)
		return
	}
	if err := s.ctrl.ConfigureDevice(r.Context(), req.DeviceID, req.Confs); err != nil {
		WriteError(w, err, r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleInterruptDeviceInit implements POST /service/interrupt-device-init.
func (s *Server) handleInterruptDeviceInit(w http.ResponseWriter, r *http.Request) {
	var req deviceIDRequest
	if err := decodeJSON(r, &req); err != nil {
		BadRequest(w, "invalid request body: "+err.Error(), r.URL.Path)
		return
	}
	if err := req.validate(); err != nil {
		WriteError(w, err, r.URL.Path)
		return
	}
	if err := s.ctrl.InterruptDeviceInit(r.Context(), req.DeviceID); err != nil {
		WriteError(w, err, r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type fieldBoundDTO struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// toFieldBound converts the wire value to a models.FieldBound. The field's
// true FieldType lives in the sensor's schema, not the request; the Schema
// Manager's WHERE-clause comparison only needs a value of the right Go kind,
// so a number decodes to float64, an RFC3339 string to a timestamp, and
// any other string to a string; other JSON values are rejected.
func (d fieldBoundDTO) toFieldBound() (models.FieldBound, error) {
	var raw any
	if err := json.Unmarshal(d.Value, &raw); err != nil {
		return models.FieldBound{}, fmt.Errorf("decode from.value: %w", err)
	}
	switch v := raw.(type) {
	case float64:
		return models.FieldBound{Field: d.Field, Value: models.NewFloat64(v)}, nil
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return models.FieldBound{Field: d.Field, Value: models.NewTimestamp(ts)}, nil
		}
		return models.FieldBound{Field: d.Field, Value: models.NewString(v)}, nil
	default:
		return models.FieldBound{}, merrors.InvalidArgumentf("from.value has unsupported type")
	}
}

type sortDTO struct {
	Field string `json:"field"`
	Order string `json:"order"`
}

type getSensorDataRequest struct {
	DeviceID models.DeviceID `json:"device_id"`
	Sensor   string          `json:"sensor"`
	Fields   []string        `json:"fields"`
	Sort     sortDTO         `json:"sort"`
	From     *fieldBoundDTO  `json:"from,omitempty"`
	Limit    int             `json:"limit"`
}

func (req getSensorDataRequest) validate() error {
	if req.DeviceID < 1 {
		return merrors.InvalidArgumentf("device_id must be >= 1")
	}
	if len(req.Fields) == 0 {
		return merrors.InvalidArgumentf("fields must not be empty")
	}
	if req.Sort.Field == "" {
		return merrors.InvalidArgumentf("sort.field must not be empty")
	}
	if req.Limit > 1000 {
		return merrors.InvalidArgumentf("limit must be <= 1000")
	}
	return nil
}

// handleGetSensorData implements POST /service/get-sensor-data.
func (s *Server) handleGetSensorData(w http.ResponseWriter, r *http.Request) {
	var req getSensorDataRequest
	if err := decodeJSON(r, &req); err != nil {
		BadRequest(w, "invalid request body: "+err.Error(), r.URL.Path)
		return
	}
	if err := req.validate(); err != nil {
		WriteError(w, err, r.URL.Path)
		return
	}

	filter := models.SensorDataFilter{
		Limit: req.Limit,
		Sort:  models.Sort{Field: req.Sort.Field, Order: models.SortDir(req.Sort.Order)},
	}
	if req.From != nil {
		bound, err := req.From.toFieldBound()
		if err != nil {
			BadRequest(w, err.Error(), r.URL.Path)
			return
		}
		filter.From = &bound
	}

	rows, err := s.ctrl.GetSensorData(r.Context(), req.DeviceID, req.Sensor, req.Fields, filter)
	if err != nil {
		WriteError(w, err, r.URL.Path)
		return
	}

	result := make([]map[string]any, len(rows))
	for i, row := range rows {
		encoded := make(map[string]any, len(row))
		for field, val := range row {
			encoded[field] = map[string]any{"type": val.Type, "value": val.Any()}
		}
		result[i] = encoded
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

type deviceListEntry struct {
	ID   models.DeviceID `json:"id"`
	Name string          `json:"name"`
}

// handleGetDeviceList implements GET /service/get-device-list.
func (s *Server) handleGetDeviceList(w http.ResponseWriter, r *http.Request) {
	devices := s.ctrl.GetDeviceInfoList()
	out := make([]deviceListEntry, len(devices))
	for i, d := range devices {
		out[i] = deviceListEntry{ID: d.ID, Name: d.Name}
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": out})
}

type sensorFieldDTO struct {
	Name string `json:"name"`
	Typ  string `json:"typ"`
}

type deviceSensorInfoDTO struct {
	Name string           `json:"name"`
	Data []sensorFieldDTO `json:"data"`
}

// handleGetDeviceSensorInfo implements POST /service/get-device-sensor-info.
func (s *Server) handleGetDeviceSensorInfo(w http.ResponseWriter, r *http.Request) {
	var req deviceIDRequest
	if err := decodeJSON(r, &req); err != nil {
		BadRequest(w, "invalid request body: "+err.Error(), r.URL.Path)
		return
	}
	if err := req.validate(); err != nil {
		WriteError(w, err, r.URL.Path)
		return
	}
	sensors, err := s.ctrl.GetDeviceSensorInfo(req.DeviceID)
	if err != nil {
		WriteError(w, err, r.URL.Path)
		return
	}

	out := make([]deviceSensorInfoDTO, len(sensors))
	for i, sensor := range sensors {
		names := make([]string, 0, len(sensor.Fields))
		for name := range sensor.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		data := make([]sensorFieldDTO, len(names))
		for j, name := range names {
			data[j] = sensorFieldDTO{Name: name, Typ: string(sensor.Fields[name])}
		}
		out[i] = deviceSensorInfoDTO{Name: sensor.Name, Data: data}
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_sensor_info": out})
}

type saveMonitorConfRequest struct {
	DeviceID models.DeviceID `json:"device_id"`
	Sensor   string          `json:"sensor"`
	Typ      string          `json:"typ"`
	Config   json.RawMessage `json:"config"`
}

// handleSaveMonitorConf implements POST /service/save-monitor-conf.
func (s *Server) handleSaveMonitorConf(w http.ResponseWriter, r *http.Request) {
	var req saveMonitorConfRequest
	if err := decodeJSON(r, &req); err != nil {
		BadRequest(w, "invalid request body: "+err.Error(), r.URL.Path)
		return
	}
	if req.DeviceID < 1 {
		WriteError(w, merrors.InvalidArgumentf("device_id must be >= 1"), r.URL.Path)
		return
	}

	conf := models.MonitorConf{DeviceID: req.DeviceID, Sensor: req.Sensor, Typ: models.MonitorType(req.Typ)}
	switch conf.Typ {
	case models.MonitorLog:
		var log models.LogConfig
		if err := json.Unmarshal(req.Config, &log); err != nil {
			BadRequest(w, "invalid log config: "+err.Error(), r.URL.Path)
			return
		}
		conf.Log = &log
	case models.MonitorLine:
		var line models.LineConfig
		if err := json.Unmarshal(req.Config, &line); err != nil {
			BadRequest(w, "invalid line config: "+err.Error(), r.URL.Path)
			return
		}
		conf.Line = &line
	default:
		WriteError(w, merrors.InvalidArgumentf("unknown monitor typ %q", req.Typ), r.URL.Path)
		return
	}

	id, err := s.ctrl.SaveMonitorConf(r.Context(), conf)
	if err != nil {
		WriteError(w, err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

type getMonitorConfListRequest struct {
	Filter struct {
		DeviceID *models.DeviceID `json:"device_id"`
	} `json:"filter"`
}

// handleGetMonitorConfList implements POST /service/get-monitor-conf-list.
func (s *Server) handleGetMonitorConfList(w http.ResponseWriter, r *http.Request) {
	var req getMonitorConfListRequest
	if err := decodeJSON(r, &req); err != nil {
		BadRequest(w, "invalid request body: "+err.Error(), r.URL.Path)
		return
	}
	confs, err := s.ctrl.GetMonitorConfList(r.Context(), models.MonitorConfListFilter{DeviceID: req.Filter.DeviceID})
	if err != nil {
		WriteError(w, err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": confs})
}
