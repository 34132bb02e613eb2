// Package router is the Message Router (C6): a single sink per device,
// registered with the driver at start(). It converts each incoming
// driverabi message into a schema insert, bounded by a per-message timeout
// so a slow database never blocks the driver's callback thread.
package router

import (
	"context"
	"strconv"
	"time"

	"github.com/monisens/monisens/pkg/merrors"
	"github.com/monisens/monisens/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultTimeout bounds how long a single message insert may take before
// it is dropped. Configurable per Router instance.
const DefaultTimeout = 2 * time.Second

var (
	messagesIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monisens_sensor_messages_ingested_total",
			Help: "Total number of sensor messages successfully persisted.",
		},
		[]string{"device_id", "sensor"},
	)
	messagesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monisens_sensor_messages_dropped_total",
			Help: "Total number of sensor messages dropped due to a lookup or insert failure.",
		},
		[]string{"device_id", "sensor"},
	)
)

func init() {
	prometheus.MustRegister(messagesIngestedTotal)
	prometheus.MustRegister(messagesDroppedTotal)
}

// TableResolver maps a (device, sensor) pair to its dynamic table name.
// Implemented by the Controller over the Registry.
type TableResolver interface {
	SensorTable(deviceID models.DeviceID, sensor string) (string, bool)
}

// Inserter is the subset of the Schema Manager the Router depends on.
type Inserter interface {
	Insert(ctx context.Context, tableName string, msg models.SensorMsg) error
}

// Router is the Message Router. One instance is shared across all devices;
// the sink closure bound into driverabi.Handle.Start captures a DeviceID.
type Router struct {
	tables  TableResolver
	schema  Inserter
	logger  *zap.Logger
	timeout time.Duration
}

// New returns a Router. timeout <= 0 selects DefaultTimeout.
func New(tables TableResolver, schema Inserter, logger *zap.Logger, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Router{tables: tables, schema: schema, logger: logger, timeout: timeout}
}

// SinkFor returns a driverabi.MessageSink bound to a single device. The
// Loader invokes it synchronously from the driver's callback thread, so it
// must never block beyond r.timeout.
func (r *Router) SinkFor(deviceID models.DeviceID) func(models.SensorMsg) {
	return func(msg models.SensorMsg) {
		r.route(deviceID, msg)
	}
}

func (r *Router) route(deviceID models.DeviceID, msg models.SensorMsg) {
	labels := prometheus.Labels{"device_id": deviceIDLabel(deviceID), "sensor": msg.Sensor}

	table, ok := r.tables.SensorTable(deviceID, msg.Sensor)
	if !ok {
		messagesDroppedTotal.With(labels).Inc()
		r.logger.Warn("dropping message for unknown sensor table",
			zap.Uint32("device_id", uint32(deviceID)), zap.String("sensor", msg.Sensor))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.schema.Insert(ctx, table, msg); err != nil {
		messagesDroppedTotal.With(labels).Inc()
		r.logger.Warn("dropping message: insert failed",
			zap.Uint32("device_id", uint32(deviceID)), zap.String("sensor", msg.Sensor),
			zap.String("kind", string(merrors.KindOf(err))), zap.Error(err))
		return
	}

	messagesIngestedTotal.With(labels).Inc()
}

func deviceIDLabel(id models.DeviceID) string {
	return strconv.FormatUint(uint64(id), 10)
}
