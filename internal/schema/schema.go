// Package schema is the Schema Manager (C4): it owns the dynamic half of
// persistence -- per-sensor table creation, typed insertion, typed query,
// and startup column-type introspection.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/monisens/monisens/pkg/merrors"
	"github.com/monisens/monisens/pkg/models"
	"go.uber.org/zap"
)

// identRe is the identifier pattern every table and column name is
// validated against before interpolation into SQL (§4.4: "no user input
// enters raw SQL").
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether s is safe to interpolate as a table or
// column name.
func ValidIdentifier(s string) bool {
	return identRe.MatchString(s)
}

// fieldTypeToDBType implements the FieldType -> db type mapping of §4.4.
var fieldTypeToDBType = map[models.FieldType]string{
	models.FieldInt16:     "INT2",
	models.FieldInt32:     "INT4",
	models.FieldInt64:     "INT8",
	models.FieldFloat32:   "FLOAT4",
	models.FieldFloat64:   "FLOAT8",
	models.FieldTimestamp: "TIMESTAMP",
	models.FieldString:    "TEXT",
	models.FieldJSON:      "JSONB",
}

// dbTypeToFieldType is the inverse mapping, used both for startup
// introspection (via information_schema.columns.udt_name) and for decoding
// query results (via the driver's reported column type name). Both sources
// are normalized to uppercase before lookup.
var dbTypeToFieldType = map[string]models.FieldType{
	"INT2":      models.FieldInt16,
	"INT4":      models.FieldInt32,
	"INT8":      models.FieldInt64,
	"FLOAT4":    models.FieldFloat32,
	"FLOAT8":    models.FieldFloat64,
	"TIMESTAMP": models.FieldTimestamp,
	"TEXT":      models.FieldString,
	"JSONB":     models.FieldJSON,
}

// Manager is the Schema Manager. One instance is shared by the whole
// process; it holds no per-sensor state beyond the connection pool.
type Manager struct {
	db     *sql.DB
	logger *zap.Logger
}

// New returns a Manager over db.
func New(db *sql.DB, logger *zap.Logger) *Manager {
	return &Manager{db: db, logger: logger}
}

// CreateTable issues CREATE TABLE for a sensor, mapping its fields per the
// FieldType -> db type table. Table and column names are validated first.
func (m *Manager) CreateTable(ctx context.Context, tableName string, sensor models.Sensor) error {
	if !ValidIdentifier(tableName) {
		return merrors.InvalidArgumentf("invalid table name %q", tableName)
	}
	if len(sensor.Fields) == 0 {
		return merrors.InvalidArgumentf("sensor %q declares no fields", sensor.Name)
	}

	names := make([]string, 0, len(sensor.Fields))
	for name := range sensor.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([]string, 0, len(names))
	for _, name := range names {
		if !ValidIdentifier(name) {
			return merrors.InvalidArgumentf("invalid field name %q", name)
		}
		dbType, ok := fieldTypeToDBType[sensor.Fields[name]]
		if !ok {
			return merrors.InvalidArgumentf("field %q: unrecognized field type %q", name, sensor.Fields[name])
		}
		cols = append(cols, fmt.Sprintf("%s %s", name, dbType))
	}

	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", tableName, strings.Join(cols, ", "))
	if _, err := m.db.ExecContext(ctx, stmt); err != nil {
		return merrors.StorageErrorf(err, "create table %s", tableName)
	}
	return nil
}

// DropTable drops a sensor's table, best-effort. Used to roll back a
// partially-completed device_sensor_init.
func (m *Manager) DropTable(ctx context.Context, tableName string) error {
	if !ValidIdentifier(tableName) {
		return merrors.InvalidArgumentf("invalid table name %q", tableName)
	}
	stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s", tableName)
	if _, err := m.db.ExecContext(ctx, stmt); err != nil {
		return merrors.StorageErrorf(err, "drop table %s", tableName)
	}
	return nil
}

// Insert persists a single sensor reading.
func (m *Manager) Insert(ctx context.Context, tableName string, msg models.SensorMsg) error {
	if !ValidIdentifier(tableName) {
		return merrors.InvalidArgumentf("invalid table name %q", tableName)
	}
	if len(msg.Fields) == 0 {
		return merrors.InvalidArgumentf("message for sensor %q has no fields", msg.Sensor)
	}

	names := make([]string, 0, len(msg.Fields))
	for name := range msg.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([]string, 0, len(names))
	placeholders := make([]string, 0, len(names))
	args := make([]any, 0, len(names))
	for i, name := range names {
		if !ValidIdentifier(name) {
			return merrors.InvalidArgumentf("invalid field name %q", name)
		}
		cols = append(cols, name)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, msg.Fields[name].Any())
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		tableName, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := m.db.ExecContext(ctx, stmt, args...); err != nil {
		return merrors.StorageErrorf(err, "insert into %s", tableName)
	}
	return nil
}

// Query runs a filtered, sorted, limited SELECT against a sensor's table
// and decodes each row's fields using the driver's reported column type
// info, per §4.4.
func (m *Manager) Query(ctx context.Context, tableName string, fields []string, filter models.SensorDataFilter) ([]map[string]models.FieldValue, error) {
	if !ValidIdentifier(tableName) {
		return nil, merrors.InvalidArgumentf("invalid table name %q", tableName)
	}
	for _, f := range fields {
		if !ValidIdentifier(f) {
			return nil, merrors.InvalidArgumentf("invalid field name %q", f)
		}
	}

	var where []string
	var args []any
	argN := 1

	if filter.From != nil {
		if !ValidIdentifier(filter.From.Field) {
			return nil, merrors.InvalidArgumentf("invalid filter field %q", filter.From.Field)
		}
		where = append(where, fmt.Sprintf("%s > $%d", filter.From.Field, argN))
		args = append(args, filter.From.Value.Any())
		argN++
	}
	if filter.To != nil {
		if !ValidIdentifier(filter.To.Field) {
			return nil, merrors.InvalidArgumentf("invalid filter field %q", filter.To.Field)
		}
		where = append(where, fmt.Sprintf("%s < $%d", filter.To.Field, argN))
		args = append(args, filter.To.Value.Any())
		argN++
	}

	stmt := fmt.Sprintf("SELECT %s FROM %s", strings.Join(fields, ", "), tableName)
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.Sort.Field != "" {
		if !ValidIdentifier(filter.Sort.Field) {
			return nil, merrors.InvalidArgumentf("invalid sort field %q", filter.Sort.Field)
		}
		order := filter.Sort.Order
		if order != models.SortAsc && order != models.SortDesc {
			order = models.SortAsc
		}
		stmt += fmt.Sprintf(" ORDER BY %s %s", filter.Sort.Field, order)
	}
	if filter.Limit >= 0 {
		stmt += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := m.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, merrors.StorageErrorf(err, "query %s", tableName)
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, merrors.StorageErrorf(err, "column types for %s", tableName)
	}

	var result []map[string]models.FieldValue
	for rows.Next() {
		raw := make([]any, len(colTypes))
		ptrs := make([]any, len(colTypes))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, merrors.StorageErrorf(err, "scan row from %s", tableName)
		}

		row := make(map[string]models.FieldValue, len(colTypes))
		for i, ct := range colTypes {
			val, err := decodeColumn(raw[i], ct.DatabaseTypeName())
			if err != nil {
				return nil, merrors.SchemaUnsupportedType(tableName, ct.Name())
			}
			row[fields[i]] = val
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, merrors.StorageErrorf(err, "iterate rows from %s", tableName)
	}
	return result, nil
}

// IntrospectTable rebuilds a Sensor's field map from
// information_schema.columns, inverting the FieldType -> db type table.
// Called by the startup reconciler for every device_sensor row.
func (m *Manager) IntrospectTable(ctx context.Context, tableName string) (map[string]models.FieldType, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT column_name, udt_name FROM information_schema.columns WHERE table_name = $1 ORDER BY ordinal_position`,
		tableName,
	)
	if err != nil {
		return nil, merrors.StorageErrorf(err, "introspect table %s", tableName)
	}
	defer rows.Close()

	fields := make(map[string]models.FieldType)
	for rows.Next() {
		var column, udtName string
		if err := rows.Scan(&column, &udtName); err != nil {
			return nil, merrors.StorageErrorf(err, "scan column info for %s", tableName)
		}
		ft, ok := dbTypeToFieldType[strings.ToUpper(udtName)]
		if !ok {
			return nil, merrors.SchemaUnsupportedType(tableName, column)
		}
		fields[column] = ft
	}
	if err := rows.Err(); err != nil {
		return nil, merrors.StorageErrorf(err, "iterate columns for %s", tableName)
	}
	if len(fields) == 0 {
		return nil, merrors.NotFound(models.EntitySensor, tableName)
	}
	return fields, nil
}

func decodeColumn(raw any, dbType string) (models.FieldValue, error) {
	switch strings.ToUpper(dbType) {
	case "INT2":
		return models.NewInt16(int16(toInt64(raw))), nil
	case "INT4":
		return models.NewInt32(int32(toInt64(raw))), nil
	case "INT8":
		return models.NewInt64(toInt64(raw)), nil
	case "FLOAT4":
		return models.NewFloat32(float32(toFloat64(raw))), nil
	case "FLOAT8":
		return models.NewFloat64(toFloat64(raw)), nil
	case "TIMESTAMP", "TIMESTAMPTZ":
		if t, ok := raw.(time.Time); ok {
			return models.NewTimestamp(t), nil
		}
		return models.FieldValue{}, fmt.Errorf("unexpected timestamp representation %T", raw)
	case "TEXT", "VARCHAR", "BPCHAR":
		return models.NewString(toString(raw)), nil
	case "JSONB", "JSON":
		return models.NewJSON(toBytes(raw)), nil
	default:
		return models.FieldValue{}, fmt.Errorf("unsupported column type %q", dbType)
	}
}

func toInt64(raw any) int64 {
	switch v := raw.(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func toFloat64(raw any) float64 {
	switch v := raw.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func toString(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func toBytes(raw any) []byte {
	switch v := raw.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}
