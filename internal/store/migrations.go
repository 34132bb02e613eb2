package store

import "database/sql"

// Migrations is the ordered set of fixed-table migrations applied at boot.
// The dynamic per-sensor tables created by internal/schema are not part of
// this list -- they come and go with device_sensor_init and are never
// migrated.
var Migrations = []Migration{
	{
		Version:     1,
		Description: "create device, device_sensor, monitor_conf tables",
		Up: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE device (
					id           INT4 PRIMARY KEY,
					name         TEXT NOT NULL,
					display_name TEXT NOT NULL,
					module_dir   TEXT NOT NULL,
					data_dir     TEXT NOT NULL,
					init_state   TEXT NOT NULL
				)`,
				`CREATE TABLE device_sensor (
					device_id        INT4 NOT NULL REFERENCES device(id),
					sensor_name      TEXT NOT NULL,
					sensor_table_name TEXT NOT NULL,
					PRIMARY KEY (device_id, sensor_name)
				)`,
				`CREATE TABLE monitor_conf (
					id        SERIAL PRIMARY KEY,
					device_id INT4 NOT NULL REFERENCES device(id),
					sensor    TEXT NOT NULL,
					typ       TEXT NOT NULL,
					config    JSONB NOT NULL
				)`,
			}
			for _, s := range stmts {
				if _, err := tx.Exec(s); err != nil {
					return err
				}
			}
			return nil
		},
	},
}
