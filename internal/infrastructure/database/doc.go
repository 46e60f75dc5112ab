// Package database provides the SQLite store behind run history.
//
// The daemon keeps one database file per bench. Open configures WAL mode,
// a busy timeout and foreign keys, then verifies the connection. Schema
// changes live as paired .up.sql/.down.sql files embedded by the
// migrations package and applied in version order by Migrate.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql. Tables are
// declared STRICT and migrations stay additive: new columns are nullable
// or carry a DEFAULT.
package database
