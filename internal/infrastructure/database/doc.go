// Package database provides the SQLite connection used for the durable
// event log.
//
// The session and device state of a running instance lives in memory; the
// database only keeps what must outlive a restart: the event log that
// external consumers replay.
//
//   - WAL mode so reads proceed while the event sink writes
//   - busy timeout against lock contention
//   - versioned .up.sql / .down.sql migrations, each in its own transaction
//   - file permissions 0600
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql. Migrations are additive: new columns must be
// nullable or carry a default.
package database
