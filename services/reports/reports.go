package reports

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // blank import required for runtime binding

	"github.com/nfcgate/relayd/services/logger"
	"github.com/nfcgate/relayd/services/settings"
)

// ApduEvent is one derived command/response row for the analytics table.
// ClaIns and Header4 are set for reader frames, Sw for card frames; the
// pointers are nil when the frame was too short to carry the field.
type ApduEvent struct {
	TsUnix    float64
	Direction string
	ClaIns    *string
	Header4   *string
	Sw        *string
	ApduLen   int
	Origin    string
	Tag       string
	Session   *int
}

// EventRecord is one fully rendered log event ready for persistence.
type EventRecord struct {
	TsUnix   float64
	TsISO    string
	Tag      string
	Origin   string
	Session  *int
	ArgsJSON string
	// Payload carries the original frame bytes when redaction removed them
	// from ArgsJSON, so APDU analytics keep working on stored data.
	Payload []byte
	// Apdu is the derived analytics row, when the payload decoded.
	Apdu *ApduEvent
}

// ErrNotOpen is returned by every store operation while the store is disabled.
var ErrNotOpen = errors.New("log database not configured")

var db *sql.DB
var dbFile string
var startedUnix int64

// Startup opens the log store and brings the schema up to date. An empty
// path disables the store; open or migration failures also leave it
// disabled so the relay keeps running without persistence.
func Startup() {
	startedUnix = time.Now().Unix()
	dbFile = settings.Current().Log.DB

	if dbFile == "" {
		logger.Info("Log store disabled by configuration\n")
		return
	}

	var err error
	db, err = sql.Open("sqlite3", writerDSN(dbFile))
	if err != nil {
		logger.Err("Failed to open database: %s\n", err.Error())
		db = nil
		return
	}

	// one writer connection, serialized further up by the event log mutex
	db.SetMaxOpenConns(1)

	if err = createTables(); err != nil {
		logger.Err("Failed to create database tables: %s\n", err.Error())
		db.Close()
		db = nil
		return
	}

	logger.Info("Log store ready: %s\n", dbFile)
}

// Shutdown stops the reports service
func Shutdown() {
	if db != nil {
		db.Close()
		db = nil
	}
}

// IsEnabled returns true while the log store is open
func IsEnabled() bool {
	return db != nil
}

// GetDbFilePath returns the SQLite file path, or empty when the store is disabled
func GetDbFilePath() string {
	if db == nil {
		return ""
	}
	return dbFile
}

// GetStartedUnix returns the service start time in Unix seconds
func GetStartedUnix() int64 {
	return startedUnix
}

func writerDSN(path string) string {
	return "file:" + path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
}

// createTables creates the full schema and upgrades older database files in
// place. Every statement is idempotent, so running against a current schema
// is a no-op.
func createTables() error {
	createStatements := []string{
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_unix INTEGER NOT NULL,
			ts_iso TEXT NOT NULL,
			tag TEXT NOT NULL,
			origin TEXT NOT NULL,
			session INTEGER,
			args_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_ts ON logs(ts_unix)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_tag_ts ON logs(tag, ts_unix)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_session_ts ON logs(session, ts_unix)`,
		`CREATE TABLE IF NOT EXISTS payloads (
			log_id INTEGER PRIMARY KEY,
			payload BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS apdu_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_unix INTEGER NOT NULL,
			direction TEXT NOT NULL,
			cla_ins TEXT,
			header4 TEXT,
			sw TEXT,
			apdu_len INTEGER NOT NULL,
			session INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_apdu_ts ON apdu_events(ts_unix)`,
		`CREATE INDEX IF NOT EXISTS idx_apdu_dir_ts ON apdu_events(direction, ts_unix)`,
		`CREATE INDEX IF NOT EXISTS idx_apdu_cla_ins_ts ON apdu_events(cla_ins, ts_unix)`,
		`CREATE INDEX IF NOT EXISTS idx_apdu_sw_ts ON apdu_events(sw, ts_unix)`,
		`CREATE TABLE IF NOT EXISTS admin_users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			pw_salt BLOB NOT NULL,
			pw_hash BLOB NOT NULL,
			pw_iters INTEGER NOT NULL,
			created_unix INTEGER NOT NULL,
			disabled INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS admin_tokens (
			token_hash BLOB PRIMARY KEY,
			user_id INTEGER NOT NULL,
			created_unix INTEGER NOT NULL,
			expires_unix INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_admin_tokens_user ON admin_tokens(user_id)`,
	}

	for _, statement := range createStatements {
		if _, err := db.Exec(statement); err != nil {
			return err
		}
	}

	return migrateTables()
}

// migrateTables upgrades database files written by earlier versions that
// predate the session and origin/tag columns.
func migrateTables() error {
	logCols, err := tableColumns("logs")
	if err != nil {
		return err
	}
	if !logCols["session"] {
		if _, err := db.Exec(`ALTER TABLE logs ADD COLUMN session INTEGER`); err != nil {
			return err
		}
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_logs_session_ts ON logs(session, ts_unix)`); err != nil {
			return err
		}
	}

	apduCols, err := tableColumns("apdu_events")
	if err != nil {
		return err
	}
	if !apduCols["origin"] {
		if _, err := db.Exec(`ALTER TABLE apdu_events ADD COLUMN origin TEXT`); err != nil {
			return err
		}
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_apdu_origin_ts ON apdu_events(origin, ts_unix)`); err != nil {
			return err
		}
	}
	if !apduCols["tag"] {
		if _, err := db.Exec(`ALTER TABLE apdu_events ADD COLUMN tag TEXT`); err != nil {
			return err
		}
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_apdu_tag_ts ON apdu_events(tag, ts_unix)`); err != nil {
			return err
		}
	}
	if !apduCols["session"] {
		if _, err := db.Exec(`ALTER TABLE apdu_events ADD COLUMN session INTEGER`); err != nil {
			return err
		}
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_apdu_session_ts ON apdu_events(session, ts_unix)`); err != nil {
			return err
		}
	}

	return nil
}

// tableColumns returns the column names of a table as a lookup set
func tableColumns(table string) (map[string]bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name string
		var ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		columns[name] = true
	}

	return columns, rows.Err()
}

// RecordEvent persists one log event, its optional raw payload and its
// optional derived APDU row in a single transaction. Returns the log row id.
// Callers serialize through the event log mutex.
func RecordEvent(rec *EventRecord) (int64, error) {
	if db == nil {
		return 0, ErrNotOpen
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		"INSERT INTO logs (ts_unix, ts_iso, tag, origin, session, args_json) VALUES (?,?,?,?,?,?)",
		rec.TsUnix, rec.TsISO, rec.Tag, rec.Origin, rec.Session, rec.ArgsJSON)
	if err != nil {
		return 0, err
	}

	logID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if rec.Payload != nil {
		_, err = tx.Exec(
			"INSERT OR REPLACE INTO payloads (log_id, payload) VALUES (?,?)",
			logID, rec.Payload)
		if err != nil {
			return 0, err
		}
	}

	if rec.Apdu != nil {
		ap := rec.Apdu
		_, err = tx.Exec(
			"INSERT INTO apdu_events (ts_unix, direction, cla_ins, header4, sw, apdu_len, origin, tag, session) VALUES (?,?,?,?,?,?,?,?,?)",
			ap.TsUnix, ap.Direction, ap.ClaIns, ap.Header4, ap.Sw, ap.ApduLen, ap.Origin, ap.Tag, ap.Session)
		if err != nil {
			return 0, err
		}
	}

	return logID, tx.Commit()
}

// DeleteBefore removes log and APDU rows older than the cutoff, then drops
// payload blobs whose parent log row is gone. Returns the number of rows
// deleted from logs, apdu_events and payloads.
// Callers serialize through the event log mutex.
func DeleteBefore(cutoffUnix float64) (int64, int64, int64, error) {
	if db == nil {
		return 0, 0, 0, ErrNotOpen
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, 0, 0, err
	}
	defer tx.Rollback()

	resLogs, err := tx.Exec("DELETE FROM logs WHERE ts_unix < ?", cutoffUnix)
	if err != nil {
		return 0, 0, 0, err
	}
	resApdu, err := tx.Exec("DELETE FROM apdu_events WHERE ts_unix < ?", cutoffUnix)
	if err != nil {
		return 0, 0, 0, err
	}
	resPayloads, err := tx.Exec("DELETE FROM payloads WHERE log_id NOT IN (SELECT id FROM logs)")
	if err != nil {
		return 0, 0, 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, 0, err
	}

	logsDeleted, _ := resLogs.RowsAffected()
	apduDeleted, _ := resApdu.RowsAffected()
	payloadsDeleted, _ := resPayloads.RowsAffected()
	return logsDeleted, apduDeleted, payloadsDeleted, nil
}
