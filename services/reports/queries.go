package reports

import (
	"database/sql"
	"fmt"
	"os"
)

// LogRow is one stored event as the query surface returns it. ArgsJSON
// holds the raw stored text; callers decide whether to re-parse it.
type LogRow struct {
	TsUnix   float64
	TsISO    string
	Tag      string
	Origin   string
	Session  *int
	ArgsJSON string
}

// Bucket is one aggregation row of the APDU statistics
type Bucket struct {
	Key   string
	Count int64
}

// ApduStats aggregates the apdu_events table over a time range
type ApduStats struct {
	Total                 int64
	Highlight80CA         int64
	CommandsReader        []Bucket
	CommandsReaderHeader4 []Bucket
	ResponsesCardSw       []Bucket
}

// HealthCounts is the storage snapshot reported by the health endpoint
type HealthCounts struct {
	Logs         int64
	ApduEvents   int64
	Payloads     int64
	LatestLogTs  *float64
	LatestApduTs *float64
	FileBytes    int64
}

// openReader opens a short-lived read-only connection so queries never
// contend with the long-lived writer. The caller closes it.
func openReader(busyMillis int) (*sql.DB, error) {
	if db == nil {
		return nil, ErrNotOpen
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_query_only=1&_busy_timeout=%d", dbFile, busyMillis)
	return sql.Open("sqlite3", dsn)
}

// logFilter builds the optional equality filters shared by tail and export
func logFilter(tag string, origin string, session *int) (string, []interface{}) {
	clause := ""
	var args []interface{}

	if tag != "" {
		clause += " AND tag = ?"
		args = append(args, tag)
	}
	if origin != "" {
		clause += " AND origin = ?"
		args = append(args, origin)
	}
	if session != nil {
		clause += " AND session = ?"
		args = append(args, *session)
	}

	return clause, args
}

// TailLogs returns the most recent rows, newest first, honoring the
// optional equality filters. The caller clamps the limit.
func TailLogs(limit int, tag string, origin string, session *int) ([]*LogRow, error) {
	reader, err := openReader(5000)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	clause, filterArgs := logFilter(tag, origin, session)
	query := "SELECT ts_unix, ts_iso, tag, origin, session, args_json FROM logs WHERE 1=1" +
		clause + " ORDER BY ts_unix DESC, id DESC LIMIT ?"
	filterArgs = append(filterArgs, limit)

	rows, err := reader.Query(query, filterArgs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectLogRows(rows)
}

// StreamLogs walks rows inside the inclusive timestamp range in ascending
// order, invoking fn once per row. The first fn error stops the walk.
func StreamLogs(fromUnix float64, toUnix float64, tag string, origin string, session *int, fn func(*LogRow) error) error {
	reader, err := openReader(10000)
	if err != nil {
		return err
	}
	defer reader.Close()

	clause, filterArgs := logFilter(tag, origin, session)
	query := "SELECT ts_unix, ts_iso, tag, origin, session, args_json FROM logs WHERE ts_unix >= ? AND ts_unix <= ?" +
		clause + " ORDER BY ts_unix ASC, id ASC"
	args := append([]interface{}{fromUnix, toUnix}, filterArgs...)

	rows, err := reader.Query(query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		row, err := scanLogRow(rows)
		if err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}

	return rows.Err()
}

func collectLogRows(rows *sql.Rows) ([]*LogRow, error) {
	var collected []*LogRow
	for rows.Next() {
		row, err := scanLogRow(rows)
		if err != nil {
			return nil, err
		}
		collected = append(collected, row)
	}
	return collected, rows.Err()
}

func scanLogRow(rows *sql.Rows) (*LogRow, error) {
	row := &LogRow{}
	var session sql.NullInt64
	if err := rows.Scan(&row.TsUnix, &row.TsISO, &row.Tag, &row.Origin, &session, &row.ArgsJSON); err != nil {
		return nil, err
	}
	if session.Valid {
		value := int(session.Int64)
		row.Session = &value
	}
	return row, nil
}

// GetApduStats aggregates the apdu_events table over the inclusive range.
// Buckets exclude NULL keys and are ordered by descending count.
func GetApduStats(fromUnix float64, toUnix float64, top int, tag string, origin string, session *int) (*ApduStats, error) {
	reader, err := openReader(5000)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	clause, filterArgs := logFilter(tag, origin, session)
	rangeArgs := append([]interface{}{fromUnix, toUnix}, filterArgs...)

	stats := &ApduStats{}

	err = reader.QueryRow(
		"SELECT COUNT(*) FROM apdu_events WHERE ts_unix >= ? AND ts_unix <= ?"+clause,
		rangeArgs...).Scan(&stats.Total)
	if err != nil {
		return nil, err
	}

	err = reader.QueryRow(
		"SELECT COUNT(*) FROM apdu_events WHERE ts_unix >= ? AND ts_unix <= ?"+clause+
			" AND direction = 'R' AND cla_ins = '80CA'",
		rangeArgs...).Scan(&stats.Highlight80CA)
	if err != nil {
		return nil, err
	}

	if stats.CommandsReader, err = topBuckets(reader, "cla_ins", "R", rangeArgs, clause, top); err != nil {
		return nil, err
	}
	if stats.CommandsReaderHeader4, err = topBuckets(reader, "header4", "R", rangeArgs, clause, top); err != nil {
		return nil, err
	}
	if stats.ResponsesCardSw, err = topBuckets(reader, "sw", "C", rangeArgs, clause, top); err != nil {
		return nil, err
	}

	return stats, nil
}

func topBuckets(reader *sql.DB, column string, direction string, rangeArgs []interface{}, clause string, top int) ([]Bucket, error) {
	query := fmt.Sprintf(
		"SELECT %s, COUNT(*) AS n FROM apdu_events WHERE ts_unix >= ? AND ts_unix <= ?%s"+
			" AND direction = '%s' AND %s IS NOT NULL GROUP BY %s ORDER BY n DESC LIMIT ?",
		column, clause, direction, column, column)
	args := append(append([]interface{}{}, rangeArgs...), top)

	rows, err := reader.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buckets := make([]Bucket, 0, top)
	for rows.Next() {
		var bucket Bucket
		if err := rows.Scan(&bucket.Key, &bucket.Count); err != nil {
			return nil, err
		}
		buckets = append(buckets, bucket)
	}

	return buckets, rows.Err()
}

// GetHealthCounts snapshots row counts, latest timestamps and the file
// size for the health endpoint
func GetHealthCounts() (*HealthCounts, error) {
	reader, err := openReader(2000)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	counts := &HealthCounts{}

	if err := reader.QueryRow("SELECT COUNT(*) FROM logs").Scan(&counts.Logs); err != nil {
		return nil, err
	}
	if err := reader.QueryRow("SELECT COUNT(*) FROM apdu_events").Scan(&counts.ApduEvents); err != nil {
		return nil, err
	}
	if err := reader.QueryRow("SELECT COUNT(*) FROM payloads").Scan(&counts.Payloads); err != nil {
		return nil, err
	}

	var latest sql.NullFloat64
	if err := reader.QueryRow("SELECT MAX(ts_unix) FROM logs").Scan(&latest); err != nil {
		return nil, err
	}
	if latest.Valid {
		value := latest.Float64
		counts.LatestLogTs = &value
	}

	latest = sql.NullFloat64{}
	if err := reader.QueryRow("SELECT MAX(ts_unix) FROM apdu_events").Scan(&latest); err != nil {
		return nil, err
	}
	if latest.Valid {
		value := latest.Float64
		counts.LatestApduTs = &value
	}

	if info, err := os.Stat(dbFile); err == nil {
		counts.FileBytes = info.Size()
	}

	return counts, nil
}
