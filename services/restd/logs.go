package restd

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nfcgate/relayd/services/logger"
	"github.com/nfcgate/relayd/services/reports"
)

// Tail limits
const (
	tailDefaultLimit = 200
	tailMaxLimit     = 1000
)

// timestampLayouts are the accepted ISO-8601 shapes for from/to query
// parameters; a timestamp without zone information is read as UTC
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTimestamp turns a query parameter into Unix seconds
func parseTimestamp(value string) (float64, error) {
	if value == "" {
		return 0, errors.New("missing datetime")
	}

	for _, layout := range timestampLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return float64(parsed.UnixNano()) / 1e9, nil
		}
	}

	return 0, fmt.Errorf("invalid datetime: %s", value)
}

// clampedIntQuery reads an integer query parameter with a default and an
// inclusive range; non-numeric values fall back to the default
func clampedIntQuery(c *gin.Context, name string, fallback int, min int, max int) int {
	value, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return fallback
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// sessionQuery reads the optional session filter; non-numeric values are
// ignored
func sessionQuery(c *gin.Context) *int {
	value, err := strconv.Atoi(c.Query("session"))
	if err != nil {
		return nil
	}
	return &value
}

// rowToObject builds the wire shape of one log row, re-parsing the stored
// args JSON. Unparsable args degrade to an empty array.
func rowToObject(row *reports.LogRow) gin.H {
	var args []interface{}
	if err := json.Unmarshal([]byte(row.ArgsJSON), &args); err != nil {
		args = []interface{}{}
	}

	return gin.H{
		"ts":      row.TsISO,
		"tag":     row.Tag,
		"origin":  row.Origin,
		"session": row.Session,
		"args":    args,
	}
}

// logsTailHandler is GET /api/logs/tail
func logsTailHandler(c *gin.Context) {
	limit := clampedIntQuery(c, "limit", tailDefaultLimit, 1, tailMaxLimit)

	rows, err := reports.TailLogs(limit, c.Query("tag"), c.Query("origin"), sessionQuery(c))
	if err != nil {
		if errors.Is(err, reports.ErrNotOpen) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": reports.ErrNotOpen.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	objects := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		objects = append(objects, rowToObject(row))
	}

	c.JSON(http.StatusOK, gin.H{"rows": objects})
}

// exportRange parses and validates the from/to parameters shared by the
// export and stats endpoints
func exportRange(c *gin.Context) (float64, float64, bool) {
	fromUnix, err := parseTimestamp(c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return 0, 0, false
	}
	toUnix, err := parseTimestamp(c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return 0, 0, false
	}
	if toUnix < fromUnix {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must be >= from"})
		return 0, 0, false
	}
	return fromUnix, toUnix, true
}

// logsExportHandler is GET /api/logs/export. Rows stream in ascending
// timestamp order as JSONL or CSV; mid-stream failures stop the stream
// silently because the status line is long gone.
func logsExportHandler(c *gin.Context) {
	if !reports.IsEnabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": reports.ErrNotOpen.Error()})
		return
	}

	fromUnix, toUnix, ok := exportRange(c)
	if !ok {
		return
	}

	format := c.DefaultQuery("format", "jsonl")
	if format != "jsonl" && format != "csv" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "format must be jsonl or csv"})
		return
	}

	filename := fmt.Sprintf("logs_%s_%s.%s",
		strings.ReplaceAll(c.Query("from"), ":", "-"),
		strings.ReplaceAll(c.Query("to"), ":", "-"),
		format)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	tag := c.Query("tag")
	origin := c.Query("origin")
	session := sessionQuery(c)

	var streamErr error
	if format == "csv" {
		c.Header("Content-Type", "text/csv; charset=utf-8")
		writer := csv.NewWriter(c.Writer)
		writer.Write([]string{"ts", "tag", "origin", "session", "args"})

		streamErr = reports.StreamLogs(fromUnix, toUnix, tag, origin, session, func(row *reports.LogRow) error {
			sessionField := ""
			if row.Session != nil {
				sessionField = strconv.Itoa(*row.Session)
			}
			return writer.Write([]string{row.TsISO, row.Tag, row.Origin, sessionField, row.ArgsJSON})
		})
		writer.Flush()
	} else {
		c.Header("Content-Type", "application/x-ndjson; charset=utf-8")
		encoder := json.NewEncoder(c.Writer)

		streamErr = reports.StreamLogs(fromUnix, toUnix, tag, origin, session, func(row *reports.LogRow) error {
			return encoder.Encode(gin.H{
				"ts":      row.TsISO,
				"tag":     row.Tag,
				"origin":  row.Origin,
				"session": row.Session,
				"args":    json.RawMessage(row.ArgsJSON),
			})
		})
	}

	if streamErr != nil {
		logger.Warn("Log export aborted: %s\n", streamErr.Error())
	}
}
