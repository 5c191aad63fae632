package restd

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nfcgate/relayd/services/reports"
)

// Stats bucket limits
const (
	statsDefaultTop = 20
	statsMaxTop     = 200
)

// apduStatsHandler is GET /api/apdu/stats. It aggregates the derived
// apdu_events rows over an inclusive timestamp range: reader command
// buckets by CLA+INS and by full 4-byte header, card response buckets by
// status word, plus a highlight count for the 80CA GET DATA command.
func apduStatsHandler(c *gin.Context) {
	fromUnix, toUnix, ok := exportRange(c)
	if !ok {
		return
	}

	top := clampedIntQuery(c, "top", statsDefaultTop, 1, statsMaxTop)

	stats, err := reports.GetApduStats(fromUnix, toUnix, top, c.Query("tag"), c.Query("origin"), sessionQuery(c))
	if err != nil {
		if errors.Is(err, reports.ErrNotOpen) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": reports.ErrNotOpen.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	commandsReader := make([]gin.H, 0, len(stats.CommandsReader))
	for _, bucket := range stats.CommandsReader {
		commandsReader = append(commandsReader, gin.H{"cla_ins": bucket.Key, "count": bucket.Count})
	}

	commandsHeader4 := make([]gin.H, 0, len(stats.CommandsReaderHeader4))
	for _, bucket := range stats.CommandsReaderHeader4 {
		commandsHeader4 = append(commandsHeader4, gin.H{"header4": bucket.Key, "count": bucket.Count})
	}

	responsesSw := make([]gin.H, 0, len(stats.ResponsesCardSw))
	for _, bucket := range stats.ResponsesCardSw {
		responsesSw = append(responsesSw, gin.H{"sw": bucket.Key, "count": bucket.Count})
	}

	c.JSON(http.StatusOK, gin.H{
		"from":                    c.Query("from"),
		"to":                      c.Query("to"),
		"parsed_apdu":             stats.Total,
		"parse_errors":            0,
		"total_log_rows_scanned":  nil,
		"highlight":               gin.H{"80CA": stats.Highlight80CA},
		"commands_reader":         commandsReader,
		"commands_reader_header4": commandsHeader4,
		"responses_card_sw":       responsesSw,
	})
}
