// Package restd implements the admin HTTP API of the relay daemon. The
// surface is separate from the relay socket: it issues and checks bearer
// tokens, manages admin accounts, serves log tails and exports, APDU
// statistics, health and runtime introspection. The whole service stays
// down when no admin port is configured.
package restd

import (
	"bytes"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/c9s/goprocinfo/linux"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nfcgate/relayd/services/eventlog"
	"github.com/nfcgate/relayd/services/logger"
	"github.com/nfcgate/relayd/services/overseer"
	"github.com/nfcgate/relayd/services/reports"
	"github.com/nfcgate/relayd/services/settings"
)

// serverName identifies this daemon in health responses
const serverName = "nfcgate-logapi"

var engine *gin.Engine
var logsrc = "gin"
var startedUnix int64

// Startup is called to start the rest daemon
func Startup() {
	port := settings.Current().Admin.HTTPPort
	if port == 0 {
		logger.Info("Admin HTTP disabled by configuration\n")
		return
	}

	startedUnix = time.Now().Unix()

	gin.SetMode(gin.ReleaseMode)
	gin.DisableConsoleColor()
	gin.DefaultWriter = logger.NewLogWriter(logsrc)
	gin.DebugPrintRouteFunc = func(httpMethod, absolutePath, handlerName string, nuHandlers int) {
		logger.LogMessageSource(logger.LogLevelDebug, logsrc, "%v %v %v %v\n", httpMethod, absolutePath, handlerName, nuHandlers)
	}

	engine = gin.New()
	engine.Use(ginlogger())
	engine.Use(gin.Recovery())
	engine.Use(addHeaders)

	// public surface
	engine.GET("/api/health", healthHandler)
	engine.GET("/api/auth/status", authStatusHandler)
	engine.POST("/api/auth/bootstrap", authBootstrapHandler)
	engine.POST("/api/auth/login", authLoginHandler)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// everything below requires a valid bearer token
	api := engine.Group("/api")
	api.Use(authRequired())

	api.GET("/admin/users", listUsersHandler)
	api.POST("/admin/users", createUserHandler)
	api.PATCH("/admin/users/:id", updateUserHandler)
	api.DELETE("/admin/users/:id", deleteUserHandler)

	api.GET("/logs/tail", logsTailHandler)
	api.GET("/logs/export", logsExportHandler)
	api.GET("/apdu/stats", apduStatsHandler)

	api.GET("/status/system", statusSystem)
	api.GET("/logger/:source", loggerHandler)
	api.GET("/debug", debugHandler)
	api.POST("/gc", gcHandler)

	address := fmt.Sprintf(":%d", port)
	go engine.Run(address)

	logger.Info("Admin HTTP listening on %s\n", address)
}

// Shutdown restd
func Shutdown() {
}

// addHeaders keeps responses out of every cache between us and the admin
func addHeaders(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Next()
}

func ginlogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger.LogMessageSource(logger.LogLevelDebug, logsrc, "%v %v\n", c.Request.Method, c.Request.RequestURI)
		c.Next()
	}
}

// healthHandler is the public GET /api/health endpoint
func healthHandler(c *gin.Context) {
	cfg := settings.Current()

	response := gin.H{
		"status":            "ok",
		"server":            serverName,
		"db_configured":     reports.IsEnabled(),
		"protobuf_indexing": true,
		"started_unix":      startedUnix,
		"uptime_seconds":    time.Now().Unix() - startedUnix,
		"log_bytes_mode":    eventlog.BytesMode(),
		"db_file_bytes":     nil,
		"counts":            gin.H{"logs": nil, "apdu_events": nil, "payloads": nil},
		"latest":            gin.H{"log_ts_unix": nil, "apdu_ts_unix": nil},
		"retention": gin.H{
			"db_days":       cfg.Retention.DBDays,
			"jsonl_days":    cfg.Retention.JsonlDays,
			"sweep_seconds": cfg.Retention.SweepSeconds,
		},
	}

	if reports.IsEnabled() {
		if counts, err := reports.GetHealthCounts(); err == nil {
			response["db_file_bytes"] = counts.FileBytes
			response["counts"] = gin.H{
				"logs":        counts.Logs,
				"apdu_events": counts.ApduEvents,
				"payloads":    counts.Payloads,
			}
			response["latest"] = gin.H{
				"log_ts_unix":  counts.LatestLogTs,
				"apdu_ts_unix": counts.LatestApduTs,
			}
		}
	}

	c.JSON(http.StatusOK, response)
}

// statusSystem returns a system resource snapshot via /proc
func statusSystem(c *gin.Context) {
	logger.Debug("statusSystem()\n")

	stats := make(map[string]interface{})

	loadAvg, err := linux.ReadLoadAvg("/proc/loadavg")
	if err != nil {
		logger.Warn("Error reading loadavg: %s\n", err.Error())
	} else {
		stats["loadavg"] = loadAvg
	}

	meminfo, err := linux.ReadMemInfo("/proc/meminfo")
	if err != nil {
		logger.Warn("Error reading meminfo: %s\n", err.Error())
	} else {
		stats["meminfo"] = meminfo
	}

	uptime, err := linux.ReadUptime("/proc/uptime")
	if err != nil {
		logger.Warn("Error reading uptime: %s\n", err.Error())
	} else {
		stats["uptime"] = uptime
	}

	diskstats, err := linux.ReadDiskStats("/proc/diskstats")
	if err != nil {
		logger.Warn("Error reading diskstats: %s\n", err.Error())
	} else {
		stats["diskstats"] = diskstats
	}

	c.JSON(http.StatusOK, stats)
}

// loggerHandler handles getting and setting the log level for the different logger sources
func loggerHandler(c *gin.Context) {
	queryStr := c.Param("source")
	if queryStr == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "missing logger source"})
		return
	}

	// split passed query on equal character to get the function arguments
	info := strings.Split(queryStr, "=")

	// we expect either one or two arguments
	if len(info) < 1 || len(info) > 2 {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid logger syntax"})
		return
	}

	// single argument is a level query
	if len(info) == 1 {
		level := logger.SearchSourceLogLevel(info[0])
		if level < 0 {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid log source specified"})
		} else {
			c.JSON(http.StatusOK, gin.H{
				"source": info[0],
				"level":  logger.FindLogLevelName(level),
			})
		}
		return
	}

	// two arguments is a request to adjust the level of a source so
	// start by finding the numeric level for the level name
	setlevel := logger.FindLogLevelValue(info[1])
	if setlevel < 0 {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid log level specified"})
		return
	}

	// set the level for the source
	nowlevel := logger.AdjustSourceLogLevel(info[0], setlevel)

	// return old and new values
	c.JSON(http.StatusOK, gin.H{
		"source":   info[0],
		"oldlevel": logger.FindLogLevelName(nowlevel),
		"newlevel": logger.FindLogLevelName(setlevel),
	})
}

func debugHandler(c *gin.Context) {
	var buffer *bytes.Buffer = new(bytes.Buffer)

	overseer.GenerateReport(buffer)
	buffer.WriteString("<BR><BR>\r\n")
	logger.GenerateReport(buffer)
	c.Data(http.StatusOK, "text/html; charset=utf-8", buffer.Bytes())
}

func gcHandler(c *gin.Context) {
	logger.Info("Calling FreeOSMemory()...\n")
	debug.FreeOSMemory()
}
