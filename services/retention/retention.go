// Package retention ages out old log data. One background task deletes
// expired log store rows and removes whole month directories from the
// JSONL tree. The task runs on its own schedule and takes the event log
// mutex only around the database delete, so it never stalls relay I/O.
package retention

import (
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/nfcgate/relayd/services/eventlog"
	"github.com/nfcgate/relayd/services/kernel"
	"github.com/nfcgate/relayd/services/logger"
	"github.com/nfcgate/relayd/services/overseer"
	"github.com/nfcgate/relayd/services/reports"
	"github.com/nfcgate/relayd/services/settings"
)

// warmupDelay keeps the first sweep away from service startup
const warmupDelay = 5 * time.Second

var monthDirPattern = regexp.MustCompile(`^(\d{4})-(\d{2})$`)

var shutdownSweeperTask = make(chan bool)
var running bool

// Startup launches the sweeper when any retention setting is active
func Startup() {
	cfg := settings.Current()

	dbActive := cfg.Retention.DBDays > 0 && reports.IsEnabled()
	fileActive := cfg.Retention.JsonlDays > 0

	if !dbActive && !fileActive {
		logger.Info("Retention disabled\n")
		return
	}

	logger.Info("Retention enabled: db_days=%d jsonl_days=%d sweep_seconds=%d\n",
		cfg.Retention.DBDays, cfg.Retention.JsonlDays, cfg.Retention.SweepSeconds)

	running = true
	go sweeperTask(cfg.Retention.DBDays, cfg.Retention.JsonlDays,
		time.Duration(cfg.Retention.SweepSeconds)*time.Second, cfg.Log.Dir)
}

// Shutdown stops the retention service
func Shutdown() {
	if !running {
		return
	}
	running = false

	select {
	case shutdownSweeperTask <- true:
	case <-time.After(10 * time.Second):
		logger.Err("Failed to properly shutdown sweeperTask\n")
	}
}

func sweeperTask(dbDays int, jsonlDays int, interval time.Duration, logDir string) {
	select {
	case <-shutdownSweeperTask:
		return
	case <-kernel.GetShutdownChannel():
		return
	case <-time.After(warmupDelay):
	}

	for {
		sweep(time.Now(), dbDays, jsonlDays, logDir)

		select {
		case <-shutdownSweeperTask:
			return
		case <-kernel.GetShutdownChannel():
			return
		case <-time.After(interval):
		}
	}
}

// sweep performs one retention pass. Failures are logged and swallowed;
// the next pass gets another chance.
func sweep(now time.Time, dbDays int, jsonlDays int, logDir string) {
	overseer.AddCounter("retention_sweep", 1)

	if dbDays > 0 && reports.IsEnabled() {
		cutoff := float64(now.Unix()) - float64(dbDays)*86400
		eventlog.Locked(func() {
			logsDeleted, apduDeleted, payloadsDeleted, err := reports.DeleteBefore(cutoff)
			if err != nil {
				logger.Warn("Retention delete failed: %s\n", err.Error())
				return
			}
			if logsDeleted+apduDeleted+payloadsDeleted > 0 {
				logger.Info("Retention removed %d log, %d apdu, %d payload rows\n",
					logsDeleted, apduDeleted, payloadsDeleted)
			}
		})
	}

	if jsonlDays > 0 {
		cutoff := now.UTC().Add(-time.Duration(jsonlDays) * 24 * time.Hour)
		sweepMonthDirs(logDir, cutoff)
	}
}

// sweepMonthDirs removes every <log_dir>/YYYY-MM directory whose last
// second lies strictly before the cutoff
func sweepMonthDirs(logDir string, cutoff time.Time) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		end, ok := monthEnd(entry.Name())
		if !ok || !end.Before(cutoff) {
			continue
		}

		target := filepath.Join(logDir, entry.Name())
		if err := os.RemoveAll(target); err != nil {
			logger.Warn("Retention failed to remove %s: %s\n", target, err.Error())
		} else {
			logger.Info("Retention removed %s\n", target)
		}
	}
}

// monthEnd parses a YYYY-MM directory name and returns the final second
// of that month in UTC
func monthEnd(name string) (time.Time, bool) {
	if !monthDirPattern.MatchString(name) {
		return time.Time{}, false
	}

	start, err := time.Parse("2006-01", name)
	if err != nil {
		return time.Time{}, false
	}

	return start.AddDate(0, 1, 0).Add(-time.Second), true
}
