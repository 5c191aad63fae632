// Package stats tracks per-client traffic statistics: moving averages of
// frame size and inter-frame interval. Every summaryInterval frames the
// plugin emits a summary event for that client.
package stats

import (
	"fmt"
	"time"

	"github.com/nfcgate/relayd/services/filter"
	"github.com/nfcgate/relayd/services/logger"
)

const pluginName = "stats"

// summaryInterval is the number of frames between summary events
const summaryInterval = 100

// windowSize is the depth of the moving average buffers
const windowSize = 1000

type clientStats struct {
	frameCount  int64
	lastFrame   time.Time
	sizeAvg     *MovingAverage
	intervalAvg *MovingAverage
}

// PluginStartup function is called to allow plugin specific initialization.
func PluginStartup() {
	logger.Info("PluginStartup(%s) has been called\n", pluginName)
	filter.Register(pluginName, handleData)
}

// PluginShutdown function called when the daemon is shutting down.
func PluginShutdown() {
	logger.Info("PluginShutdown(%s) has been called\n", pluginName)
}

// handleData updates the client's statistics and passes the payload
// through untouched
func handleData(logf filter.LogFunc, payload []byte, state map[string]interface{}) [][]byte {
	tracker, found := state["stats"].(*clientStats)
	if !found {
		tracker = &clientStats{
			sizeAvg:     CreateMovingAverage(windowSize),
			intervalAvg: CreateMovingAverage(windowSize),
		}
		state["stats"] = tracker
	}

	now := time.Now()
	tracker.sizeAvg.AddValue(int64(len(payload)))
	if !tracker.lastFrame.IsZero() {
		tracker.intervalAvg.AddValue(now.Sub(tracker.lastFrame).Nanoseconds())
	}
	tracker.lastFrame = now
	tracker.frameCount++

	if tracker.frameCount%summaryInterval == 0 {
		logf("frames:", fmt.Sprintf("%d", tracker.frameCount),
			"avg_size:", fmt.Sprintf("%d", tracker.sizeAvg.GetTotalAverage()),
			"avg_interval:", time.Duration(tracker.intervalAvg.GetTotalAverage()).String())
	}

	return [][]byte{payload}
}
