// Package example is a pass-through filter template. Copy it to start a
// new plugin.
package example

import (
	"github.com/nfcgate/relayd/services/filter"
	"github.com/nfcgate/relayd/services/logger"
)

const pluginName = "example"

// PluginStartup function is called to allow plugin specific initialization.
func PluginStartup() {
	logger.Info("PluginStartup(%s) has been called\n", pluginName)
	filter.Register(pluginName, handleData)
}

// PluginShutdown function called when the daemon is shutting down.
func PluginShutdown() {
	logger.Info("PluginShutdown(%s) has been called\n", pluginName)
}

// handleData receives each payload about to be relayed and returns it
// untouched. A real plugin would inspect or rewrite the bytes here, or
// return nil to drop the frame.
func handleData(logf filter.LogFunc, payload []byte, state map[string]interface{}) [][]byte {
	logger.Debug("Relaying %d bytes\n", len(payload))
	return [][]byte{payload}
}
