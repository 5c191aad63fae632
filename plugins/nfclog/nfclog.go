// Package nfclog is a wiretap filter. It decodes every relayed frame as
// an NFC message and logs a readable line with the direction, the data
// type and the raw APDU, without modifying the traffic.
package nfclog

import (
	"github.com/nfcgate/relayd/services/filter"
	"github.com/nfcgate/relayd/services/logger"
	"github.com/nfcgate/relayd/services/nfcproto"
)

const pluginName = "log"

// PluginStartup function is called to allow plugin specific initialization.
func PluginStartup() {
	logger.Info("PluginStartup(%s) has been called\n", pluginName)
	filter.Register(pluginName, handleData)
}

// PluginShutdown function called when the daemon is shutting down.
func PluginShutdown() {
	logger.Info("PluginShutdown(%s) has been called\n", pluginName)
}

// handleData logs the decoded frame and passes it through. Frames that do
// not decode as NFC messages stay silent; a relay carries plenty of them.
func handleData(logf filter.LogFunc, payload []byte, state map[string]interface{}) [][]byte {
	result := [][]byte{payload}

	envelope, err := nfcproto.ParseServerData(payload)
	if err != nil || len(envelope.Data) == 0 {
		return result
	}

	message, err := nfcproto.ParseNFCData(envelope.Data)
	if err != nil || len(message.Data) == 0 {
		return result
	}

	logf(nfcproto.SourceName(message.DataSource),
		nfcproto.TypeName(message.DataType),
		message.Data)

	return result
}
