// Package geoip annotates each relay client with the country its address
// resolves to in a MaxMind database. The country lands in the client's
// scratch state where other plugins can read it. Without a configured
// database the plugin registers but stays inert.
package geoip

import (
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/nfcgate/relayd/services/filter"
	"github.com/nfcgate/relayd/services/logger"
	"github.com/nfcgate/relayd/services/settings"
)

const pluginName = "geoip"

var geodb *geoip2.Reader

// PluginStartup is called to allow plugin specific initialization. We
// open the configured MaxMind database and register our filter handler.
func PluginStartup() {
	logger.Info("PluginStartup(%s) has been called\n", pluginName)

	filename := settings.Current().Geoip.DB
	if filename == "" {
		logger.Info("No GeoIP database configured\n")
	} else {
		db, err := geoip2.Open(filename)
		if err != nil {
			logger.Warn("Unable to load GeoIP Database: %s\n", err)
		} else {
			logger.Info("Loading GeoIP Database: %s\n", filename)
			geodb = db
		}
	}

	filter.Register(pluginName, handleData)
}

// PluginShutdown is called when the daemon is shutting down. We close our
// GeoIP database.
func PluginShutdown() {
	logger.Info("PluginShutdown(%s) has been called\n", pluginName)
	if geodb != nil {
		geodb.Close()
	}
}

// handleData resolves the client country on the first frame and caches it
// in the scratch state. The payload always passes through untouched.
func handleData(logf filter.LogFunc, payload []byte, state map[string]interface{}) [][]byte {
	result := [][]byte{payload}

	if geodb == nil {
		return result
	}
	if _, done := state["country"]; done {
		return result
	}

	country := lookupCountry(state)
	state["country"] = country
	logf("client country:", country)

	return result
}

func lookupCountry(state map[string]interface{}) string {
	origin, _ := state["origin"].(string)
	host, _, err := net.SplitHostPort(origin)
	if err != nil {
		host = origin
	}

	address := net.ParseIP(host)
	if address == nil {
		return "XX"
	}

	record, err := geodb.Country(address)
	if err != nil || record.Country.IsoCode == "" {
		return "XX"
	}

	logger.Debug("GeoIP %v = %s\n", address, record.Country.IsoCode)
	return record.Country.IsoCode
}
