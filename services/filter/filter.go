// Package filter holds the plugin chain applied to every inbound frame
// before fan-out. Plugins register a handler under their name during
// PluginStartup; the chain order comes from the command line. Handlers
// see the first payload of the upstream result and may replace it, expand
// it into several payloads or drop the frame entirely.
package filter

import (
	"sync"

	"github.com/nfcgate/relayd/services/dispatch"
	"github.com/nfcgate/relayd/services/eventlog"
	"github.com/nfcgate/relayd/services/logger"
)

// LogFunc lets a handler emit events tagged with its plugin name and the
// originating client
type LogFunc func(args ...interface{})

// Handler is the filter capability a plugin registers. It receives the
// first payload about to be relayed and the client's scratch state, and
// returns the replacement payloads. Returning nil drops the frame.
type Handler func(logf LogFunc, payload []byte, state map[string]interface{}) [][]byte

type registration struct {
	name    string
	handler Handler
}

var registry = make(map[string]Handler)
var registryMutex sync.Mutex
var chain []registration

// Startup starts the filter service
func Startup() {
	chain = nil
}

// Shutdown stops the filter service
func Shutdown() {
	chain = nil
}

// Register adds a named filter capability. Plugins call this from their
// PluginStartup.
func Register(name string, handler Handler) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if _, found := registry[name]; found {
		logger.Warn("Duplicate filter registration: %s\n", name)
	}
	registry[name] = handler
}

// SetChain fixes the invocation order from the plugin name list. Unknown
// names are fatal for the caller, so they are all reported at once.
func SetChain(names []string) []string {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	var unknown []string
	chain = make([]registration, 0, len(names))
	for _, name := range names {
		handler, found := registry[name]
		if !found {
			unknown = append(unknown, name)
			continue
		}
		chain = append(chain, registration{name: name, handler: handler})
	}

	return unknown
}

// ChainNames returns the active chain in invocation order
func ChainNames() []string {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	names := make([]string, 0, len(chain))
	for _, reg := range chain {
		names = append(names, reg.name)
	}
	return names
}

// Run passes the payload list through the chain. Each handler acts on the
// first element only; its result replaces that element and any remaining
// elements pass through untouched. A handler panic drops out of the chain
// but never kills the connection.
func Run(client *dispatch.Client, payloads [][]byte) [][]byte {
	registryMutex.Lock()
	active := chain
	registryMutex.Unlock()

	for _, reg := range active {
		if len(payloads) == 0 {
			break
		}
		payloads = invoke(reg, client, payloads)
	}

	return payloads
}

func invoke(reg registration, client *dispatch.Client, payloads [][]byte) (result [][]byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Filter %s panic: %v\n", reg.name, r)
			result = payloads
		}
	}()

	logf := func(args ...interface{}) {
		eventlog.Log(reg.name, client.Origin, int(client.Session), args...)
	}

	replacement := reg.handler(logf, payloads[0], client.State)
	if replacement == nil {
		return payloads[1:]
	}
	return append(replacement, payloads[1:]...)
}
