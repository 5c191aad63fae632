// Package zmqd broadcasts every log event line on a ZeroMQ PUB socket so
// external collectors can follow the relay live. The broadcaster is
// optional; with no publisher spec configured the whole service stays
// inert and Publish is a cheap no-op.
package zmqd

import (
	"sync"

	zmq "github.com/pebbe/zmq4"

	"github.com/nfcgate/relayd/services/logger"
	"github.com/nfcgate/relayd/services/overseer"
	"github.com/nfcgate/relayd/services/settings"
)

var publisher *zmq.Socket
var publisherMutex sync.Mutex

// Startup binds the PUB socket when a publisher spec is configured.
// Failures disable the broadcaster but never stop the daemon.
func Startup() {
	spec := settings.Current().Zmq.Publisher
	if spec == "" {
		return
	}

	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		logger.Warn("Unable to create ZMQ socket: %s\n", err.Error())
		return
	}

	if err := socket.Bind(spec); err != nil {
		logger.Warn("Unable to bind ZMQ publisher %s: %s\n", spec, err.Error())
		socket.Close()
		return
	}

	publisherMutex.Lock()
	publisher = socket
	publisherMutex.Unlock()

	logger.Info("ZMQ publisher bound to %s\n", spec)
}

// Shutdown stops the zmqd service
func Shutdown() {
	publisherMutex.Lock()
	defer publisherMutex.Unlock()

	if publisher != nil {
		publisher.Close()
		publisher = nil
	}
}

// IsEnabled returns true while the broadcaster is bound
func IsEnabled() bool {
	publisherMutex.Lock()
	defer publisherMutex.Unlock()
	return publisher != nil
}

// Publish sends one event line without blocking. Lines nobody can take
// are dropped, which is the PUB socket contract anyway.
func Publish(line string) {
	publisherMutex.Lock()
	defer publisherMutex.Unlock()

	if publisher == nil {
		return
	}

	if _, err := publisher.Send(line, zmq.DONTWAIT); err != nil {
		logger.Debug("ZMQ publish failed: %s\n", err.Error())
		return
	}
	overseer.AddCounter("zmqd_published", 1)
}
