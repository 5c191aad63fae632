// Package relay runs the TCP acceptor and the per-client frame loop of
// the relay daemon. Every accepted connection gets its own goroutine that
// reads frames, logs them, keeps the session registry current, runs the
// filter chain and publishes the result to the client's session.
package relay

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/net/netutil"

	"github.com/nfcgate/relayd/services/dispatch"
	"github.com/nfcgate/relayd/services/eventlog"
	"github.com/nfcgate/relayd/services/filter"
	"github.com/nfcgate/relayd/services/kernel"
	"github.com/nfcgate/relayd/services/logger"
	"github.com/nfcgate/relayd/services/overseer"
	"github.com/nfcgate/relayd/services/settings"
)

// readTimeout is the per-frame idle limit on client connections
const readTimeout = 300 * time.Second

var listener net.Listener
var tlsEnabled bool
var tlsCertFile string
var tlsKeyFile string

// SetTLS configures server-side TLS termination. Must be called before
// Startup. Both files are required when enabled.
func SetTLS(enabled bool, certFile string, keyFile string) {
	tlsEnabled = enabled
	tlsCertFile = certFile
	tlsKeyFile = keyFile
}

// Startup opens the relay listener and launches the accept loop. A bad
// TLS configuration is fatal: a relay that silently falls back to
// plaintext would betray its clients.
func Startup() {
	cfg := settings.Current()
	address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	inner, err := net.Listen("tcp", address)
	if err != nil {
		logger.Err("Unable to listen on %s: %s\n", address, err.Error())
		os.Exit(1)
	}

	if cfg.Server.MaxClients > 0 {
		inner = netutil.LimitListener(inner, cfg.Server.MaxClients)
	}

	if tlsEnabled {
		if tlsCertFile == "" || tlsKeyFile == "" {
			logger.Err("TLS requires both a certificate and a key file\n")
			os.Exit(1)
		}
		certificate, err := tls.LoadX509KeyPair(tlsCertFile, tlsKeyFile)
		if err != nil {
			logger.Err("Unable to load TLS certificate: %s\n", err.Error())
			os.Exit(1)
		}
		inner = tls.NewListener(inner, &tls.Config{Certificates: []tls.Certificate{certificate}})
		logger.Info("TLS enabled with certificate %s\n", tlsCertFile)
	}

	listener = inner
	logger.Info("Relay listening on %s\n", address)

	go acceptLoop()

	// close the listener when shutdown starts so Accept unblocks
	go func() {
		<-kernel.GetShutdownChannel()
		listener.Close()
	}()
}

// Shutdown stops the relay service
func Shutdown() {
	if listener != nil {
		listener.Close()
	}
}

func acceptLoop() {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if kernel.GetShutdownFlag() {
				return
			}
			logger.Warn("Accept failed: %s\n", err.Error())
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		overseer.AddCounter("relay_connection", 1)
		go handleClient(conn)
	}
}

// handleClient is the per-connection frame loop. Any read error, timeout
// or protocol-level goodbye ends the loop; the deferred cleanup removes
// the client from its session either way.
func handleClient(conn net.Conn) {
	client := dispatch.NewClient(conn)

	eventlog.Log("server", client.Origin, 0, "connected")

	defer func() {
		conn.Close()
		dispatch.Leave(client, client.Session)
		eventlog.Log("server", client.Origin, 0, "disconnected")
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		frame, err := ReadFrame(conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				eventlog.Log("server", client.Origin, int(client.Session), "Timeout")
			}
			return
		}

		overseer.AddCounter("relay_frame", 1)
		eventlog.Log("server", client.Origin, int(client.Session), "server", "data:", frame.Payload)

		// a zero-length payload is a goodbye, as is a session-zero frame
		// from a client that never joined a session
		if len(frame.Payload) == 0 {
			return
		}
		if frame.Session == 0 && client.Session == 0 {
			return
		}

		if frame.Session != client.Session {
			dispatch.Leave(client, client.Session)
			dispatch.Join(client, frame.Session)
			client.Session = frame.Session
		}

		payloads := filter.Run(client, [][]byte{frame.Payload})
		if len(payloads) == 0 {
			continue
		}

		count := dispatch.Publish(client.Session, payloads, client)
		logger.Debug("Published %d payloads to %s clients\n", len(payloads), strconv.Itoa(count))
	}
}
