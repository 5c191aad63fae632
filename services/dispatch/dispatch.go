// Package dispatch maintains the session registry of the relay daemon.
// A session is an ephemeral group of connected clients identified by a
// single byte. Frames published to a session are fanned out to every
// member except the sender. Sessions appear when the first client joins
// and vanish when the last one leaves.
package dispatch

import (
	"encoding/binary"
	"net"
	"strconv"
	"sync"

	"github.com/nfcgate/relayd/services/eventlog"
	"github.com/nfcgate/relayd/services/logger"
	"github.com/nfcgate/relayd/services/overseer"
)

// Client represents one connected relay client. The reader goroutine owns
// Session; State is a scratch area shared with the filter plugins.
type Client struct {
	Conn    net.Conn
	Origin  string
	Session uint8
	State   map[string]interface{}

	// writeMutex keeps output frames from interleaving when several
	// publishers write to the same client
	writeMutex sync.Mutex
}

// NewClient wraps an accepted connection
func NewClient(conn net.Conn) *Client {
	client := &Client{
		Conn:   conn,
		Origin: conn.RemoteAddr().String(),
		State:  make(map[string]interface{}),
	}
	// plugins only see the scratch state, so the origin rides along
	client.State["origin"] = client.Origin
	return client
}

// WriteFrame sends one payload to the client in the server output format:
// a 4-byte big-endian length followed by the payload bytes.
func (c *Client) WriteFrame(payload []byte) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := c.Conn.Write(header); err != nil {
		return err
	}
	_, err := c.Conn.Write(payload)
	return err
}

var sessionTable map[uint8][]*Client
var sessionMutex sync.Mutex

// Startup starts the dispatch service
func Startup() {
	sessionTable = make(map[uint8][]*Client)
}

// Shutdown stops the dispatch service
func Shutdown() {
	sessionMutex.Lock()
	sessionTable = make(map[uint8][]*Client)
	sessionMutex.Unlock()
}

// Join adds a client to a session, creating the session on first join.
// Joining a session the client is already a member of is a no-op.
// Session zero means "no session" and is never registered.
func Join(client *Client, session uint8) {
	if session == 0 {
		return
	}

	sessionMutex.Lock()
	members := sessionTable[session]
	for _, member := range members {
		if member == client {
			sessionMutex.Unlock()
			return
		}
	}
	sessionTable[session] = append(members, client)
	sessionMutex.Unlock()

	overseer.AddCounter("dispatch_session_join", 1)
	eventlog.Log("server", client.Origin, int(session), "joined session", strconv.Itoa(int(session)))
}

// Leave removes a client from a session and discards the session when it
// empties. Leaving a session the client is not a member of is a no-op, so
// concurrent removers are harmless.
func Leave(client *Client, session uint8) {
	if session == 0 {
		return
	}

	sessionMutex.Lock()
	members, found := sessionTable[session]
	if !found {
		sessionMutex.Unlock()
		return
	}

	index := -1
	for i, member := range members {
		if member == client {
			index = i
			break
		}
	}
	if index < 0 {
		sessionMutex.Unlock()
		return
	}

	members = append(members[:index], members[index+1:]...)
	if len(members) == 0 {
		delete(sessionTable, session)
	} else {
		sessionTable[session] = members
	}
	sessionMutex.Unlock()

	overseer.AddCounter("dispatch_session_leave", 1)
	eventlog.Log("server", client.Origin, int(session), "left session", strconv.Itoa(int(session)))
}

// Publish writes every payload to every session member except the origin
// client, in join order. Write failures are logged and otherwise ignored;
// the reader goroutine of a dead peer owns its membership. Returns the
// number of receiving clients.
func Publish(session uint8, payloads [][]byte, origin *Client) int {
	sessionMutex.Lock()
	members, found := sessionTable[session]
	if !found {
		sessionMutex.Unlock()
		return 0
	}
	receivers := make([]*Client, 0, len(members))
	for _, member := range members {
		if member != origin {
			receivers = append(receivers, member)
		}
	}
	sessionMutex.Unlock()

	for _, receiver := range receivers {
		for _, payload := range payloads {
			if err := receiver.WriteFrame(payload); err != nil {
				logger.Debug("Failed to write frame to %s: %s\n", receiver.Origin, err.Error())
				break
			}
		}
	}

	overseer.AddCounter("dispatch_publish_frame", uint64(len(payloads)))
	eventlog.Log("server", "0", 0, "Publish reached "+strconv.Itoa(len(receivers))+" clients")
	return len(receivers)
}

// SessionCount returns the number of live sessions
func SessionCount() int {
	sessionMutex.Lock()
	defer sessionMutex.Unlock()
	return len(sessionTable)
}

// MemberCount returns the number of clients in a session
func MemberCount(session uint8) int {
	sessionMutex.Lock()
	defer sessionMutex.Unlock()
	return len(sessionTable[session])
}
