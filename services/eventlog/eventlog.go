// Package eventlog is the structured event pipeline of the relay daemon.
// Every event is rendered to the console, persisted to the log store with
// its optional raw payload and derived APDU row, appended to the monthly
// JSONL file and offered to the ZeroMQ broadcaster. A single mutex
// serializes the store and file writes so events land everywhere in the
// same order. Persistence failures never propagate to the caller; the
// relay must keep moving traffic when the log store is sick.
package eventlog

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nfcgate/relayd/services/apdu"
	"github.com/nfcgate/relayd/services/logger"
	"github.com/nfcgate/relayd/services/overseer"
	"github.com/nfcgate/relayd/services/reports"
	"github.com/nfcgate/relayd/services/settings"
	"github.com/nfcgate/relayd/services/zmqd"
)

// Byte redaction modes
const (
	ModeFull   = "full"
	ModeRedact = "redact"
	ModeNone   = "none"
)

// redactHeadTail is the number of bytes kept at each end in redact mode
const redactHeadTail = 8

// BlobDescriptor replaces a byte argument in the persisted args array.
// The populated fields depend on the redaction mode.
type BlobDescriptor struct {
	Type string `json:"type"`
	Len  int    `json:"len"`
	Hex  string `json:"hex,omitempty"`
	Head string `json:"head,omitempty"`
	Tail string `json:"tail,omitempty"`
}

// fileEvent is the JSONL schema of the monthly log files. The export
// endpoint emits the same shape.
type fileEvent struct {
	Ts      string        `json:"ts"`
	Tag     string        `json:"tag"`
	Origin  string        `json:"origin"`
	Session *int          `json:"session"`
	Args    []interface{} `json:"args"`
}

var logMutex sync.Mutex
var bytesMode string
var logDir string

// Startup starts the event log service
func Startup() {
	cfg := settings.Current()
	bytesMode = cfg.Log.Bytes
	logDir = cfg.Log.Dir

	if err := os.MkdirAll(logDir, 0755); err != nil {
		logger.Err("Unable to create log directory %s: %s\n", logDir, err.Error())
	}

	logger.Info("Event log ready: dir=%s bytes=%s\n", logDir, bytesMode)
}

// Shutdown stops the event log service
func Shutdown() {
}

// BytesMode returns the active payload redaction mode
func BytesMode() string {
	return bytesMode
}

// Locked runs fn while holding the event log mutex. The retention sweeper
// uses this so its deletes never race an in-flight insert.
func Locked(fn func()) {
	logMutex.Lock()
	defer logMutex.Unlock()
	fn()
}

// Log records one event. Args may be strings or byte slices; anything else
// must be stringified by the caller. Session zero means "no session".
func Log(tag string, origin string, session int, args ...interface{}) {
	now := time.Now().UTC()
	tsUnix := float64(now.UnixNano()) / 1e9
	tsISO := now.Format("2006-01-02T15:04:05.000000")

	rendered := transformArgs(args)
	writeConsole(tsISO, tag, origin, rendered)

	var sessionPtr *int
	if session != 0 {
		s := session
		sessionPtr = &s
	}

	argsJSON, err := json.Marshal(rendered)
	if err != nil {
		logger.Warn("Unable to encode log args: %s\n", err.Error())
		return
	}

	payload, isServerData := serverDataPayload(tag, args)

	record := &reports.EventRecord{
		TsUnix:   tsUnix,
		TsISO:    tsISO,
		Tag:      tag,
		Origin:   origin,
		Session:  sessionPtr,
		ArgsJSON: string(argsJSON),
	}

	if isServerData {
		if bytesMode != ModeFull {
			record.Payload = payload
		}
		record.Apdu = apdu.Extract(tsUnix, tag, origin, sessionPtr, payload)
	}

	line := fileEvent{
		Ts:      tsISO,
		Tag:     tag,
		Origin:  origin,
		Session: sessionPtr,
		Args:    rendered,
	}

	logMutex.Lock()
	if reports.IsEnabled() {
		if _, err := reports.RecordEvent(record); err != nil {
			logger.Warn("Unable to persist log event: %s\n", err.Error())
		} else {
			overseer.AddCounter("eventlog_row", 1)
			if record.Apdu != nil {
				overseer.AddCounter("eventlog_apdu_row", 1)
			}
		}
	}
	appendMonthlyFile(now, &line)
	logMutex.Unlock()

	if zmqd.IsEnabled() {
		if encoded, err := json.Marshal(&line); err == nil {
			zmqd.Publish(string(encoded))
		}
	}
}

// serverDataPayload recognizes the relay's inbound frame events and
// returns the raw frame bytes
func serverDataPayload(tag string, args []interface{}) ([]byte, bool) {
	if tag != "server" || len(args) < 3 {
		return nil, false
	}
	if first, ok := args[0].(string); !ok || first != "server" {
		return nil, false
	}
	if second, ok := args[1].(string); !ok || second != "data:" {
		return nil, false
	}
	payload, ok := args[2].([]byte)
	return payload, ok
}

// transformArgs converts the raw argument list to its persisted form:
// strings pass through and byte slices become blob descriptors
func transformArgs(args []interface{}) []interface{} {
	rendered := make([]interface{}, 0, len(args))
	for _, arg := range args {
		switch value := arg.(type) {
		case []byte:
			rendered = append(rendered, describeBlob(value))
		case string:
			rendered = append(rendered, value)
		default:
			rendered = append(rendered, fmt.Sprintf("%v", value))
		}
	}
	return rendered
}

// describeBlob builds the descriptor for a byte argument per the active
// redaction mode
func describeBlob(blob []byte) *BlobDescriptor {
	desc := &BlobDescriptor{Type: "bytes", Len: len(blob)}

	switch bytesMode {
	case ModeFull:
		desc.Hex = hex.EncodeToString(blob)
	case ModeRedact:
		head := blob
		if len(head) > redactHeadTail {
			head = head[:redactHeadTail]
		}
		desc.Head = hex.EncodeToString(head)
		if len(blob) > redactHeadTail {
			desc.Tail = hex.EncodeToString(blob[len(blob)-redactHeadTail:])
		}
	}

	return desc
}

func writeConsole(tsISO string, tag string, origin string, rendered []interface{}) {
	parts := make([]string, 0, len(rendered))
	for _, arg := range rendered {
		switch value := arg.(type) {
		case string:
			parts = append(parts, value)
		case *BlobDescriptor:
			encoded, err := json.Marshal(value)
			if err != nil {
				parts = append(parts, fmt.Sprintf("bytes[%d]", value.Len))
				continue
			}
			parts = append(parts, string(encoded))
		}
	}

	logger.LogMessageSource(logger.LogLevelInfo, tag, "%s [%s] %s %s\n", tsISO, tag, origin, strings.Join(parts, " "))
}

// appendMonthlyFile adds the event to <log_dir>/YYYY-MM/YYYY-MM.jsonl,
// creating the month directory on demand. Failures are swallowed.
// Callers hold the event log mutex.
func appendMonthlyFile(now time.Time, line *fileEvent) {
	month := now.Format("2006-01")
	dir := filepath.Join(logDir, month)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return
	}

	encoded, err := json.Marshal(line)
	if err != nil {
		return
	}

	file, err := os.OpenFile(filepath.Join(dir, month+".jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer file.Close()

	file.Write(append(encoded, '\n'))
}
