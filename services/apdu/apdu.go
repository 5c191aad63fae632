// Package apdu derives analytic rows from relayed NFC traffic. Inbound
// frames that decode as a ServerData envelope wrapping an NFCData message
// carry one APDU; the indexer extracts the command header or status word
// so the admin API can aggregate them without re-parsing payloads.
package apdu

import (
	"encoding/hex"
	"strings"

	"github.com/nfcgate/relayd/services/nfcproto"
	"github.com/nfcgate/relayd/services/overseer"
	"github.com/nfcgate/relayd/services/reports"
)

// Directions of an indexed APDU
const (
	DirectionReader = "R"
	DirectionCard   = "C"
)

// Startup starts the apdu service
func Startup() {
}

// Shutdown stops the apdu service
func Shutdown() {
}

// Extract decodes a frame payload and builds the derived APDU row. Returns
// nil when the payload is not an NFC message or carries an empty APDU;
// undecodable traffic is normal on a relay.
func Extract(tsUnix float64, tag string, origin string, session *int, payload []byte) *reports.ApduEvent {
	if len(payload) == 0 {
		return nil
	}

	envelope, err := nfcproto.ParseServerData(payload)
	if err != nil || len(envelope.Data) == 0 {
		return nil
	}

	message, err := nfcproto.ParseNFCData(envelope.Data)
	if err != nil || len(message.Data) == 0 {
		return nil
	}

	bytes := message.Data
	event := &reports.ApduEvent{
		TsUnix:  tsUnix,
		ApduLen: len(bytes),
		Origin:  origin,
		Tag:     tag,
		Session: session,
	}

	if message.DataSource == nfcproto.SourceReader {
		event.Direction = DirectionReader
		if len(bytes) >= 2 {
			claIns := hexUpper(bytes[:2])
			event.ClaIns = &claIns
		}
		if len(bytes) >= 4 {
			header4 := hexUpper(bytes[:4])
			event.Header4 = &header4
		}
	} else {
		event.Direction = DirectionCard
		if len(bytes) >= 2 {
			sw := hexUpper(bytes[len(bytes)-2:])
			event.Sw = &sw
		}
	}

	overseer.AddCounter("apdu_extracted", 1)
	return event
}

func hexUpper(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
