package apdu_test

import (
	"os"
	"testing"

	"github.com/nfcgate/relayd/services/apdu"
	"github.com/nfcgate/relayd/services/nfcproto"
	"github.com/nfcgate/relayd/services/overseer"
)

func TestMain(m *testing.M) {
	overseer.Startup()
	os.Exit(m.Run())
}

// wrap builds the two-level wire payload carrying one APDU
func wrap(source int32, apduBytes []byte) []byte {
	inner := nfcproto.MarshalNFCData(&nfcproto.NFCData{
		DataSource: source,
		Data:       apduBytes,
		DataType:   nfcproto.TypeRaw,
	})
	return nfcproto.MarshalServerData(&nfcproto.ServerData{
		Opcode: nfcproto.OpPsh,
		Data:   inner,
	})
}

func TestExtractReaderCommand(t *testing.T) {
	payload := wrap(nfcproto.SourceReader, []byte{0x80, 0xCA, 0x9F, 0x7F, 0x00})

	session := 7
	event := apdu.Extract(1700000000, "server", "1.2.3.4:5000", &session, payload)
	if event == nil {
		t.Fatal("Extract() = nil, want event")
	}

	if event.Direction != apdu.DirectionReader {
		t.Errorf("Direction = %q, want %q", event.Direction, apdu.DirectionReader)
	}
	if event.ClaIns == nil || *event.ClaIns != "80CA" {
		t.Errorf("ClaIns = %v, want 80CA", event.ClaIns)
	}
	if event.Header4 == nil || *event.Header4 != "80CA9F7F" {
		t.Errorf("Header4 = %v, want 80CA9F7F", event.Header4)
	}
	if event.Sw != nil {
		t.Errorf("Sw = %v, want nil", event.Sw)
	}
	if event.ApduLen != 5 {
		t.Errorf("ApduLen = %d, want 5", event.ApduLen)
	}
	if event.Session == nil || *event.Session != 7 {
		t.Errorf("Session = %v, want 7", event.Session)
	}
}

func TestExtractCardResponse(t *testing.T) {
	payload := wrap(nfcproto.SourceCard, []byte{0x6F, 0x10, 0x90, 0x00})

	event := apdu.Extract(1700000000, "server", "1.2.3.4:5000", nil, payload)
	if event == nil {
		t.Fatal("Extract() = nil, want event")
	}

	if event.Direction != apdu.DirectionCard {
		t.Errorf("Direction = %q, want %q", event.Direction, apdu.DirectionCard)
	}
	if event.Sw == nil || *event.Sw != "9000" {
		t.Errorf("Sw = %v, want 9000", event.Sw)
	}
	if event.ClaIns != nil {
		t.Errorf("ClaIns = %v, want nil", event.ClaIns)
	}
	if event.Header4 != nil {
		t.Errorf("Header4 = %v, want nil", event.Header4)
	}
}

func TestExtractShortReaderCommand(t *testing.T) {
	payload := wrap(nfcproto.SourceReader, []byte{0x80, 0xCA, 0x9F})

	event := apdu.Extract(1700000000, "server", "origin", nil, payload)
	if event == nil {
		t.Fatal("Extract() = nil, want event")
	}

	if event.ClaIns == nil || *event.ClaIns != "80CA" {
		t.Errorf("ClaIns = %v, want 80CA", event.ClaIns)
	}
	if event.Header4 != nil {
		t.Errorf("Header4 = %v, want nil for 3-byte APDU", event.Header4)
	}
}

func TestExtractEmptyApdu(t *testing.T) {
	payload := wrap(nfcproto.SourceReader, nil)

	if event := apdu.Extract(1700000000, "server", "origin", nil, payload); event != nil {
		t.Errorf("Extract() = %+v, want nil for empty APDU", event)
	}
}

func TestExtractNonApduPayload(t *testing.T) {
	if event := apdu.Extract(1700000000, "server", "origin", nil, []byte("hello world")); event != nil {
		t.Errorf("Extract() = %+v, want nil for undecodable payload", event)
	}
}

func TestExtractEmptyPayload(t *testing.T) {
	if event := apdu.Extract(1700000000, "server", "origin", nil, nil); event != nil {
		t.Errorf("Extract() = %+v, want nil for empty payload", event)
	}
}
