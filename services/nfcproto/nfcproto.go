// Package nfcproto decodes the NFCGate protocol buffers at the wire level.
// The relay never owns the message schemas, it only needs the handful of
// fields the indexer and the log plugin care about, so the messages are
// consumed with protowire instead of generated bindings.
package nfcproto

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// ServerData opcodes
const (
	OpSyn = 1
	OpAck = 2
	OpFin = 3
	OpPsh = 4
)

// NFCData sources
const (
	SourceReader = 1
	SourceCard   = 2
)

// NFCData types
const (
	TypeInitial = 1
	TypeRaw     = 2
)

// ServerData is the envelope every relay frame carries.
type ServerData struct {
	Opcode int32
	Data   []byte
}

// NFCData is the inner message holding one APDU or anticollision blob.
type NFCData struct {
	DataSource int32
	Data       []byte
	Timestamp  int64
	DataType   int32
}

// ErrTruncated reports a message that ended inside a field.
var ErrTruncated = errors.New("truncated protobuf message")

// ParseServerData decodes a ServerData message. Unknown fields are skipped.
func ParseServerData(raw []byte) (*ServerData, error) {
	msg := &ServerData{}

	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return nil, ErrTruncated
		}
		raw = raw[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return nil, ErrTruncated
			}
			msg.Opcode = int32(v)
			raw = raw[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return nil, ErrTruncated
			}
			msg.Data = v
			raw = raw[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return nil, ErrTruncated
			}
			raw = raw[n:]
		}
	}

	return msg, nil
}

// ParseNFCData decodes an NFCData message. Unknown fields are skipped.
func ParseNFCData(raw []byte) (*NFCData, error) {
	msg := &NFCData{}

	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return nil, ErrTruncated
		}
		raw = raw[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return nil, ErrTruncated
			}
			msg.DataSource = int32(v)
			raw = raw[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return nil, ErrTruncated
			}
			msg.Data = v
			raw = raw[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return nil, ErrTruncated
			}
			msg.Timestamp = int64(v)
			raw = raw[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return nil, ErrTruncated
			}
			msg.DataType = int32(v)
			raw = raw[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return nil, ErrTruncated
			}
			raw = raw[n:]
		}
	}

	return msg, nil
}

// MarshalServerData encodes a ServerData message.
func MarshalServerData(msg *ServerData) []byte {
	var raw []byte
	raw = protowire.AppendTag(raw, 1, protowire.VarintType)
	raw = protowire.AppendVarint(raw, uint64(msg.Opcode))
	if msg.Data != nil {
		raw = protowire.AppendTag(raw, 2, protowire.BytesType)
		raw = protowire.AppendBytes(raw, msg.Data)
	}
	return raw
}

// MarshalNFCData encodes an NFCData message.
func MarshalNFCData(msg *NFCData) []byte {
	var raw []byte
	raw = protowire.AppendTag(raw, 1, protowire.VarintType)
	raw = protowire.AppendVarint(raw, uint64(msg.DataSource))
	if msg.Data != nil {
		raw = protowire.AppendTag(raw, 2, protowire.BytesType)
		raw = protowire.AppendBytes(raw, msg.Data)
	}
	if msg.Timestamp != 0 {
		raw = protowire.AppendTag(raw, 3, protowire.VarintType)
		raw = protowire.AppendVarint(raw, uint64(msg.Timestamp))
	}
	if msg.DataType != 0 {
		raw = protowire.AppendTag(raw, 4, protowire.VarintType)
		raw = protowire.AppendVarint(raw, uint64(msg.DataType))
	}
	return raw
}

// SourceName returns a readable label for an NFCData source value.
func SourceName(source int32) string {
	switch source {
	case SourceReader:
		return "reader"
	case SourceCard:
		return "card"
	}
	return "unknown"
}

// TypeName returns a readable label for an NFCData type value.
func TypeName(datatype int32) string {
	switch datatype {
	case TypeInitial:
		return "initial"
	case TypeRaw:
		return "raw"
	}
	return "unknown"
}
