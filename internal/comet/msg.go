package comet

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Type URLs of the IBC messages the decoder knows how to read.
const (
	TypeRecvPacket         = "/ibc.core.channel.v1.MsgRecvPacket"
	TypeAcknowledgement    = "/ibc.core.channel.v1.MsgAcknowledgement"
	TypeTimeout            = "/ibc.core.channel.v1.MsgTimeout"
	TypeTimeoutOnClose     = "/ibc.core.channel.v1.MsgTimeoutOnClose"
	TypeUpdateClient       = "/ibc.core.client.v1.MsgUpdateClient"
	TypeCreateClient       = "/ibc.core.client.v1.MsgCreateClient"
	TypeChannelOpenInit    = "/ibc.core.channel.v1.MsgChannelOpenInit"
	TypeChannelOpenTry     = "/ibc.core.channel.v1.MsgChannelOpenTry"
	TypeChannelOpenAck     = "/ibc.core.channel.v1.MsgChannelOpenAck"
	TypeChannelOpenConfirm = "/ibc.core.channel.v1.MsgChannelOpenConfirm"
	TypeTransfer           = "/ibc.applications.transfer.v1.MsgTransfer"
)

var (
	// ErrMalformedMessage indicates that a message payload could not be
	// decoded as the protobuf shape its type URL promises.
	ErrMalformedMessage = errors.New("malformed protobuf message")

	// ErrUnhandledMessage indicates a type URL the decoder has no field
	// layout for.
	ErrUnhandledMessage = errors.New("unhandled message type")
)

// Packet identifies an IBC packet by its logical routing tuple.
type Packet struct {
	Sequence   uint64
	SrcPort    string
	SrcChannel string
	DstPort    string
	DstChannel string
}

// Msg is a single message lifted out of a transaction body. The payload is
// kept raw and decoded lazily through the typed accessors.
type Msg struct {
	TypeURL string

	value []byte
}

// signerFields maps each known type URL to the protobuf field number that
// carries the bech32 signer address.
var signerFields = map[string]protowire.Number{
	TypeRecvPacket:         4,
	TypeAcknowledgement:    5,
	TypeTimeout:            5,
	TypeTimeoutOnClose:     6,
	TypeUpdateClient:       3,
	TypeCreateClient:       3,
	TypeChannelOpenInit:    3,
	TypeChannelOpenTry:     7,
	TypeChannelOpenAck:     7,
	TypeChannelOpenConfirm: 5,
}

// packetFields maps the type URLs that embed a channel Packet to the field
// number the Packet lives at.
var packetFields = map[string]protowire.Number{
	TypeRecvPacket:      1,
	TypeAcknowledgement: 1,
	TypeTimeout:         1,
	TypeTimeoutOnClose:  1,
}

// IsIBC reports whether the message belongs to the IBC protocol family.
func (m Msg) IsIBC() bool {
	return len(m.TypeURL) > 5 && m.TypeURL[:5] == "/ibc."
}

// IsKnown reports whether the decoder has a field layout for the message.
func (m Msg) IsKnown() bool {
	if _, ok := signerFields[m.TypeURL]; ok {
		return true
	}

	return m.TypeURL == TypeTransfer
}

// IsRelevant reports whether the message takes part in the packet lifecycle
// tracked by the collector.
func (m Msg) IsRelevant() bool {
	_, ok := packetFields[m.TypeURL]
	return ok
}

// Packet decodes the embedded channel packet. It fails with
// ErrUnhandledMessage when the message type carries no packet.
func (m Msg) Packet() (Packet, error) {
	num, ok := packetFields[m.TypeURL]
	if !ok {
		return Packet{}, fmt.Errorf("%w: %s has no packet", ErrUnhandledMessage, m.TypeURL)
	}

	raw, ok, err := bytesField(m.value, num)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if !ok {
		return Packet{}, fmt.Errorf("%w: missing packet field", ErrMalformedMessage)
	}

	var packet Packet
	err = walkFields(raw, func(f field) error {
		switch f.num {
		case 1:
			if f.typ != protowire.VarintType {
				return fmt.Errorf("sequence: unexpected wire type %d", f.typ)
			}
			packet.Sequence = f.varint
		case 2:
			packet.SrcPort = string(f.bytes)
		case 3:
			packet.SrcChannel = string(f.bytes)
		case 4:
			packet.DstPort = string(f.bytes)
		case 5:
			packet.DstChannel = string(f.bytes)
		}

		return nil
	})
	if err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	return packet, nil
}

// Signer decodes the bech32 signer address of the message.
func (m Msg) Signer() (string, error) {
	num, ok := signerFields[m.TypeURL]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnhandledMessage, m.TypeURL)
	}

	signer, ok, err := stringField(m.value, num)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: missing signer field", ErrMalformedMessage)
	}

	return signer, nil
}

// ClientID decodes the client identifier of a MsgUpdateClient.
func (m Msg) ClientID() (string, error) {
	if m.TypeURL != TypeUpdateClient {
		return "", fmt.Errorf("%w: %s", ErrUnhandledMessage, m.TypeURL)
	}

	clientID, ok, err := stringField(m.value, 1)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: missing client_id field", ErrMalformedMessage)
	}

	return clientID, nil
}

// field is a single decoded protobuf field.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64 // set for VarintType fields
	bytes  []byte // set for BytesType fields
}

// walkFields iterates the top-level fields of a protobuf payload, calling fn
// for each one. Fixed32/fixed64 fields are passed to fn with their number and
// wire type only; their value is not captured.
func walkFields(buf []byte, fn func(f field) error) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]

		f := field{num: num, typ: typ}

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.varint = v
			buf = buf[n:]
		case protowire.BytesType:
			b, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.bytes = b
			buf = buf[n:]
		case protowire.Fixed32Type:
			_, n := protowire.ConsumeFixed32(buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			buf = buf[n:]
		case protowire.Fixed64Type:
			_, n := protowire.ConsumeFixed64(buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			buf = buf[n:]
		default:
			return fmt.Errorf("unsupported wire type %d for field %d", typ, num)
		}

		if err := fn(f); err != nil {
			return err
		}
	}

	return nil
}

// bytesField returns the payload of the first length-delimited field with the
// given number, reporting whether it was present.
func bytesField(buf []byte, num protowire.Number) ([]byte, bool, error) {
	var (
		out   []byte
		found bool
	)

	err := walkFields(buf, func(f field) error {
		if f.num == num && f.typ == protowire.BytesType && !found {
			out = f.bytes
			found = true
		}

		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return out, found, nil
}

// stringField is bytesField for string-typed fields.
func stringField(buf []byte, num protowire.Number) (string, bool, error) {
	b, ok, err := bytesField(buf, num)
	return string(b), ok, err
}
