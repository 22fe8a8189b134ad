package protocol

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Format selects the wire encoding of protocol messages.
type Format int

const (
	FormatJSON Format = iota
	FormatMsgpack
)

var ErrUnknownFormat = errors.New("protocol: unknown format")

func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "json", "text":
		return FormatJSON, nil
	case "msgpack", "binary":
		return FormatMsgpack, nil
	}
	return FormatJSON, ErrUnknownFormat
}

func (f Format) String() string {
	if f == FormatMsgpack {
		return "msgpack"
	}
	return "json"
}

func (f Format) Marshal(v any) ([]byte, error) {
	if f == FormatMsgpack {
		return msgpack.Marshal(v)
	}
	return json.Marshal(v)
}

func (f Format) Unmarshal(data []byte, v any) error {
	if f == FormatMsgpack {
		return msgpack.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

// MessageAction is the action of a channel protocol message.
type MessageAction int

const (
	MessageAttached   MessageAction = 11
	MessageObject     MessageAction = 19
	MessageObjectSync MessageAction = 20
)

const FlagHasObjects int64 = 1 << 7

// ProtocolMessage is the channel-level envelope the engine consumes.
type ProtocolMessage struct {
	Action        MessageAction   `json:"action" msgpack:"action"`
	ID            string          `json:"id,omitempty" msgpack:"id,omitempty"`
	Channel       string          `json:"channel,omitempty" msgpack:"channel,omitempty"`
	ChannelSerial string          `json:"channelSerial,omitempty" msgpack:"channelSerial,omitempty"`
	Flags         int64           `json:"flags,omitempty" msgpack:"flags,omitempty"`
	State         []ObjectMessage `json:"state,omitempty" msgpack:"state,omitempty"`
}

func (pm *ProtocolMessage) HasObjects() bool {
	return pm.Flags&FlagHasObjects != 0
}

// Decode parses an inbound protocol message. Outbound-only operation
// fields are cleared.
func Decode(format Format, data []byte) (pm *ProtocolMessage, err error) {
	pm = &ProtocolMessage{}
	if err = format.Unmarshal(data, pm); err != nil {
		return nil, errors.Wrapf(err, "protocol: decode %s message", format)
	}
	for i := range pm.State {
		if op := pm.State[i].Operation; op != nil {
			op.Inbound()
		}
		if obj := pm.State[i].Object; obj != nil && obj.CreateOp != nil {
			obj.CreateOp.Inbound()
		}
	}
	return
}

func Encode(format Format, pm *ProtocolMessage) ([]byte, error) {
	data, err := format.Marshal(pm)
	if err != nil {
		return nil, errors.Wrapf(err, "protocol: encode %s message", format)
	}
	return data, nil
}
