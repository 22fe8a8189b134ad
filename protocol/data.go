package protocol

import (
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

const EncodingJSON = "json"

var (
	ErrBadBytesPayload = errors.New("protocol: bad bytes payload")
	ErrBadJSONPayload  = errors.New("protocol: json payload is not an object or array")
)

// ObjectData is a map value: a primitive, a structured JSON payload or a
// reference to another object. At most one field is expected to be set.
type ObjectData struct {
	ObjectID string
	Boolean  *bool
	Bytes    []byte
	Number   *float64
	String   *string
	// JSON holds a decoded map[string]any or []any payload.
	JSON any
}

// wireData is ObjectData as it travels, before decoding per format.
type wireData struct {
	ObjectID string   `json:"objectId,omitempty" msgpack:"objectId,omitempty"`
	Encoding string   `json:"encoding,omitempty" msgpack:"encoding,omitempty"`
	Boolean  *bool    `json:"boolean,omitempty" msgpack:"boolean,omitempty"`
	Bytes    any      `json:"bytes,omitempty" msgpack:"bytes,omitempty"`
	Number   *float64 `json:"number,omitempty" msgpack:"number,omitempty"`
	String   *string  `json:"string,omitempty" msgpack:"string,omitempty"`
}

func (d ObjectData) IsEmpty() bool {
	return d.ObjectID == "" && d.Boolean == nil && d.Bytes == nil &&
		d.Number == nil && d.String == nil && d.JSON == nil
}

func (d ObjectData) IsReference() bool {
	return d.ObjectID != ""
}

func (d ObjectData) toWire(format Format) (w wireData, err error) {
	w.ObjectID = d.ObjectID
	w.Boolean = d.Boolean
	if d.Bytes != nil {
		switch format {
		case FormatMsgpack:
			w.Bytes = d.Bytes
		default:
			w.Bytes = base64.StdEncoding.EncodeToString(d.Bytes)
		}
	}
	w.Number = d.Number
	switch {
	case d.JSON != nil:
		var raw []byte
		raw, err = json.Marshal(d.JSON)
		if err != nil {
			return w, errors.Wrap(err, "protocol: stringify json payload")
		}
		str := string(raw)
		w.String = &str
		w.Encoding = EncodingJSON
	case d.String != nil:
		w.String = d.String
	}
	return
}

func (d *ObjectData) fromWire(w wireData, format Format) error {
	*d = ObjectData{
		ObjectID: w.ObjectID,
		Boolean:  w.Boolean,
		Number:   w.Number,
	}
	switch b := w.Bytes.(type) {
	case nil:
	case []byte:
		if format == FormatMsgpack {
			d.Bytes = b
		} else {
			return ErrBadBytesPayload
		}
	case string:
		if format == FormatMsgpack {
			break // bytes must be bin in msgpack, a string here is ignored
		}
		raw, err := base64.StdEncoding.DecodeString(b)
		if err != nil {
			return errors.Wrap(err, "protocol: base64 bytes payload")
		}
		d.Bytes = raw
	default:
		return ErrBadBytesPayload
	}
	if w.String == nil {
		return nil
	}
	if w.Encoding != EncodingJSON {
		str := *w.String
		d.String = &str
		return nil
	}
	var parsed any
	if err := json.Unmarshal([]byte(*w.String), &parsed); err != nil {
		return errors.Wrap(err, "protocol: parse json payload")
	}
	switch parsed.(type) {
	case map[string]any, []any:
		d.JSON = parsed
	default:
		return ErrBadJSONPayload
	}
	return nil
}

func (d ObjectData) MarshalJSON() ([]byte, error) {
	w, err := d.toWire(FormatJSON)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (d *ObjectData) UnmarshalJSON(raw []byte) error {
	var w wireData
	if err := json.Unmarshal(raw, &w); err != nil {
		return err
	}
	return d.fromWire(w, FormatJSON)
}

func (d ObjectData) EncodeMsgpack(enc *msgpack.Encoder) error {
	w, err := d.toWire(FormatMsgpack)
	if err != nil {
		return err
	}
	return enc.Encode(&w)
}

func (d *ObjectData) DecodeMsgpack(dec *msgpack.Decoder) error {
	var w wireData
	if err := dec.Decode(&w); err != nil {
		return err
	}
	return d.fromWire(w, FormatMsgpack)
}

func Bool(b bool) *bool {
	return &b
}

func String(s string) *string {
	return &s
}
