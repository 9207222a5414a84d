package database

import (
	"bytes"
	"encoding/json"

	"github.com/juju/mgo/v3/bson"
)

// orderedDoc marshals a BSON document as a JSON object, keeping the
// field order of the stored document.
type orderedDoc bson.D

func (d orderedDoc) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range d {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := marshalRaw(e.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := marshalRaw(documentJSON(e.Value))
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// marshalRaw is json.Marshal without HTML escaping, so <, > and & are
// written as they are stored.
func marshalRaw(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// documentJSON converts decoded BSON values into values encoding/json
// renders the way the image service has always exported them: object ids
// as hex strings and binary payloads as base64.
func documentJSON(v interface{}) interface{} {
	switch x := v.(type) {
	case bson.D:
		return orderedDoc(x)
	case bson.M:
		out := make(map[string]interface{}, len(x))
		for k, val := range x {
			out[k] = documentJSON(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, val := range x {
			out[i] = documentJSON(val)
		}
		return out
	case bson.ObjectId:
		return x.Hex()
	case bson.Binary:
		return x.Data
	default:
		return v
	}
}
