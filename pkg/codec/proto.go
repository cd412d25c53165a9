package codec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type protoCodec struct{}

func (protoCodec) ContentType() string {
	return "application/x-protobuf"
}

func (protoCodec) Encode(v interface{}) ([]byte, error) {
	if err := checkUTF8(v); err != nil {
		return nil, err
	}
	if err := checkExactNumbers(v); err != nil {
		return nil, err
	}
	value, err := structpb.NewValue(normalize(v))
	if err != nil {
		return nil, fmt.Errorf("failed to convert payload: %w", err)
	}
	data, err := proto.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode protobuf payload: %w", err)
	}
	return data, nil
}

func (protoCodec) Decode(data []byte) (interface{}, error) {
	var value structpb.Value
	if err := proto.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return value.AsInterface(), nil
}

// normalize rewrites the typed containers used by callers into the generic
// forms structpb understands.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]string:
		out := make(map[string]interface{}, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}

// MaxExactInteger is the largest integer a google.protobuf.Value number holds exactly
const MaxExactInteger = 1 << 53

// checkExactNumbers rejects integers that would lose precision as a double
func checkExactNumbers(v interface{}) error {
	switch t := v.(type) {
	case uint64:
		if t > MaxExactInteger {
			return fmt.Errorf("%w: integer %d exceeds 2^53", ErrEncode, t)
		}
	case int64:
		if t > MaxExactInteger || t < -MaxExactInteger {
			return fmt.Errorf("%w: integer %d exceeds 2^53", ErrEncode, t)
		}
	case int:
		return checkExactNumbers(int64(t))
	case uint:
		return checkExactNumbers(uint64(t))
	case map[string]interface{}:
		for _, e := range t {
			if err := checkExactNumbers(e); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, e := range t {
			if err := checkExactNumbers(e); err != nil {
				return err
			}
		}
	}
	return nil
}
