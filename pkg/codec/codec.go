// Package codec encodes request and response payloads of the prototype state
// wire protocol. Payloads are maps, lists or scalars; decoding yields the
// generic forms map[string]interface{}, []interface{}, string, bool, nil and
// a number type that depends on the codec.
package codec

import (
	"errors"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"
)

var (
	// ErrDecode is wrapped by every payload decoding failure
	ErrDecode = errors.New("malformed payload")

	// ErrEncode is wrapped when a payload cannot be represented on the wire
	ErrEncode = errors.New("unencodable payload")
)

// Codec converts between payloads and their generic form
type Codec interface {
	// ContentType is the media type written to Content-Type and Accept headers
	ContentType() string

	// Encode serializes a map, list or scalar
	Encode(v interface{}) ([]byte, error)

	// Decode parses a payload into its generic form
	Decode(data []byte) (interface{}, error)
}

var (
	// JSON is the default codec; numbers decode as json.Number
	JSON Codec = jsonCodec{}

	// Proto carries a google.protobuf.Value; numbers decode as float64
	Proto Codec = protoCodec{}
)

// ForContentType returns the codec registered for a media type
func ForContentType(contentType string) (Codec, bool) {
	if contentType == "" {
		return nil, false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.ToLower(contentType))
	}
	switch mediaType {
	case JSON.ContentType():
		return JSON, true
	case Proto.ContentType():
		return Proto, true
	default:
		return nil, false
	}
}

// ByName returns a codec by short name ("json" or "proto")
func ByName(name string) (Codec, bool) {
	switch strings.ToLower(name) {
	case "json":
		return JSON, true
	case "proto", "protobuf":
		return Proto, true
	default:
		return nil, false
	}
}

// StringMap converts a decoded object into a string map. It fails when v is
// not an object or holds a non-string value.
func StringMap(v interface{}) (map[string]string, error) {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.Join(ErrDecode, errors.New("expected object"))
	}
	out := make(map[string]string, len(obj))
	for k, raw := range obj {
		s, ok := raw.(string)
		if !ok {
			return nil, errors.Join(ErrDecode, errors.New("expected string value for key "+k))
		}
		out[k] = s
	}
	return out, nil
}

// StringList converts a decoded array into a string slice. It fails when v is
// not an array or holds a non-string element.
func StringList(v interface{}) ([]string, error) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, errors.Join(ErrDecode, errors.New("expected array"))
	}
	out := make([]string, 0, len(arr))
	for _, raw := range arr {
		s, ok := raw.(string)
		if !ok {
			return nil, errors.Join(ErrDecode, errors.New("expected array of strings"))
		}
		out = append(out, s)
	}
	return out, nil
}

// checkUTF8 rejects payloads holding a key or string that is not valid UTF-8.
// Neither codec can carry such strings unchanged.
func checkUTF8(v interface{}) error {
	switch t := v.(type) {
	case string:
		return validString(t)
	case map[string]string:
		for k, s := range t {
			if err := validString(k); err != nil {
				return err
			}
			if err := validString(s); err != nil {
				return err
			}
		}
	case []string:
		for _, s := range t {
			if err := validString(s); err != nil {
				return err
			}
		}
	case map[string]interface{}:
		for k, e := range t {
			if err := validString(k); err != nil {
				return err
			}
			if err := checkUTF8(e); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, e := range t {
			if err := checkUTF8(e); err != nil {
				return err
			}
		}
	}
	return nil
}

func validString(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: invalid UTF-8 in %q", ErrEncode, s)
	}
	return nil
}
