package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"
)

type jsonCodec struct{}

func (jsonCodec) ContentType() string {
	return "application/json"
}

func (jsonCodec) Encode(v interface{}) ([]byte, error) {
	if err := checkUTF8(v); err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json payload: %w", err)
	}
	return data, nil
}

func (jsonCodec) Decode(data []byte) (interface{}, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: invalid UTF-8 in json payload", ErrDecode)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after json value", ErrDecode)
	}
	return v, nil
}
