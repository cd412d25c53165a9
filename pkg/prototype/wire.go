package prototype

import (
	"encoding/json"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/therealutkarshpriyadarshi/protostate/pkg/codec"
)

// ResourcePath is the root of the prototype state REST resource
const ResourcePath = "/prototype-state"

// WaitForIndexParam is the query parameter carrying the snapshot lower bound
const WaitForIndexParam = "waitForIndex"

// InsertPath returns the path of the batch insert route
func InsertPath(id StateID) string {
	return ResourcePath + "/" + id.String() + "/insert"
}

// EntryPath returns the path of the single-key route. The dot-segment keys
// "." and ".." are percent-encoded so no client or proxy resolves them.
func EntryPath(id StateID, key string) string {
	escaped := url.PathEscape(key)
	if key == "." || key == ".." {
		escaped = strings.Repeat("%2E", len(key))
	}
	return ResourcePath + "/" + id.String() + "/entry/" + escaped
}

// MultiGetPath returns the path of the multi-key lookup route
func MultiGetPath(id StateID) string {
	return ResourcePath + "/" + id.String() + "/multi-get"
}

// SnapshotPath returns the path of the snapshot route
func SnapshotPath(id StateID) string {
	return ResourcePath + "/" + id.String() + "/snapshot"
}

// MultiRemovePath returns the path of the multi-key delete route
func MultiRemovePath(id StateID) string {
	return ResourcePath + "/" + id.String() + "/multi-remove"
}

// decodePayload decodes a response body with the codec named by its content
// type, falling back to def.
func decodePayload(def codec.Codec, resp *Response) (interface{}, error) {
	c := def
	if byType, ok := codec.ForContentType(resp.ContentType); ok {
		c = byType
	}
	return c.Decode(resp.Body)
}

// resultObject extracts the object under "result"
func resultObject(v interface{}) (map[string]interface{}, bool) {
	top, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	result, ok := top["result"].(map[string]interface{})
	return result, ok
}

// decodeIndexResult accepts exactly {"result": {"index": N}}
func decodeIndexResult(v interface{}) (LogIndex, error) {
	result, ok := resultObject(v)
	if !ok || len(result) != 1 {
		return 0, MalformedResponseError("index", render(v))
	}
	index, ok := toUint64(result["index"])
	if !ok {
		return 0, MalformedResponseError("index", render(v))
	}
	return LogIndex(index), nil
}

// decodeMapResult accepts {"result": {key: value, ...}} with string values
func decodeMapResult(v interface{}) (map[string]string, error) {
	result, ok := resultObject(v)
	if !ok {
		return nil, MalformedResponseError("map", render(v))
	}
	entries := make(map[string]string, len(result))
	for key, raw := range result {
		value, ok := raw.(string)
		if !ok {
			return nil, MalformedResponseError("map", render(v))
		}
		entries[key] = value
	}
	return entries, nil
}

// decodeSingleResult accepts {"result": {key: value}} and returns the value.
// The key name is not checked.
func decodeSingleResult(v interface{}) (string, error) {
	result, ok := resultObject(v)
	if !ok || len(result) != 1 {
		return "", MalformedResponseError("key-value pair", render(v))
	}
	for _, raw := range result {
		if value, ok := raw.(string); ok {
			return value, nil
		}
	}
	return "", MalformedResponseError("key-value pair", render(v))
}

// decodeRemoteFailure builds a RemoteOperationFailed error from a non-success
// response, keeping the remote error number and message when present.
func decodeRemoteFailure(def codec.Codec, resp *Response) *Error {
	var (
		errorNum int
		message  string
	)
	if v, err := decodePayload(def, resp); err == nil {
		if top, ok := v.(map[string]interface{}); ok {
			if n, ok := toUint64(top["errorNum"]); ok && n <= math.MaxInt32 {
				errorNum = int(n)
			}
			if msg, ok := top["errorMessage"].(string); ok {
				message = msg
			}
		}
	}
	return RemoteError(resp.StatusCode, errorNum, message)
}

// toUint64 converts a decoded number to uint64, rejecting fractions, negatives
// and doubles too large to hold an exact integer
func toUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case json.Number:
		u, err := strconv.ParseUint(n.String(), 10, 64)
		return u, err == nil
	case float64:
		if n < 0 || n != math.Trunc(n) || n > codec.MaxExactInteger {
			return 0, false
		}
		return uint64(n), true
	default:
		return 0, false
	}
}

// render formats a decoded payload for error messages
func render(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("<unprintable>")
	}
	return data
}
