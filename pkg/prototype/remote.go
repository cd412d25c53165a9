package prototype

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/therealutkarshpriyadarshi/protostate/pkg/codec"
)

// remoteMethods serves calls on a coordinator by forwarding them to the
// current leader. The leader is resolved again on every call.
type remoteMethods struct {
	resolver  LeaderResolver
	transport Transport
	codec     codec.Codec
	basePath  string
	logger    *log.Logger
}

func newRemoteMethods(cfg Config) (*remoteMethods, error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("coordinator access requires a leader resolver")
	}

	m := &remoteMethods{
		resolver:  cfg.Resolver,
		transport: cfg.Transport,
		codec:     cfg.Codec,
		basePath:  strings.TrimSuffix(cfg.BasePath, "/"),
		logger:    cfg.logger(),
	}
	if m.transport == nil {
		m.transport = NewHTTPTransport(nil)
	}
	if m.codec == nil {
		m.codec = codec.JSON
	}
	return m, nil
}

func (m *remoteMethods) Insert(ctx context.Context, id StateID, entries map[string]string) (LogIndex, error) {
	if entries == nil {
		entries = map[string]string{}
	}
	body, err := m.codec.Encode(entries)
	if err != nil {
		return 0, fmt.Errorf("failed to encode entries: %w", err)
	}

	resp, err := m.send(ctx, id, &Request{
		Method: http.MethodPost,
		Path:   InsertPath(id),
		Body:   body,
	})
	if err != nil {
		return 0, err
	}
	return m.indexResponse(resp)
}

func (m *remoteMethods) Get(ctx context.Context, id StateID, key string) (string, bool, error) {
	resp, err := m.send(ctx, id, &Request{
		Method: http.MethodGet,
		Path:   EntryPath(id, key),
	})
	if err != nil {
		return "", false, err
	}

	// Not found is the only non-success status with a non-error meaning.
	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if !isSuccess(resp.StatusCode) {
		return "", false, decodeRemoteFailure(m.codec, resp)
	}

	v, err := decodePayload(m.codec, resp)
	if err != nil {
		return "", false, MalformedResponseError("key-value pair", resp.Body).WithCause(err)
	}
	value, err := decodeSingleResult(v)
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (m *remoteMethods) GetMany(ctx context.Context, id StateID, keys []string) (map[string]string, error) {
	if keys == nil {
		keys = []string{}
	}
	body, err := m.codec.Encode(keys)
	if err != nil {
		return nil, fmt.Errorf("failed to encode keys: %w", err)
	}

	// A read carrying a body, hence POST.
	resp, err := m.send(ctx, id, &Request{
		Method: http.MethodPost,
		Path:   MultiGetPath(id),
		Body:   body,
	})
	if err != nil {
		return nil, err
	}
	return m.mapResponse(resp)
}

func (m *remoteMethods) GetSnapshot(ctx context.Context, id StateID, waitForIndex LogIndex) (map[string]string, error) {
	query := url.Values{}
	query.Set(WaitForIndexParam, strconv.FormatUint(uint64(waitForIndex), 10))

	resp, err := m.send(ctx, id, &Request{
		Method: http.MethodGet,
		Path:   SnapshotPath(id),
		Query:  query,
	})
	if err != nil {
		return nil, err
	}
	return m.mapResponse(resp)
}

func (m *remoteMethods) Remove(ctx context.Context, id StateID, key string) (LogIndex, error) {
	resp, err := m.send(ctx, id, &Request{
		Method: http.MethodDelete,
		Path:   EntryPath(id, key),
	})
	if err != nil {
		return 0, err
	}
	return m.indexResponse(resp)
}

func (m *remoteMethods) RemoveMany(ctx context.Context, id StateID, keys []string) (LogIndex, error) {
	if keys == nil {
		keys = []string{}
	}
	body, err := m.codec.Encode(keys)
	if err != nil {
		return 0, fmt.Errorf("failed to encode keys: %w", err)
	}

	resp, err := m.send(ctx, id, &Request{
		Method: http.MethodDelete,
		Path:   MultiRemovePath(id),
		Body:   body,
	})
	if err != nil {
		return 0, err
	}
	return m.indexResponse(resp)
}

// send resolves the leader of id and delivers req to it
func (m *remoteMethods) send(ctx context.Context, id StateID, req *Request) (*Response, error) {
	leader, err := m.resolver.ResolveLeader(ctx, id)
	if err != nil {
		return nil, err
	}

	req.Path = m.basePath + req.Path
	req.Accept = m.codec.ContentType()
	if req.Body != nil {
		req.ContentType = m.codec.ContentType()
	}

	resp, err := m.transport.Send(ctx, leader.Address, req)
	if err != nil {
		m.logger.Printf("[WARN] Request %s %s to leader %s of state %s failed: %v",
			req.Method, req.Path, leader.ServerID, id, err)
		return nil, RemoteError(0, 0, fmt.Sprintf("failed to reach leader %s at %s", leader.ServerID, leader.Address)).
			WithDetail("server_id", leader.ServerID).
			WithCause(err)
	}
	return resp, nil
}

func (m *remoteMethods) indexResponse(resp *Response) (LogIndex, error) {
	if !isSuccess(resp.StatusCode) {
		return 0, decodeRemoteFailure(m.codec, resp)
	}
	v, err := decodePayload(m.codec, resp)
	if err != nil {
		return 0, MalformedResponseError("index", resp.Body).WithCause(err)
	}
	return decodeIndexResult(v)
}

func (m *remoteMethods) mapResponse(resp *Response) (map[string]string, error) {
	if !isSuccess(resp.StatusCode) {
		return nil, decodeRemoteFailure(m.codec, resp)
	}
	v, err := decodePayload(m.codec, resp)
	if err != nil {
		return nil, MalformedResponseError("map", resp.Body).WithCause(err)
	}
	return decodeMapResult(v)
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
