package api

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/protostate/pkg/codec"
	"github.com/therealutkarshpriyadarshi/protostate/pkg/prototype"
)

// Headers that identify a retried mutating request
const (
	HeaderClientID        = "X-Client-Id"
	HeaderRequestSequence = "X-Request-Sequence"
)

// MaxBodySize limits request payloads
const MaxBodySize = 32 << 20

// Handler serves the prototype state REST resource on top of an access
// layer instance. On a coordinator it forwards, on a dbserver it calls the
// local leaders.
type Handler struct {
	methods  prototype.Methods
	basePath string
	timeout  time.Duration
	sessions *SessionManager
	logger   *log.Logger
	mux      *http.ServeMux

	// entry routes bypass the mux, which would clean dot-segment keys
	entryPrefix string
	getEntry    http.HandlerFunc
	removeEntry http.HandlerFunc
}

// Option configures a Handler
type Option func(*Handler)

// WithBasePath mounts the resource below path, e.g. "/_api"
func WithBasePath(path string) Option {
	return func(h *Handler) {
		h.basePath = strings.TrimSuffix(path, "/")
	}
}

// WithRequestTimeout bounds every operation
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Handler) {
		h.timeout = d
	}
}

// WithSessions enables deduplication of mutating requests
func WithSessions(sm *SessionManager) Option {
	return func(h *Handler) {
		h.sessions = sm
	}
}

// WithLogger sets the logger
func WithLogger(logger *log.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// operation executes one route and returns its result payload
type operation func(ctx context.Context, r *http.Request, id prototype.StateID, in codec.Codec) (interface{}, error)

// NewHandler creates a REST handler for methods
func NewHandler(methods prototype.Methods, opts ...Option) (*Handler, error) {
	if methods == nil {
		return nil, fmt.Errorf("methods cannot be nil")
	}

	h := &Handler{
		methods: methods,
		logger:  log.Default(),
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}

	resource := h.basePath + prototype.ResourcePath + "/{id}"
	h.entryPrefix = h.basePath + prototype.ResourcePath + "/"
	h.handle("POST "+resource+"/insert", true, h.insert)
	h.getEntry = h.handle("GET "+resource+"/entry/{key...}", false, h.get)
	h.handle("POST "+resource+"/multi-get", false, h.getMany)
	h.handle("GET "+resource+"/snapshot", false, h.snapshot)
	h.removeEntry = h.handle("DELETE "+resource+"/entry/{key...}", true, h.remove)
	h.handle("DELETE "+resource+"/multi-remove", true, h.removeMany)

	return h, nil
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if id, key, ok := h.matchEntry(r.URL.EscapedPath()); ok {
		switch r.Method {
		case http.MethodGet:
			r.SetPathValue("id", id)
			r.SetPathValue("key", key)
			h.getEntry(w, r)
			return
		case http.MethodDelete:
			r.SetPathValue("id", id)
			r.SetPathValue("key", key)
			h.removeEntry(w, r)
			return
		}
	}
	h.mux.ServeHTTP(w, r)
}

// matchEntry splits an escaped single-key route path into its state id and
// unescaped key. Keys such as "." or ".." reach the handler unchanged.
func (h *Handler) matchEntry(escaped string) (id, key string, ok bool) {
	rest, found := strings.CutPrefix(escaped, h.entryPrefix)
	if !found {
		return "", "", false
	}
	id, rawKey, found := strings.Cut(rest, "/entry/")
	if !found || id == "" || strings.Contains(id, "/") {
		return "", "", false
	}
	key, err := url.PathUnescape(rawKey)
	if err != nil {
		return "", "", false
	}
	return id, key, true
}

func (h *Handler) handle(pattern string, mutating bool, op operation) http.HandlerFunc {
	fn := func(w http.ResponseWriter, r *http.Request) {
		in, out, err := negotiate(r)
		if err != nil {
			h.writeError(w, codec.JSON, err)
			return
		}

		id, err := prototype.ParseStateID(r.PathValue("id"))
		if err != nil {
			h.writeError(w, out, ErrBadRequest("%v", err))
			return
		}

		clientID := r.Header.Get(HeaderClientID)
		var sequence uint64
		if mutating && clientID != "" && h.sessions != nil {
			sequence, err = strconv.ParseUint(r.Header.Get(HeaderRequestSequence), 10, 64)
			if err != nil {
				h.writeError(w, out, ErrBadRequest("invalid %s header", HeaderRequestSequence))
				return
			}
			if cached, dup := h.sessions.CheckDuplicate(clientID, sequence); dup {
				if cached == nil {
					h.writeError(w, out, NewError(http.StatusConflict, ErrNumBadParameter,
						fmt.Sprintf("request sequence %d of client %s already processed", sequence, clientID)))
					return
				}
				h.logger.Printf("[DEBUG] Replaying response to %s sequence %d", clientID, sequence)
				writeCached(w, cached)
				return
			}
		}

		ctx := r.Context()
		if h.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.timeout)
			defer cancel()
		}

		result, err := op(ctx, r, id, in)
		if err != nil {
			h.writeError(w, out, err)
			return
		}

		resp, err := encodeResult(out, result)
		if err != nil {
			h.writeError(w, codec.JSON, ErrInternal(err))
			return
		}
		if mutating && clientID != "" && h.sessions != nil {
			h.sessions.CacheResponse(clientID, sequence, resp)
		}
		writeCached(w, resp)
	}
	h.mux.HandleFunc(pattern, fn)
	return fn
}

func (h *Handler) insert(ctx context.Context, r *http.Request, id prototype.StateID, in codec.Codec) (interface{}, error) {
	v, err := readPayload(r, in)
	if err != nil {
		return nil, err
	}
	entries, err := codec.StringMap(v)
	if err != nil {
		return nil, ErrBadRequest("body must be an object of strings")
	}

	index, err := h.methods.Insert(ctx, id, entries)
	if err != nil {
		return nil, err
	}
	return indexResult(index), nil
}

func (h *Handler) get(ctx context.Context, r *http.Request, id prototype.StateID, _ codec.Codec) (interface{}, error) {
	key := r.PathValue("key")
	value, found, err := h.methods.Get(ctx, id, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrKeyNotFound(key)
	}
	return map[string]string{key: value}, nil
}

func (h *Handler) getMany(ctx context.Context, r *http.Request, id prototype.StateID, in codec.Codec) (interface{}, error) {
	keys, err := readKeys(r, in)
	if err != nil {
		return nil, err
	}
	entries, err := h.methods.GetMany(ctx, id, keys)
	if err != nil {
		return nil, err
	}
	return nonNil(entries), nil
}

func (h *Handler) snapshot(ctx context.Context, r *http.Request, id prototype.StateID, _ codec.Codec) (interface{}, error) {
	var waitForIndex uint64
	if raw := r.URL.Query().Get(prototype.WaitForIndexParam); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, ErrBadRequest("%s must be a non-negative integer, got %q", prototype.WaitForIndexParam, raw)
		}
		waitForIndex = v
	}
	entries, err := h.methods.GetSnapshot(ctx, id, prototype.LogIndex(waitForIndex))
	if err != nil {
		return nil, err
	}
	return nonNil(entries), nil
}

func (h *Handler) remove(ctx context.Context, r *http.Request, id prototype.StateID, _ codec.Codec) (interface{}, error) {
	index, err := h.methods.Remove(ctx, id, r.PathValue("key"))
	if err != nil {
		return nil, err
	}
	return indexResult(index), nil
}

func (h *Handler) removeMany(ctx context.Context, r *http.Request, id prototype.StateID, in codec.Codec) (interface{}, error) {
	keys, err := readKeys(r, in)
	if err != nil {
		return nil, err
	}
	index, err := h.methods.RemoveMany(ctx, id, keys)
	if err != nil {
		return nil, err
	}
	return indexResult(index), nil
}

func (h *Handler) writeError(w http.ResponseWriter, out codec.Codec, err error) {
	apiErr := FromError(err)
	if apiErr.Code >= http.StatusInternalServerError {
		h.logger.Printf("[WARN] Request failed with %d: %v", apiErr.Code, err)
	}

	body, encErr := out.Encode(map[string]interface{}{
		"error":        true,
		"code":         apiErr.Code,
		"errorNum":     apiErr.ErrorNum,
		"errorMessage": apiErr.Message,
	})
	if encErr != nil {
		http.Error(w, apiErr.Message, apiErr.Code)
		return
	}
	writeCached(w, &CachedResponse{Code: apiErr.Code, ContentType: out.ContentType(), Body: body})
}

// negotiate picks the request codec from Content-Type and the response
// codec from Accept, falling back to the request codec.
func negotiate(r *http.Request) (in, out codec.Codec, err error) {
	in = codec.JSON
	if ct := r.Header.Get("Content-Type"); ct != "" {
		c, ok := codec.ForContentType(ct)
		if !ok {
			return nil, nil, NewError(http.StatusUnsupportedMediaType, ErrNumBadParameter,
				fmt.Sprintf("unsupported content type %q", ct))
		}
		in = c
	}

	out = in
	if c, ok := codec.ForContentType(r.Header.Get("Accept")); ok {
		out = c
	}
	return in, out, nil
}

func readPayload(r *http.Request, in codec.Codec) (interface{}, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize+1))
	if err != nil {
		return nil, ErrBadRequest("failed to read body: %v", err)
	}
	if len(data) > MaxBodySize {
		return nil, NewError(http.StatusRequestEntityTooLarge, ErrNumBadParameter, "request body too large")
	}
	v, err := in.Decode(data)
	if err != nil {
		return nil, ErrBadRequest("%v", err)
	}
	return v, nil
}

func readKeys(r *http.Request, in codec.Codec) ([]string, error) {
	v, err := readPayload(r, in)
	if err != nil {
		return nil, err
	}
	keys, err := codec.StringList(v)
	if err != nil {
		return nil, ErrBadRequest("body must be an array of strings")
	}
	return keys, nil
}

// nonNil keeps an empty result an object on the wire
func nonNil(entries map[string]string) map[string]string {
	if entries == nil {
		return map[string]string{}
	}
	return entries
}

func indexResult(index prototype.LogIndex) map[string]interface{} {
	return map[string]interface{}{"index": uint64(index)}
}

func encodeResult(out codec.Codec, result interface{}) (*CachedResponse, error) {
	body, err := out.Encode(map[string]interface{}{
		"error":  false,
		"code":   http.StatusOK,
		"result": result,
	})
	if err != nil {
		return nil, err
	}
	return &CachedResponse{Code: http.StatusOK, ContentType: out.ContentType(), Body: body}, nil
}

func writeCached(w http.ResponseWriter, resp *CachedResponse) {
	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(resp.Code)
	w.Write(resp.Body)
}
