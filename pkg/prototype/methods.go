package prototype

import (
	"context"
	"log"

	"github.com/therealutkarshpriyadarshi/protostate/pkg/codec"
)

// Methods is the uniform operation set on prototype states. Implementations
// are stateless and safe for concurrent use; every call is independent.
type Methods interface {
	// Insert writes entries as one batch and returns the resulting log index
	Insert(ctx context.Context, id StateID, entries map[string]string) (LogIndex, error)

	// Get returns the value of key, found is false when the key does not exist
	Get(ctx context.Context, id StateID, key string) (value string, found bool, err error)

	// GetMany returns the subset of keys that exist
	GetMany(ctx context.Context, id StateID, keys []string) (map[string]string, error)

	// GetSnapshot returns the whole map once it reflects at least waitForIndex
	GetSnapshot(ctx context.Context, id StateID, waitForIndex LogIndex) (map[string]string, error)

	// Remove deletes key and returns the resulting log index
	Remove(ctx context.Context, id StateID, key string) (LogIndex, error)

	// RemoveMany deletes keys and returns the resulting log index
	RemoveMany(ctx context.Context, id StateID, keys []string) (LogIndex, error)
}

// Config holds the dependencies of an access layer instance
type Config struct {
	// Role of the hosting node, selects the strategy
	Role Role

	// Registry of locally hosted states (dbserver)
	Registry StateRegistry

	// Resolver of state leaders (coordinator)
	Resolver LeaderResolver

	// Transport used to reach leaders (coordinator), defaults to HTTP
	Transport Transport

	// Codec for request bodies (coordinator), defaults to JSON
	Codec codec.Codec

	// BasePath is prepended to every request path, e.g. "/_api"
	BasePath string

	Logger *log.Logger
}

func (c *Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}
