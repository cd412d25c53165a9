package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/protostate/pkg/cluster"
	"github.com/therealutkarshpriyadarshi/protostate/pkg/codec"
	"github.com/therealutkarshpriyadarshi/protostate/pkg/prototype"
)

const (
	usage = `kvctl - protostate CLI Tool

Usage:
  kvctl [options] <command> [arguments]

Commands:
  insert <key>=<value>...          Insert entries as one batch
  get <key>                        Get a value by key
  mget <key>...                    Get the existing subset of keys
  snapshot [waitForIndex]          Print the whole state
  rm <key>                         Remove a key
  mrm <key>...                     Remove keys

Options:
  -server <address>     Server address (default: localhost:8530)
  -state <id>           Prototype state ID (default: 1)
  -base-path <path>     Path prefix of the REST resource (default: /_api)
  -timeout <duration>   Request timeout (default: 5s)
  -proto                Send protobuf payloads instead of JSON
  -json                 Output in JSON format
  -h, -help             Show this help message

Examples:
  kvctl -state 12 insert a=1 b=2
  kvctl -state 12 get a
  kvctl -state 12 snapshot 2
`
)

var (
	serverAddr = flag.String("server", "localhost:8530", "Server address")
	stateID    = flag.String("state", "1", "Prototype state ID")
	basePath   = flag.String("base-path", "/_api", "Path prefix of the REST resource")
	timeout    = flag.Duration("timeout", 5*time.Second, "Request timeout")
	useProto   = flag.Bool("proto", false, "Send protobuf payloads")
	jsonOutput = flag.Bool("json", false, "Output in JSON format")
	help       = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
	}

	flag.Parse()

	if *help || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}

	id, err := prototype.ParseStateID(*stateID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	wire := codec.JSON
	if *useProto {
		wire = codec.Proto
	}

	methods, err := prototype.NewMethods(prototype.Config{
		Role:     prototype.RoleCoordinator,
		Resolver: cluster.StaticResolver{Address: *serverAddr},
		Codec:    wire,
		BasePath: *basePath,
		Logger:   log.New(io.Discard, "", 0),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	client := &Client{methods: methods, id: id, out: os.Stdout, json: *jsonOutput}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := client.Run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Client runs kvctl commands against one prototype state
type Client struct {
	methods prototype.Methods
	id      prototype.StateID
	out     io.Writer
	json    bool
}

// Run executes a command
func (c *Client) Run(ctx context.Context, command string, args []string) error {
	switch command {
	case "insert":
		return c.Insert(ctx, args)
	case "get":
		return c.Get(ctx, args)
	case "mget":
		return c.GetMany(ctx, args)
	case "snapshot":
		return c.Snapshot(ctx, args)
	case "rm":
		return c.Remove(ctx, args)
	case "mrm":
		return c.RemoveMany(ctx, args)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// Insert writes key=value pairs as one batch
func (c *Client) Insert(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: kvctl insert <key>=<value>...")
	}

	entries := make(map[string]string, len(args))
	for _, arg := range args {
		kv := strings.SplitN(arg, "=", 2)
		if len(kv) != 2 {
			return fmt.Errorf("invalid entry %q (expected key=value)", arg)
		}
		entries[kv[0]] = kv[1]
	}

	index, err := c.methods.Insert(ctx, c.id, entries)
	if err != nil {
		return err
	}
	return c.printIndex(index)
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: kvctl get <key>")
	}

	value, found, err := c.methods.Get(ctx, c.id, args[0])
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("key not found: %s", args[0])
	}
	return c.printEntries(map[string]string{args[0]: value})
}

// GetMany retrieves the existing subset of keys
func (c *Client) GetMany(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: kvctl mget <key>...")
	}

	entries, err := c.methods.GetMany(ctx, c.id, args)
	if err != nil {
		return err
	}
	return c.printEntries(entries)
}

// Snapshot prints the whole state once it reflects the given index
func (c *Client) Snapshot(ctx context.Context, args []string) error {
	var waitForIndex uint64
	switch len(args) {
	case 0:
	case 1:
		v, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid index %q: %w", args[0], err)
		}
		waitForIndex = v
	default:
		return fmt.Errorf("usage: kvctl snapshot [waitForIndex]")
	}

	entries, err := c.methods.GetSnapshot(ctx, c.id, prototype.LogIndex(waitForIndex))
	if err != nil {
		return err
	}
	return c.printEntries(entries)
}

// Remove deletes a key
func (c *Client) Remove(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: kvctl rm <key>")
	}

	index, err := c.methods.Remove(ctx, c.id, args[0])
	if err != nil {
		return err
	}
	return c.printIndex(index)
}

// RemoveMany deletes keys
func (c *Client) RemoveMany(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: kvctl mrm <key>...")
	}

	index, err := c.methods.RemoveMany(ctx, c.id, args)
	if err != nil {
		return err
	}
	return c.printIndex(index)
}

func (c *Client) printIndex(index prototype.LogIndex) error {
	if c.json {
		return json.NewEncoder(c.out).Encode(map[string]uint64{"index": uint64(index)})
	}
	_, err := fmt.Fprintf(c.out, "OK (index %d)\n", index)
	return err
}

func (c *Client) printEntries(entries map[string]string) error {
	if c.json {
		return json.NewEncoder(c.out).Encode(entries)
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, err := fmt.Fprintf(c.out, "%s = %s\n", formatKey(k), formatValue(entries[k])); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(c.out, "\nTotal: %d keys\n", len(entries))
	return err
}

// formatKey formats a key for display
func formatKey(key string) string {
	if len(key) > 50 {
		return key[:47] + "..."
	}
	return key
}

// formatValue formats a value for display
func formatValue(value string) string {
	if len(value) > 100 {
		value = value[:97] + "..."
	}

	// Replace newlines with \n for display
	value = strings.ReplaceAll(value, "\n", "\\n")
	value = strings.ReplaceAll(value, "\r", "\\r")
	value = strings.ReplaceAll(value, "\t", "\\t")

	return value
}
