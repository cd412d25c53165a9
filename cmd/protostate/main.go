package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/protostate/pkg/api"
	"github.com/therealutkarshpriyadarshi/protostate/pkg/cluster"
	"github.com/therealutkarshpriyadarshi/protostate/pkg/codec"
	"github.com/therealutkarshpriyadarshi/protostate/pkg/prototype"
	"github.com/therealutkarshpriyadarshi/protostate/pkg/replicated"
	"github.com/therealutkarshpriyadarshi/protostate/pkg/rpc"
	"github.com/therealutkarshpriyadarshi/protostate/pkg/storage"
)

var (
	nodeID         = flag.String("id", "", "Server ID (required)")
	addr           = flag.String("addr", "127.0.0.1:8530", "REST listen address")
	advertise      = flag.String("advertise", "", "REST address announced to the agency (default: listen address)")
	role           = flag.String("role", "dbserver", "Server role (dbserver, coordinator, agent, single)")
	agencyAddr     = flag.String("agency", "", "Agency gRPC address")
	agencyListen   = flag.String("agency-listen", "", "Run the agency in-process on this gRPC address")
	servers        = flag.String("servers", "", "Servers pre-registered with an in-process agency (id=addr,id=addr)")
	states         = flag.String("states", "", "Comma-separated prototype state IDs hosted by a dbserver")
	dataDir        = flag.String("data-dir", "./data", "Data directory for persistent storage")
	basePath       = flag.String("base-path", "/_api", "Path prefix of the REST resource")
	wireCodec      = flag.String("codec", "json", "Payload codec used to forward requests (json, proto)")
	requestTimeout = flag.Duration("request-timeout", 30*time.Second, "Upper bound for one REST operation")
	sessionCap     = flag.Int("sessions", api.DefaultSessionCapacity, "Number of clients tracked for retry deduplication")
	fastRaft       = flag.Bool("fast", false, "Use short raft ticks (testing)")
	logLevel       = flag.String("log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	showVersion    = flag.Bool("version", false, "Show version information")
)

const version = "0.1.0"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("protostate version %s\n", version)
		os.Exit(0)
	}

	if *nodeID == "" {
		fmt.Fprintf(os.Stderr, "Error: -id flag is required\n")
		flag.Usage()
		os.Exit(1)
	}

	logger := log.New(newLevelWriter(os.Stdout, *logLevel), fmt.Sprintf("[%s] ", *nodeID), log.LstdFlags)

	serverRole, err := prototype.ParseRole(*role)
	if err != nil {
		logger.Fatalf("[ERROR] %v", err)
	}

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		logger.Fatalf("[ERROR] Failed to create data directory: %v", err)
	}

	logger.Printf("[INFO] Starting protostate %s %s at %s", serverRole, *nodeID, *addr)

	n := &node{logger: logger, role: serverRole}
	defer n.shutdown()

	if *agencyListen != "" {
		if err := n.startAgency(*agencyListen, filepath.Join(*dataDir, "agency.json"), *servers); err != nil {
			logger.Fatalf("[ERROR] Failed to start agency: %v", err)
		}
	}

	if err := n.connectAgency(*agencyAddr); err != nil {
		logger.Fatalf("[ERROR] Failed to connect to agency: %v", err)
	}

	cfg := prototype.Config{
		Role:     serverRole,
		BasePath: *basePath,
		Logger:   logger,
	}

	switch serverRole {
	case prototype.RoleDBServer:
		registry, err := n.openRegistry(*dataDir)
		if err != nil {
			logger.Fatalf("[ERROR] Failed to open prototype states: %v", err)
		}
		ids, err := parseStateIDs(*states)
		if err != nil {
			logger.Fatalf("[ERROR] %v", err)
		}
		for _, id := range ids {
			if _, err := registry.Create(id); err != nil && !errors.Is(err, replicated.ErrStateExists) {
				logger.Fatalf("[ERROR] Failed to create prototype state %s: %v", id, err)
			}
		}
		cfg.Registry = registry

	case prototype.RoleCoordinator:
		if n.agency == nil {
			logger.Fatalf("[ERROR] Coordinator requires -agency or -agency-listen")
		}
		c, ok := codec.ByName(*wireCodec)
		if !ok {
			logger.Fatalf("[ERROR] Unknown codec %q", *wireCodec)
		}
		cfg.Resolver = n.agency
		cfg.Codec = c
	}

	methods, err := prototype.NewMethods(cfg)
	switch {
	case errors.Is(err, prototype.ErrUnsupportedRole):
		if n.agencySrv == nil {
			logger.Fatalf("[ERROR] %v", err)
		}
		logger.Printf("[INFO] REST API disabled: %v", err)
	case err != nil:
		logger.Fatalf("[ERROR] Failed to create access layer: %v", err)
	default:
		if err := n.serveREST(methods, *addr); err != nil {
			logger.Fatalf("[ERROR] Failed to start REST API: %v", err)
		}
		n.register(*nodeID, *advertise)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Printf("[INFO] protostate %s is running", *nodeID)

	sig := <-sigCh
	logger.Printf("[INFO] Received signal %v, shutting down...", sig)
}

// node holds the components started for one server
type node struct {
	logger *log.Logger
	role   prototype.Role

	topology  *cluster.Topology
	agencySrv *rpc.Server
	agencyDB  string
	agency    *rpc.Client

	store    *storage.BoltStore
	registry *replicated.Registry
	rest     *api.Server
}

func (n *node) startAgency(listen, path, preset string) error {
	n.topology = cluster.NewTopology()
	n.agencyDB = path

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := n.topology.Deserialize(data); err != nil {
			return err
		}
		n.logger.Printf("[INFO] Loaded agency topology from %s", path)
	case !os.IsNotExist(err):
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	presetServers, err := parseServers(preset)
	if err != nil {
		return err
	}
	for _, s := range presetServers {
		if err := n.topology.AddServer(s.ID, s.Address, prototype.RoleDBServer); err != nil {
			return err
		}
	}

	srv, err := rpc.NewServer(listen, n.topology, n.logger)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	n.agencySrv = srv
	return nil
}

func (n *node) connectAgency(address string) error {
	if address == "" && n.agencySrv != nil {
		address = n.agencySrv.Address()
	}
	if address == "" {
		return nil
	}

	client, err := rpc.NewClient(address, 5*time.Second)
	if err != nil {
		return err
	}
	if err := client.Connect(); err != nil {
		return err
	}
	n.agency = client
	return nil
}

func (n *node) openRegistry(dir string) (*replicated.Registry, error) {
	store, err := storage.NewBoltStore(filepath.Join(dir, *nodeID+".db"))
	if err != nil {
		return nil, err
	}
	n.store = store

	config := replicated.DefaultConfig()
	if *fastRaft {
		config = replicated.FastConfig()
	}

	registry, err := replicated.NewRegistry(
		replicated.WithConfig(config),
		replicated.WithLogger(n.logger),
		replicated.WithStore(store),
		replicated.WithLeaderObserver(n.reportLeader),
	)
	if err != nil {
		return nil, err
	}
	n.registry = registry
	return registry, nil
}

// reportLeader forwards a leadership change of a hosted state to the agency
func (n *node) reportLeader(id prototype.StateID, leader bool) {
	if n.agency == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := n.agency.ReportLeader(ctx, id, *nodeID, leader); err != nil {
		n.logger.Printf("[WARN] Failed to report leadership of state %s: %v", id, err)
	}
}

func (n *node) serveREST(methods prototype.Methods, listen string) error {
	handler, err := api.NewHandler(methods,
		api.WithBasePath(*basePath),
		api.WithRequestTimeout(*requestTimeout),
		api.WithSessions(api.NewSessionManager(*sessionCap, 10*time.Minute)),
		api.WithLogger(n.logger),
	)
	if err != nil {
		return err
	}

	srv, err := api.NewServer(listen, handler, n.logger)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	n.rest = srv
	return nil
}

// register announces the REST address to the agency and reports the states
// this server already leads
func (n *node) register(id, address string) {
	if n.agency == nil {
		return
	}
	if address == "" {
		address = n.rest.Address()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := n.agency.RegisterServer(ctx, id, address, n.role); err != nil {
		n.logger.Printf("[WARN] %v", err)
		return
	}
	n.logger.Printf("[INFO] Registered with agency at %s as %s", n.agency.Address(), address)

	if n.registry == nil {
		return
	}
	for _, stateID := range n.registry.IDs() {
		if state, ok := n.registry.Get(stateID); ok && state.IsLeader() {
			n.reportLeader(stateID, true)
		}
	}
}

func (n *node) shutdown() {
	if n.rest != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.rest.Stop(ctx); err != nil {
			n.logger.Printf("[WARN] Error stopping REST API: %v", err)
		}
		cancel()
	}

	if n.registry != nil {
		n.registry.Close()
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.logger.Printf("[WARN] Error closing store: %v", err)
		}
	}

	if n.agency != nil {
		n.agency.Close()
	}

	if n.agencySrv != nil {
		n.agencySrv.Stop()
		if data, err := n.topology.Serialize(); err != nil {
			n.logger.Printf("[WARN] Failed to serialize agency topology: %v", err)
		} else if err := os.WriteFile(n.agencyDB, data, 0644); err != nil {
			n.logger.Printf("[WARN] Failed to save agency topology: %v", err)
		}
	}

	n.logger.Printf("[INFO] protostate %s stopped", *nodeID)
}

// parseStateIDs parses a comma-separated list of state IDs
func parseStateIDs(s string) ([]prototype.StateID, error) {
	var ids []prototype.StateID
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := prototype.ParseStateID(part)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// parseServers parses the preset server list
// Format: "id1=addr1,id2=addr2"
func parseServers(s string) ([]cluster.Member, error) {
	var members []cluster.Member
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid server format: %s (expected id=addr)", part)
		}

		members = append(members, cluster.Member{
			ID:      strings.TrimSpace(kv[0]),
			Address: strings.TrimSpace(kv[1]),
		})
	}
	return members, nil
}
