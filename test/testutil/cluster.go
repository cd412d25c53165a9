package testutil

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/protostate/pkg/api"
	"github.com/therealutkarshpriyadarshi/protostate/pkg/cluster"
	"github.com/therealutkarshpriyadarshi/protostate/pkg/codec"
	"github.com/therealutkarshpriyadarshi/protostate/pkg/prototype"
	"github.com/therealutkarshpriyadarshi/protostate/pkg/replicated"
	"github.com/therealutkarshpriyadarshi/protostate/pkg/rpc"
	"github.com/therealutkarshpriyadarshi/protostate/pkg/storage"
)

// TestCluster is an agency, a set of dbservers hosting prototype states and
// one coordinator, all in-process and talking over loopback
type TestCluster struct {
	t      *testing.T
	config *ClusterConfig
	logger *log.Logger

	topology *cluster.Topology
	agency   *rpc.Server

	mu          sync.Mutex
	dbservers   []*DBServer
	coordinator *Coordinator
}

// ClusterConfig holds configuration for test cluster
type ClusterConfig struct {
	DBServers int
	States    []prototype.StateID
	BasePath  string
	Codec     codec.Codec
	Raft      *replicated.Config
	Verbose   bool
}

// DefaultClusterConfig returns a default test cluster configuration
func DefaultClusterConfig() *ClusterConfig {
	return &ClusterConfig{
		DBServers: 2,
		States:    []prototype.StateID{1, 2, 3},
		BasePath:  "/_api",
		Codec:     codec.JSON,
		Raft:      replicated.FastConfig(),
	}
}

// DBServer is one server hosting prototype states
type DBServer struct {
	ID       string
	dataDir  string
	store    *storage.BoltStore
	registry *replicated.Registry
	methods  prototype.Methods
	rest     *api.Server
	agency   *rpc.Client
}

// Registry returns the hosted states
func (d *DBServer) Registry() *replicated.Registry {
	return d.registry
}

// Methods returns the local access layer
func (d *DBServer) Methods() prototype.Methods {
	return d.methods
}

// Address returns the REST address
func (d *DBServer) Address() string {
	return d.rest.Address()
}

// Coordinator routes requests to the current leaders
type Coordinator struct {
	methods prototype.Methods
	rest    *api.Server
	agency  *rpc.Client
}

// Methods returns the remote access layer
func (c *Coordinator) Methods() prototype.Methods {
	return c.methods
}

// Address returns the REST address
func (c *Coordinator) Address() string {
	return c.rest.Address()
}

// NewTestCluster starts a cluster. State i of config.States is hosted on
// dbserver i modulo the number of dbservers.
func NewTestCluster(t *testing.T, config *ClusterConfig) *TestCluster {
	t.Helper()

	if config == nil {
		config = DefaultClusterConfig()
	}

	logger := log.New(io.Discard, "", 0)
	if config.Verbose {
		logger = log.New(os.Stderr, "", log.Lmicroseconds)
	}

	tc := &TestCluster{
		t:        t,
		config:   config,
		logger:   logger,
		topology: cluster.NewTopology(),
	}

	agency, err := rpc.NewServer("127.0.0.1:0", tc.topology, logger)
	if err != nil {
		t.Fatalf("Failed to create agency: %v", err)
	}
	if err := agency.Start(); err != nil {
		t.Fatalf("Failed to start agency: %v", err)
	}
	tc.agency = agency

	tc.dbservers = make([]*DBServer, config.DBServers)
	for i := range tc.dbservers {
		id := fmt.Sprintf("PRMR-%d", i+1)
		tc.dbservers[i] = &DBServer{ID: id, dataDir: t.TempDir()}
		tc.startDBServer(i)
	}

	for i, stateID := range config.States {
		db := tc.dbservers[i%len(tc.dbservers)]
		if _, err := db.registry.Create(stateID); err != nil {
			t.Fatalf("Failed to create state %s on %s: %v", stateID, db.ID, err)
		}
	}

	tc.startCoordinator()

	t.Cleanup(tc.Stop)
	return tc
}

func (tc *TestCluster) dialAgency() *rpc.Client {
	tc.t.Helper()

	client, err := rpc.NewClient(tc.agency.Address(), 2*time.Second)
	if err != nil {
		tc.t.Fatalf("Failed to create agency client: %v", err)
	}
	if err := client.Connect(); err != nil {
		tc.t.Fatalf("Failed to connect to agency: %v", err)
	}
	return client
}

func (tc *TestCluster) startDBServer(i int) {
	tc.t.Helper()

	db := tc.dbservers[i]
	db.agency = tc.dialAgency()

	// The REST address must be known to the agency before leadership is reported.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tc.t.Fatalf("Failed to listen: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.agency.RegisterServer(ctx, db.ID, listener.Addr().String(), prototype.RoleDBServer); err != nil {
		tc.t.Fatalf("Failed to register %s: %v", db.ID, err)
	}

	store, err := storage.NewBoltStore(filepath.Join(db.dataDir, db.ID+".db"))
	if err != nil {
		tc.t.Fatalf("Failed to open store of %s: %v", db.ID, err)
	}
	db.store = store

	agency := db.agency
	registry, err := replicated.NewRegistry(
		replicated.WithConfig(tc.config.Raft),
		replicated.WithLogger(tc.logger),
		replicated.WithStore(store),
		replicated.WithLeaderObserver(func(id prototype.StateID, leader bool) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := agency.ReportLeader(ctx, id, db.ID, leader); err != nil {
				tc.logger.Printf("[WARN] %s failed to report state %s: %v", db.ID, id, err)
			}
		}),
	)
	if err != nil {
		tc.t.Fatalf("Failed to open registry of %s: %v", db.ID, err)
	}
	db.registry = registry

	methods, err := prototype.NewMethods(prototype.Config{
		Role:     prototype.RoleDBServer,
		Registry: registry,
		Logger:   tc.logger,
	})
	if err != nil {
		tc.t.Fatalf("Failed to create local access layer: %v", err)
	}
	db.methods = methods
	db.rest = tc.serve(methods, listener)
}

func (tc *TestCluster) startCoordinator() {
	tc.t.Helper()

	agency := tc.dialAgency()
	methods, err := prototype.NewMethods(prototype.Config{
		Role:     prototype.RoleCoordinator,
		Resolver: agency,
		Codec:    tc.config.Codec,
		BasePath: tc.config.BasePath,
		Logger:   tc.logger,
	})
	if err != nil {
		tc.t.Fatalf("Failed to create remote access layer: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tc.t.Fatalf("Failed to listen: %v", err)
	}
	tc.coordinator = &Coordinator{
		methods: methods,
		rest:    tc.serve(methods, listener),
		agency:  agency,
	}
}

func (tc *TestCluster) serve(methods prototype.Methods, listener net.Listener) *api.Server {
	tc.t.Helper()

	handler, err := api.NewHandler(methods,
		api.WithBasePath(tc.config.BasePath),
		api.WithSessions(api.NewSessionManager(64, time.Minute)),
		api.WithLogger(tc.logger),
	)
	if err != nil {
		tc.t.Fatalf("Failed to create handler: %v", err)
	}
	srv, err := api.NewServer("", handler, tc.logger)
	if err != nil {
		tc.t.Fatalf("Failed to create REST server: %v", err)
	}
	if err := srv.Serve(listener); err != nil {
		tc.t.Fatalf("Failed to serve: %v", err)
	}
	return srv
}

// Stop stops every component
func (tc *TestCluster) Stop() {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.coordinator != nil {
		tc.coordinator.rest.Stop(context.Background())
		tc.coordinator.agency.Close()
		tc.coordinator = nil
	}
	for _, db := range tc.dbservers {
		tc.stopDBServer(db)
	}
	if tc.agency != nil {
		tc.agency.Stop()
		tc.agency = nil
	}
}

func (tc *TestCluster) stopDBServer(db *DBServer) {
	if db.rest == nil {
		return
	}
	db.rest.Stop(context.Background())
	db.registry.Close()
	db.store.Close()
	db.agency.Close()
	db.rest = nil
}

// StopDBServer stops dbserver i, keeping its data directory
func (tc *TestCluster) StopDBServer(i int) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.stopDBServer(tc.dbservers[i])
}

// RestartDBServer starts a stopped dbserver on its old data directory
func (tc *TestCluster) RestartDBServer(i int) {
	tc.t.Helper()
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.stopDBServer(tc.dbservers[i])
	tc.startDBServer(i)
}

// DBServer returns dbserver i
func (tc *TestCluster) DBServer(i int) *DBServer {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.dbservers[i]
}

// Size returns the number of dbservers
func (tc *TestCluster) Size() int {
	return len(tc.dbservers)
}

// Coordinator returns the coordinator
func (tc *TestCluster) Coordinator() *Coordinator {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.coordinator
}

// Topology returns the agency's topology
func (tc *TestCluster) Topology() *cluster.Topology {
	return tc.topology
}

// HostOf returns the index of the dbserver hosting state id, -1 if none
func (tc *TestCluster) HostOf(id prototype.StateID) int {
	for i, stateID := range tc.config.States {
		if stateID == id {
			return i % len(tc.dbservers)
		}
	}
	return -1
}

// WaitForLeader waits until the agency resolves a leader for state id
func (tc *TestCluster) WaitForLeader(id prototype.StateID, timeout time.Duration) (prototype.LeaderLocation, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		loc, err := tc.topology.ResolveLeader(context.Background(), id)
		if err == nil {
			return loc, true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return prototype.LeaderLocation{}, false
}

// WaitForLeaders waits until every configured state has a resolvable leader
func (tc *TestCluster) WaitForLeaders(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for _, id := range tc.config.States {
		if _, ok := tc.WaitForLeader(id, time.Until(deadline)); !ok {
			return false
		}
	}
	return true
}

// Resign makes the hosting dbserver give up leadership of state id
func (tc *TestCluster) Resign(id prototype.StateID) {
	tc.t.Helper()

	host := tc.HostOf(id)
	if host < 0 {
		tc.t.Fatalf("State %s is not hosted", id)
	}
	state, ok := tc.DBServer(host).registry.Get(id)
	if !ok {
		tc.t.Fatalf("State %s not found on %s", id, tc.DBServer(host).ID)
	}
	state.Resign()
}
