// Command dsmnode runs one member of a DSM cluster: it parses Config from
// the environment via caarlos0/env, overlays command-line flags the way
// block-device/main.go does, builds a dsm.Context, and blocks until
// interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmlog"
	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
	"github.com/e2b-dev/infra/packages/dsm/pkg/dsm"
)

var (
	nodeID      uint
	hostname    string
	port        uint
	managerHost string
	managerPort uint
	backupHost  string
	backupPort  uint
	numNodes    int
	logLevel    int
)

func parseFlags(cfg *dsmtypes.Config) {
	flag.UintVar(&nodeID, "node-id", uint(cfg.NodeID), "this node's id (0 is always the manager)")
	flag.StringVar(&hostname, "hostname", cfg.Hostname, "this node's own advertised hostname, used for reconnection after a promotion")
	flag.UintVar(&port, "port", uint(cfg.Port), "port this node listens on (manager and backup only)")
	flag.StringVar(&managerHost, "manager-host", cfg.ManagerHost, "hostname of the manager node")
	flag.UintVar(&managerPort, "manager-port", uint(cfg.ManagerPort), "port of the manager node")
	flag.StringVar(&backupHost, "backup-host", cfg.BackupHost, "hostname of the backup node, dialed directly if the manager dies")
	flag.UintVar(&backupPort, "backup-port", uint(cfg.BackupPort), "port of the backup node")
	flag.IntVar(&numNodes, "num-nodes", cfg.NumNodes, "total number of nodes in the cluster")
	flag.IntVar(&logLevel, "log-level", cfg.LogLevel, "log verbosity, 0 (error) to 4 (debug)")
	flag.Parse()

	cfg.NodeID = dsmtypes.NodeID(nodeID)
	cfg.Hostname = hostname
	cfg.Port = uint16(port)
	cfg.ManagerHost = managerHost
	cfg.ManagerPort = uint16(managerPort)
	cfg.BackupHost = backupHost
	cfg.BackupPort = uint16(backupPort)
	cfg.NumNodes = numNodes
	cfg.LogLevel = logLevel
	cfg.IsManager = cfg.NodeID == dsmtypes.ManagerNodeID
}

func main() {
	var cfg dsmtypes.Config
	if err := env.Parse(&cfg); err != nil {
		dsmlog.L().Fatal("dsmnode: parse config from environment", zap.Error(err))
	}
	parseFlags(&cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c, err := dsm.Init(ctx, cfg)
	if err != nil {
		dsmlog.L().Fatal("dsmnode: init", zap.Error(err))
	}
	defer c.Finalize()

	dsmlog.L().Info("dsmnode: running", dsmlog.WithNode(cfg.NodeID), zap.Uint16("port", cfg.Port))
	<-ctx.Done()
	dsmlog.L().Info("dsmnode: shutting down")
}
