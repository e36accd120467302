package dsmtypes

import "time"

// Config is parsed from the environment via caarlos0/env, the way the
// teacher's orchestrator and api packages parse their service config, with
// cmd/dsmnode additionally overlaying command-line flags onto it for local
// runs (following block-device/main.go's flag.StringVar style).
type Config struct {
	NodeID       NodeID `env:"DSM_NODE_ID"`
	Hostname     string `env:"DSM_HOSTNAME" envDefault:"127.0.0.1"`
	Port         uint16 `env:"DSM_PORT" envDefault:"7070"`
	ManagerHost  string `env:"DSM_MANAGER_HOST" envDefault:"127.0.0.1"`
	ManagerPort  uint16 `env:"DSM_MANAGER_PORT" envDefault:"7070"`
	// BackupHost/BackupPort are the backup node's own listen address, known
	// statically cluster-wide the same way ManagerHost/ManagerPort are.
	// Every non-manager, non-backup node needs this so it can dial the
	// backup directly the moment its own heartbeat to the manager times
	// out — it is never connected to the backup (or to any other worker)
	// beforehand, so it could never learn the address any other way once
	// the manager is gone.
	BackupHost   string `env:"DSM_BACKUP_HOST" envDefault:"127.0.0.1"`
	BackupPort   uint16 `env:"DSM_BACKUP_PORT" envDefault:"7071"`
	NumNodes     int    `env:"DSM_NUM_NODES" envDefault:"1"`
	IsManager    bool   `env:"DSM_IS_MANAGER" envDefault:"false"`
	LogLevel     int    `env:"DSM_LOG_LEVEL" envDefault:"2"`

	// Timeouts, broken out so tests can shrink them; production defaults
	// match spec.md section 5's deadline table exactly.
	ReadFetchTimeout   time.Duration `env:"DSM_READ_TIMEOUT" envDefault:"5s"`
	WriteFetchTimeout  time.Duration `env:"DSM_WRITE_TIMEOUT" envDefault:"10s"`
	BarrierTimeout     time.Duration `env:"DSM_BARRIER_TIMEOUT" envDefault:"30s"`
	LockTimeout        time.Duration `env:"DSM_LOCK_TIMEOUT" envDefault:"5s"`
	AllocAckTimeout    time.Duration `env:"DSM_ALLOC_ACK_TIMEOUT" envDefault:"2s"`
	HeartbeatInterval  time.Duration `env:"DSM_HEARTBEAT_INTERVAL" envDefault:"2s"`
	HeartbeatDeath     time.Duration `env:"DSM_HEARTBEAT_DEATH" envDefault:"6s"`
	JoinTimeout        time.Duration `env:"DSM_JOIN_TIMEOUT" envDefault:"60s"`
	MaxRetries         int           `env:"DSM_MAX_RETRIES" envDefault:"3"`
	ReplicationInterval time.Duration `env:"DSM_REPLICATION_INTERVAL" envDefault:"1s"`
	BroadcastTimeout    time.Duration `env:"DSM_BROADCAST_TIMEOUT" envDefault:"2s"`
	DialTimeout         time.Duration `env:"DSM_DIAL_TIMEOUT" envDefault:"5s"`
}

// BackupNodeID is the primary backup by convention (spec.md glossary).
const BackupNodeID NodeID = 1

// ManagerNodeID is node 0 by convention.
const ManagerNodeID NodeID = 0

func (c Config) IsBackup() bool {
	return c.NodeID == BackupNodeID
}

func (c Config) Validate() error {
	if c.NumNodes < 1 {
		return ErrInvalid
	}
	if c.NumNodes > MaxNodes {
		return ErrInvalid
	}
	return nil
}
