package node

import (
	"context"
	"time"

	"github.com/ErikWegner/jqm/id"
)

// Node is a process that can run instances (§3).
type Node struct {
	ID       id.NodeID `json:"id"`
	Name     string    `json:"name"`
	Host     string    `json:"host"`
	Port     int       `json:"port"`
	RepoPath string    `json:"repo_path"` // artifact cache root
	TmpPath  string    `json:"tmp_path"`  // per-instance work directory root
	Enabled  bool      `json:"enabled"`

	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
}

// Store defines the persistence contract for nodes.
type Store interface {
	Register(ctx context.Context, n *Node) error
	Deregister(ctx context.Context, id id.NodeID) error
	Heartbeat(ctx context.Context, id id.NodeID) error
	Get(ctx context.Context, id id.NodeID) (*Node, error)
	List(ctx context.Context) ([]*Node, error)

	// ReapDead returns nodes whose LastSeen is older than threshold, so
	// the Supervisor can run recoverCrashed on their behalf.
	ReapDead(ctx context.Context, threshold time.Duration) ([]*Node, error)
}
