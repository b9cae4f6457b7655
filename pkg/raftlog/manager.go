package raftlog

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/hashicorp/raft"

	"github.com/jmap-core/jmapd/pkg/changelog"
	"github.com/jmap-core/jmapd/pkg/events"
	"github.com/jmap-core/jmapd/pkg/kv"
	"github.com/jmap-core/jmapd/pkg/log"
	"github.com/jmap-core/jmapd/pkg/metrics"
)

// Manager owns one node's view of the replicated document store: the
// local kv.Store, the change log built on top of it, and (once Bootstrap
// or Join is called) the hashicorp/raft instance that keeps every
// replica's store in the same applied order.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	commitTimeout time.Duration

	electionTimeoutMin time.Duration
	electionTimeoutMax time.Duration
	heartbeatInterval  time.Duration

	raft         *raft.Raft
	fsm          *FSM
	store        *kv.Store
	log          *changelog.Log
	commits      *events.CommitWatch
	tokenManager *TokenManager
}

// Config holds the settings needed to construct a Manager.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	// CommitTimeout bounds how long a synchronous commit-wait (§4.6) may
	// block before returning failure without rolling back the local append.
	CommitTimeout time.Duration

	// ElectionTimeoutMin/Max and HeartbeatInterval carry spec.md §6's
	// cluster-tuning config keys through to raftConfig. Zero means "use
	// the LAN-oriented defaults below" rather than hashicorp/raft's own
	// WAN-oriented zero-value defaults.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
}

// NewManager opens the local store and wires the FSM, change log, and
// commit-index watch, but does not start Raft — call Bootstrap or Join
// next.
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("raftlog: create data directory: %w", err)
	}

	store, err := kv.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("raftlog: open store: %w", err)
	}

	changeLog := changelog.New(store)
	commits := events.NewCommitWatch()
	fsm := NewFSM(store, changeLog, commits)

	commitTimeout := cfg.CommitTimeout
	if commitTimeout <= 0 {
		commitTimeout = 5 * time.Second
	}

	return &Manager{
		nodeID:             cfg.NodeID,
		bindAddr:           cfg.BindAddr,
		dataDir:            cfg.DataDir,
		commitTimeout:      commitTimeout,
		electionTimeoutMin: cfg.ElectionTimeoutMin,
		electionTimeoutMax: cfg.ElectionTimeoutMax,
		heartbeatInterval:  cfg.HeartbeatInterval,
		fsm:                fsm,
		store:              store,
		log:                changeLog,
		commits:            commits,
		tokenManager:       NewTokenManager(),
	}, nil
}

// raftConfig builds a raft.Config tuned for sub-10s failover on a LAN
// deployment rather than hashicorp/raft's WAN-oriented defaults, unless
// the operator supplied explicit timeouts via Config.
func (m *Manager) raftConfig() *raft.Config {
	electionTimeout := 500 * time.Millisecond
	if m.electionTimeoutMax > 0 {
		electionTimeout = m.electionTimeoutMax
	}
	heartbeat := 500 * time.Millisecond
	if m.heartbeatInterval > 0 {
		heartbeat = m.heartbeatInterval
	} else if m.electionTimeoutMin > 0 {
		heartbeat = m.electionTimeoutMin
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)
	config.HeartbeatTimeout = heartbeat
	config.ElectionTimeout = electionTimeout
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = heartbeat / 2
	if config.LeaderLeaseTimeout <= 0 {
		config.LeaderLeaseTimeout = 250 * time.Millisecond
	}
	return config
}

func (m *Manager) newRaft(config *raft.Config) (*raft.Raft, *raft.NetworkTransport, error) {
	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logAndStable := newLogStore(m.store)

	r, err := raft.NewRaft(config, m.fsm, logAndStable, logAndStable, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("create raft: %w", err)
	}
	return r, transport, nil
}

// Bootstrap initializes a brand new single-node cluster with this node as
// the only voter. Other nodes join it afterward via Join + the leader's
// AddVoter.
func (m *Manager) Bootstrap() error {
	config := m.raftConfig()
	r, transport, err := m.newRaft(config)
	if err != nil {
		return err
	}
	m.raft = r

	future := m.raft.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("raftlog: bootstrap cluster: %w", err)
	}

	log.WithComponent("raftlog").Info().Str("node_id", m.nodeID).Msg("bootstrapped single-node cluster")
	return nil
}

// Join starts this node's Raft instance without bootstrapping a
// configuration of its own. The token, previously issued by the leader's
// GenerateJoinToken and validated out-of-band by the cluster's admin
// transport, authorizes the operator to then call the leader's AddVoter
// with this node's id and bind address; Join only prepares the local
// Raft instance to receive that membership change and start replicating.
func (m *Manager) Join(token string) error {
	if _, err := m.tokenManager.ValidateToken(token); err != nil {
		return fmt.Errorf("raftlog: join token: %w", err)
	}

	config := m.raftConfig()
	r, _, err := m.newRaft(config)
	if err != nil {
		return err
	}
	m.raft = r

	log.WithComponent("raftlog").Info().Str("node_id", m.nodeID).Msg("raft instance ready to join cluster")
	return nil
}

// AddVoter adds a new node to the cluster. Must be called on the leader,
// typically in response to a validated join-token request arriving over
// the admin transport.
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raftlog: raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("raftlog: not the leader, current leader: %s", m.LeaderAddr())
	}

	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("raftlog: add voter %s: %w", nodeID, err)
	}
	return nil
}

// RemoveServer removes a node from the cluster. Must be called on the leader.
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return fmt.Errorf("raftlog: raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("raftlog: not the leader")
	}

	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("raftlog: remove server %s: %w", nodeID, err)
	}
	return nil
}

// GetClusterServers returns the current Raft configuration's server list.
func (m *Manager) GetClusterServers() ([]raft.Server, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raftlog: raft not initialized")
	}
	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("raftlog: get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this node currently believes it is the Raft leader.
func (m *Manager) IsLeader() bool {
	return m.raft != nil && m.raft.State() == raft.Leader
}

// LeaderAddr returns the bind address of the current Raft leader, or "" if unknown.
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// LeaderLeaseValid implements the "linearizable read" admission check from
// §4.6: a request requiring a linearizable read must be both leader and
// hold an unexpired leader lease. hashicorp/raft's VerifyLeader performs
// exactly this check by round-tripping a heartbeat-equivalent quorum
// confirmation before returning success.
func (m *Manager) LeaderLeaseValid() bool {
	if m.raft == nil || m.raft.State() != raft.Leader {
		return false
	}
	return m.raft.VerifyLeader().Error() == nil
}

// RaftStats reports point-in-time Raft introspection used by
// MetricsCollector (metrics_collector.go) to populate the jmapd_raft_* gauges.
type RaftStats struct {
	State         string
	LastLogIndex  uint64
	AppliedIndex  uint64
	Leader        string
	Peers         uint64
}

// GetRaftStats returns the current Raft state, or nil before Bootstrap/Join.
func (m *Manager) GetRaftStats() *RaftStats {
	if m.raft == nil {
		return nil
	}

	stats := &RaftStats{
		State:        m.raft.State().String(),
		LastLogIndex: m.raft.LastIndex(),
		AppliedIndex: m.raft.AppliedIndex(),
		Leader:       string(m.raft.Leader()),
	}

	if future := m.raft.GetConfiguration(); future.Error() == nil {
		stats.Peers = uint64(len(future.Configuration().Servers))
	}
	return stats
}

// Apply submits cmd to the Raft log and waits for local application
// (not cluster-wide commit — see WaitForCommit for that), returning the
// Raft log index it was applied at so the caller can wait on it.
func (m *Manager) Apply(cmd Command) (uint64, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	if m.raft == nil {
		return 0, fmt.Errorf("raftlog: raft not initialized")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return 0, fmt.Errorf("raftlog: marshal command: %w", err)
	}

	future := m.raft.Apply(data, 10*time.Second)
	if err := future.Error(); err != nil {
		return 0, fmt.Errorf("raftlog: apply command: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if applyErr, ok := resp.(error); ok && applyErr != nil {
			return 0, applyErr
		}
	}
	return future.Index(), nil
}

// WaitForCommit implements the "synchronous commit from JMAP" suspension
// point (§4.6 / §5): it blocks until the commit-index watch observes
// index, the manager's configured commit timeout elapses, or ctx is
// canceled (client disconnect). A timeout does not roll back the local
// append — a later leader commit may still apply it.
func (m *Manager) WaitForCommit(ctx context.Context, index uint64) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftCommitDuration)

	deadlineCtx, cancel := context.WithTimeout(ctx, m.commitTimeout)
	defer cancel()
	return m.commits.Wait(deadlineCtx, index)
}

// CommitIndex returns the highest commit index published so far.
func (m *Manager) CommitIndex() uint64 {
	return m.commits.Current()
}

// GenerateJoinToken issues a bootstrap token for a new node to present to
// AddVoter's admin endpoint. Only the leader may generate tokens so that
// cluster membership changes always originate from the current leader.
func (m *Manager) GenerateJoinToken(role string, ttl time.Duration) (*JoinToken, error) {
	if !m.IsLeader() {
		return nil, fmt.Errorf("raftlog: not the leader, tokens can only be generated by the leader")
	}
	return m.tokenManager.GenerateToken(role, ttl)
}

// ValidateJoinToken validates a join token and returns its role.
func (m *Manager) ValidateJoinToken(token string) (string, error) {
	return m.tokenManager.ValidateToken(token)
}

// RevokeJoinToken discards token so it can't be presented again. The
// admin transport calls this once a token has been consumed by a
// successful AddVoter.
func (m *Manager) RevokeJoinToken(token string) {
	m.tokenManager.RevokeToken(token)
}

// NodeID returns this node's Raft server id.
func (m *Manager) NodeID() string {
	return m.nodeID
}

// Store exposes the local kv.Store for read paths (C5's get/changes/query)
// that do not need to go through Raft.
func (m *Manager) Store() *kv.Store {
	return m.store
}

// ChangeLog exposes the change log for C5's changes handler.
func (m *Manager) ChangeLog() *changelog.Log {
	return m.log
}

// Shutdown stops Raft and closes the local store.
func (m *Manager) Shutdown() error {
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("raftlog: shutdown raft: %w", err)
		}
	}
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("raftlog: close store: %w", err)
		}
	}
	return nil
}
