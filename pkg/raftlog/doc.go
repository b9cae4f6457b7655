/*
Package raftlog implements C6, the Raft-replicated log that gives every
write to the document store a single, agreed-upon order across a jmapd
cluster.

# Architecture

	┌───────────────────────── JMAPD NODE ─────────────────────────┐
	│                                                                │
	│  ┌──────────────────────────────────────────────┐            │
	│  │         pkg/jmap.Coordinator (C5)             │            │
	│  │  - builds a Command from a set/changes op     │            │
	│  └──────────────────┬───────────────────────────┘            │
	│                     │ Manager.Apply(cmd)                      │
	│  ┌──────────────────▼───────────────────────────┐            │
	│  │                Manager                        │            │
	│  │  - owns the local *raft.Raft instance          │            │
	│  │  - Bootstrap/Join, AddVoter/RemoveServer       │            │
	│  │  - join-token issuance and validation          │            │
	│  └──────────────────┬───────────────────────────┘            │
	│                     │                                         │
	│  ┌──────────────────▼───────────────────────────┐            │
	│  │          Raft Consensus Layer                  │            │
	│  │  - leader election, log replication            │            │
	│  │  - FSM.Apply() on every committed entry         │            │
	│  └──────────────────┬───────────────────────────┘            │
	│                     │                                         │
	│  ┌──────────────────▼───────────────────────────┐            │
	│  │                 FSM                            │            │
	│  │  - applies Mutations + TagOps to kv.Store       │            │
	│  │  - appends Delta/ExtraDelta to the change log   │            │
	│  │  - Snapshot()/Restore() over every column family│            │
	│  └──────────────────┬───────────────────────────┘            │
	│                     │                                         │
	│  ┌──────────────────▼───────────────────────────┐            │
	│  │              pkg/kv.Store (C1)                 │            │
	│  │  - also backs raft.LogStore/StableStore         │            │
	│  │    directly via the Logs/Terms column families  │            │
	│  └────────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────────────┘

# Core components

Manager:
  - Owns the kv.Store, changelog.Log, and (once Bootstrap or Join is
    called) the underlying *raft.Raft instance.
  - Apply serializes a Command through Raft and blocks until it is
    committed to this node's own FSM.
  - GenerateJoinToken/ValidateJoinToken issue and check the tokens an
    admin transport uses to authorize AddVoter calls against the leader.

FSM:
  - Applies a committed Command's Mutations (raw column-family writes)
    and TagOps (Roaring bitmap membership flips) to the shared kv.Store
    in one bbolt transaction, then appends Delta/ExtraDelta to the
    change log for every collection the write touched.
  - Snapshot/Restore dump and reload every column family in full; there
    is no shard-filtered snapshot because the keyspace isn't sharded.

logstore.go implements raft.LogStore and raft.StableStore directly on
kv.Store's Logs and Terms column families, so the Raft log lives in the
same store as the documents it replicates rather than a second embedded
database.

token.go issues and validates join tokens scoped to a cluster role
("voter" or "nonvoter"), time-limited and single-use once consumed by
AddVoter.

# Usage

Creating and bootstrapping a single-node cluster:

	mgr, err := raftlog.NewManager(&raftlog.Config{
		NodeID:   "node-1",
		BindAddr: "127.0.0.1:7946",
		DataDir:  "/var/lib/jmapd/node-1",
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := mgr.Bootstrap(); err != nil {
		log.Fatal(err)
	}

Joining an existing cluster:

	mgr, err := raftlog.NewManager(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if err := mgr.Join(joinToken); err != nil {
		log.Fatal(err)
	}
	// The leader must still call AddVoter(nodeID, address) to admit
	// this node into the Raft configuration; Join only starts the
	// local instance so it's ready to receive that membership change.

Replicating a write:

	idx, err := mgr.Apply(raftlog.Command{
		Account:    acct,
		Collection: types.CollectionMailbox,
		Mutations:  plan.Mutations,
		Delta:      plan.Delta,
	})

# Leadership

Only the Raft leader accepts Apply calls that create new log entries;
followers observe committed entries through replication and apply them
locally, but writes routed to a follower must be redirected to the
leader (Manager.LeaderAddr) by the caller — raftlog does not forward
writes itself.

# See also

  - pkg/kv for the column-family store raftlog replicates into.
  - pkg/changelog for the change-log entries FSM.Apply appends.
  - pkg/jmap for the coordinator that builds Commands from JMAP
    set/changes operations.
*/
package raftlog
