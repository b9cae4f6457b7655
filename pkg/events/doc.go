/*
Package events implements the internal commit-index notification channel
described for the Raft replicator (component C6): each time the leader
advances its applied commit index, it publishes the new index here, and
request-scoped waiters synchronously blocked on cluster commit observe
the update without polling.

This is a narrow, single-purpose descendant of a general pub/sub event
broker: one topic (commit index advancement), one event shape (the new
index), and a blocking Wait that exits as soon as the observed index
reaches a target or the caller's timeout elapses.
*/
package events
