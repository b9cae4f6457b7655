/*
Package metrics exposes jmapd's Prometheus metrics and HTTP health
endpoints.

# Metric categories

Document store:
  - jmapd_documents_total{collection}: live documents per collection.
  - jmapd_changelog_length{collection}: uncompacted change-log entries.

Blob store:
  - jmapd_blobs_total, jmapd_blob_bytes_total: live blob count and size.
  - jmapd_blobs_reaped_total: blobs physically removed after their grace
    period expired.
  - These blob metrics are defined, but no package in this repository
    sets or increments them.

Raft:
  - jmapd_raft_is_leader, jmapd_raft_peers_total: cluster membership
    gauges, sampled periodically by metrics_collector.go.
  - jmapd_raft_log_index, jmapd_raft_applied_index: replication
    progress.
  - jmapd_raft_commit_duration_seconds, jmapd_raft_apply_duration_seconds:
    timing for Manager.WaitForCommit, and for Manager.Apply and FSM.Apply
    (both observe the apply histogram).

JMAP coordinator:
  - jmapd_api_requests_total{method,outcome}, jmapd_api_request_duration_seconds{method}:
    per-method-call counts and latency, labeled by the full "Type/verb"
    method name (e.g. "Email/set").
  - jmapd_set_created_total{collection}, jmapd_set_destroyed_total{collection}:
    object lifecycle counts from set.
  - jmapd_state_mismatch_total: set calls rejected for an ifInState
    mismatch.
  - The set and state-mismatch metrics are defined, but no package in
    this repository increments them.

# Usage

Timing an operation:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

Timing a labeled operation:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.APIRequestDuration, methodName)

# Health endpoints

RegisterComponent records a named component's health; HealthHandler,
ReadyHandler, and LivenessHandler expose aggregate and liveness views
over net/http, independent of the Prometheus registry.

# See also

  - pkg/raftlog for the Manager/FSM that populate the Raft gauges and
    histograms above.
  - pkg/transport for the dispatcher that records the API request count
    and latency metrics.
*/
package metrics
