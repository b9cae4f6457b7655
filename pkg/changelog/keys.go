package changelog

import (
	"encoding/binary"

	"github.com/jmap-core/jmapd/pkg/types"
)

// Key kind tags distinguishing change-log entries from Raft-log entries
// within the shared kv.CFLogs bucket.
const (
	keyKindChange byte = 0x01
	keyKindRaft   byte = 0x02
)

// ChangeKey builds the kv.CFLogs key for one (account, collection, changeId)
// change-log entry: kind | account | collection | changeId, all big-endian.
func ChangeKey(account types.AccountID, collection types.Collection, changeID uint64) []byte {
	key := make([]byte, 1+4+1+8)
	key[0] = keyKindChange
	binary.BigEndian.PutUint32(key[1:5], uint32(account))
	key[5] = byte(collection)
	binary.BigEndian.PutUint64(key[6:14], changeID)
	return key
}

// ChangePrefix builds the key prefix matching every change-log entry for
// one (account, collection) pair.
func ChangePrefix(account types.AccountID, collection types.Collection) []byte {
	key := make([]byte, 1+4+1)
	key[0] = keyKindChange
	binary.BigEndian.PutUint32(key[1:5], uint32(account))
	key[5] = byte(collection)
	return key
}

// decodeChangeID extracts the changeId from a key built by ChangeKey.
func decodeChangeID(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[6:14])
}

// RaftKey builds the kv.CFLogs key for one Raft log entry: kind | index.
// Raft addresses log entries by index alone (GetLog/DeleteRange take no
// term), so unlike ChangeKey the term is carried in the stored value, not
// the key.
func RaftKey(index uint64) []byte {
	key := make([]byte, 1+8)
	key[0] = keyKindRaft
	binary.BigEndian.PutUint64(key[1:9], index)
	return key
}

// RaftPrefix matches every Raft log entry.
var RaftPrefix = []byte{keyKindRaft}

// ChangeEntryPrefix matches every change-log entry across every account and
// collection, letting callers (pkg/raftlog's metrics collector) scan the
// whole log without enumerating accounts themselves.
var ChangeEntryPrefix = []byte{keyKindChange}

// DecodeChangeKeyAccountCollection extracts the account and collection from
// a key built by ChangeKey, for callers iterating ChangeEntryPrefix.
func DecodeChangeKeyAccountCollection(key []byte) (types.AccountID, types.Collection) {
	return types.AccountID(binary.BigEndian.Uint32(key[1:5])), types.Collection(key[5])
}

// DecodeRaftIndex extracts the index from a key built by RaftKey.
func DecodeRaftIndex(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[1:9])
}
