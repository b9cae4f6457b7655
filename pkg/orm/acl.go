package orm

import (
	"sort"

	"github.com/jmap-core/jmapd/pkg/types"
)

// ACLUpdate replaces account's permission mask within list, removing its
// entry entirely if permissions is zero (an empty-bitmap entry is
// absent, not stored).
func ACLUpdate(list []types.ACLEntry, account types.AccountID, permissions types.Permission) []types.ACLEntry {
	for i, e := range list {
		if e.Account == account {
			if permissions == 0 {
				return append(list[:i], list[i+1:]...)
			}
			list[i].Permissions = permissions
			return list
		}
	}
	if permissions == 0 {
		return list
	}
	return append(list, types.ACLEntry{Account: account, Permissions: permissions})
}

// ACLSet flips a single permission bit for account, adding or removing
// its entry as needed.
func ACLSet(list []types.ACLEntry, account types.AccountID, permission types.Permission, on bool) []types.ACLEntry {
	current := ACLPermissions(list, account)
	if on {
		current |= permission
	} else {
		current &^= permission
	}
	return ACLUpdate(list, account, current)
}

// ACLPermissions returns account's current permission mask, or 0 if it
// has no entry.
func ACLPermissions(list []types.ACLEntry, account types.AccountID) types.Permission {
	for _, e := range list {
		if e.Account == account {
			return e.Permissions
		}
	}
	return 0
}

// ACLFinish sorts list by AccountId. Must be called before the list is
// persisted, so replicas that build the list in different orders still
// produce identical stored bytes.
func ACLFinish(list []types.ACLEntry) []types.ACLEntry {
	sort.Slice(list, func(i, j int) bool { return list[i].Account < list[j].Account })
	return list
}

// ACLCheck reports whether account holds permission in list. Unlike
// ACLFinish's precondition, ACLCheck tolerates an unsorted list (a
// linear scan) so it stays usable mid-edit, before ACLFinish runs.
func ACLCheck(list []types.ACLEntry, account types.AccountID, permission types.Permission) bool {
	return ACLPermissions(list, account)&permission == permission
}

// GetChangedACLs returns, for every account whose permission mask
// differs between prev and current, one entry carrying the union of
// the two masks — a stable representation any replica can re-derive
// from (prev, current) without needing to see the intermediate edit.
func GetChangedACLs(prev, current []types.ACLEntry) []types.ACLEntry {
	accounts := make(map[types.AccountID]struct{})
	for _, e := range prev {
		accounts[e.Account] = struct{}{}
	}
	for _, e := range current {
		accounts[e.Account] = struct{}{}
	}

	var changed []types.ACLEntry
	for account := range accounts {
		prevPerm := ACLPermissions(prev, account)
		currPerm := ACLPermissions(current, account)
		if prevPerm == currPerm {
			continue
		}
		changed = append(changed, types.ACLEntry{Account: account, Permissions: prevPerm | currPerm})
	}
	return ACLFinish(changed)
}
