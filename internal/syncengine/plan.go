// Package syncengine reconciles document stores across peers. A sync is a
// manifest exchange followed by a deterministic diff: documents only one side
// has are copied over, equal hashes are left alone, and diverged documents
// are resolved by the configured conflict strategy.
package syncengine

import (
	"fmt"
	"sort"

	"github.com/trosyn/lansync/internal/docstore"
)

// Strategy selects how diverged documents are resolved.
type Strategy int

// Conflict strategies.
const (
	// LastWriteWins keeps whichever side was updated most recently.
	LastWriteWins Strategy = iota
	// KeepBoth keeps the local version and stores the remote one under a
	// derived document ID.
	KeepBoth
)

// String returns the config name of the strategy.
func (s Strategy) String() string {
	switch s {
	case LastWriteWins:
		return "last_write_wins"
	case KeepBoth:
		return "keep_both"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy parses a config strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "last_write_wins", "":
		return LastWriteWins, nil
	case "keep_both":
		return KeepBoth, nil
	default:
		return 0, fmt.Errorf("unknown conflict strategy: %s", name)
	}
}

// Plan is the outcome of diffing a local manifest against a remote one.
// Entries are ordered by document ID, so two nodes diffing the same pair of
// manifests produce the same plan.
type Plan struct {
	// Push holds local entries the peer is missing or lost the conflict on.
	Push []docstore.Entry
	// Pull holds remote entries we are missing or lost the conflict on.
	Pull []docstore.Entry
	// KeepBoth holds remote conflict losers to be stored under derived IDs
	// (KeepBoth strategy only).
	KeepBoth []docstore.Entry
	// Noop counts documents already equal on both sides.
	Noop int
	// Conflicts counts diverged documents, however they were resolved.
	Conflicts int
}

// BuildPlan diffs two manifests. Both nodes running BuildPlan over the same
// manifests agree on the winner of every conflict: ties on the update time
// are broken toward the lexicographically larger version hash.
func BuildPlan(local, remote []docstore.Entry, strategy Strategy) *Plan {
	localBy := indexByDoc(local)
	remoteBy := indexByDoc(remote)

	ids := make([]string, 0, len(localBy)+len(remoteBy))
	for id := range localBy {
		ids = append(ids, id)
	}
	for id := range remoteBy {
		if _, ok := localBy[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	plan := &Plan{}
	for _, id := range ids {
		l, hasLocal := localBy[id]
		r, hasRemote := remoteBy[id]
		switch {
		case hasLocal && !hasRemote:
			plan.Push = append(plan.Push, l)
		case !hasLocal && hasRemote:
			plan.Pull = append(plan.Pull, r)
		case l.VersionHash == r.VersionHash:
			plan.Noop++
		default:
			plan.Conflicts++
			switch strategy {
			case KeepBoth:
				plan.KeepBoth = append(plan.KeepBoth, r)
			default:
				if remoteWins(l, r) {
					plan.Pull = append(plan.Pull, r)
				} else {
					plan.Push = append(plan.Push, l)
				}
			}
		}
	}
	return plan
}

// remoteWins applies last-write-wins with the deterministic tie-break.
func remoteWins(local, remote docstore.Entry) bool {
	if remote.UpdatedAt.After(local.UpdatedAt) {
		return true
	}
	if local.UpdatedAt.After(remote.UpdatedAt) {
		return false
	}
	return remote.VersionHash > local.VersionHash
}

// ConflictDocID derives the document ID a conflict loser is stored under with
// the KeepBoth strategy. The hash prefix keeps repeated syncs from stacking
// up new copies of the same version.
func ConflictDocID(docID, versionHash string) string {
	suffix := versionHash
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return docID + ".conflict-" + suffix
}

func indexByDoc(entries []docstore.Entry) map[string]docstore.Entry {
	m := make(map[string]docstore.Entry, len(entries))
	for _, e := range entries {
		m[e.DocumentID] = e
	}
	return m
}
