// Package rollout implements the deterministic, stable client→bucket
// assignment of spec §4.E. It is pure and performs no I/O: the same
// inputs must produce the same answer forever.
package rollout

import "math"

// Selected reports whether the client identified by clientUniqueID falls
// inside the first rolloutPercent of clients for the release identified
// by releaseTag (a release's label or package hash).
//
// The hash recurrence is fixed by the specification bit-for-bit:
// h = 0; for each byte c of (clientUniqueID + "-" + releaseTag):
// h = ((h << 5) - h + c) | 0, evaluated as 32-bit signed arithmetic so it
// wraps the same way the source's int32 coercion does.
func Selected(clientUniqueID string, rolloutPercent int, releaseTag string) bool {
	return bucket(clientUniqueID, releaseTag) < rolloutPercent
}

// bucket computes |h| mod 100 for the identifier built from
// clientUniqueID and releaseTag.
func bucket(clientUniqueID, releaseTag string) int {
	id := clientUniqueID + "-" + releaseTag

	var h int32
	for i := 0; i < len(id); i++ {
		h = (h << 5) - h + int32(id[i])
	}
	if h == math.MinInt32 {
		// -h overflows back to itself at this one value; widen to int64
		// before negating to sidestep the wraparound.
		return int(-int64(h) % 100)
	}
	if h < 0 {
		h = -h
	}
	return int(h % 100)
}

// IsUnfinishedRollout reports spec §4.E's predicate: a rollout value is
// set and strictly less than 100.
func IsUnfinishedRollout(rolloutPercent *int) bool {
	return rolloutPercent != nil && *rolloutPercent != 100
}
