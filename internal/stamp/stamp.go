// Package stamp allocates the 14-digit timestamps used in migration filenames.
package stamp

import (
	"math/big"
	"time"
)

// Layout is the migration timestamp format: YYYYMMDDHHmmss.
const Layout = "20060102150405"

// Next returns a timestamp strictly greater than last.
//
// When the formatted wall-clock time already exceeds last it is used as-is.
// Otherwise last is incremented by one as an arbitrary-precision integer,
// which keeps allocations unique when many templates build within the same
// second or the clock has skewed backward. The second return value is the
// new high-water mark the caller must persist.
func Next(last string) (string, string) {
	return NextAt(time.Now(), last)
}

// NextAt is Next with an explicit clock reading.
func NextAt(now time.Time, last string) (string, string) {
	ts := now.Format(Layout)
	if last == "" || ts > last {
		return ts, ts
	}
	n, ok := new(big.Int).SetString(last, 10)
	if !ok {
		// Unparsable high-water mark; fall back to the clock.
		return ts, ts
	}
	bumped := n.Add(n, big.NewInt(1)).String()
	return bumped, bumped
}
