package checksum

import (
	"crypto/md5"
	"encoding/hex"
)

// Sum returns the hex-encoded MD5 digest of data.
//
// Template change detection is digest-equality only; file modification
// times are never consulted (unreliable across checkouts and CI).
func Sum(data []byte) string {
	h := md5.Sum(data)
	return hex.EncodeToString(h[:])
}
