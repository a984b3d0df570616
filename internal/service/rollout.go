package service

import (
	"crypto/sha256"
	"encoding/binary"
)

// RolloutBucket maps a user/flag pair onto a stable bucket in [0,100).
// Only the user id and flag key feed the digest, so editing any other flag
// field never moves a user between buckets; a cryptographic hash keeps the
// distribution free of clustering artifacts across similar user ids.
func RolloutBucket(userID, flagKey string) int {
	sum := sha256.Sum256([]byte(userID + flagKey))
	return int(binary.BigEndian.Uint64(sum[:8]) % 100)
}
