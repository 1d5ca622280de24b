package main

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// defaultClientToken derives an idempotency token that stays the same for
// the same group, zone and subnet within one UTC minute. EC2 caps tokens at
// 64 characters.
func defaultClientToken(group, zone, subnet string, now time.Time) string {
	window := now.UTC().Truncate(time.Minute).Format(time.RFC3339)
	sum := sha256.Sum256([]byte(strings.Join([]string{group, zone, subnet, window}, "|")))
	return "spoptimize-" + hex.EncodeToString(sum[:])[:32]
}
