// Package id generates the identifiers relayd hands out: UUID v4 for
// messages, time-sortable ULIDs for connections, and short hex IDs for
// subscriptions. All three draw from crypto/rand.
package id
