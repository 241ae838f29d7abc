// Package qid mints and orders the two identifier kinds the storage layer
// keys on: messageId (stable across redeliveries) and the time-ordered
// identifiers used for queueMessageId and shard pivots.
//
// A time-UUID's wire layout (RFC 4122 version 1) does not sort the same way
// its embedded timestamp does — the time_low field comes first in byte
// order but is the *least* significant part of the timestamp. Every
// ordering decision in the queue core (pivot comparison, "ascending by
// queueMessageId") goes through Before/Compare here rather than raw byte
// comparison.
package qid

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewMessageID mints a new stable payload identifier.
func NewMessageID() uuid.UUID {
	return uuid.New()
}

// New mints a time-ordered identifier (queueMessageId or shard pivot)
// stamped with the given instant. Two calls with the same instant still
// produce distinct, comparably-ordered values (version-1 UUIDs carry a
// clock sequence and node id alongside the timestamp).
func New(at time.Time) (uuid.UUID, error) {
	id, err := uuid.NewUUID()
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("mint time-ordered id: %w", err)
	}
	if at.IsZero() || at.Equal(time.Now()) {
		return id, nil
	}
	return stampTime(id, at), nil
}

// Now mints a time-ordered identifier stamped with the current instant.
func Now() (uuid.UUID, error) {
	return New(time.Time{})
}

// Time extracts the embedded timestamp of a version-1 UUID.
func Time(id uuid.UUID) time.Time {
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec).UTC()
}

// Before reports whether a sorts strictly before b in time-UUID order:
// first by embedded timestamp, then by the raw bytes as a tiebreaker so
// the ordering is total (required for invariant S1's strictly-increasing
// pivots and the "ascending by queueMessageId" read order in §4.2).
func Before(a, b uuid.UUID) bool {
	ta, tb := a.Time(), b.Time()
	if ta != tb {
		return ta < tb
	}
	return compareBytes(a, b) < 0
}

// Compare returns -1, 0, or 1 as a is before, equal to, or after b in
// time-UUID order.
func Compare(a, b uuid.UUID) int {
	if a == b {
		return 0
	}
	if Before(a, b) {
		return -1
	}
	return 1
}

func compareBytes(a, b uuid.UUID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// stampTime rewrites the timestamp fields of a freshly minted version-1
// UUID to the given instant, keeping its clock sequence and node id. Used
// to mint pivots for "now + advanceWindow" (§4.1).
func stampTime(id uuid.UUID, at time.Time) uuid.UUID {
	ts := uuid.Time((at.Unix()-gregorianEpoch.Unix())*1e7 + int64(at.Nanosecond())/100)
	timeLow := uint32(ts & 0xffffffff)
	timeMid := uint16((ts >> 32) & 0xffff)
	timeHi := uint16((ts >> 48) & 0x0fff)

	out := id
	out[0] = byte(timeLow >> 24)
	out[1] = byte(timeLow >> 16)
	out[2] = byte(timeLow >> 8)
	out[3] = byte(timeLow)
	out[4] = byte(timeMid >> 8)
	out[5] = byte(timeMid)
	out[6] = byte(timeHi>>8) | 0x10 // version 1
	out[7] = byte(timeHi)
	return out
}

// gregorianEpoch is the version-1 UUID timestamp epoch, 1582-10-15, the
// same constant the google/uuid package uses internally.
var gregorianEpoch = time.Date(1582, time.October, 15, 0, 0, 0, 0, time.UTC)
