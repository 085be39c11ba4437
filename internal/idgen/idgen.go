// Package idgen generates identifiers for orders, grants and reservations.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Prefixes used across the service. Kept short so ids stay readable in logs
// and in gateway receipts, which cap at 40 characters.
const (
	PrefixOrder       = "ord_"
	PrefixRecord      = "unl_"
	PrefixReservation = "crd_"
	PrefixRefund      = "rfd_"
	PrefixEvent       = "evt_"
	PrefixAudit       = "aud_"
	PrefixClaim       = "clm_"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a UUIDv7 with dashes removed (32 hex
// chars). v7 ids sort by creation time, which keeps btree inserts local.
func WithPrefix(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + strings.ReplaceAll(id.String(), "-", "")
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
