package model

import (
	"strings"
	"time"
)

// Namespace describes the capabilities a wallet granted for one chain family:
// which accounts it exposed and which methods and events it approved.
type Namespace struct {
	Accounts []string `json:"accounts"`
	Methods  []string `json:"methods"`
	Events   []string `json:"events"`
	Chains   []string `json:"chains,omitempty"`
}

// PairingSession is an authorized relationship with one external wallet,
// identified by an opaque topic and valid until its expiry.
type PairingSession struct {
	Topic      string               `json:"topic"`
	Expiry     time.Time            `json:"expiry"`
	Namespaces map[string]Namespace `json:"namespaces"`
}

// Expired reports whether the session must be treated as absent
func (s *PairingSession) Expired(now time.Time) bool {
	return !s.Expiry.After(now)
}

// Accounts returns the chain-qualified addresses granted under the eip155
// namespace, in the order the wallet approved them.
func (s *PairingSession) Accounts() []string {
	ns, ok := s.Namespaces["eip155"]
	if !ok {
		return nil
	}
	return ns.Accounts
}

// SessionRecord is the durable-storage projection of a pairing session.
// It is a cache of relay-side truth, never the source of truth: the relay
// client's live session list must confirm it before it is trusted.
type SessionRecord struct {
	Topic   string    `json:"topic"`
	Expiry  time.Time `json:"expiry"`
	SavedAt time.Time `json:"savedAt"`
}

// Expired reports whether the persisted record points at a dead session
func (r *SessionRecord) Expired(now time.Time) bool {
	return !r.Expiry.After(now)
}

// ConnectedSession is a live pairing session plus the address derived from
// the first granted account.
type ConnectedSession struct {
	Session *PairingSession `json:"session"`
	Address string          `json:"address"`
}

// AddressFromAccount extracts the bare address from a chain-qualified
// account string of the form eip155:<chainId>:<address>.
func AddressFromAccount(account string) (string, bool) {
	parts := strings.Split(account, ":")
	if len(parts) != 3 || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}
