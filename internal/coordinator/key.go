package coordinator

import "strings"

// Policy is the coordination rule attached to a Key.
type Policy int

const (
	PolicyUnlocked Policy = iota
	PolicyCancelPredecessor
	PolicyShareFirst
)

func (p Policy) String() string {
	switch p {
	case PolicyCancelPredecessor:
		return "cancel_predecessor"
	case PolicyShareFirst:
		return "share_first"
	default:
		return "unlocked"
	}
}

// Prefixes used by the string form of a key.
const (
	cancelPrefix = "@"
	sharePrefix  = "!"
)

// Key identifies a semantic operation together with its policy. The
// zero Key is unlocked.
type Key struct {
	policy Policy
	name   string
}

// Unlocked returns a key that bypasses the lock table.
func Unlocked() Key { return Key{} }

// CancelPredecessor returns a newest-wins key. An empty name yields an
// unlocked key.
func CancelPredecessor(name string) Key {
	if name == "" {
		return Key{}
	}
	return Key{policy: PolicyCancelPredecessor, name: name}
}

// ShareFirst returns a first-wins key. An empty name yields an unlocked
// key.
func ShareFirst(name string) Key {
	if name == "" {
		return Key{}
	}
	return Key{policy: PolicyShareFirst, name: name}
}

// ParseKey reads the prefixed string form: "@name" cancels
// predecessors, "!name" shares the first call, anything else
// (including a bare "@" or "!") is unlocked.
func ParseKey(s string) Key {
	switch {
	case strings.HasPrefix(s, cancelPrefix):
		return CancelPredecessor(s[len(cancelPrefix):])
	case strings.HasPrefix(s, sharePrefix):
		return ShareFirst(s[len(sharePrefix):])
	default:
		return Key{}
	}
}

// Policy returns the key's coordination policy.
func (k Key) Policy() Policy { return k.policy }

// Name returns the operation name without prefix.
func (k Key) Name() string { return k.name }

// IsLocked reports whether the key participates in the lock table.
func (k Key) IsLocked() bool { return k.policy != PolicyUnlocked }

// String returns the prefixed form accepted by ParseKey.
func (k Key) String() string {
	switch k.policy {
	case PolicyCancelPredecessor:
		return cancelPrefix + k.name
	case PolicyShareFirst:
		return sharePrefix + k.name
	default:
		return ""
	}
}
