// Package store defines the state-store capability hooks (spec.md §4.2):
// the core never touches the filesystem itself for identity/world/peer/
// network-config caches, it only calls Put/Get on whatever the embedder
// wires up (memory, disk, a KV service, ...).
package store

import (
	"bytes"
	"sync"

	"ztcore.dev/ztcore/events"
)

// Kind identifies what kind of object is being stored.
type Kind int

const (
	KindIdentityPublic Kind = iota
	KindIdentitySecret
	KindPlanet
	KindPeer
	KindNetworkConfig
)

// storeEventCode maps a Kind to the STORE_* event spec.md §4.2 says a Put
// should raise so an embedder can mirror writes into its own persistence
// without polling Get.
func (k Kind) storeEventCode() events.Code {
	switch k {
	case KindIdentityPublic:
		return events.StoreIdentityPublic
	case KindIdentitySecret:
		return events.StoreIdentitySecret
	case KindPlanet:
		return events.StorePlanet
	case KindPeer:
		return events.StorePeer
	case KindNetworkConfig:
		return events.StoreNetwork
	default:
		return events.StoreIdentityPublic
	}
}

func (k Kind) String() string {
	switch k {
	case KindIdentityPublic:
		return "identity.public"
	case KindIdentitySecret:
		return "identity.secret"
	case KindPlanet:
		return "planet"
	case KindPeer:
		return "peer"
	case KindNetworkConfig:
		return "network_config"
	default:
		return "unknown"
	}
}

// ID is the two-element object-specific identifier: network_config uses
// (net_id, 0); peer uses (node_id, 0); identity/planet kinds ignore it.
type ID [2]uint64

// Hooks is the capability surface an embedder implements to back the
// core's caches. A Put with len(data) treated specially: a nil data (as
// opposed to an empty non-nil slice) signals delete, matching spec.md's
// "len < 0 means delete" on the C ABI, translated to Go's nil-vs-empty
// distinction.
type Hooks interface {
	// Put writes (or, if data == nil, deletes) the object, returning an
	// error only for hard failures; a permission or quota rejection should
	// be returned as an error and is logged by the caller, never panicked.
	Put(kind Kind, id ID, data []byte) error
	// Get returns the stored bytes and true, or (nil, false) on a miss.
	Get(kind Kind, id ID) ([]byte, bool)
}

// CachePolicy controls which kinds the core is allowed to persist via Put;
// it never affects Get (an embedder may always answer from an existing
// cache). This matches spec.md §4.2's allow_*_caching flags.
type CachePolicy struct {
	AllowIdentity bool
	AllowRootSet  bool
	AllowPeer     bool
	AllowNetwork  bool
}

func (p CachePolicy) allows(k Kind) bool {
	switch k {
	case KindIdentityPublic, KindIdentitySecret:
		return p.AllowIdentity
	case KindPlanet:
		return p.AllowRootSet
	case KindPeer:
		return p.AllowPeer
	case KindNetworkConfig:
		return p.AllowNetwork
	default:
		return true
	}
}

// Store wraps embedder Hooks with the policy + idempotence + in-memory
// mirror rules the core itself is responsible for enforcing (spec.md §4.2):
// duplicate writes of identical bytes are skipped, and the most recently
// written identity/planet objects are mirrored in memory so that a Get
// right after a Put always succeeds without round-tripping to the hooks.
type Store struct {
	hooks  Hooks
	policy CachePolicy
	eq     *events.Queue

	mu     sync.RWMutex
	mirror map[Kind][]byte // identity_public, identity_secret, planet only
}

// New wraps hooks with the core's store policy and mirroring behavior. A
// nil hooks is valid and makes every Get a miss and every Put a no-op,
// useful for an embedder that opts out of persistence entirely. A nil eq
// disables STORE_* event emission; production services wire their own
// event queue through so an embedder can mirror writes without polling Get.
func New(hooks Hooks, policy CachePolicy, eq *events.Queue) *Store {
	return &Store{
		hooks:  hooks,
		policy: policy,
		eq:     eq,
		mirror: make(map[Kind][]byte),
	}
}

func mirrored(k Kind) bool {
	return k == KindIdentityPublic || k == KindIdentitySecret || k == KindPlanet
}

// Put writes an object, subject to the cache policy and idempotence rule.
// A nil data deletes the object regardless of policy (deletes are always
// allowed; only new writes can be suppressed).
func (s *Store) Put(kind Kind, id ID, data []byte) error {
	if data != nil && !s.policy.allows(kind) {
		if mirrored(kind) {
			s.mu.Lock()
			s.mirror[kind] = append([]byte(nil), data...)
			s.mu.Unlock()
		}
		return nil
	}
	if s.hooks != nil {
		if data != nil {
			if existing, ok := s.hooks.Get(kind, id); ok && bytes.Equal(existing, data) {
				// Idempotent: identical bytes already on disk, skip the write.
			} else if err := s.hooks.Put(kind, id, data); err != nil {
				return err
			}
		} else if err := s.hooks.Put(kind, id, nil); err != nil {
			return err
		}
	}
	if mirrored(kind) {
		s.mu.Lock()
		if data == nil {
			delete(s.mirror, kind)
		} else {
			s.mirror[kind] = append([]byte(nil), data...)
		}
		s.mu.Unlock()
	}
	if s.eq != nil {
		s.eq.Enqueue(kind.storeEventCode(), id)
	}
	return nil
}

// Get returns the object's bytes, consulting the in-memory mirror first for
// identity/planet kinds, then falling through to the embedder's hooks.
func (s *Store) Get(kind Kind, id ID) ([]byte, bool) {
	if mirrored(kind) {
		s.mu.RLock()
		b, ok := s.mirror[kind]
		s.mu.RUnlock()
		if ok {
			return append([]byte(nil), b...), true
		}
	}
	if s.hooks == nil {
		return nil, false
	}
	return s.hooks.Get(kind, id)
}
