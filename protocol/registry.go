package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/flashbots/fedround/crypto"
)

// VerificationStatus records how a device's last accepted update was authenticated.
type VerificationStatus string

const (
	VerificationVerified VerificationStatus = "verified"
	VerificationSkipped  VerificationStatus = "skipped"
)

// DeviceMeta is the server's record of a client device.
type DeviceMeta struct {
	Identity      string             `json:"fl_id"`
	PublicKey     crypto.PublicKey   `json:"public_key"`
	DataSize      uint64             `json:"data_size"`
	EnrolledAt    time.Time          `json:"enrolled_at"`
	LastSeen      time.Time          `json:"last_seen"`
	LastIteration uint64             `json:"last_iteration"`
	Verification  VerificationStatus `json:"verification"`
}

// Clone returns a copy that shares no memory with m.
func (m *DeviceMeta) Clone() *DeviceMeta {
	if m == nil {
		return nil
	}
	c := *m
	c.PublicKey = crypto.NewPublicKeyFromBytes(m.PublicKey)
	return &c
}

// DeviceRegistry stores device metadata keyed by identity.
// Implementations must be safe for concurrent use; operations on distinct
// identities must not block each other.
type DeviceRegistry interface {
	// Lookup returns the device record, or false if the identity is unknown.
	Lookup(ctx context.Context, identity string) (*DeviceMeta, bool, error)

	// Upsert creates or replaces the device record.
	Upsert(ctx context.Context, identity string, meta *DeviceMeta) error

	// Evict removes the device record. Evicting an unknown identity is not an error.
	Evict(ctx context.Context, identity string) error
}

// IdleEvicter is implemented by registries that can drop devices not seen
// since a cutoff. It returns the evicted identities.
type IdleEvicter interface {
	EvictIdleSince(ctx context.Context, cutoff time.Time) ([]string, error)
}

// MemoryDeviceRegistry keeps device records in process memory.
type MemoryDeviceRegistry struct {
	devices sync.Map // identity -> *DeviceMeta
}

// NewMemoryDeviceRegistry creates an empty in-memory registry.
func NewMemoryDeviceRegistry() *MemoryDeviceRegistry {
	return &MemoryDeviceRegistry{}
}

// Lookup returns a copy of the stored record.
func (r *MemoryDeviceRegistry) Lookup(_ context.Context, identity string) (*DeviceMeta, bool, error) {
	v, ok := r.devices.Load(identity)
	if !ok {
		return nil, false, nil
	}
	return v.(*DeviceMeta).Clone(), true, nil
}

// Upsert stores a copy of meta.
func (r *MemoryDeviceRegistry) Upsert(_ context.Context, identity string, meta *DeviceMeta) error {
	stored := meta.Clone()
	stored.Identity = identity
	r.devices.Store(identity, stored)
	return nil
}

// Evict removes the record.
func (r *MemoryDeviceRegistry) Evict(_ context.Context, identity string) error {
	r.devices.Delete(identity)
	return nil
}

// EvictIdleSince removes records last seen before cutoff.
func (r *MemoryDeviceRegistry) EvictIdleSince(_ context.Context, cutoff time.Time) ([]string, error) {
	var evicted []string
	r.devices.Range(func(k, v any) bool {
		if v.(*DeviceMeta).LastSeen.Before(cutoff) {
			r.devices.Delete(k)
			evicted = append(evicted, k.(string))
		}
		return true
	})
	return evicted, nil
}

// Len returns the number of stored devices.
func (r *MemoryDeviceRegistry) Len() int {
	n := 0
	r.devices.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
