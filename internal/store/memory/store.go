// Package memory provides in-memory credential, usage, and counter stores
// for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/WarriorSushi/Speedstein-sub004/internal/render"
)

// ErrCredentialNotFound is returned when no credential matches the hash.
var ErrCredentialNotFound = render.ErrCredentialNotFound

type counterKey struct {
	tenantID    string
	periodStart time.Time
}

// Store holds all tenant state in process memory.
type Store struct {
	mu          sync.RWMutex
	credentials map[string]render.Credential // keyed by secret hash
	tenants     map[string]render.Tenant
	usage       []render.UsageRecord
	counters    map[counterKey]int64
	applied     map[string]struct{} // increment request IDs
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		credentials: make(map[string]render.Credential),
		tenants:     make(map[string]render.Tenant),
		counters:    make(map[counterKey]int64),
		applied:     make(map[string]struct{}),
	}
}

// Seed registers a tenant and one credential for it.
func (s *Store) Seed(tenant render.Tenant, cred render.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[tenant.ID] = tenant
	s.credentials[cred.SecretHash] = cred
}

// Resolve looks up a credential and its tenant by secret hash.
func (s *Store) Resolve(_ context.Context, secretHash string) (render.Credential, render.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.credentials[secretHash]
	if !ok {
		return render.Credential{}, render.Tenant{}, ErrCredentialNotFound
	}
	tenant, ok := s.tenants[cred.TenantID]
	if !ok {
		return render.Credential{}, render.Tenant{}, ErrCredentialNotFound
	}
	return cred, tenant, nil
}

// TouchLastUsed records when the credential last authenticated a request.
func (s *Store) TouchLastUsed(_ context.Context, credentialID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, cred := range s.credentials {
		if cred.ID == credentialID {
			cred.LastUsedAt = &at
			s.credentials[hash] = cred
			return nil
		}
	}
	return nil
}

// RecordUsage appends one usage record.
func (s *Store) RecordUsage(_ context.Context, rec render.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, rec)
	return nil
}

// UsageRecords returns a copy of all recorded usage, for tests.
func (s *Store) UsageRecords() []render.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]render.UsageRecord, len(s.usage))
	copy(out, s.usage)
	return out
}

// Usage returns the durable usage total for (tenant, period).
func (s *Store) Usage(_ context.Context, tenantID string, periodStart time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[counterKey{tenantID, periodStart}], nil
}

// Increment adds units for (tenant, period), once per request ID.
func (s *Store) Increment(_ context.Context, tenantID string, periodStart time.Time, n int64, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.applied[requestID]; done {
		return nil
	}
	s.applied[requestID] = struct{}{}
	s.counters[counterKey{tenantID, periodStart}] += n
	return nil
}
