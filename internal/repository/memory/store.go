// Package memory implements every service store in process memory.
//
// It backs the engine when no DATABASE_URL is configured and serves as the
// reference implementation in tests. All methods are safe for concurrent
// use; values are copied in and out so callers never share state with the
// store.
package memory

import (
	"sync"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Store holds all entities keyed by tenant and ID.
type Store struct {
	mu          sync.RWMutex
	recipients  map[string]domain.Recipient
	providers   map[string]domain.Provider
	records     map[string]*domain.DeliveryRecord
	campaigns   map[string]*domain.Campaign
	segments    map[string]domain.Segment
	drips       map[string]*domain.DripDefinition
	enrollments map[string]*domain.Enrollment
	tests       map[string]*domain.ABTest
	templates   map[string]domain.ContentRef
}

func New() *Store {
	return &Store{
		recipients:  make(map[string]domain.Recipient),
		providers:   make(map[string]domain.Provider),
		records:     make(map[string]*domain.DeliveryRecord),
		campaigns:   make(map[string]*domain.Campaign),
		segments:    make(map[string]domain.Segment),
		drips:       make(map[string]*domain.DripDefinition),
		enrollments: make(map[string]*domain.Enrollment),
		tests:       make(map[string]*domain.ABTest),
		templates:   make(map[string]domain.ContentRef),
	}
}

func key(tenant domain.TenantID, id string) string { return string(tenant) + "/" + id }

// =============================================================================
// Seeding
// =============================================================================

func (s *Store) PutRecipient(r domain.Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipients[key(r.TenantID, r.ID)] = r
}

func (s *Store) PutProvider(p domain.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[key(p.TenantID, p.ID)] = p
}

func (s *Store) PutSegment(seg domain.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments[key(seg.TenantID, seg.ID)] = seg
}

func (s *Store) PutDrip(d domain.DripDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drips[key(d.TenantID, d.ID)] = &d
}

func (s *Store) PutTest(t domain.ABTest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Variants = append([]domain.Variant(nil), t.Variants...)
	s.tests[key(t.TenantID, t.ID)] = &t
}

func (s *Store) PutTemplate(id string, ref domain.ContentRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[id] = ref
}

func (s *Store) PutEnrollment(e domain.Enrollment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrollments[key(e.TenantID, e.ID)] = &e
}

func (s *Store) PutRecord(r domain.DeliveryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key(r.TenantID, r.ID)] = &r
}
