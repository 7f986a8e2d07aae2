package main

import (
	"net/netip"
	"sort"
	"strings"
	"sync"
)

// MaxDomainLen is the longest domain name a record may carry.
const MaxDomainLen = 254

// RecordStore holds name -> IPv4 records in memory with thread-safe access.
// Lookups share a read lock; Upsert and Delete are exclusive.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]netip.Addr // normalized domain -> IPv4
}

func NewRecordStore() *RecordStore {
	return &RecordStore{
		records: make(map[string]netip.Addr),
	}
}

// normalizeDomain lowercases the name and drops a single trailing dot so that
// "Example.COM." and "example.com" share a key.
func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSuffix(domain, "."))
}

// Upsert inserts or overwrites the record for domain. Names differing only in
// case or a trailing dot are the same record.
func (s *RecordStore) Upsert(domain string, addr netip.Addr) {
	key := normalizeDomain(domain)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = addr
}

// Lookup returns the address stored for domain.
func (s *RecordStore) Lookup(domain string) (netip.Addr, bool) {
	key := normalizeDomain(domain)
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.records[key]
	return addr, ok
}

// Delete removes the record for domain; absent domains are a no-op.
func (s *RecordStore) Delete(domain string) {
	key := normalizeDomain(domain)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
}

// Count returns the number of records.
func (s *RecordStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Domains returns all stored domains, sorted, for logging.
func (s *RecordStore) Domains() []string {
	s.mu.RLock()
	domains := make([]string, 0, len(s.records))
	for d := range s.records {
		domains = append(domains, d)
	}
	s.mu.RUnlock()

	sort.Strings(domains)
	return domains
}
