package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

// defaultSeed is used when no seed source is configured.
const defaultSeed = `
records:
  - domain: www.google.com
    address: 74.125.224.72
  - domain: www.facebook.com
    address: 69.63.176.13
  - domain: example.com
    address: 93.184.216.119
`

// SeedDocument is the YAML format of seed files and remote seed sources.
type SeedDocument struct {
	Records []SeedRecord `yaml:"records"`
}

type SeedRecord struct {
	Domain  string `yaml:"domain"`
	Address string `yaml:"address"`
}

// Seeder fills the record store from the configured seed source and, when a
// reload interval is set, keeps it in sync.
type Seeder struct {
	cfg    *Config
	store  *RecordStore
	client *http.Client
	log    zerolog.Logger

	mu      sync.Mutex
	applied map[string]struct{} // domains written by the previous load

	lastLoad   atomic.Value // time.Time
	loadErrors atomic.Int64
}

func NewSeeder(cfg *Config, store *RecordStore, log zerolog.Logger) *Seeder {
	return &Seeder{
		cfg:   cfg,
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		log:     log.With().Str("component", "seeder").Logger(),
		applied: make(map[string]struct{}),
	}
}

// source names where records come from, for logging.
func (s *Seeder) source() string {
	switch {
	case s.cfg.SeedFile != "":
		return s.cfg.SeedFile
	case s.cfg.SeedURL != "":
		return s.cfg.SeedURL
	default:
		return "built-in defaults"
	}
}

// Load fetches and validates the seed records and applies them. An invalid
// document leaves the store untouched.
func (s *Seeder) Load(ctx context.Context) error {
	data, err := s.fetch(ctx)
	if err != nil {
		s.loadErrors.Add(1)
		return fmt.Errorf("fetch seed from %s: %w", s.source(), err)
	}

	records, err := parseSeed(data)
	if err != nil {
		s.loadErrors.Add(1)
		return fmt.Errorf("parse seed from %s: %w", s.source(), err)
	}

	upserted, deleted := s.apply(records)
	s.lastLoad.Store(time.Now())
	s.log.Info().
		Str("source", s.source()).
		Int("upserted", upserted).
		Int("deleted", deleted).
		Msg("records loaded")
	if e := s.log.Debug(); e.Enabled() {
		e.Strs("domains", s.store.Domains()).Msg("store contents")
	}
	return nil
}

// Run reloads the seed every ReloadInterval until ctx is cancelled. It returns
// immediately when reloading is disabled or only built-in records are used.
func (s *Seeder) Run(ctx context.Context) {
	if s.cfg.ReloadInterval <= 0 || (s.cfg.SeedFile == "" && s.cfg.SeedURL == "") {
		return
	}

	ticker := time.NewTicker(s.cfg.ReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Debug().Msg("stopping reloads")
			return
		case <-ticker.C:
			if err := s.Load(ctx); err != nil {
				s.log.Error().Err(err).Msg("reload failed, keeping current records")
			}
		}
	}
}

func (s *Seeder) apply(records map[string]netip.Addr) (upserted, deleted int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for domain, addr := range records {
		s.store.Upsert(domain, addr)
	}
	for domain := range s.applied {
		if _, ok := records[domain]; !ok {
			s.store.Delete(domain)
			deleted++
		}
	}

	s.applied = make(map[string]struct{}, len(records))
	for domain := range records {
		s.applied[domain] = struct{}{}
	}
	return len(records), deleted
}

func (s *Seeder) fetch(ctx context.Context) ([]byte, error) {
	switch {
	case s.cfg.SeedFile != "":
		return os.ReadFile(s.cfg.SeedFile)
	case s.cfg.SeedURL != "":
		return s.fetchRemote(ctx, s.cfg.SeedURL)
	default:
		return []byte(defaultSeed), nil
	}
}

func (s *Seeder) fetchRemote(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// parseSeed decodes a seed document into normalized domain -> IPv4 records.
// Later entries for the same domain win.
func parseSeed(data []byte) (map[string]netip.Addr, error) {
	var doc SeedDocument
	if err := yaml.UnmarshalStrict(data, &doc); err != nil {
		return nil, err
	}

	records := make(map[string]netip.Addr, len(doc.Records))
	for i, r := range doc.Records {
		if err := validateDomain(r.Domain); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		addr, err := netip.ParseAddr(r.Address)
		if err != nil || !addr.Is4() {
			return nil, fmt.Errorf("record %d (%s): invalid IPv4 address %q", i, r.Domain, r.Address)
		}
		records[normalizeDomain(r.Domain)] = addr
	}
	return records, nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return fmt.Errorf("empty domain")
	}
	if len(domain) > MaxDomainLen {
		return fmt.Errorf("domain exceeds %d bytes", MaxDomainLen)
	}
	if _, ok := dns.IsDomainName(domain); !ok {
		return fmt.Errorf("invalid domain name %q", domain)
	}
	return nil
}
