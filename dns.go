package main

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// DNSBridge answers A queries from the record store over real DNS. It does no
// forwarding: unknown names get NXDOMAIN.
type DNSBridge struct {
	cfg       *Config
	store     *RecordStore
	log       zerolog.Logger
	udpServer *dns.Server
	tcpServer *dns.Server
}

func NewDNSBridge(cfg *Config, store *RecordStore, log zerolog.Logger) *DNSBridge {
	return &DNSBridge{
		cfg:   cfg,
		store: store,
		log:   log.With().Str("component", "dns").Logger(),
	}
}

// ServeDNS handles incoming DNS queries.
func (b *DNSBridge) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true

	for _, q := range r.Question {
		if q.Qclass != dns.ClassINET {
			continue
		}

		addr, ok := b.store.Lookup(q.Name)
		if !ok {
			msg.Rcode = dns.RcodeNameError
			b.log.Debug().Str("name", q.Name).Msg("nxdomain")
			continue
		}
		if q.Qtype != dns.TypeA {
			// name exists, no data of this type
			continue
		}

		msg.Answer = append(msg.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    60,
			},
			A: net.IP(addr.AsSlice()),
		})
		b.log.Debug().Str("name", q.Name).Str("addr", addr.String()).Msg("answer")
	}

	if err := w.WriteMsg(msg); err != nil {
		b.log.Warn().Err(err).Msg("write response failed")
	}
}

// ListenAndServe starts both UDP and TCP DNS listeners and blocks until ctx is
// cancelled or one of the servers returns an error.
func (b *DNSBridge) ListenAndServe(ctx context.Context) error {
	addr := ":" + b.cfg.DNSPort

	started := make(chan struct{}, 2)
	notify := func() { started <- struct{}{} }

	b.udpServer = &dns.Server{Addr: addr, Net: "udp", Handler: b, NotifyStartedFunc: notify}
	b.tcpServer = &dns.Server{Addr: addr, Net: "tcp", Handler: b, NotifyStartedFunc: notify}

	errCh := make(chan error, 2)

	go func() {
		b.log.Info().Str("addr", addr).Str("net", "udp").Msg("listening")
		errCh <- b.udpServer.ListenAndServe()
	}()

	go func() {
		b.log.Info().Str("addr", addr).Str("net", "tcp").Msg("listening")
		errCh <- b.tcpServer.ListenAndServe()
	}()

	// Wait until each server has either started or failed, so shutdown never
	// races a server that is still binding.
	var bindErr error
	for pending := 2; pending > 0; pending-- {
		select {
		case <-started:
		case err := <-errCh:
			if bindErr == nil {
				bindErr = err
			}
		}
	}
	if bindErr != nil {
		b.shutdown()
		return bindErr
	}

	select {
	case err := <-errCh:
		b.shutdown()
		return err
	case <-ctx.Done():
		b.log.Info().Msg("shutting down")
		b.shutdown()
		return nil
	}
}

func (b *DNSBridge) shutdown() {
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.udpServer.ShutdownContext(shutCtx)
	b.tcpServer.ShutdownContext(shutCtx)
}
