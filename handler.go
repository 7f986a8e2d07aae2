package main

import (
	"strings"
)

// MaxRequestLen bounds a request line, terminator excluded.
const MaxRequestLen = 255

// Fixed protocol replies. Client text never reaches a format string.
const (
	missPrefix    = "Could not find domain name "
	missSuffix    = "!\n"
	respTooLong   = "Request too long!\n"
	respMalformed = "Malformed request!\n"
	respBusy      = "Server busy!\n"
)

// Request outcomes, used as metric labels.
const (
	resultHit     = "hit"
	resultMiss    = "miss"
	resultInvalid = "invalid"
)

// RequestHandler turns one request line into one response line.
type RequestHandler struct {
	store *RecordStore
}

func NewRequestHandler(store *RecordStore) *RequestHandler {
	return &RequestHandler{store: store}
}

// Handle answers a single request. line must already be stripped of its
// terminator. The returned response always ends in '\n'.
func (h *RequestHandler) Handle(line []byte) (resp []byte, result string) {
	if len(line) > MaxRequestLen {
		return []byte(respTooLong), resultInvalid
	}
	if len(line) == 0 || !isPrintableASCII(line) {
		return []byte(respMalformed), resultInvalid
	}

	domain := string(line)
	if addr, ok := h.store.Lookup(domain); ok {
		return append([]byte(addr.String()), '\n'), resultHit
	}

	return missResponse(domain), resultMiss
}

func missResponse(domain string) []byte {
	safe := sanitizeDomain(domain)
	b := make([]byte, 0, len(missPrefix)+len(safe)+len(missSuffix))
	b = append(b, missPrefix...)
	b = append(b, safe...)
	b = append(b, missSuffix...)
	return b
}

func isPrintableASCII(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

// sanitizeDomain escapes anything outside printable ASCII as \xNN so the
// echoed name can never carry control sequences or line breaks.
func sanitizeDomain(domain string) string {
	const hex = "0123456789abcdef"

	var sb strings.Builder
	sb.Grow(len(domain))
	for i := 0; i < len(domain); i++ {
		c := domain[i]
		if c >= 0x20 && c <= 0x7e && c != '\\' {
			sb.WriteByte(c)
			continue
		}
		sb.WriteString(`\x`)
		sb.WriteByte(hex[c>>4])
		sb.WriteByte(hex[c&0x0f])
	}
	return sb.String()
}
