// Package fingerprint derives stable request and device fingerprints and
// detects automation signatures in transport metadata.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// RequestFingerprint is an immutable snapshot of request metadata. It is
// created per request and never persisted beyond its derived hash.
type RequestFingerprint struct {
	UserAgent          string   `json:"user_agent"`
	Accept             string   `json:"accept"`
	AcceptLanguage     string   `json:"accept_language"`
	AcceptEncoding     string   `json:"accept_encoding"`
	TLSFingerprint     string   `json:"tls_fingerprint"`
	ClientHintUA       string   `json:"client_hint_ua"`
	ClientHintPlatform string   `json:"client_hint_platform"`
	ClientHintMobile   string   `json:"client_hint_mobile"`
	ForwardedIPs       []string `json:"forwarded_ips"`
}

// FromHeaders extracts a fingerprint from transport headers. The TLS
// fingerprint is whatever the edge computed (JA3 hash or equivalent),
// passed through on a trusted header.
func FromHeaders(h http.Header) RequestFingerprint {
	fp := RequestFingerprint{
		UserAgent:          h.Get("User-Agent"),
		Accept:             h.Get("Accept"),
		AcceptLanguage:     h.Get("Accept-Language"),
		AcceptEncoding:     h.Get("Accept-Encoding"),
		TLSFingerprint:     h.Get("X-TLS-Fingerprint"),
		ClientHintUA:       h.Get("Sec-CH-UA"),
		ClientHintPlatform: h.Get("Sec-CH-UA-Platform"),
		ClientHintMobile:   h.Get("Sec-CH-UA-Mobile"),
	}
	if fwd := h.Get("X-Forwarded-For"); fwd != "" {
		for _, ip := range strings.Split(fwd, ",") {
			if ip = strings.TrimSpace(ip); ip != "" {
				fp.ForwardedIPs = append(fp.ForwardedIPs, ip)
			}
		}
	}
	return fp
}

// Hash returns a stable hash over the fixed identity subset of fields.
// Volatile headers (forwarded IPs, accept) are deliberately excluded so the
// hash survives routine network changes.
func (fp RequestFingerprint) Hash() string {
	h := sha256.New()
	for _, part := range []string{
		fp.UserAgent,
		fp.AcceptLanguage,
		fp.AcceptEncoding,
		fp.TLSFingerprint,
		fp.ClientHintUA,
		fp.ClientHintPlatform,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
