package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// HMACAuth holds the credentials required for signed Bybit v5 requests.
type HMACAuth struct {
	Key          string // API key
	Secret       string // API secret, used raw as the HMAC key
	RecvWindowMs int
}

// Headers returns the HTTP headers for a private v5 request. payload is the
// raw query string for GET requests and the JSON body for POST requests.
// The signature is hex(HMAC-SHA256(secret, timestamp+key+recvWindow+payload)).
//
// Returned header keys:
//   - X-BAPI-API-KEY
//   - X-BAPI-TIMESTAMP
//   - X-BAPI-RECV-WINDOW
//   - X-BAPI-SIGN
//   - X-BAPI-SIGN-TYPE
func (h *HMACAuth) Headers(payload string) map[string]string {
	return h.HeadersAt(payload, time.Now().UnixMilli())
}

// HeadersAt is like Headers but lets the caller supply the millisecond
// timestamp (useful for deterministic testing).
func (h *HMACAuth) HeadersAt(payload string, unixMs int64) map[string]string {
	ts := strconv.FormatInt(unixMs, 10)
	window := strconv.Itoa(h.recvWindow())
	sig := hmacSHA256Hex([]byte(h.Secret), ts+h.Key+window+payload)

	return map[string]string{
		"X-BAPI-API-KEY":     h.Key,
		"X-BAPI-TIMESTAMP":   ts,
		"X-BAPI-RECV-WINDOW": window,
		"X-BAPI-SIGN":        sig,
		"X-BAPI-SIGN-TYPE":   "2",
	}
}

func (h *HMACAuth) recvWindow() int {
	if h.RecvWindowMs <= 0 {
		return 5000
	}
	return h.RecvWindowMs
}

// hmacSHA256Hex computes HMAC-SHA256 of message using key and returns the
// lowercase hex digest.
func hmacSHA256Hex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
