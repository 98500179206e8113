package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// RelayAuth holds the shared key used to authenticate calls to the order
// signer relay.
type RelayAuth struct {
	KeyID  string
	Secret string
}

// Headers returns the HTTP headers for a relay request. The signature is
// HMAC-SHA256(secret, timestamp+method+path+body) encoded as base64.
func (r *RelayAuth) Headers(method, path, body string) map[string]string {
	return r.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers with a caller-supplied Unix timestamp.
func (r *RelayAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	mac := hmac.New(sha256.New, []byte(r.Secret))
	mac.Write([]byte(ts + method + path + body))

	return map[string]string{
		"X-Relay-Key":       r.KeyID,
		"X-Relay-Timestamp": ts,
		"X-Relay-Signature": base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	}
}

// String returns a redacted representation suitable for logging.
func (r *RelayAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("RelayAuth{key=%s, secret=%s}", redact(r.KeyID), redact(r.Secret))
}
