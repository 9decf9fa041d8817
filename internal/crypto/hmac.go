package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// APIKeyHeader carries the API key on signed exchange requests.
const APIKeyHeader = "X-MBX-APIKEY"

// APIAuth holds exchange API credentials for HMAC-signed REST requests.
type APIAuth struct {
	Key    string
	Secret string
	// RecvWindow bounds how stale a signed request may be when it reaches
	// the venue. Zero leaves the venue default.
	RecvWindow time.Duration
}

// Sign returns the hex HMAC-SHA256 of payload under the API secret.
func (a *APIAuth) Sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(a.Secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignQuery stamps params with timestamp (and recvWindow) and returns the
// encoded query with the signature appended as the last parameter.
func (a *APIAuth) SignQuery(params url.Values, now time.Time) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(now.UnixMilli(), 10))
	if a.RecvWindow > 0 {
		params.Set("recvWindow", strconv.FormatInt(a.RecvWindow.Milliseconds(), 10))
	}
	q := params.Encode()
	return q + "&signature=" + a.Sign(q)
}

// String returns a redacted representation suitable for logging.
func (a *APIAuth) String() string {
	return fmt.Sprintf("APIAuth{key=%s, secret=%s}", redact(a.Key), redact(a.Secret))
}

func redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
