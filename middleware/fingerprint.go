package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

type FingerprintKey string

const (
	FingerprintContextKey FingerprintKey = "fingerprint"

	// DeviceFingerprintHeader carries a client-computed fingerprint. When
	// absent one is derived from the request headers.
	DeviceFingerprintHeader = "X-Device-Fingerprint"
)

// Fingerprint stores a device fingerprint in the request context.
func Fingerprint(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fingerprint := r.Header.Get(DeviceFingerprintHeader)
		if fingerprint == "" {
			fingerprint = generateFingerprint(r)
		}
		ctx := context.WithValue(r.Context(), FingerprintContextKey, fingerprint)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func generateFingerprint(r *http.Request) string {
	components := []string{
		getClientIP(r),
		r.UserAgent(),
		r.Header.Get("Accept-Language"),
		r.Header.Get("Accept-Encoding"),
		r.Header.Get("Accept"),
	}

	data := strings.Join(components, "|")
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

func GetFingerprint(ctx context.Context) string {
	if val, ok := ctx.Value(FingerprintContextKey).(string); ok {
		return val
	}
	return ""
}
