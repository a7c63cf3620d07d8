// Package idem derives stable idempotency keys for run triggers. Everything
// here is pure: two semantically identical trigger requests map to the same
// key with no coordination between clients.
package idem

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// namespace scopes derived keys so they cannot collide with client keys
// derived by other systems using the same payloads.
var namespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("ledgerline.run"))

// Resolve returns the idempotency key for a trigger request. A non-empty
// client-supplied key is used verbatim; otherwise the key is a stable hash
// over (runType, canonicalized payload).
func Resolve(clientKey, runType string, payload map[string]any) string {
	if strings.TrimSpace(clientKey) != "" {
		return strings.TrimSpace(clientKey)
	}
	return uuid.NewSHA1(namespace, []byte(runType+"\n"+Canonical(payload))).String()
}

// PayloadHash returns a digest of the canonicalized payload, used to detect
// the same key being replayed with a different payload.
func PayloadHash(payload map[string]any) string {
	sum := sha256.Sum256([]byte(Canonical(payload)))
	return hex.EncodeToString(sum[:])
}

// Canonical renders a payload so that semantically identical payloads
// produce identical output: object keys sorted, numbers in minimal form,
// date-like strings normalized to 2006-01-02.
func Canonical(v any) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(t))
	case string:
		b.WriteString(strconv.Quote(normalizeDate(t)))
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case int:
		b.WriteString(strconv.Itoa(t))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case []any:
		b.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			writeCanonical(b, t[k])
		}
		b.WriteByte('}')
	default:
		b.WriteString(strconv.Quote(fmt.Sprintf("%v", t)))
	}
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02.01.2006",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// normalizeDate collapses common date renderings to 2006-01-02 so that
// "2026-03-15" and "2026-03-15T00:00:00Z" derive the same key. Non-date
// strings pass through unchanged.
func normalizeDate(s string) string {
	if len(s) < 8 || len(s) > 35 {
		return s
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format("2006-01-02")
		}
	}
	return s
}
