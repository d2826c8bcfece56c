package provider

import (
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var expiryKeys = [...]string{"expiresAt", "expires_at", "expiry_date", "expired", "expire", "expiry", "expires"}

var expiryNests = [...]string{"claudeAiOauth", "tokens", "token"}

// ExpirationTime extracts the credential expiry timestamp from a payload,
// probing the common key spellings at top level and inside the known nested
// token objects. It accepts RFC3339 strings and unix epochs in seconds or
// milliseconds.
func ExpirationTime(payload []byte) (time.Time, bool) {
	if ts, ok := expiryFrom(payload, ""); ok {
		return ts, true
	}
	for _, nest := range expiryNests {
		if ts, ok := expiryFrom(payload, nest+"."); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}

func expiryFrom(payload []byte, prefix string) (time.Time, bool) {
	for _, key := range expiryKeys {
		res := gjson.GetBytes(payload, prefix+key)
		if !res.Exists() {
			continue
		}
		if ts, ok := parseTimeValue(res); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}

func parseTimeValue(res gjson.Result) (time.Time, bool) {
	switch res.Type {
	case gjson.String:
		s := strings.TrimSpace(res.String())
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
		if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
			return normalizeUnix(unix)
		}
	case gjson.Number:
		return normalizeUnix(res.Int())
	}
	return time.Time{}, false
}

// normalizeUnix treats values above 1e12 as millisecond epochs.
func normalizeUnix(raw int64) (time.Time, bool) {
	if raw <= 0 {
		return time.Time{}, false
	}
	if raw > 1_000_000_000_000 {
		return time.UnixMilli(raw), true
	}
	return time.Unix(raw, 0), true
}
