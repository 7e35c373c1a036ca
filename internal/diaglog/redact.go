package diaglog

import (
	"net/url"
	"strings"
)

const redacted = "[REDACTED]"

// sensitiveKeys are matched case-insensitively against payload keys.
var sensitiveKeys = map[string]bool{
	"token":         true,
	"authorization": true,
	"password":      true,
	"secret":        true,
	"challenge":     true,
	"salt":          true,
	"auth":          true,
	"api_key":       true,
}

// sensitiveSuffixes catch compound keys such as asr_token or access_key.
var sensitiveSuffixes = []string{"_token", "_key", "_secret", "_password"}

// sensitiveQueryParams are stripped from URL-valued strings.
var sensitiveQueryParams = []string{"token", "key", "access_token", "api_key", "sig"}

func isSensitiveKey(k string) bool {
	k = strings.ReplaceAll(strings.ToLower(k), "-", "_")
	if sensitiveKeys[k] {
		return true
	}
	for _, s := range sensitiveSuffixes {
		if strings.HasSuffix(k, s) {
			return true
		}
	}
	return false
}

// Redact returns a copy of v with sensitive values replaced. Maps are walked
// recursively; string values that parse as URLs lose their userinfo and any
// credential-like query parameters. v itself is never mutated.
func Redact(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			if isSensitiveKey(k) {
				out[k] = redacted
				continue
			}
			out[k] = Redact(child)
		}
		return out
	case map[string]string:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			if isSensitiveKey(k) {
				out[k] = redacted
				continue
			}
			out[k] = redactURL(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = Redact(elem)
		}
		return out
	case string:
		return redactURL(val)
	default:
		return v
	}
}

// redactURL scrubs credentials from absolute http(s)/ws(s) URLs and returns
// any other string unchanged.
func redactURL(s string) string {
	if !strings.Contains(s, "://") {
		return s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return s
	}
	changed := false
	if u.User != nil {
		u.User = url.User(redacted)
		changed = true
	}
	q := u.Query()
	for _, p := range sensitiveQueryParams {
		if q.Has(p) {
			q.Set(p, redacted)
			changed = true
		}
	}
	if !changed {
		return s
	}
	u.RawQuery = q.Encode()
	return u.String()
}
