package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// Platform is the client family a push token was issued for.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformWeb     Platform = "web"
)

func (p Platform) String() string { return string(p) }

func (p Platform) IsValid() bool {
	switch p {
	case PlatformAndroid, PlatformIOS, PlatformWeb:
		return true
	}
	return false
}

// DefaultMaxTokensPerUser bounds the per-user token collection.
const DefaultMaxTokensPerUser = 10

// DeviceToken is one registered push endpoint of a user. The JSON shape is the
// canonical on-disk representation of the users.fcm_tokens column.
type DeviceToken struct {
	Token      string    `json:"token"`
	Platform   Platform  `json:"platform"`
	DeviceID   *string   `json:"device_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// InferPlatform guesses the platform from the token shape. FCM registration
// tokens carry an instance id prefix separated by a colon; raw APNs device
// tokens are plain hex; anything else is treated as a web push token.
func InferPlatform(token string) Platform {
	switch {
	case strings.Contains(token, ":APA91"):
		return PlatformAndroid
	case isHex(token):
		return PlatformIOS
	default:
		return PlatformWeb
	}
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// TokenClass is the verdict of TokenPolicy.Classify.
type TokenClass int

const (
	TokenInvalid TokenClass = iota
	TokenValid
	TokenTest
)

func (c TokenClass) String() string {
	switch c {
	case TokenValid:
		return "valid"
	case TokenTest:
		return "test"
	default:
		return "invalid"
	}
}

var testTokenPrefixes = []string{"test_", "test-", "mock_"}

// minTestTokenLength is the prefix plus at least seven characters.
const minTestTokenLength = 12

// TokenPolicy decides which token strings may be stored.
type TokenPolicy struct {
	Environment     string
	AllowTestTokens bool
	MinLength       int
	MaxLength       int
	// ExtendedCharset additionally admits '.', '~' and '%'.
	ExtendedCharset bool
}

func DefaultTokenPolicy(environment string, allowTestTokens bool) TokenPolicy {
	return TokenPolicy{
		Environment:     environment,
		AllowTestTokens: allowTestTokens,
		MinLength:       100,
		MaxLength:       500,
	}
}

func IsProduction(environment string) bool {
	switch strings.ToLower(strings.TrimSpace(environment)) {
	case "production", "prod":
		return true
	}
	return false
}

func (p TokenPolicy) Classify(token string) TokenClass {
	if !p.wellFormed(token) {
		return TokenInvalid
	}

	if hasTestPrefix(token) {
		// Test tokens never reach a production gateway, whatever the flag says.
		if IsProduction(p.Environment) || !p.AllowTestTokens {
			return TokenInvalid
		}
		return TokenTest
	}

	return TokenValid
}

// wellFormed checks length and charset only. Test-prefixed tokens get a
// shorter minimum but the same charset.
func (p TokenPolicy) wellFormed(token string) bool {
	minLen, maxLen := p.MinLength, p.MaxLength
	if minLen <= 0 {
		minLen = 100
	}
	if maxLen <= 0 {
		maxLen = 500
	}
	if hasTestPrefix(token) {
		minLen = minTestTokenLength
	}
	if len(token) < minLen || len(token) > maxLen {
		return false
	}

	for _, r := range token {
		if !p.allowedRune(r) {
			return false
		}
	}
	return true
}

// storedTokenShape is the loosest policy any deployment runs with.
var storedTokenShape = TokenPolicy{ExtendedCharset: true}

// WellFormedToken reports whether a stored entry has the shape of a token
// under any environment. Entries failing it are dropped when a user's
// token list is loaded, so they never count against the per-user cap.
func WellFormedToken(token string) bool {
	return storedTokenShape.wellFormed(token)
}

func (p TokenPolicy) IsValid(token string) bool {
	return p.Classify(token) != TokenInvalid
}

func (p TokenPolicy) allowedRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-' || r == ':':
		return true
	case p.ExtendedCharset && (r == '.' || r == '~' || r == '%'):
		return true
	}
	return false
}

func hasTestPrefix(token string) bool {
	lower := strings.ToLower(token)
	for _, prefix := range testTokenPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// NormalizeTokens decodes every historical shape of the token column: a bare
// string, a JSON-encoded string, an array of strings or an array of metadata
// objects. Malformed entries, and entries rejected by keep, are dropped.
// Duplicates collapse to the most recently used entry.
func NormalizeTokens(raw []byte, keep func(string) bool, now time.Time) []DeviceToken {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}

	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		// Not JSON at all: a bare token string.
		decoded = trimmed
	}

	var entries []DeviceToken
	collectTokens(decoded, now, &entries, 0)

	out := make([]DeviceToken, 0, len(entries))
	index := make(map[string]int, len(entries))
	for _, entry := range entries {
		if keep != nil && !keep(entry.Token) {
			continue
		}
		if i, ok := index[entry.Token]; ok {
			if entry.LastUsedAt.After(out[i].LastUsedAt) {
				out[i] = entry
			}
			continue
		}
		index[entry.Token] = len(out)
		out = append(out, entry)
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

func collectTokens(value any, now time.Time, out *[]DeviceToken, depth int) {
	if depth > 2 {
		return
	}

	switch v := value.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return
		}
		if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") || strings.HasPrefix(s, `"`) {
			var nested any
			if err := json.Unmarshal([]byte(s), &nested); err == nil {
				collectTokens(nested, now, out, depth+1)
				return
			}
		}
		*out = append(*out, DeviceToken{
			Token:      s,
			Platform:   InferPlatform(s),
			CreatedAt:  now,
			LastUsedAt: now,
		})
	case []any:
		for _, item := range v {
			switch item.(type) {
			case string, map[string]any:
				collectTokens(item, now, out, depth+1)
			}
		}
	case map[string]any:
		if entry, ok := tokenFromObject(v, now); ok {
			*out = append(*out, entry)
		}
	}
}

func tokenFromObject(obj map[string]any, now time.Time) (DeviceToken, bool) {
	token, ok := obj["token"].(string)
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return DeviceToken{}, false
	}

	entry := DeviceToken{
		Token:      token,
		Platform:   Platform(stringField(obj, "platform")),
		CreatedAt:  timeField(obj, now, "created_at", "createdAt"),
		LastUsedAt: timeField(obj, time.Time{}, "last_used_at", "lastUsedAt"),
	}
	if !entry.Platform.IsValid() {
		entry.Platform = InferPlatform(token)
	}
	if entry.LastUsedAt.IsZero() {
		entry.LastUsedAt = entry.CreatedAt
	}
	if deviceID := stringField(obj, "device_id", "deviceId"); deviceID != "" {
		entry.DeviceID = &deviceID
	}

	return entry, true
}

func stringField(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := obj[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func timeField(obj map[string]any, fallback time.Time, keys ...string) time.Time {
	raw := stringField(obj, keys...)
	if raw == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05.000000Z"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC()
		}
	}
	return fallback
}

// EncodeTokens renders tokens in the canonical column shape.
func EncodeTokens(tokens []DeviceToken) ([]byte, error) {
	if tokens == nil {
		tokens = []DeviceToken{}
	}
	data, err := json.Marshal(tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to encode device tokens: %w", err)
	}
	return data, nil
}

// UpsertToken adds token or refreshes its LastUsedAt. When the collection is
// full the least recently used entries are evicted first; they are returned.
func UpsertToken(tokens []DeviceToken, token string, deviceID *string, now time.Time, limit int) ([]DeviceToken, []DeviceToken) {
	if limit <= 0 {
		limit = DefaultMaxTokensPerUser
	}

	// Malformed legacy entries never hold a slot against the cap.
	tokens = slices.DeleteFunc(tokens, func(t DeviceToken) bool {
		return !WellFormedToken(t.Token)
	})

	for i := range tokens {
		if tokens[i].Token == token {
			tokens[i].LastUsedAt = now
			if deviceID != nil && *deviceID != "" {
				tokens[i].DeviceID = deviceID
			}
			return tokens, nil
		}
	}

	var evicted []DeviceToken
	if len(tokens) >= limit {
		ordered := make([]DeviceToken, len(tokens))
		copy(ordered, tokens)
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].LastUsedAt.Before(ordered[j].LastUsedAt)
		})
		evicted = ordered[:len(tokens)-limit+1]
		drop := make(map[string]struct{}, len(evicted))
		for _, e := range evicted {
			drop[e.Token] = struct{}{}
		}
		kept := tokens[:0:0]
		for _, t := range tokens {
			if _, ok := drop[t.Token]; !ok {
				kept = append(kept, t)
			}
		}
		tokens = kept
	}

	entry := DeviceToken{
		Token:      token,
		Platform:   InferPlatform(token),
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if deviceID != nil && *deviceID != "" {
		entry.DeviceID = deviceID
	}

	return append(tokens, entry), evicted
}

// RemoveTokenValues drops the given token values and returns the ones that
// were present.
func RemoveTokenValues(tokens []DeviceToken, values ...string) ([]DeviceToken, []string) {
	if len(values) == 0 || len(tokens) == 0 {
		return tokens, nil
	}
	drop := make(map[string]struct{}, len(values))
	for _, v := range values {
		drop[v] = struct{}{}
	}

	kept := make([]DeviceToken, 0, len(tokens))
	var removed []string
	for _, t := range tokens {
		if _, ok := drop[t.Token]; ok {
			removed = append(removed, t.Token)
			continue
		}
		kept = append(kept, t)
	}
	return kept, removed
}

// TouchTokens stamps LastUsedAt on every listed token and reports how many matched.
func TouchTokens(tokens []DeviceToken, values []string, now time.Time) int {
	if len(values) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	touched := 0
	for i := range tokens {
		if _, ok := set[tokens[i].Token]; ok {
			tokens[i].LastUsedAt = now
			touched++
		}
	}
	return touched
}

func TokenValues(tokens []DeviceToken) []string {
	values := make([]string, 0, len(tokens))
	for _, t := range tokens {
		values = append(values, t.Token)
	}
	return values
}
