// Package ruleengine holds the thread-safe ordered rule list the proxy core
// matches incoming requests against, and directs the response-composition
// strategy.
package ruleengine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
)

// MatchType selects how a Matcher's URLPattern is compared against a
// request's absolute URL.
type MatchType int

const (
	Exact MatchType = iota
	Contains
	Regex
)

func (m MatchType) String() string {
	switch m {
	case Exact:
		return "exact"
	case Contains:
		return "contains"
	case Regex:
		return "regex"
	default:
		return "exact"
	}
}

func (m MatchType) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *MatchType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "exact":
		*m = Exact
	case "contains":
		*m = Contains
	case "regex":
		*m = Regex
	default:
		return fmt.Errorf("ruleengine: unknown matchType %q", s)
	}
	return nil
}

// Header is a single (name, value) pair. Comparisons on Name are
// case-insensitive; order is preserved on the wire.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Get returns the first header value matching name case-insensitively.
func Get(headers []Header, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Matcher is a pure predicate over (method, url).
type Matcher struct {
	URLPattern string    `json:"urlPattern"`
	Method     string    `json:"method,omitempty"` // uppercase; empty means "any"
	MatchType  MatchType `json:"matchType"`
}

// Matches reports whether the matcher accepts the given request method and
// absolute URL. A malformed regex never panics; it simply never matches.
func (m Matcher) Matches(method, url string) bool {
	if m.Method != "" && !strings.EqualFold(m.Method, method) {
		return false
	}
	switch m.MatchType {
	case Exact:
		return url == m.URLPattern
	case Contains:
		return strings.Contains(url, m.URLPattern)
	case Regex:
		re, err := regexp.Compile(m.URLPattern)
		if err != nil {
			return false
		}
		return re.MatchString(url)
	default:
		return false
	}
}

// MockResponse is the response a matching rule synthesizes or overlays.
type MockResponse struct {
	StatusCode int // 100-599
	Headers    []Header
	Body       string // UTF-8, possibly empty
	Delay      time.Duration
}

// mockResponseJSON mirrors MockResponse with Delay encoded as fractional
// seconds, per the RequestMatcher/MockResponse data model (§3).
type mockResponseJSON struct {
	StatusCode int      `json:"statusCode"`
	Headers    []Header `json:"headers"`
	Body       string   `json:"body"`
	Delay      float64  `json:"delay,omitempty"`
}

func (r MockResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(mockResponseJSON{
		StatusCode: r.StatusCode,
		Headers:    r.Headers,
		Body:       r.Body,
		Delay:      r.Delay.Seconds(),
	})
}

func (r *MockResponse) UnmarshalJSON(data []byte) error {
	var j mockResponseJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	r.StatusCode = j.StatusCode
	r.Headers = j.Headers
	r.Body = j.Body
	r.Delay = time.Duration(j.Delay * float64(time.Second))
	return nil
}

// Rule is a single mock rule: a matcher plus the response it produces.
type Rule struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Enabled   bool         `json:"enabled"`
	Matcher   Matcher      `json:"matcher"`
	Response  MockResponse `json:"mockResponse"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt *time.Time   `json:"updatedAt,omitempty"`
}

// Engine holds the active rule list. Readers take a lock-free snapshot via
// an atomic pointer; writers atomically swap the whole list. The snapshot
// seen by one Match call is always self-consistent — a concurrent Replace
// can never interleave with an in-flight match.
type Engine struct {
	active atomic.Pointer[[]Rule]
}

// New returns an Engine with an empty active list.
func New() *Engine {
	e := &Engine{}
	empty := make([]Rule, 0)
	e.active.Store(&empty)
	return e
}

// Replace atomically swaps the active rule list. newRules is copied so the
// caller's slice may be mutated afterward without affecting the engine.
func (e *Engine) Replace(newRules []Rule) {
	snapshot := make([]Rule, len(newRules))
	copy(snapshot, newRules)
	e.active.Store(&snapshot)
}

// Match returns the first enabled rule, in list order, whose matcher accepts
// (method, url). The zero Rule and false are returned if none match.
func (e *Engine) Match(method, url string) (Rule, bool) {
	rules := *e.active.Load()
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if r.Matcher.Matches(method, url) {
			return r, true
		}
	}
	return Rule{}, false
}

// Len reports the size of the current active list.
func (e *Engine) Len() int {
	return len(*e.active.Load())
}
