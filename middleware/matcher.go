package middleware

import (
	"sort"
	"strings"
)

// Matcher selects the middleware that applies to a full gRPC method name.
//
// Selectors are either an exact method ("/grpc.health.v1.Health/Check") or a
// prefix ending in '*' ("/grpc.health.v1.Health/*"). Middleware added with Use
// applies to every method and runs before selector middleware.
type Matcher struct {
	defaults []Middleware
	matches  map[string][]Middleware
	prefixes []string
}

func NewMatcher() *Matcher {
	return &Matcher{
		matches: make(map[string][]Middleware),
	}
}

func (m *Matcher) Use(ms ...Middleware) {
	m.defaults = append(m.defaults, ms...)
}

func (m *Matcher) Add(selector string, ms ...Middleware) {
	if strings.HasSuffix(selector, "*") {
		selector = strings.TrimSuffix(selector, "*")
		if _, ok := m.matches[selector]; !ok {
			m.prefixes = append(m.prefixes, selector)
			// longest prefix first
			sort.Slice(m.prefixes, func(i, j int) bool {
				return len(m.prefixes[i]) > len(m.prefixes[j])
			})
		}
	}
	m.matches[selector] = append(m.matches[selector], ms...)
}

func (m *Matcher) Match(operation string) []Middleware {
	ms := make([]Middleware, 0, len(m.defaults))
	ms = append(ms, m.defaults...)
	if next, ok := m.matches[operation]; ok {
		return append(ms, next...)
	}
	for _, prefix := range m.prefixes {
		if strings.HasPrefix(operation, prefix) {
			return append(ms, m.matches[prefix]...)
		}
	}
	return ms
}
