package cache

import (
	"fmt"
	"regexp"
	"time"
)

// ExclusionList matches prompts that must never be cached, either exactly or
// by regular expression. A nil *ExclusionList never matches.
type ExclusionList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList fails on the first pattern that does not compile.
func NewExclusionList(exact, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{
		exact: make(map[string]struct{}, len(exact)),
	}

	for _, e := range exact {
		if e != "" {
			el.exact[e] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache exclusion: invalid pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}

	return el, nil
}

func (el *ExclusionList) Matches(prompt string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[prompt]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(prompt) {
			return true
		}
	}
	return false
}

// Len returns the total number of rules.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.patterns)
}

// Policy decides cacheability before the cache is consulted. The cache
// backends store whatever they are given.
type Policy struct {
	TTL            time.Duration
	MaxTemperature float64
	Exclusions     *ExclusionList
}

// Cacheable reports whether a request with these fields may be served from
// or written to the cache.
func (p Policy) Cacheable(k Key) bool {
	if p.TTL <= 0 {
		return false
	}
	if k.Temperature > p.MaxTemperature {
		return false
	}
	return !p.Exclusions.Matches(k.Prompt)
}
