package urlmap

import (
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/loonghao/turbocdn-go/internal/region"
)

// CacheOptions configures the Mapper's optional bounded LRU.
type CacheOptions struct {
	// Enabled turns the cache on. Disabled by default for callers that
	// build a Mapper without caching semantics (e.g. unit tests).
	Enabled bool
	// TTL defaults to 1 hour per spec §4.1.
	TTL time.Duration
	// MaxEntries defaults to 1000 per spec §4.1.
	MaxEntries int
}

func (o CacheOptions) withDefaults() CacheOptions {
	if o.TTL <= 0 {
		o.TTL = time.Hour
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = 1000
	}
	return o
}

type cacheKey struct {
	url    string
	region region.Region
}

// Mapper produces ordered CandidateUrl lists from a SourceUrl and Region
// (spec §4.1). The rule set is immutable after construction and shared by
// reference; the Mapper itself is safe for concurrent use.
type Mapper struct {
	rules []MappingRule
	cache *lru.LRU[cacheKey, []CandidateUrl]

	internMu sync.Mutex
	intern   map[string]string
}

// New builds a Mapper over rules (use DefaultRules() for the built-in
// set) with the given cache configuration.
func New(rules []MappingRule, cache CacheOptions) *Mapper {
	m := &Mapper{rules: rules, intern: make(map[string]string)}
	if cache.Enabled {
		cache = cache.withDefaults()
		m.cache = lru.NewLRU[cacheKey, []CandidateUrl](cache.MaxEntries, nil, cache.TTL)
	}
	return m
}

// internStr returns a shared handle for s, avoiding repeat allocation for
// recurring host roots and path prefixes (spec §4.1 "Interning and
// caching").
func (m *Mapper) internStr(s string) string {
	m.internMu.Lock()
	defer m.internMu.Unlock()
	if v, ok := m.intern[s]; ok {
		return v
	}
	m.intern[s] = s
	return s
}

// Map produces the ordered candidate list for sourceURL under reg. It
// never fails on a well-formed absolute HTTP(S) URL: unmatched input
// simply yields a one-element list containing the input (spec §4.1).
func (m *Mapper) Map(sourceURL string, reg region.Region) ([]CandidateUrl, error) {
	u, err := url.Parse(sourceURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid source url %q: %w", sourceURL, err)
	}

	if m.cache != nil {
		if v, ok := m.cache.Get(cacheKey{url: sourceURL, region: reg}); ok {
			return cloneCandidates(v), nil
		}
	}

	candidates := m.evaluate(sourceURL, reg)

	if m.cache != nil {
		m.cache.Add(cacheKey{url: sourceURL, region: reg}, cloneCandidates(candidates))
	}
	return candidates, nil
}

func (m *Mapper) evaluate(sourceURL string, reg region.Region) []CandidateUrl {
	type expansion struct {
		url          string
		ruleName     string
		rank         int
		rulePriority int
	}
	var expansions []expansion

	for _, rule := range m.rules {
		if !rule.appliesTo(reg) {
			continue
		}
		match := rule.Pattern.FindStringSubmatchIndex(sourceURL)
		if match == nil {
			continue
		}
		// Require the match to span the entire URL so partial matches
		// (unanchored patterns) never silently rewrite a substring.
		if match[0] != 0 || match[1] != len(sourceURL) {
			continue
		}
		for rank, tmpl := range rule.Templates {
			var dst []byte
			dst = rule.Pattern.ExpandString(dst, tmpl, sourceURL, match)
			candidate := string(dst)
			if !isValidURL(candidate) {
				slog.Debug("urlmap: discarding invalid expansion", "rule", rule.Name, "template", tmpl)
				continue
			}
			expansions = append(expansions, expansion{
				url:          m.internStr(candidate),
				ruleName:     rule.Name,
				rank:         rank,
				rulePriority: rule.Priority,
			})
		}
	}

	sort.SliceStable(expansions, func(i, j int) bool {
		if expansions[i].rulePriority != expansions[j].rulePriority {
			return expansions[i].rulePriority < expansions[j].rulePriority
		}
		return expansions[i].rank < expansions[j].rank
	})

	seen := make(map[string]bool, len(expansions)+1)
	out := make([]CandidateUrl, 0, len(expansions)+1)
	for _, e := range expansions {
		if seen[e.url] {
			continue
		}
		seen[e.url] = true
		out = append(out, CandidateUrl{URL: e.url, RuleName: e.ruleName, Rank: e.rank, RulePriority: e.rulePriority})
	}

	origin := m.internStr(sourceURL)
	if !seen[origin] {
		out = append(out, CandidateUrl{URL: origin, RuleName: "origin", Rank: 0, RulePriority: int(^uint(0) >> 1)})
	}
	return out
}

func isValidURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.IsAbs() && u.Host != ""
}

func cloneCandidates(in []CandidateUrl) []CandidateUrl {
	out := make([]CandidateUrl, len(in))
	copy(out, in)
	return out
}
