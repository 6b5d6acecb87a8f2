// Package urlmap implements the URL Mapper (spec §4.1): pattern-based
// rewriting of a source URL to an ordered list of candidate mirror URLs,
// scoped by region.
package urlmap

import (
	"regexp"

	"github.com/loonghao/turbocdn-go/internal/region"
)

// MappingRule is a regex-pattern + replacement-template tuple, scoped by
// region and priority (spec §3). The rule set is immutable after load and
// shared by reference across every Mapper.Map call.
type MappingRule struct {
	// Name identifies the rule for logs and candidate provenance.
	Name string
	// Pattern must anchor the full URL (callers compile with ^...$).
	Pattern *regexp.Regexp
	// Templates are expanded in order using Pattern's capture groups,
	// via regexp.Expand-style $1/$name references.
	Templates []string
	// Regions is the set of regions this rule applies in. A rule with no
	// entries never matches.
	Regions map[region.Region]bool
	// Priority orders rules against each other; lower sorts first.
	Priority int
	// Enabled gates the rule out entirely when false.
	Enabled bool
}

func (r MappingRule) appliesTo(reg region.Region) bool {
	if !r.Enabled {
		return false
	}
	return r.Regions[reg]
}

// CandidateUrl is one of the possibly-many URLs the downloader may try
// for the same artifact (spec §3).
type CandidateUrl struct {
	URL          string
	RuleName     string
	Rank         int
	RulePriority int
}
