package urlmap

import (
	"regexp"

	"github.com/loonghao/turbocdn-go/internal/region"
)

func allRegions() map[region.Region]bool {
	return map[region.Region]bool{
		region.China: true, region.AsiaPacific: true, region.Europe: true,
		region.NorthAmerica: true, region.Global: true,
	}
}

func regions(rs ...region.Region) map[region.Region]bool {
	m := make(map[region.Region]bool, len(rs))
	for _, r := range rs {
		m[r] = true
	}
	return m
}

// DefaultRules returns the built-in rule set. Ordering among rules that
// match the same URL is priority ascending then insertion order — the
// source system defines several overlapping GitHub rules with differing
// priorities for the same region and spec §9 requires reproducing that
// ordering exactly rather than consolidating it, so the GitHub rules
// below are intentionally redundant rather than merged into one regex.
func DefaultRules() []MappingRule {
	return []MappingRule{
		{
			Name:      "github-release-ghfast-china",
			Pattern:   regexp.MustCompile(`^https://github\.com/(?P<rest>.+)$`),
			Templates: []string{"https://ghfast.top/https://github.com/${rest}"},
			Regions:   regions(region.China),
			Priority:  10,
			Enabled:   true,
		},
		{
			Name:      "github-release-ghproxy-china",
			Pattern:   regexp.MustCompile(`^https://github\.com/(?P<rest>.+)$`),
			Templates: []string{"https://gh-proxy.com/https://github.com/${rest}"},
			Regions:   regions(region.China),
			Priority:  20,
			Enabled:   true,
		},
		{
			Name:      "github-release-ghproxy-net-china",
			Pattern:   regexp.MustCompile(`^https://github\.com/(?P<rest>.+)$`),
			Templates: []string{"https://ghproxy.net/https://github.com/${rest}"},
			Regions:   regions(region.China),
			Priority:  30,
			Enabled:   true,
		},
		{
			Name:    "jsdelivr-global-mirrors",
			Pattern: regexp.MustCompile(`^https://cdn\.jsdelivr\.net/(?P<rest>.+)$`),
			Templates: []string{
				"https://fastly.jsdelivr.net/${rest}",
				"https://gcore.jsdelivr.net/${rest}",
				"https://testingcf.jsdelivr.net/${rest}",
				"https://jsdelivr.b-cdn.net/${rest}",
			},
			Regions:  allRegions(),
			Priority: 10,
			Enabled:  true,
		},
		{
			Name:      "npm-registry-china-mirror",
			Pattern:   regexp.MustCompile(`^https://registry\.npmjs\.org/(?P<rest>.+)$`),
			Templates: []string{"https://registry.npmmirror.com/${rest}"},
			Regions:   regions(region.China),
			Priority:  10,
			Enabled:   true,
		},
		{
			Name:      "pypi-china-mirror",
			Pattern:   regexp.MustCompile(`^https://files\.pythonhosted\.org/(?P<rest>.+)$`),
			Templates: []string{"https://mirrors.aliyun.com/pypi/${rest}"},
			Regions:   regions(region.China),
			Priority:  10,
			Enabled:   true,
		},
		{
			Name:      "crates-io-china-mirror",
			Pattern:   regexp.MustCompile(`^https://static\.crates\.io/(?P<rest>.+)$`),
			Templates: []string{"https://rsproxy.cn/${rest}"},
			Regions:   regions(region.China),
			Priority:  10,
			Enabled:   true,
		},
		{
			Name:      "golang-proxy-china-mirror",
			Pattern:   regexp.MustCompile(`^https://proxy\.golang\.org/(?P<rest>.+)$`),
			Templates: []string{"https://goproxy.cn/${rest}"},
			Regions:   regions(region.China),
			Priority:  10,
			Enabled:   true,
		},
		{
			Name:      "docker-registry-china-mirror",
			Pattern:   regexp.MustCompile(`^https://registry-1\.docker\.io/(?P<rest>.+)$`),
			Templates: []string{"https://docker.m.daocloud.io/${rest}"},
			Regions:   regions(region.China),
			Priority:  10,
			Enabled:   true,
		},
	}
}
