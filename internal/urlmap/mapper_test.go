package urlmap

import (
	"testing"

	"github.com/loonghao/turbocdn-go/internal/region"
)

func TestMap_GitHubChina(t *testing.T) {
	m := New(DefaultRules(), CacheOptions{})
	in := "https://github.com/BurntSushi/ripgrep/releases/download/14.1.1/ripgrep-14.1.1-x86_64-unknown-linux-musl.tar.gz"
	out, err := m.Map(in, region.China)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(out) < 2 {
		t.Fatalf("expected multiple candidates, got %d", len(out))
	}
	if out[0].URL != "https://ghfast.top/"+in {
		t.Fatalf("expected highest priority ghfast.top candidate first, got %q", out[0].URL)
	}
	if out[len(out)-1].URL != in {
		t.Fatalf("expected last candidate to equal input, got %q", out[len(out)-1].URL)
	}
}

func TestMap_JsDelivrGlobal(t *testing.T) {
	m := New(DefaultRules(), CacheOptions{})
	in := "https://cdn.jsdelivr.net/npm/jquery@3.6.0/dist/jquery.min.js"
	out, err := m.Map(in, region.Global)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	want := []string{
		"https://fastly.jsdelivr.net/npm/jquery@3.6.0/dist/jquery.min.js",
		"https://gcore.jsdelivr.net/npm/jquery@3.6.0/dist/jquery.min.js",
		"https://testingcf.jsdelivr.net/npm/jquery@3.6.0/dist/jquery.min.js",
		"https://jsdelivr.b-cdn.net/npm/jquery@3.6.0/dist/jquery.min.js",
		in,
	}
	if len(out) != len(want) {
		t.Fatalf("expected %d candidates, got %d: %+v", len(want), len(out), out)
	}
	for i, w := range want {
		if out[i].URL != w {
			t.Errorf("candidate %d: got %q, want %q", i, out[i].URL, w)
		}
	}
}

func TestMap_NoMatchingRule(t *testing.T) {
	m := New(DefaultRules(), CacheOptions{})
	in := "https://example.com/foo.bin"
	out, err := m.Map(in, region.Global)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(out) != 1 || out[0].URL != in {
		t.Fatalf("expected single-element list = input, got %+v", out)
	}
}

func TestMap_InvariantsAcrossInputs(t *testing.T) {
	m := New(DefaultRules(), CacheOptions{})
	inputs := []string{
		"https://github.com/a/b/releases/download/v1/x.tar.gz",
		"https://cdn.jsdelivr.net/npm/x@1/y.js",
		"https://example.com/nope",
		"https://registry.npmjs.org/left-pad/-/left-pad-1.3.0.tgz",
	}
	for _, in := range inputs {
		for _, reg := range []region.Region{region.China, region.Global, region.Europe, region.NorthAmerica, region.AsiaPacific} {
			out, err := m.Map(in, reg)
			if err != nil {
				t.Fatalf("Map(%q, %q): %v", in, reg, err)
			}
			if len(out) == 0 {
				t.Fatalf("Map(%q, %q): empty list", in, reg)
			}
			if out[len(out)-1].URL != in {
				t.Fatalf("Map(%q, %q): last candidate %q != input", in, reg, out[len(out)-1].URL)
			}
			seen := make(map[string]bool)
			for _, c := range out {
				if seen[c.URL] {
					t.Fatalf("Map(%q, %q): duplicate candidate %q", in, reg, c.URL)
				}
				seen[c.URL] = true
			}
		}
	}
}

func TestMap_CacheHitStructurallyIdentical(t *testing.T) {
	m := New(DefaultRules(), CacheOptions{Enabled: true})
	in := "https://github.com/a/b/releases/download/v1/x.tar.gz"
	first, err := m.Map(in, region.China)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	second, err := m.Map(in, region.China)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("cache hit length mismatch: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("cache hit mismatch at %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestMap_IdempotentOnOptimalURL(t *testing.T) {
	m := New(DefaultRules(), CacheOptions{})
	in := "https://github.com/a/b/releases/download/v1/x.tar.gz"
	out, err := m.Map(in, region.China)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	best := out[0].URL
	out2, err := m.Map(best, region.China)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if out2[0].URL != best {
		t.Fatalf("expected re-mapping the optimal URL to be stable, got %q want %q", out2[0].URL, best)
	}
}

func TestMap_RejectsNonHTTP(t *testing.T) {
	m := New(DefaultRules(), CacheOptions{})
	if _, err := m.Map("ftp://example.com/f", region.Global); err == nil {
		t.Fatalf("expected error for non-HTTP scheme")
	}
}
