package engine

import (
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		cfg  string
		key  string
		want string
	}{
		{"BareKey", "create,readonly", "create", "true"},
		{"SimpleValue", "cache_size=1024M", "cache_size", "1024M"},
		{"QuotedValue", `compatibility=(require_min="3.1.0")`, "compatibility", `(require_min="3.1.0")`},
		{"NestedGroup", "log=(enabled=true,path=journal),statistics=(fast)", "log", "(enabled=true,path=journal)"},
		{"LastSettingWins", "log=(enabled=true),log=(enabled=false)", "log", "(enabled=false)"},
		{"CommaInsideGroup", "eviction=(threads_min=4,threads_max=4),create", "eviction", "(threads_min=4,threads_max=4)"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Parse(tc.cfg).Str(tc.key, "")
			if got != tc.want {
				t.Errorf("Parse(%q)[%q] = %q, want %q", tc.cfg, tc.key, got, tc.want)
			}
		})
	}
}

func TestConfigSub(t *testing.T) {
	conf := Parse("log=(enabled=true,path=journal,compressor=none)")
	sub := conf.Sub("log")
	if !sub.Bool("enabled", false) {
		t.Errorf("Expected log.enabled=true")
	}
	if got := sub.Str("path", ""); got != "journal" {
		t.Errorf("Expected log.path=journal, got %q", got)
	}
	if got := sub.Str("missing", "def"); got != "def" {
		t.Errorf("Expected default for missing key, got %q", got)
	}
	if len(conf.Sub("nosuch")) != 0 {
		t.Errorf("Expected empty Sub for missing group")
	}
}

func TestConfigInt(t *testing.T) {
	conf := Parse("cache_size=2M,session_max=20000,bad=xyz")
	if got := conf.Int("cache_size", 0); got != 2<<20 {
		t.Errorf("Expected 2M = %d, got %d", 2<<20, got)
	}
	if got := conf.Int("session_max", 0); got != 20000 {
		t.Errorf("Expected 20000, got %d", got)
	}
	if got := conf.Int("bad", 7); got != 7 {
		t.Errorf("Expected default on unparseable value, got %d", got)
	}
	if got := conf.Int("missing", 5); got != 5 {
		t.Errorf("Expected default on missing key, got %d", got)
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	for _, ts := range []uint64{0, 1, 150, 1 << 40, ^uint64(0)} {
		s := FormatTS(ts)
		if len(s) != 16 {
			t.Errorf("FormatTS(%d) = %q, expected 16 hex digits", ts, s)
		}
		got, err := ParseTS(s)
		if err != nil {
			t.Fatalf("ParseTS(%q) failed: %v", s, err)
		}
		if got != ts {
			t.Errorf("Round trip of %d gave %d", ts, got)
		}
	}
}
