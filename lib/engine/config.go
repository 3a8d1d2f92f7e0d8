package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Config String Grammar
// --------------------------------------------------------------------------

// Config is a parsed config string. Values of nested groups keep their
// parentheses and can be re-parsed with Sub.
type Config map[string]string

// Parse splits a config string of the form
//
//	key1,key2=value,key3=(sub1=a,sub2=b),key4="quoted"
//
// into a map. Later occurrences of a key override earlier ones, which is what
// gives config strings their "last setting wins" override semantics. A bare
// key parses to the value "true".
func Parse(cfg string) Config {
	out := Config{}
	for _, item := range splitTop(cfg) {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, value := item, "true"
		if idx := strings.IndexByte(item, '='); idx >= 0 {
			key = item[:idx]
			value = strings.Trim(item[idx+1:], `"`)
		}
		out[strings.TrimSpace(key)] = value
	}
	return out
}

// splitTop splits on commas that are not nested inside parentheses or quotes
func splitTop(cfg string) []string {
	var (
		items []string
		depth int
		quote bool
		start int
	)
	for i := 0; i < len(cfg); i++ {
		switch cfg[i] {
		case '"':
			quote = !quote
		case '(':
			if !quote {
				depth++
			}
		case ')':
			if !quote {
				depth--
			}
		case ',':
			if depth == 0 && !quote {
				items = append(items, cfg[start:i])
				start = i + 1
			}
		}
	}
	return append(items, cfg[start:])
}

// Has reports whether the key is present.
func (c Config) Has(key string) bool {
	_, ok := c[key]
	return ok
}

// Str returns the value for key, or def when absent.
func (c Config) Str(key, def string) string {
	if v, ok := c[key]; ok {
		return v
	}
	return def
}

// Bool returns the value for key interpreted as a boolean. A bare key counts
// as true.
func (c Config) Bool(key string, def bool) bool {
	v, ok := c[key]
	if !ok {
		return def
	}
	return v == "true" || v == "1"
}

// Int returns the value for key interpreted as an integer. Size suffixes
// ("M", "G") multiply by 2^20 and 2^30.
func (c Config) Int(key string, def int64) int64 {
	v, ok := c[key]
	if !ok {
		return def
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(v, "M"):
		mult, v = 1<<20, strings.TrimSuffix(v, "M")
	case strings.HasSuffix(v, "G"):
		mult, v = 1<<30, strings.TrimSuffix(v, "G")
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n * mult
}

// Sub parses the nested group stored under key, e.g. Sub("log") of
// "log=(enabled=true,path=journal)". Returns an empty Config when the key is
// absent or not a group.
func (c Config) Sub(key string) Config {
	v, ok := c[key]
	if !ok || !strings.HasPrefix(v, "(") || !strings.HasSuffix(v, ")") {
		return Config{}
	}
	return Parse(v[1 : len(v)-1])
}

// --------------------------------------------------------------------------
// Timestamp Serialization
// --------------------------------------------------------------------------

// FormatTS serializes a timestamp the way the engine expects it in config
// strings: 16 hex digits, zero padded.
func FormatTS(ts uint64) string {
	return fmt.Sprintf("%016x", ts)
}

// ParseTS parses a hex timestamp as produced by FormatTS or returned from
// QueryTimestamp-style interfaces.
func ParseTS(s string) (uint64, error) {
	return strconv.ParseUint(s, 16, 64)
}
