package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownSections maps each config section to its valid keys.
var knownSections = map[string][]string{
	"nas": {
		"endpoints", "username", "password", "session_ttl", "login_timeout",
		"probe_timeout", "file_management", "media_library",
	},
	"catalog":   {"dsn", "folder_naming", "entity_root"},
	"reconcile": {"root", "concurrency", "reserved_names", "interval", "lock_redis_url", "lock_ttl"},
	"proxy": {
		"thumbnail_size", "media_thumbnail_size", "immutable_max_age",
		"volatile_max_age", "lookup_cache_size", "lookup_cache_ttl",
	},
	"server":  {"listen", "max_upload_size", "shutdown_timeout", "pid_file"},
	"logging": {"log_level", "log_format"},
	"network": {"connect_timeout", "data_timeout", "user_agent", "insecure_skip_verify"},
}

// knownFamilyKeys are the valid keys inside [nas.file_management] and
// [nas.media_library].
var knownFamilyKeys = []string{"enabled", "endpoints", "username", "password", "session_kind"}

// knownSectionList is the sorted list of section names, for suggestions.
var knownSectionList = func() []string {
	keys := make([]string, 0, len(knownSections))
	for k := range knownSections {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		if err := buildKeyError(key); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// buildKeyError creates a descriptive error for an undecoded key, with the
// closest known key at the level where the mismatch happened.
func buildKeyError(key toml.Key) error {
	switch {
	case len(key) == 1:
		return unknownKeyError(key.String(), key[0], knownSectionList)
	case len(key) >= 2 && knownSections[key[0]] == nil:
		// Reported once for the section itself.
		return nil
	case len(key) == 3 && key[0] == "nas" && (key[1] == "file_management" || key[1] == "media_library"):
		return unknownKeyError(key.String(), key[2], knownFamilyKeys)
	default:
		return unknownKeyError(key.String(), key[1], sortedCopy(knownSections[key[0]]))
	}
}

func unknownKeyError(full, leaf string, known []string) error {
	if suggestion := closestMatch(leaf, known); suggestion != "" {
		return fmt.Errorf("unknown config key %q: did you mean %q?", full, suggestion)
	}

	return fmt.Errorf("unknown config key %q", full)
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)

	return out
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Use single-row optimization to avoid allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
