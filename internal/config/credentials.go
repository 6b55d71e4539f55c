package config

import (
	"github.com/tonimelisma/nasgate/internal/nas"
)

// Credentials builds the immutable credential set for every enabled
// family, resolving per-family overrides against the shared [nas] values.
// Call ValidateCredentials first.
func Credentials(cfg *Config) []nas.Credential {
	var creds []nas.Credential

	add := func(family nas.Family, fam *FamilyConfig) {
		if !fam.Enabled {
			return
		}

		creds = append(creds, nas.Credential{
			Family:            family,
			BaseURLCandidates: append([]string(nil), firstNonEmpty(fam.Endpoints, cfg.NAS.Endpoints)...),
			Username:          pick(fam.Username, cfg.NAS.Username),
			Secret:            pick(fam.Password, cfg.NAS.Password),
			SessionKind:       fam.SessionKind,
		})
	}

	add(nas.FamilyFileManagement, &cfg.NAS.FileManagement)
	add(nas.FamilyMediaLibrary, &cfg.NAS.MediaLibrary)

	return creds
}

func firstNonEmpty(a, b []string) []string {
	if len(a) > 0 {
		return a
	}

	return b
}

func pick(override, shared string) string {
	if override != "" {
		return override
	}

	return shared
}
