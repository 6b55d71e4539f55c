package catalog

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Folder naming schemes.
const (
	NamingID   = "id"
	NamingName = "name"
)

// maxFolderNameRunes bounds the readable part of a name-derived folder.
const maxFolderNameRunes = 64

// idSuffixLen is how much of the entity id keeps name-derived folders unique.
const idSuffixLen = 8

// NewID returns a fresh entity or upload id.
func NewID() string {
	return uuid.NewString()
}

// FolderName derives the folder name for a new entity. With NamingID the
// folder is the id itself. With NamingName it is the NFC-normalized,
// sanitized display name plus a short id suffix.
func FolderName(naming, id, name string) (string, error) {
	switch naming {
	case NamingID, "":
		return id, nil
	case NamingName:
		base := sanitizeName(name)
		if base == "" {
			base = "entity"
		}

		suffix := strings.ReplaceAll(id, "-", "")
		if len(suffix) > idSuffixLen {
			suffix = suffix[:idSuffixLen]
		}

		return base + "-" + suffix, nil
	default:
		return "", fmt.Errorf("catalog: unknown folder naming %q", naming)
	}
}

// sanitizeName makes a display name safe as a single NAS path segment. The
// result never starts with a character the reconciler treats as hidden.
func sanitizeName(name string) string {
	name = norm.NFC.String(name)

	var b strings.Builder

	lastSpace := false

	for _, r := range name {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r), unicode.IsControl(r):
			r = '_'
		case unicode.IsSpace(r):
			if lastSpace {
				continue
			}

			r = ' '
		}

		lastSpace = r == ' '

		b.WriteRune(r)
	}

	out := strings.TrimLeft(b.String(), ".@# ")
	out = strings.TrimRight(out, ". ")

	runes := []rune(out)
	if len(runes) > maxFolderNameRunes {
		out = strings.TrimRight(string(runes[:maxFolderNameRunes]), ". ")
	}

	return out
}

// validateName rejects names that cannot be shown or stored.
func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidName)
	}

	if len(name) > 1024 {
		return fmt.Errorf("%w: name exceeds 1024 bytes", ErrInvalidName)
	}

	return nil
}
