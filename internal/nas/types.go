package nas

import "time"

// Family names a group of remote APIs sharing one login/session mechanism.
type Family string

// Known API families.
const (
	FamilyFileManagement Family = "file_management"
	FamilyMediaLibrary   Family = "media_library"
)

// Families lists every known family in a stable order.
var Families = []Family{FamilyFileManagement, FamilyMediaLibrary}

// Valid reports whether f is a known family.
func (f Family) Valid() bool {
	return f == FamilyFileManagement || f == FamilyMediaLibrary
}

func (f Family) String() string {
	return string(f)
}

// Credential holds everything needed to log into one family. It is built
// once at startup and never mutated.
type Credential struct {
	Family            Family
	BaseURLCandidates []string
	Username          string
	Secret            string // NEVER log
	SessionKind       string // remote session type, e.g. "FileStation"
}

// Session is a time-bounded login token for one family on one endpoint.
// Sessions are owned by SessionManager and never persisted.
type Session struct {
	Family   Family
	Endpoint string
	Token    string // NEVER log
	Kind     string
	IssuedAt time.Time
	TTL      time.Duration
}

// ExpiresAt returns the instant the session stops being valid.
func (s *Session) ExpiresAt() time.Time {
	return s.IssuedAt.Add(s.TTL)
}

// SizeUnknown marks a RemoteEntry whose size was not reported.
const SizeUnknown = -1

// RemoteEntry is a read-only projection of one listing result. Always
// freshly fetched, never mutated.
type RemoteEntry struct {
	Name       string
	Path       string
	IsDir      bool
	Size       int64     // SizeUnknown if not reported
	ModifiedAt time.Time // zero if not reported
}

// RemoteDescriptor describes a file after a confirmed upload.
type RemoteDescriptor struct {
	Name string
	Path string
	Size int64
}

// MediaItem is the subset of a media-library item needed to build
// download URLs. CacheKey is empty when the item has not been indexed.
type MediaItem struct {
	ID       int64
	UnitID   int64
	Filename string
	CacheKey string
}
