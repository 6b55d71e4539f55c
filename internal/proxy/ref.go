package proxy

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tonimelisma/nasgate/internal/nas"
)

// ErrInvalidRef is returned for a reference that names nothing streamable.
var ErrInvalidRef = errors.New("proxy: invalid media reference")

// Kind selects how a Ref addresses its content.
type Kind string

// Reference kinds.
const (
	KindPath Kind = "path" // a file path on the file-management API
	KindID   Kind = "id"   // a media-library item id
)

// Variant selects the rendition to stream.
type Variant string

// Variants.
const (
	VariantFull      Variant = "full"
	VariantThumbnail Variant = "thumbnail"
)

// ParseVariant maps a query value to a Variant. Empty means full.
func ParseVariant(s string) (Variant, error) {
	switch Variant(strings.ToLower(s)) {
	case "", VariantFull:
		return VariantFull, nil
	case VariantThumbnail:
		return VariantThumbnail, nil
	default:
		return "", fmt.Errorf("%w: unknown variant %q", ErrInvalidRef, s)
	}
}

// Ref identifies one piece of media to stream.
type Ref struct {
	Kind    Kind
	Path    string
	ID      int64
	Variant Variant
}

// PathRef builds a reference to a file by path.
func PathRef(path string, v Variant) Ref {
	return Ref{Kind: KindPath, Path: path, Variant: v}
}

// IDRef builds a reference to a media-library item.
func IDRef(id int64, v Variant) Ref {
	return Ref{Kind: KindID, ID: id, Variant: v}
}

// Validate checks that r can be resolved.
func (r Ref) Validate() error {
	switch r.Variant {
	case VariantFull, VariantThumbnail:
	default:
		return fmt.Errorf("%w: unknown variant %q", ErrInvalidRef, r.Variant)
	}

	switch r.Kind {
	case KindPath:
		if nas.CleanPath(r.Path) == "/" {
			return fmt.Errorf("%w: path must name a file", ErrInvalidRef)
		}
	case KindID:
		if r.ID <= 0 {
			return fmt.Errorf("%w: id must be positive", ErrInvalidRef)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRef, r.Kind)
	}

	return nil
}

func (r Ref) family() nas.Family {
	if r.Kind == KindID {
		return nas.FamilyMediaLibrary
	}

	return nas.FamilyFileManagement
}

func (r Ref) String() string {
	if r.Kind == KindID {
		return fmt.Sprintf("id:%d/%s", r.ID, r.Variant)
	}

	return fmt.Sprintf("path:%s/%s", nas.CleanPath(r.Path), r.Variant)
}

// Stream is an open upstream response ready to relay. Body is the live
// upstream body: the caller must close it.
type Stream struct {
	ContentType   string
	ContentLength int64 // -1 if unknown
	CacheControl  string
	ETag          string
	Body          io.ReadCloser
}
