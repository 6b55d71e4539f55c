// Package catalog stores the entities whose folders live on the NAS and a
// record of every confirmed upload. It is the source of truth for which
// entity folders should exist.
package catalog

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors.
var (
	ErrEntityNotFound = errors.New("catalog: entity not found")
	ErrInvalidName    = errors.New("catalog: invalid entity name")
)

// Entity is a catalog entry that owns one folder on the NAS. FolderName is
// fixed at creation; renaming an entity never moves its folder.
type Entity struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	FolderName string     `json:"folder_name"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// Active reports whether the entity has not been deleted.
func (e *Entity) Active() bool {
	return e.DeletedAt == nil
}

// Upload records one file confirmed on the NAS.
type Upload struct {
	ID         string    `json:"id"`
	EntityID   string    `json:"entity_id"`
	FileName   string    `json:"file_name"`
	RemotePath string    `json:"remote_path"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// EntityFilter narrows ListEntities.
type EntityFilter struct {
	IncludeDeleted bool
	NamePrefix     string
}

// Store is the catalog persistence contract.
type Store interface {
	GetEntity(ctx context.Context, id string) (*Entity, error)
	ListEntities(ctx context.Context, filter EntityFilter) ([]Entity, error)
	CreateEntity(ctx context.Context, name string) (*Entity, error)
	RenameEntity(ctx context.Context, id, name string) error
	DeleteEntity(ctx context.Context, id string) error
	RecordUpload(ctx context.Context, u Upload) (*Upload, error)
	ListUploads(ctx context.Context, entityID string) ([]Upload, error)
	Close() error
}
