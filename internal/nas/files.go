package nas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// listPageSize is the limit parameter for list calls.
const listPageSize = 1000

// fileResponse mirrors one entry of a list response.
type fileResponse struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	IsDir      bool   `json:"isdir"`
	Additional *struct {
		Size *int64 `json:"size"`
		Time *struct {
			Mtime int64 `json:"mtime"`
		} `json:"time"`
	} `json:"additional"`
}

type listResponse struct {
	Total  int            `json:"total"`
	Offset int            `json:"offset"`
	Files  []fileResponse `json:"files"`
}

type createFolderResponse struct {
	Folders []fileResponse `json:"folders"`
}

func (f *fileResponse) toEntry() RemoteEntry {
	e := RemoteEntry{
		Name:  f.Name,
		Path:  f.Path,
		IsDir: f.IsDir,
		Size:  SizeUnknown,
	}

	if f.Additional != nil {
		if f.Additional.Size != nil {
			e.Size = *f.Additional.Size
		}

		if f.Additional.Time != nil && f.Additional.Time.Mtime > 0 {
			e.ModifiedAt = time.Unix(f.Additional.Time.Mtime, 0).UTC()
		}
	}

	return e
}

// CleanPath normalizes a remote path to an absolute, slash-separated form
// without a trailing slash. "" and "/" both mean the share list root.
func CleanPath(p string) string {
	return path.Clean("/" + strings.Trim(p, "/"))
}

// JoinPath joins a remote directory and a child name.
func JoinPath(dir, name string) string {
	return CleanPath(path.Join(dir, name))
}

// Files implements the typed file and folder operations of the
// file-management family. Every operation goes through WithSession.
type Files struct {
	sessions *SessionManager
	client   *Client
	logger   *slog.Logger
}

// NewFiles creates a file operations client backed by sessions.
func NewFiles(sessions *SessionManager, logger *slog.Logger) *Files {
	if logger == nil {
		logger = slog.Default()
	}

	return &Files{
		sessions: sessions,
		client:   sessions.Client(),
		logger:   logger,
	}
}

// List returns the entries of a remote directory ordered by name,
// case-insensitively.
func (f *Files) List(ctx context.Context, dirPath string) ([]RemoteEntry, error) {
	return WithSession(ctx, f.sessions, FamilyFileManagement, func(ctx context.Context, s *Session) ([]RemoteEntry, error) {
		return f.client.List(ctx, s, dirPath)
	})
}

// List pages through a directory listing with an explicit session.
func (c *Client) List(ctx context.Context, s *Session, dirPath string) ([]RemoteEntry, error) {
	dir := CleanPath(dirPath)

	c.logger.Debug("listing folder", slog.String("path", dir))

	var entries []RemoteEntry

	for offset := 0; ; {
		req := request{
			cgi:     cgiEntry,
			api:     apiList,
			version: 2,
			method:  "list",
			path:    dir,
			params: url.Values{
				"folder_path": {dir},
				"offset":      {strconv.Itoa(offset)},
				"limit":       {strconv.Itoa(listPageSize)},
				"additional":  {jsonList("size", "time")},
			},
		}

		var page listResponse
		if err := c.call(ctx, s.Endpoint, s.Token, req, &page); err != nil {
			return nil, err
		}

		for i := range page.Files {
			e := page.Files[i].toEntry()
			if e.Path == "" {
				e.Path = JoinPath(dir, e.Name)
			}

			entries = append(entries, e)
		}

		offset += len(page.Files)
		if len(page.Files) == 0 || offset >= page.Total {
			break
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})

	c.logger.Debug("listed folder",
		slog.String("path", dir),
		slog.Int("entries", len(entries)),
	)

	return entries, nil
}

// Stat returns the listing entry for a single remote path.
func (f *Files) Stat(ctx context.Context, remotePath string) (*RemoteEntry, error) {
	clean := CleanPath(remotePath)
	if clean == "/" {
		return &RemoteEntry{Name: "/", Path: "/", IsDir: true, Size: SizeUnknown}, nil
	}

	dir, name := path.Split(clean)

	entries, err := f.List(ctx, dir)
	if err != nil {
		return nil, err
	}

	var folded *RemoteEntry

	for i := range entries {
		if entries[i].Name == name {
			return &entries[i], nil
		}

		if folded == nil && strings.EqualFold(entries[i].Name, name) {
			folded = &entries[i]
		}
	}

	if folded != nil {
		return folded, nil
	}

	return nil, &APIError{API: apiList, Method: "list", Path: clean, Err: ErrNotFound}
}

// CreateFolder creates a remote folder, including missing parents. It is
// idempotent: an existing folder yields created=false without an error.
func (f *Files) CreateFolder(ctx context.Context, folderPath string) (bool, error) {
	clean := CleanPath(folderPath)

	parent, name := path.Split(clean)
	if name == "" {
		return false, fmt.Errorf("nas: cannot create folder at %q", folderPath)
	}

	created, err := WithSession(ctx, f.sessions, FamilyFileManagement, func(ctx context.Context, s *Session) (bool, error) {
		req := request{
			cgi:     cgiEntry,
			api:     apiCreateFolder,
			version: 2,
			method:  "create",
			path:    clean,
			params: url.Values{
				"folder_path":  {CleanPath(parent)},
				"name":         {name},
				"force_parent": {"true"},
			},
		}

		var out createFolderResponse
		if err := f.client.call(ctx, s.Endpoint, s.Token, req, &out); err != nil {
			return false, err
		}

		return true, nil
	})

	if errors.Is(err, ErrAlreadyExists) {
		f.logger.Debug("folder already exists", slog.String("path", clean))
		return false, nil
	}

	if err != nil {
		return false, err
	}

	f.logger.Info("folder created", slog.String("path", clean))

	return created, nil
}

// DeleteFile deletes a single remote file. A missing file yields
// deleted=false without an error.
func (f *Files) DeleteFile(ctx context.Context, filePath string) (bool, error) {
	return f.delete(ctx, filePath, false)
}

// DeleteFolder deletes a remote folder, with its contents when recursive
// is set. A missing folder yields deleted=false without an error.
func (f *Files) DeleteFolder(ctx context.Context, folderPath string, recursive bool) (bool, error) {
	return f.delete(ctx, folderPath, recursive)
}

func (f *Files) delete(ctx context.Context, remotePath string, recursive bool) (bool, error) {
	clean := CleanPath(remotePath)
	if clean == "/" {
		return false, errors.New("nas: refusing to delete the root")
	}

	_, err := WithSession(ctx, f.sessions, FamilyFileManagement, func(ctx context.Context, s *Session) (struct{}, error) {
		req := request{
			cgi:     cgiEntry,
			api:     apiDelete,
			version: 2,
			method:  "delete",
			path:    clean,
			params: url.Values{
				"path":      {clean},
				"recursive": {strconv.FormatBool(recursive)},
			},
		}

		return struct{}{}, f.client.call(ctx, s.Endpoint, s.Token, req, nil)
	})

	if errors.Is(err, ErrNotFound) {
		f.logger.Debug("nothing to delete", slog.String("path", clean))
		return false, nil
	}

	if err != nil {
		return false, err
	}

	f.logger.Info("deleted",
		slog.String("path", clean),
		slog.Bool("recursive", recursive),
	)

	return true, nil
}

// Download opens a streaming read of a remote file. The caller must close
// the returned body.
func (f *Files) Download(ctx context.Context, filePath string) (*Download, error) {
	return WithSession(ctx, f.sessions, FamilyFileManagement, func(ctx context.Context, s *Session) (*Download, error) {
		return f.client.OpenFile(ctx, s, filePath)
	})
}
