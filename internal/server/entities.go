package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tonimelisma/nasgate/internal/catalog"
	"github.com/tonimelisma/nasgate/internal/nas"
)

const maxJSONBody = 64 << 10

type nameRequest struct {
	Name string `json:"name"`
}

type folderResponse struct {
	Path    string `json:"path"`
	Created bool   `json:"created"`
}

type removedResponse struct {
	FolderRemoved bool `json:"folder_removed"`
}

type entryResponse struct {
	Name       string     `json:"name"`
	Path       string     `json:"path"`
	IsDir      bool       `json:"is_dir"`
	Size       *int64     `json:"size,omitempty"`
	ModifiedAt *time.Time `json:"modified_at,omitempty"`
}

func newEntryResponse(e nas.RemoteEntry) entryResponse {
	out := entryResponse{Name: e.Name, Path: e.Path, IsDir: e.IsDir}

	if e.Size != nas.SizeUnknown && !e.IsDir {
		size := e.Size
		out.Size = &size
	}

	if !e.ModifiedAt.IsZero() {
		mod := e.ModifiedAt.UTC()
		out.ModifiedAt = &mod
	}

	return out
}

func decodeName(r *http.Request) (string, error) {
	var req nameRequest

	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		return "", fmt.Errorf("%w: decoding body: %w", errBadRequest, err)
	}

	return req.Name, nil
}

func boolQuery(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q is not a boolean", errBadRequest, key, v)
	}

	return b, nil
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	includeDeleted, err := boolQuery(r, "include_deleted")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	list, err := s.gw.ListEntities(r.Context(), catalog.EntityFilter{
		IncludeDeleted: includeDeleted,
		NamePrefix:     r.URL.Query().Get("prefix"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if list == nil {
		list = []catalog.Entity{}
	}

	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	name, err := decodeName(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	e, err := s.gw.CreateEntity(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	e, err := s.gw.GetEntity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleRenameEntity(w http.ResponseWriter, r *http.Request) {
	name, err := decodeName(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")

	if err := s.gw.RenameEntity(r.Context(), id, name); err != nil {
		s.writeError(w, r, err)
		return
	}

	e, err := s.gw.GetEntity(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	removed, err := s.gw.DeleteEntity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, removedResponse{FolderRemoved: removed})
}

func (s *Server) handleEnsureFolder(w http.ResponseWriter, r *http.Request) {
	dir, created, err := s.gw.EnsureEntityFolder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}

	s.writeJSON(w, status, folderResponse{Path: dir, Created: created})
}

func (s *Server) handleRemoveFolder(w http.ResponseWriter, r *http.Request) {
	removed, err := s.gw.RemoveEntityFolder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, removedResponse{FolderRemoved: removed})
}

func (s *Server) handleBrowseFolder(w http.ResponseWriter, r *http.Request) {
	entries, err := s.gw.BrowseEntityFolder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, newEntryResponse(e))
	}

	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	uploads, err := s.gw.ListEntityUploads(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if uploads == nil {
		uploads = []catalog.Upload{}
	}

	s.writeJSON(w, http.StatusOK, uploads)
}

// handleUpload streams every "file" part of a multipart body straight to
// the NAS without buffering it on disk.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	overwrite, err := boolQuery(r, "overwrite")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadSize)

	mr, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}

	id := chi.URLParam(r, "id")

	var uploaded []catalog.Upload

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			s.writeError(w, r, uploadReadError(err))
			return
		}

		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		name := uploadFileName(part.FileName())
		if name == "" {
			_ = part.Close()
			s.writeError(w, r, fmt.Errorf("%w: file part without a usable filename", errBadRequest))

			return
		}

		body := &partReader{r: part}
		u, err := s.gw.UploadEntityFile(r.Context(), id, name, body, overwrite)
		_ = part.Close()

		if err != nil {
			if body.err != nil {
				err = uploadReadError(body.err)
			}

			s.writeError(w, r, err)

			return
		}

		if s.metrics != nil {
			s.metrics.AddUploadedBytes(u.Size)
		}

		uploaded = append(uploaded, *u)
	}

	if len(uploaded) == 0 {
		s.writeError(w, r, fmt.Errorf("%w: no file parts in form", errBadRequest))
		return
	}

	s.writeJSON(w, http.StatusCreated, uploaded)
}

// uploadFileName keeps only the final element of a client-supplied name.
func uploadFileName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(name)

	if name == "." || name == "/" || name == ".." {
		return ""
	}

	return name
}

// partReader remembers a failure reading the client's body so it is not
// reported as an upstream error.
type partReader struct {
	r   io.Reader
	err error
}

func (p *partReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if err != nil && !errors.Is(err, io.EOF) {
		p.err = err
	}

	return n, err
}

func uploadReadError(err error) error {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return err
	}

	return fmt.Errorf("%w: reading form: %w", errBadRequest, err)
}
