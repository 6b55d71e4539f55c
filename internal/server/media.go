package server

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tonimelisma/nasgate/internal/proxy"
)

func (s *Server) handleMediaByPath(w http.ResponseWriter, r *http.Request) {
	variant, err := proxy.ParseVariant(r.URL.Query().Get("variant"))
	if err != nil {
		s.writeMediaError(w, r, err)
		return
	}

	s.streamMedia(w, r, proxy.PathRef("/"+chi.URLParam(r, "*"), variant))
}

func (s *Server) handleMediaByID(w http.ResponseWriter, r *http.Request) {
	variant, err := proxy.ParseVariant(r.URL.Query().Get("variant"))
	if err != nil {
		s.writeMediaError(w, r, err)
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeMediaError(w, r, proxy.ErrInvalidRef)
		return
	}

	s.streamMedia(w, r, proxy.IDRef(id, variant))
}

// streamMedia relays one media stream. Headers are only written once the
// upstream answered 2xx; a client disconnect mid-body is not an error.
func (s *Server) streamMedia(w http.ResponseWriter, r *http.Request, ref proxy.Ref) {
	st, err := s.gw.ResolveMediaStream(r.Context(), ref)
	if err != nil {
		s.writeMediaError(w, r, err)
		return
	}
	defer st.Body.Close()

	h := w.Header()
	h.Set("Content-Type", st.ContentType)
	h.Set("Cache-Control", st.CacheControl)
	h.Set("X-Content-Type-Options", "nosniff")

	if st.ETag != "" {
		h.Set("ETag", st.ETag)

		if r.Header.Get("If-None-Match") == st.ETag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	if st.ContentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(st.ContentLength, 10))
	}

	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, st.Body)
	if s.metrics != nil {
		s.metrics.AddStreamedBytes(n)
	}

	if err != nil && r.Context().Err() == nil {
		s.logger.Debug("media stream interrupted",
			slog.String("ref", ref.String()),
			slog.Int64("bytes", n),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) writeMediaError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	s.logger.Debug("media request failed",
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)

	s.writeJSON(w, status, errorBody{Error: mediaUnavailable})
}
