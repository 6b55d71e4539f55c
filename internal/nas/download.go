package nas

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// Thumbnail sizes understood by the file thumbnail API.
const (
	ThumbSmall    = "small"
	ThumbMedium   = "medium"
	ThumbLarge    = "large"
	ThumbOriginal = "original"
)

// Download is a live binary response. Body streams straight from the
// upstream connection; closing it (or cancelling the request context)
// releases the connection. The URL it came from carries the session token
// and is never exposed.
type Download struct {
	ContentType   string
	ContentLength int64 // -1 if unknown
	ETag          string
	Body          io.ReadCloser
}

func newDownload(resp *http.Response) *Download {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}

	return &Download{
		ContentType:   ct,
		ContentLength: resp.ContentLength,
		ETag:          resp.Header.Get("ETag"),
		Body:          resp.Body,
	}
}

// OpenFile opens the content of a remote file with an explicit session.
func (c *Client) OpenFile(ctx context.Context, s *Session, filePath string) (*Download, error) {
	clean := CleanPath(filePath)

	return c.openBinary(ctx, s, request{
		cgi:     cgiEntry,
		api:     apiDownload,
		version: 2,
		method:  "download",
		path:    clean,
		params: url.Values{
			"path": {clean},
			"mode": {"open"},
		},
	})
}

// OpenThumbnail opens a server-generated thumbnail of a remote file.
func (c *Client) OpenThumbnail(ctx context.Context, s *Session, filePath, size string) (*Download, error) {
	clean := CleanPath(filePath)
	if size == "" {
		size = ThumbMedium
	}

	return c.openBinary(ctx, s, request{
		cgi:     cgiEntry,
		api:     apiThumb,
		version: 2,
		method:  "get",
		path:    clean,
		params: url.Values{
			"path": {clean},
			"size": {size},
		},
	})
}

func (c *Client) openBinary(ctx context.Context, s *Session, r request) (*Download, error) {
	resp, err := c.open(ctx, s.Endpoint, s.Token, r)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("binary stream opened",
		slog.String("api", r.api),
		slog.String("path", r.path),
		slog.Int64("content_length", resp.ContentLength),
	)

	return newDownload(resp), nil
}

// CopyTo drains the download into w and closes the body.
func (d *Download) CopyTo(w io.Writer) (int64, error) {
	defer d.Body.Close()

	n, err := io.Copy(w, d.Body)
	if err != nil {
		return n, fmt.Errorf("nas: streaming download content: %w", err)
	}

	return n, nil
}
