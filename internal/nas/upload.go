package nas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
)

// Upload streams content into dir/filename. The multipart body is produced
// through a pipe, so content is never fully buffered. overwrite controls
// whether an existing file is replaced; without it an existing file fails
// with ErrAlreadyExists.
//
// A request body can only be sent once. If the session is rejected while
// uploading, the retry rewinds content when it is an io.Seeker; otherwise
// the rejection is surfaced as ErrAuthenticationFailed.
func (f *Files) Upload(
	ctx context.Context, dir, filename string, content io.Reader, overwrite bool,
) (*RemoteDescriptor, error) {
	if filename == "" {
		return nil, errors.New("nas: upload filename is empty")
	}

	cleanDir := CleanPath(dir)
	target := JoinPath(cleanDir, filename)

	var (
		start    int64
		seeker   io.Seeker
		attempts int
	)

	if sk, ok := content.(io.Seeker); ok {
		if pos, err := sk.Seek(0, io.SeekCurrent); err == nil {
			seeker, start = sk, pos
		}
	}

	f.logger.Info("uploading",
		slog.String("path", target),
		slog.Bool("overwrite", overwrite),
	)

	desc, err := WithSession(ctx, f.sessions, FamilyFileManagement, func(ctx context.Context, s *Session) (*RemoteDescriptor, error) {
		attempts++
		if attempts > 1 {
			if seeker == nil {
				return nil, fmt.Errorf("%w: upload body cannot be replayed after session rejection", ErrAuthenticationFailed)
			}

			if _, err := seeker.Seek(start, io.SeekStart); err != nil {
				return nil, fmt.Errorf("nas: rewinding upload body: %w", err)
			}
		}

		n, err := f.client.upload(ctx, s, cleanDir, filename, content, overwrite)
		if err != nil {
			return nil, err
		}

		return &RemoteDescriptor{Name: filename, Path: target, Size: n}, nil
	})
	if err != nil {
		return nil, err
	}

	f.logger.Info("upload complete",
		slog.String("path", target),
		slog.Int64("bytes", desc.Size),
	)

	return desc, nil
}

// countingReader counts bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)

	return n, err
}

// upload sends one multipart upload request and returns the number of
// content bytes sent.
func (c *Client) upload(
	ctx context.Context, s *Session, dir, filename string, content io.Reader, overwrite bool,
) (int64, error) {
	req := request{
		cgi:     cgiEntry,
		api:     apiUpload,
		version: 2,
		method:  "upload",
		path:    JoinPath(dir, filename),
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	counter := &countingReader{r: content}

	done := make(chan struct{})

	go func() {
		defer close(done)
		pw.CloseWithError(writeUploadForm(mw, dir, filename, overwrite, counter))
	}()

	// Closing the read side unblocks the writer if the server answered
	// before reading the whole body. Content must not be read after return.
	finish := func() {
		pr.Close()
		<-done
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.url(s.Endpoint, s.Token), pr)
	if err != nil {
		finish()
		return 0, fmt.Errorf("nas: creating upload request: %w", err)
	}

	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	err = c.exchange(httpReq, req, nil)
	finish()

	if err != nil {
		return 0, err
	}

	return counter.n, nil
}

// writeUploadForm writes the form fields, then the file part. The web API
// requires the fields to precede the file.
func writeUploadForm(mw *multipart.Writer, dir, filename string, overwrite bool, content io.Reader) error {
	fields := [][2]string{
		{"path", dir},
		{"create_parents", "true"},
		{"overwrite", strconv.FormatBool(overwrite)},
	}

	for _, kv := range fields {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return fmt.Errorf("writing form field %s: %w", kv[0], err)
		}
	}

	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("creating file part: %w", err)
	}

	if _, err := io.Copy(part, content); err != nil {
		return fmt.Errorf("streaming file part: %w", err)
	}

	return mw.Close()
}
