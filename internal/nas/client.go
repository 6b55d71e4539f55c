package nas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// API names and the CGI entry points they live behind.
const (
	apiInfo         = "SYNO.API.Info"
	apiAuth         = "SYNO.API.Auth"
	apiList         = "SYNO.FileStation.List"
	apiCreateFolder = "SYNO.FileStation.CreateFolder"
	apiDelete       = "SYNO.FileStation.Delete"
	apiUpload       = "SYNO.FileStation.Upload"
	apiDownload     = "SYNO.FileStation.Download"
	apiThumb        = "SYNO.FileStation.Thumb"
	apiMediaItem    = "SYNO.Foto.Browse.Item"
	apiMediaThumb   = "SYNO.Foto.Thumbnail"
	apiMediaFile    = "SYNO.Foto.Download"

	cgiQuery = "query.cgi"
	cgiAuth  = "auth.cgi"
	cgiEntry = "entry.cgi"

	sidParam = "_sid"

	// errorBodyLimit caps how much of an error response body is kept.
	errorBodyLimit = 4096
)

// DefaultUserAgent is sent when the caller does not configure one.
const DefaultUserAgent = "nasgate/0.1"

// request describes one web API call.
type request struct {
	cgi     string
	api     string
	version int
	method  string
	params  url.Values
	path    string // remote path for error context
}

func (r request) url(endpoint, sid string) string {
	q := url.Values{}
	for k, v := range r.params {
		q[k] = v
	}

	q.Set("api", r.api)
	q.Set("version", strconv.Itoa(r.version))
	q.Set("method", r.method)

	if sid != "" {
		q.Set(sidParam, sid)
	}

	return strings.TrimRight(endpoint, "/") + "/webapi/" + r.cgi + "?" + q.Encode()
}

func (r request) apiError(code, status int, msg string, sentinel error) *APIError {
	return &APIError{
		API:        r.api,
		Method:     r.method,
		Path:       r.path,
		Code:       code,
		HTTPStatus: status,
		Message:    msg,
		Err:        sentinel,
	}
}

// envelope mirrors the JSON shape every non-binary response uses.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *envelopeError  `json:"error"`
}

type envelopeError struct {
	Code   int `json:"code"`
	Errors []struct {
		Code int    `json:"code"`
		Path string `json:"path"`
	} `json:"errors"`
}

// effectiveCode prefers the per-item code: batch APIs report a generic
// top-level code and the real reason per path.
func (e *envelopeError) effectiveCode() int {
	if len(e.Errors) > 0 && e.Errors[0].Code != 0 {
		return e.Errors[0].Code
	}

	return e.Code
}

// Client executes raw web API calls against an explicit endpoint and
// session token. It does not retry; session-level retry lives in
// WithSession and transport-level retry is the caller's decision.
type Client struct {
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
}

// NewClient creates a web API client.
func NewClient(httpClient *http.Client, userAgent string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	return &Client{
		httpClient: httpClient,
		userAgent:  userAgent,
		logger:     logger,
	}
}

// call executes a JSON API call and decodes the envelope's data into out
// (out may be nil).
func (c *Client) call(ctx context.Context, endpoint, sid string, r request, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url(endpoint, sid), http.NoBody)
	if err != nil {
		return fmt.Errorf("nas: creating request: %w", err)
	}

	return c.exchange(httpReq, r, out)
}

// post is call with the params sent as a urlencoded form body, keeping
// them out of the URL and so out of access logs and transport errors.
func (c *Client) post(ctx context.Context, endpoint string, r request, out any) error {
	head := r
	head.params = nil

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, head.url(endpoint, ""), strings.NewReader(r.params.Encode()))
	if err != nil {
		return fmt.Errorf("nas: creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.exchange(httpReq, r, out)
}

// exchange sends a prepared request and decodes a JSON envelope.
func (c *Client) exchange(httpReq *http.Request, r request, out any) error {
	httpReq.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return c.transportError(httpReq.Context(), r, err)
	}
	defer resp.Body.Close()

	if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))

		return r.apiError(0, resp.StatusCode, string(body), sentinel)
	}

	var env envelope
	if decErr := json.NewDecoder(resp.Body).Decode(&env); decErr != nil {
		return r.apiError(0, resp.StatusCode, "malformed response: "+decErr.Error(), ErrRemote)
	}

	if err := envelopeErr(r, resp.StatusCode, &env); err != nil {
		return err
	}

	c.logger.Debug("api call succeeded",
		slog.String("api", r.api),
		slog.String("method", r.method),
	)

	if out == nil || len(env.Data) == 0 {
		return nil
	}

	if err := json.Unmarshal(env.Data, out); err != nil {
		return r.apiError(0, resp.StatusCode, "decoding data: "+err.Error(), ErrRemote)
	}

	return nil
}

// open executes a binary API call and returns the live response. On
// success the caller owns resp.Body. Error answers (non-2xx, or a 2xx JSON
// envelope with success=false) are classified and the body closed.
func (c *Client) open(ctx context.Context, endpoint, sid string, r request) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url(endpoint, sid), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("nas: creating request: %w", err)
	}

	httpReq.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, r, err)
	}

	if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		resp.Body.Close()

		return nil, r.apiError(0, resp.StatusCode, string(body), sentinel)
	}

	if isJSON(resp.Header.Get("Content-Type")) {
		defer resp.Body.Close()

		var env envelope
		if decErr := json.NewDecoder(io.LimitReader(resp.Body, errorBodyLimit)).Decode(&env); decErr != nil {
			return nil, r.apiError(0, resp.StatusCode, "malformed error envelope: "+decErr.Error(), ErrRemote)
		}

		if err := envelopeErr(r, resp.StatusCode, &env); err != nil {
			return nil, err
		}

		return nil, r.apiError(0, resp.StatusCode, "expected binary content, got JSON", ErrRemote)
	}

	return resp, nil
}

// envelopeErr converts an unsuccessful envelope into a classified error.
func envelopeErr(r request, status int, env *envelope) error {
	if env.Success {
		return nil
	}

	if env.Error == nil {
		return r.apiError(0, status, "success=false without error code", ErrRemote)
	}

	code := env.Error.effectiveCode()

	return r.apiError(code, status, "", classifyCode(r.api, code))
}

// transportError classifies a failed round trip. Context cancellation is
// returned as-is so callers can distinguish it from upstream failures.
func (c *Client) transportError(ctx context.Context, r request, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("nas: %s.%s canceled: %w", r.api, r.method, ctx.Err())
	}

	c.logger.Warn("api transport error",
		slog.String("api", r.api),
		slog.String("method", r.method),
		slog.String("error", redactURLError(err)),
	)

	return r.apiError(0, 0, redactURLError(err), ErrTransientUpstream)
}

// redactURLError strips the request URL (which carries the session token)
// from *url.Error messages.
func redactURLError(err error) string {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Op + ": " + uerr.Err.Error()
	}

	return err.Error()
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}

	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// jsonList encodes values as the JSON array literal the web API expects
// for list parameters, e.g. ["size","time"].
func jsonList[T any](values ...T) string {
	b, _ := json.Marshal(values)

	return string(b)
}
