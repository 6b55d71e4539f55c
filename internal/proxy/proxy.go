// Package proxy resolves media references to authenticated upstream
// downloads and hands back the live response for relaying. It never
// buffers content and never touches local disk.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tonimelisma/nasgate/internal/nas"
)

// Defaults for zero Options fields.
const (
	DefaultImmutableMaxAge = 365 * 24 * time.Hour
	DefaultVolatileMaxAge  = 5 * time.Minute
	DefaultLookupCacheSize = 4096
	DefaultLookupCacheTTL  = 10 * time.Minute
)

// Error is a non-2xx upstream answer that is neither a session rejection
// nor a missing file. Body is capped by the client.
type Error struct {
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	msg := "proxy: upstream HTTP " + strconv.Itoa(e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Observer receives one outcome per Stream call.
type Observer interface {
	ObserveStream(kind, variant, outcome string, elapsed time.Duration)
}

// Options tunes a Proxy. Zero values select defaults.
type Options struct {
	ThumbnailSize      string // file thumbnail size, nas.Thumb*
	MediaThumbnailSize string // media thumbnail size, nas.MediaThumb*
	ImmutableMaxAge    time.Duration
	VolatileMaxAge     time.Duration
	LookupCacheSize    int
	LookupCacheTTL     time.Duration
	Observer           Observer
}

// Proxy streams media from the NAS. Safe for concurrent use.
type Proxy struct {
	sessions  *nas.SessionManager
	client    *nas.Client
	thumbSize string
	mediaSize string
	lookups   *expirable.LRU[int64, nas.MediaItem]
	observer  Observer
	logger    *slog.Logger
	immutable atomic.Int64 // seconds
	volatile  atomic.Int64 // seconds
	nowFunc   func() time.Time
}

// New creates a Proxy that authenticates through sessions.
func New(sessions *nas.SessionManager, opts Options, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.LookupCacheSize <= 0 {
		opts.LookupCacheSize = DefaultLookupCacheSize
	}

	if opts.LookupCacheTTL <= 0 {
		opts.LookupCacheTTL = DefaultLookupCacheTTL
	}

	p := &Proxy{
		sessions:  sessions,
		client:    sessions.Client(),
		thumbSize: opts.ThumbnailSize,
		mediaSize: opts.MediaThumbnailSize,
		lookups:   expirable.NewLRU[int64, nas.MediaItem](opts.LookupCacheSize, nil, opts.LookupCacheTTL),
		observer:  opts.Observer,
		logger:    logger,
		nowFunc:   time.Now,
	}

	p.SetMaxAges(opts.ImmutableMaxAge, opts.VolatileMaxAge)

	return p
}

// SetMaxAges updates the Cache-Control lifetimes. Zero keeps the default.
// Safe to call while streams are in flight.
func (p *Proxy) SetMaxAges(immutable, volatile time.Duration) {
	if immutable <= 0 {
		immutable = DefaultImmutableMaxAge
	}

	if volatile <= 0 {
		volatile = DefaultVolatileMaxAge
	}

	p.immutable.Store(int64(immutable / time.Second))
	p.volatile.Store(int64(volatile / time.Second))
}

func (p *Proxy) immutableCacheControl() string {
	return "public, max-age=" + strconv.FormatInt(p.immutable.Load(), 10) + ", immutable"
}

func (p *Proxy) volatileCacheControl() string {
	return "private, max-age=" + strconv.FormatInt(p.volatile.Load(), 10)
}

// Stream resolves ref and opens the upstream download. A session rejection
// invalidates the session and the whole resolve-and-open runs once more;
// a second rejection is nas.ErrAuthenticationFailed. Upstream 404 and a
// media item without a cache key are nas.ErrNotFound; other non-2xx
// answers are *Error.
func (p *Proxy) Stream(ctx context.Context, ref Ref) (*Stream, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	start := p.nowFunc()

	st, err := nas.WithSession(ctx, p.sessions, ref.family(), func(ctx context.Context, s *nas.Session) (*Stream, error) {
		return p.open(ctx, s, ref)
	})

	p.observe(ref, err, start)

	if err != nil {
		p.logger.Warn("media stream failed",
			slog.String("ref", ref.String()),
			slog.String("error", err.Error()),
		)

		return nil, upstreamError(err)
	}

	p.logger.Debug("media stream opened",
		slog.String("ref", ref.String()),
		slog.String("content_type", st.ContentType),
		slog.Int64("content_length", st.ContentLength),
	)

	return st, nil
}

func (p *Proxy) open(ctx context.Context, s *nas.Session, ref Ref) (*Stream, error) {
	if ref.Kind == KindPath {
		var (
			dl  *nas.Download
			err error
		)

		if ref.Variant == VariantThumbnail {
			dl, err = p.client.OpenThumbnail(ctx, s, ref.Path, p.thumbSize)
		} else {
			dl, err = p.client.OpenFile(ctx, s, ref.Path)
		}

		if err != nil {
			return nil, err
		}

		return p.newStream(dl, p.immutableCacheControl(), dl.ETag), nil
	}

	item, err := p.lookup(ctx, s, ref.ID)
	if err != nil {
		return nil, err
	}

	var dl *nas.Download

	if ref.Variant == VariantThumbnail {
		dl, err = p.client.OpenMediaThumbnail(ctx, s, &item, p.mediaSize)
	} else {
		dl, err = p.client.OpenMediaOriginal(ctx, s, &item)
	}

	if err != nil {
		// The cached lookup may be what went stale.
		if errors.Is(err, nas.ErrSessionRejected) || errors.Is(err, nas.ErrNotFound) {
			p.lookups.Remove(ref.ID)
		}

		return nil, err
	}

	if ref.Variant == VariantThumbnail {
		etag := dl.ETag
		if etag == "" {
			etag = strconv.Quote(item.CacheKey + "_" + p.mediaSizeOrDefault())
		}

		return p.newStream(dl, p.immutableCacheControl(), etag), nil
	}

	return p.newStream(dl, p.volatileCacheControl(), dl.ETag), nil
}

// lookup returns the media item, from cache when possible. Only lookup
// metadata is cached, never content.
func (p *Proxy) lookup(ctx context.Context, s *nas.Session, id int64) (nas.MediaItem, error) {
	if item, ok := p.lookups.Get(id); ok {
		return item, nil
	}

	item, err := p.client.MediaItem(ctx, s, id)
	if err != nil {
		return nas.MediaItem{}, err
	}

	p.lookups.Add(id, *item)

	return *item, nil
}

// Evict drops the cached lookup for a media item.
func (p *Proxy) Evict(id int64) {
	p.lookups.Remove(id)
}

func (p *Proxy) mediaSizeOrDefault() string {
	if p.mediaSize == "" {
		return nas.MediaThumbXL
	}

	return p.mediaSize
}

func (p *Proxy) newStream(dl *nas.Download, cacheControl, etag string) *Stream {
	return &Stream{
		ContentType:   dl.ContentType,
		ContentLength: dl.ContentLength,
		CacheControl:  cacheControl,
		ETag:          etag,
		Body:          dl.Body,
	}
}

func (p *Proxy) observe(ref Ref, err error, start time.Time) {
	if p.observer == nil {
		return
	}

	p.observer.ObserveStream(string(ref.Kind), string(ref.Variant), Outcome(err), p.nowFunc().Sub(start))
}

// Outcome names the class of a Stream result for metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, nas.ErrNotFound):
		return "not_found"
	case errors.Is(err, nas.ErrAuthenticationFailed):
		return "auth_failed"
	case errors.Is(err, nas.ErrEndpointUnreachable):
		return "unreachable"
	default:
		return "upstream_error"
	}
}

// upstreamError turns an HTTP-level failure from a binary endpoint into
// *Error. Session, not-found and transport failures keep their sentinel.
func upstreamError(err error) error {
	var apiErr *nas.APIError
	if !errors.As(err, &apiErr) || apiErr.HTTPStatus == 0 || apiErr.Code != 0 {
		return err
	}

	if apiErr.HTTPStatus < http.StatusMultipleChoices {
		return err
	}

	if errors.Is(err, nas.ErrNotFound) || errors.Is(err, nas.ErrSessionRejected) {
		return err
	}

	return &Error{Status: apiErr.HTTPStatus, Body: apiErr.Message, Err: fmt.Errorf("proxy: %w", err)}
}
