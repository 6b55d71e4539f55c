package nas

import (
	"context"
	"net/url"
	"strconv"
)

// Media thumbnail sizes.
const (
	MediaThumbSmall  = "sm"
	MediaThumbMedium = "m"
	MediaThumbXL     = "xl"
)

type mediaItemResponse struct {
	List []struct {
		ID         int64  `json:"id"`
		Filename   string `json:"filename"`
		Additional *struct {
			Thumbnail *struct {
				CacheKey string `json:"cache_key"`
				UnitID   int64  `json:"unit_id"`
			} `json:"thumbnail"`
		} `json:"additional"`
	} `json:"list"`
}

// MediaItem looks up a media-library item by its numeric id. An unknown
// id, or an item without a thumbnail cache key (not indexed yet), yields
// ErrNotFound: no download URL can be built for it.
func (c *Client) MediaItem(ctx context.Context, s *Session, id int64) (*MediaItem, error) {
	idStr := strconv.FormatInt(id, 10)
	req := request{
		cgi:     cgiEntry,
		api:     apiMediaItem,
		version: 1,
		method:  "get",
		path:    "id:" + idStr,
		params: url.Values{
			"id":         {jsonList(id)},
			"additional": {jsonList("thumbnail")},
		},
	}

	var out mediaItemResponse
	if err := c.call(ctx, s.Endpoint, s.Token, req, &out); err != nil {
		return nil, err
	}

	if len(out.List) == 0 {
		return nil, req.apiError(0, 0, "no such item", ErrNotFound)
	}

	it := out.List[0]
	if it.Additional == nil || it.Additional.Thumbnail == nil || it.Additional.Thumbnail.CacheKey == "" {
		return nil, req.apiError(0, 0, "item has no cache key (not indexed yet)", ErrNotFound)
	}

	unitID := it.Additional.Thumbnail.UnitID
	if unitID == 0 {
		unitID = it.ID
	}

	return &MediaItem{
		ID:       it.ID,
		UnitID:   unitID,
		Filename: it.Filename,
		CacheKey: it.Additional.Thumbnail.CacheKey,
	}, nil
}

// OpenMediaThumbnail opens the thumbnail addressed by the item's cache key.
func (c *Client) OpenMediaThumbnail(ctx context.Context, s *Session, item *MediaItem, size string) (*Download, error) {
	if size == "" {
		size = MediaThumbXL
	}

	return c.openBinary(ctx, s, request{
		cgi:     cgiEntry,
		api:     apiMediaThumb,
		version: 2,
		method:  "get",
		path:    "id:" + strconv.FormatInt(item.ID, 10),
		params: url.Values{
			"id":        {strconv.FormatInt(item.UnitID, 10)},
			"cache_key": {item.CacheKey},
			"type":      {"unit"},
			"size":      {size},
		},
	})
}

// OpenMediaOriginal opens the original file of a media-library item.
func (c *Client) OpenMediaOriginal(ctx context.Context, s *Session, item *MediaItem) (*Download, error) {
	return c.openBinary(ctx, s, request{
		cgi:     cgiEntry,
		api:     apiMediaFile,
		version: 1,
		method:  "download",
		path:    "id:" + strconv.FormatInt(item.ID, 10),
		params: url.Values{
			"unit_id": {jsonList(item.UnitID)},
		},
	})
}
