package models

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

type MediaType string

const (
	MediaMovie MediaType = "movie"
	MediaTV    MediaType = "tv"
)

func (m MediaType) Valid() bool {
	return m == MediaMovie || m == MediaTV
}

// ParseMediaType accepts the provider spellings seen in imports ("series", "show").
func ParseMediaType(s string) (MediaType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "movie", "film":
		return MediaMovie, true
	case "tv", "series", "show":
		return MediaTV, true
	default:
		return "", false
	}
}

// Key is the identity of a tracked item. Two items with the same
// provider id but different media types are different items.
type Key struct {
	ID        int64     `json:"id"`
	MediaType MediaType `json:"media_type"`
}

func NewKey(id int64, mediaType MediaType) Key {
	return Key{ID: id, MediaType: mediaType}
}

// String renders the key as "<media_type>:<id>", the document id used by
// the remote stores.
func (k Key) String() string {
	return string(k.MediaType) + ":" + strconv.FormatInt(k.ID, 10)
}

func (k Key) Valid() bool {
	return k.ID > 0 && k.MediaType.Valid()
}

func ParseKey(s string) (Key, error) {
	mt, raw, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, fmt.Errorf("parse key %q: missing separator", s)
	}
	mediaType, ok := ParseMediaType(mt)
	if !ok {
		return Key{}, fmt.Errorf("parse key %q: unknown media type", s)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return Key{}, fmt.Errorf("parse key %q: invalid id", s)
	}
	return Key{ID: id, MediaType: mediaType}, nil
}

type Item struct {
	ID          int64     `json:"id"`
	MediaType   MediaType `json:"media_type"`
	Title       string    `json:"title"`
	PosterURL   string    `json:"poster_url,omitempty"`
	Year        int       `json:"year,omitempty"`
	VoteAverage float64   `json:"vote_average,omitempty"`
	UserRating  float64   `json:"user_rating,omitempty"` // 0 = unrated
	Notes       string    `json:"notes,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

func (it Item) Key() Key {
	return Key{ID: it.ID, MediaType: it.MediaType}
}

// Normalized returns a copy with trimmed text and the tag set sorted and
// deduplicated, so that equal items compare equal.
func (it Item) Normalized() Item {
	it.Title = strings.TrimSpace(it.Title)
	it.PosterURL = strings.TrimSpace(it.PosterURL)
	it.Notes = strings.TrimSpace(it.Notes)
	it.Tags = NormalizeTags(it.Tags)
	return it
}

func (it Item) Validate() error {
	if !it.Key().Valid() {
		return fmt.Errorf("invalid identity %s", it.Key())
	}
	if it.UserRating < 0 || it.UserRating > 10 {
		return fmt.Errorf("user rating %.1f out of range 0-10", it.UserRating)
	}
	if it.Year < 0 {
		return fmt.Errorf("invalid year %d", it.Year)
	}
	return nil
}

func (it Item) Equal(o Item) bool {
	return it.ID == o.ID &&
		it.MediaType == o.MediaType &&
		it.Title == o.Title &&
		it.PosterURL == o.PosterURL &&
		it.Year == o.Year &&
		it.VoteAverage == o.VoteAverage &&
		it.UserRating == o.UserRating &&
		it.Notes == o.Notes &&
		slices.Equal(it.Tags, o.Tags)
}

func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// ItemPatch carries field edits for an already tracked item. Nil fields
// are left untouched.
type ItemPatch struct {
	UserRating *float64  `json:"user_rating,omitempty"`
	Notes      *string   `json:"notes,omitempty"`
	Tags       *[]string `json:"tags,omitempty"`
}

func (p ItemPatch) Apply(it Item) Item {
	if p.UserRating != nil {
		it.UserRating = *p.UserRating
	}
	if p.Notes != nil {
		it.Notes = *p.Notes
	}
	if p.Tags != nil {
		it.Tags = slices.Clone(*p.Tags)
	}
	return it.Normalized()
}
