package pagination

import (
	"errors"
	"net/url"
	"testing"
	"time"
)

func TestParseDefaultsAndCaps(t *testing.T) {
	params, err := Parse(url.Values{}, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.PageSize != DefaultPageSize {
		t.Fatalf("expected default page size, got %d", params.PageSize)
	}

	params, err = Parse(url.Values{"pageSize": {"500"}}, Options{MaxPageSize: 50})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.PageSize != 50 {
		t.Fatalf("expected capped page size, got %d", params.PageSize)
	}
}

func TestParseRejectsInvalidInput(t *testing.T) {
	if _, err := Parse(url.Values{"pageSize": {"-1"}}, Options{}); !errors.Is(err, ErrInvalidPageSize) {
		t.Fatalf("expected ErrInvalidPageSize, got %v", err)
	}
	if _, err := Parse(url.Values{"pageToken": {"%%%"}}, Options{}); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken, got %v", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	cursor := Cursor{CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), ID: "ord_123"}
	token, err := EncodeToken(cursor)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeToken(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.CreatedAt.Equal(cursor.CreatedAt) || decoded.ID != cursor.ID {
		t.Fatalf("unexpected cursor %+v", decoded)
	}
	if token, _ := EncodeToken(Cursor{}); token != "" {
		t.Fatalf("expected empty token for zero cursor, got %q", token)
	}
}
