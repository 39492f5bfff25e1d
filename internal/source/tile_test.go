package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gisquick/tileproxy/internal/domain"
)

func TestTileSourceURLForSchemes(t *testing.T) {
	cases := []struct {
		scheme TileURLScheme
		tpl    string
		want   string
	}{
		{SchemeXYZ, "https://t.example/{z}/{x}/{y}.{format}", "https://t.example/3/4/5.png"},
		{SchemeTMSPath, "https://t.example/{z}/{x}/{y}.{format}", "https://t.example/3/4/2.png"}, // y flipped: (1<<3)-1-5=2
		{SchemeQuadkey, "https://t.example/{q}.{format}", "https://t.example/" + quadkeyOf(3, 4, 5) + ".png"},
		{SchemeArcGISPath, "https://t.example/{level}/{row}/{col}.{format}", "https://t.example/L03/R00000005/C00000004.png"},
	}
	for _, c := range cases {
		s := NewTileSource("t", c.tpl, c.scheme, nil, nil)
		got := s.URLFor(TileRequest{Level: 3, X: 4, Y: 5})
		if got != c.want {
			t.Errorf("scheme %s: got %s, want %s", c.scheme, got, c.want)
		}
	}
}

func TestTileSourceFetchTileOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("pngdata"))
	}))
	defer srv.Close()

	s := NewTileSource("t", srv.URL+"/{z}/{x}/{y}.{format}", SchemeXYZ, srv.Client(), nil)
	resp, err := s.FetchTile(context.Background(), TileRequest{Level: 1, X: 2, Y: 3})
	if err != nil {
		t.Fatalf("FetchTile: %v", err)
	}
	if string(resp.Image) != "pngdata" || resp.Format != "image/png" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestTileSourceFetchTileNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	s := NewTileSource("t", srv.URL+"/{z}/{x}/{y}.{format}", SchemeXYZ, srv.Client(), nil)
	_, err := s.FetchTile(context.Background(), TileRequest{Level: 1, X: 2, Y: 3})
	if err == nil {
		t.Fatal("expected an error for a 404 response")
	}
	if domain.KindOf(err) != domain.ErrKindSourcePermanent {
		t.Fatalf("expected a permanent-error kind for 404, got %v", domain.KindOf(err))
	}
}

func TestTileSourceFetchTileServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewTileSource("t", srv.URL+"/{z}/{x}/{y}.{format}", SchemeXYZ, srv.Client(), nil)
	_, err := s.FetchTile(context.Background(), TileRequest{Level: 1, X: 2, Y: 3})
	if err == nil {
		t.Fatal("expected an error for a 500 response")
	}
	if domain.KindOf(err) != domain.ErrKindSourceTransient {
		t.Fatalf("expected a transient-error kind for 500, got %v", domain.KindOf(err))
	}
}

func TestTileSourceFormatPlaceholderStripsImagePrefix(t *testing.T) {
	s := NewTileSource("t", "https://t.example/x.{format}", SchemeXYZ, nil, nil)
	got := s.URLFor(TileRequest{Request: Request{Format: "image/jpeg"}})
	if !strings.HasSuffix(got, "x.jpeg") {
		t.Fatalf("expected format placeholder to resolve to jpeg without the image/ prefix, got %s", got)
	}
}
