package geo_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"printlegion/internal/geo"
)

func TestGeocoderSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if q := r.URL.Query().Get("q"); q != "Paris" {
			t.Errorf("query = %q", q)
		}
		if lang := r.Header.Get("Accept-Language"); lang != "en-US" {
			t.Errorf("accept-language = %q", lang)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"place_id":1,"lat":"48.8566","lon":"2.3522","name":"Paris","display_name":"Paris, France"}]`))
	}))
	defer srv.Close()

	g := geo.NewGeocoder(srv.URL, nil)
	results, err := g.Search(context.Background(), "Paris")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].Name != "Paris" || results[0].Lat != "48.8566" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestGeocoderReverse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/reverse.php" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"place_id":2,"lat":"48.8566","lon":"2.3522","name":"Paris","display_name":"Paris, Ile-de-France, France"}`))
	}))
	defer srv.Close()

	g := geo.NewGeocoder(srv.URL, nil)
	result, err := g.Reverse(context.Background(), geo.Point{Lat: 48.8566, Lon: 2.3522})
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if result.DisplayName != "Paris, Ile-de-France, France" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestGeocoderUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := geo.NewGeocoder(srv.URL, nil)
	if _, err := g.Search(context.Background(), "Paris"); err == nil {
		t.Fatal("expected error on non-200 upstream")
	}
}

func TestLocateFallbackName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"place_id":3,"lat":"48.8566","lon":"2.3522","name":"","display_name":"somewhere"}]`))
	}))
	defer srv.Close()

	g := geo.NewGeocoder(srv.URL, nil)
	result, err := g.Locate(context.Background(), "48.85,2.35", "my town")
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if result.Name != "my town" {
		t.Fatalf("fallback name not applied: %+v", result)
	}
}
