package eta

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestOSRMClientParsesDuration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/route/v1/driving/77.590000,12.970000;") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"code":"Ok","routes":[{"duration":612.5,"distance":4100}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL + "/")
	got, err := c.EstimateSeconds(models.Coord{Lat: 12.97, Lon: 77.59}, models.Coord{Lat: 12.99, Lon: 77.61})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 612.5 {
		t.Fatalf("expected 612.5, got %f", got)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	if _, err := NewOSRMClient(srv.URL).EstimateSeconds(models.Coord{}, models.Coord{Lat: 1}); err == nil {
		t.Fatalf("expected error for NoRoute")
	}
}
