package web

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestGetWebFingerNotFound(t *testing.T) {
	result := GetWebFingerNotFound()
	if result["detail"] != "Not Found" {
		t.Error("Body should contain 'detail' field with 'Not Found'")
	}
}

func TestWebfinger(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name     string
		resource string
		status   int
		href     string
	}{
		{"person", "acct:alice@home.example", http.StatusOK, "https://home.example/u/alice"},
		{"community", "acct:gophers@home.example", http.StatusOK, "https://home.example/c/gophers"},
		{"community with bang", "acct:!gophers@home.example", http.StatusOK, "https://home.example/c/gophers"},
		{"domain is case insensitive", "acct:alice@HOME.example", http.StatusOK, "https://home.example/u/alice"},
		{"unknown user", "acct:nobody@home.example", http.StatusNotFound, ""},
		{"other domain", "acct:alice@remote.example", http.StatusNotFound, ""},
		{"missing acct prefix", "alice@home.example", http.StatusNotFound, ""},
		{"missing domain", "acct:alice", http.StatusNotFound, ""},
		{"empty", "", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do("GET", "/.well-known/webfinger?resource="+tt.resource, "")
			if w.Code != tt.status {
				t.Fatalf("Expected status %d, got %d", tt.status, w.Code)
			}
			if tt.status != http.StatusOK {
				return
			}

			var resp WebfingerResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Invalid JSON: %v", err)
			}
			if len(resp.Links) != 1 || resp.Links[0].Href != tt.href {
				t.Errorf("Expected self link %s, got %+v", tt.href, resp.Links)
			}
			if resp.Links[0].Type != "application/activity+json" {
				t.Errorf("Expected ActivityPub link type, got %s", resp.Links[0].Type)
			}
		})
	}
}
