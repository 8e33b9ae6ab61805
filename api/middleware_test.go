package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPanicRecovery(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Expected server to handle panic")
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/panic", panickingHandler)
	mux.HandleFunc("/panic-string", func(w http.ResponseWriter, r *http.Request) { panic("not an error") })
	panicServer := httptest.NewServer(api.RegisterHandlers(mux))
	defer panicServer.Close()

	for _, path := range []string{"/panic", "/panic-string"} {
		resp, err := http.Get(panicServer.URL + path)
		if err != nil {
			t.Fatalf("Request to %s failed: %s\n", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusInternalServerError {
			t.Errorf("Expected server to respond with 500 on %s, got %d", path, resp.StatusCode)
		}
	}
}

func panickingHandler(w http.ResponseWriter, r *http.Request) {
	panic(fmt.Errorf("oh no"))
}

func TestAllowedOrigins(t *testing.T) {
	// Allowed domain should get CORS header
	req, err := http.NewRequest("GET", server.URL+"/api/ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("origin", "https://www.crilli.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	corsHeader := resp.Header["Access-Control-Allow-Origin"]
	if len(corsHeader) != 1 || corsHeader[0] != "https://www.crilli.example" {
		t.Errorf("Expected CORS header to be set for allowed domain, got %v", corsHeader)
	}

	// Disallowed domain should not get CORS header
	req, err = http.NewRequest("GET", server.URL+"/api/ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("origin", "https://elsewhere.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header["Access-Control-Allow-Origin"] != nil {
		t.Error("Expected CORS header to be absent for disallowed domain")
	}
}
