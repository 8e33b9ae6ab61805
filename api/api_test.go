package api

import (
	"bytes"
	"io/ioutil"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"

	"github.com/crilli/crilli-backend/admission"
	"github.com/crilli/crilli-backend/captcha"
	"github.com/crilli/crilli-backend/config"
	"github.com/crilli/crilli-backend/mailinglist"
	"github.com/crilli/crilli-backend/ratelimit"
)

var api *API
var server *httptest.Server
var sender *fakeSender

// Mock Sender.net API. Addresses in `existing` are answered with a generic
// 400 on create, addresses in `duplicates` with a duplicate message, and
// addresses in `broken` with a 500.
type fakeSender struct {
	mu         sync.Mutex
	existing   map[string]string
	duplicates map[string]bool
	broken     map[string]bool
	created    map[string]int
	updated    map[string][]string
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		existing:   map[string]string{"returning@crilli.fm": "4711"},
		duplicates: map[string]bool{"twice@crilli.fm": true},
		broken:     map[string]bool{"unlucky@crilli.fm": true},
		created:    make(map[string]int),
		updated:    make(map[string][]string),
	}
}

func (s *fakeSender) createCalls(email string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created[email]
}

func (s *fakeSender) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v2/subscribers":
		var sub mailinglist.NewSubscriber
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		s.created[sub.Email]++
		switch {
		case s.duplicates[sub.Email]:
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"message":["Subscriber already exists"]}`))
		case s.broken[sub.Email]:
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"message":"Server Error"}`))
		case s.existing[sub.Email] != "":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"message":"The given data was invalid."}`))
		default:
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success": true,
				"data":    map[string]interface{}{"id": 1000 + len(s.created), "email": sub.Email},
			})
		}
	case r.Method == http.MethodGet && r.URL.Path == "/v2/subscribers":
		email := r.URL.Query().Get("email")
		data := []map[string]string{}
		if id := s.existing[email]; id != "" {
			data = append(data, map[string]string{"id": id, "email": email})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/v2/subscribers/"):
		var body struct {
			Groups []string `json:"groups"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		s.updated[strings.TrimPrefix(r.URL.Path, "/v2/subscribers/")] = body.Groups
		w.Write([]byte(`{"success":true}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// Mock reCAPTCHA siteverify. Only the token "human" passes.
func fakeSiteverify(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.PostFormValue("response") == "human" {
		w.Write([]byte(`{"success":true}`))
		return
	}
	w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
}

func newTestAPI(cfg config.Config, provider mailinglist.Provider, verifier admission.CaptchaVerifier) *API {
	pipeline := admission.New(admission.Config{
		Limiter:    ratelimit.NewMemoryStore(ratelimit.Rate{Limit: cfg.RateLimit, Period: cfg.RateWindow}, ratelimit.WithSweepEvery(0)),
		MinElapsed: cfg.MinElapsed,
		Captcha:    verifier,
		Provider:   provider,
		GroupID:    cfg.SenderGroupID,
		Classifier: admission.DefaultClassifier(cfg.ExtraDisposableDomains...),
	})
	return &API{
		Pipeline:       pipeline,
		AllowedOrigins: cfg.AllowedOrigins,
		TrustedProxies: cfg.TrustedProxies,
	}
}

// Load env. vars, start the mock upstreams, and test API
func TestMain(m *testing.M) {
	godotenv.Overload("../.env.test")
	cfg, err := config.LoadEnvironmentVariables()
	if err != nil {
		log.Fatal(err)
	}
	sender = newFakeSender()
	senderServer := httptest.NewServer(sender)
	siteverify := httptest.NewServer(http.HandlerFunc(fakeSiteverify))

	client := mailinglist.NewClient(mailinglist.Config{
		BaseURL: senderServer.URL,
		APIKey:  cfg.SenderAPIKey,
	})
	verifier := captcha.NewVerifier(cfg.RecaptchaSecret, siteverify.URL, nil)
	api = newTestAPI(cfg, client, verifier)
	mux := http.NewServeMux()
	server = httptest.NewServer(api.RegisterHandlers(mux))

	code := m.Run()
	server.Close()
	siteverify.Close()
	senderServer.Close()
	os.Exit(code)
}

type testResponse struct {
	Success     bool                    `json:"success"`
	Message     string                  `json:"message"`
	Error       string                  `json:"error"`
	IsUpdate    bool                    `json:"isUpdate"`
	IsDuplicate bool                    `json:"isDuplicate"`
	Data        *mailinglist.Subscriber `json:"data"`
}

// Each test posts from its own client address so rate limits don't leak
// between tests.
func testPost(t *testing.T, client string, body interface{}) (*http.Response, testResponse) {
	t.Helper()
	var payload []byte
	switch b := body.(type) {
	case string:
		payload = []byte(b)
	default:
		var err error
		if payload, err = json.Marshal(b); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/subscribe", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", client)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var decoded testResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("response should be JSON, got %s", raw)
	}
	return resp, decoded
}

// Epoch milliseconds `ago` before now.
func renderedAgo(ago time.Duration) int64 {
	return time.Now().Add(-ago).UnixMilli()
}

func TestPing(t *testing.T) {
	resp, err := http.Get(server.URL + "/api/ping")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Ping should return 200, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	testPost(t, "198.51.100.200", map[string]interface{}{"email": "metrics@crilli.fm"})
	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := ioutil.ReadAll(resp.Body)
	if !strings.Contains(string(body), "subscribe_outcomes_total") {
		t.Errorf("expected subscribe outcomes in metrics output")
	}
}
