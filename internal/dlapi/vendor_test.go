package dlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"marketfill/internal/domain"
)

const (
	testCatalogID = "123"
	testToken     = "tok-123"
)

// fakeVendor is an in-process stand-in for the bulk-download API. It echoes
// one row per (identifier, day) of the submitted request.
type fakeVendor struct {
	t   *testing.T
	srv *httptest.Server

	mu          sync.Mutex
	catalogs    []catalogEntry
	tokenStatus int
	noLocation  bool
	readyAfter  int // empty polls before output appears; -1 never
	pollStatus  int
	fetchStatus int

	submitted    *JobRequest
	acked        bool
	polls        int
	catalogHits  int
	badHeaders   []string
	tokenClient  string
	pollPrefixes []string
}

func newFakeVendor(t *testing.T) *fakeVendor {
	t.Helper()
	fv := &fakeVendor{
		t:          t,
		catalogs:   []catalogEntry{{Identifier: "bbg", SubscriptionType: "bbg"}, {Identifier: testCatalogID, SubscriptionType: ScheduledSubscription}},
		readyAfter: 0,
	}
	fv.srv = httptest.NewServer(http.HandlerFunc(fv.serve))
	t.Cleanup(fv.srv.Close)
	return fv
}

func (fv *fakeVendor) serve(w http.ResponseWriter, r *http.Request) {
	fv.mu.Lock()
	defer fv.mu.Unlock()

	if r.Header.Get(APIVersionHeader) != DefaultAPIVersion {
		fv.badHeaders = append(fv.badHeaders, r.Method+" "+r.URL.Path+" api-version")
	}
	if r.URL.Path != "/token" && r.Header.Get("Authorization") != "Bearer "+testToken {
		fv.badHeaders = append(fv.badHeaders, r.Method+" "+r.URL.Path+" authorization")
	}

	catalogRoot := "/eap/catalogs/" + testCatalogID + "/"
	responsesRoot := catalogRoot + "content/responses/"

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/token":
		fv.serveToken(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/eap/catalogs/":
		fv.catalogHits++
		writeJSON(w, http.StatusOK, catalogList{Contains: fv.catalogs})
	case r.Method == http.MethodPost && r.URL.Path == catalogRoot+"requests/":
		fv.serveSubmit(w, r, catalogRoot)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, catalogRoot+"requests/"):
		fv.acked = true
		writeJSON(w, http.StatusOK, map[string]string{"status": "created"})
	case r.Method == http.MethodGet && r.URL.Path == responsesRoot:
		fv.servePoll(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, responsesRoot):
		fv.serveFetch(w)
	default:
		http.NotFound(w, r)
	}
}

func (fv *fakeVendor) serveToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fv.tokenClient = r.PostForm.Get("client_id")
	if fv.tokenStatus != 0 {
		http.Error(w, `{"error":"invalid_client"}`, fv.tokenStatus)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": testToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (fv *fakeVendor) serveSubmit(w http.ResponseWriter, r *http.Request, catalogRoot string) {
	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fv.submitted = &req
	if fv.noLocation {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	w.Header().Set("Location", catalogRoot+"requests/"+req.Name+"/")
	w.WriteHeader(http.StatusCreated)
}

func (fv *fakeVendor) servePoll(w http.ResponseWriter, r *http.Request) {
	fv.polls++
	fv.pollPrefixes = append(fv.pollPrefixes, r.URL.Query().Get("prefix"))
	if fv.pollStatus != 0 {
		http.Error(w, "unavailable", fv.pollStatus)
		return
	}
	list := responseList{Contains: []responseEntry{}}
	if fv.readyAfter >= 0 && fv.polls > fv.readyAfter && fv.submitted != nil {
		list.Contains = append(list.Contains, responseEntry{Key: fv.submitted.Name + ".csv.gz"})
	}
	writeJSON(w, http.StatusOK, list)
}

func (fv *fakeVendor) serveFetch(w http.ResponseWriter) {
	if fv.fetchStatus != 0 {
		http.Error(w, "gone", fv.fetchStatus)
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(echoPayload(fv.t, fv.submitted))
}

// echoPayload renders a gzip CSV with one row per identifier and day of req.
func echoPayload(t *testing.T, req *JobRequest) []byte {
	t.Helper()
	var csvBuf bytes.Buffer
	csvBuf.WriteString("IDENTIFIER,DATE,PX_LAST\n")

	start, err := domain.ParseDay(req.RuntimeOptions.DateRange.StartDate)
	if err != nil {
		t.Fatalf("parsing start date: %v", err)
	}
	end, err := domain.ParseDay(req.RuntimeOptions.DateRange.EndDate)
	if err != nil {
		t.Fatalf("parsing end date: %v", err)
	}
	for i, e := range req.Universe.Contains {
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			// Echo identifiers in lower case as the vendor sometimes does.
			fmt.Fprintf(&csvBuf, "%s,%s,%d.5\n", strings.ToLower(e.IdentifierValue), d.Format(domain.DateFormat), 100+i)
		}
	}
	return gzipBytes(t, csvBuf.Bytes())
}

func gzipBytes(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (fv *fakeVendor) sessionConfig() SessionConfig {
	return SessionConfig{
		Host:         fv.srv.URL,
		TokenURL:     fv.srv.URL + "/token",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Scopes:       []string{"dlrest-high-rate-limit"},
	}
}

func (fv *fakeVendor) session(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession(context.Background(), fv.sessionConfig())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func (fv *fakeVendor) client(t *testing.T, clock *fakeClock, opts ...Option) *Client {
	t.Helper()
	s := fv.session(t)
	cat, err := s.Catalog(context.Background())
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	opts = append([]Option{WithClock(clock.Now, clock.Sleep)}, opts...)
	return NewClient(s, cat, opts...)
}

// fakeClock advances only when the client sleeps.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.slept = append(c.slept, d)
	return nil
}

// fixedEntropy cycles through vals.
type fixedEntropy struct {
	vals []int
	i    int
}

func (e *fixedEntropy) IntN(n int) int {
	v := e.vals[e.i%len(e.vals)]
	e.i++
	return v % n
}

// inspect runs fn with the vendor state locked.
func (fv *fakeVendor) inspect(fn func()) {
	fv.mu.Lock()
	defer fv.mu.Unlock()
	fn()
}
