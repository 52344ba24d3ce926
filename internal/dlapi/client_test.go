package dlapi

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"marketfill/internal/domain"
)

func historyRequest(name string, ids []string, start, end time.Time) *JobRequest {
	return NewJobRequest(RequestSpec{
		Type:        HistoryRequestType,
		Name:        name,
		Description: "test",
		Identifiers: domain.NewIdentifiers(ids),
		Fields:      []string{"PX_LAST"},
		Range:       domain.NewDateRange(start, end),
	})
}

func TestNewSessionAuthFailure(t *testing.T) {
	fv := newFakeVendor(t)
	fv.tokenStatus = http.StatusUnauthorized

	_, err := NewSession(context.Background(), fv.sessionConfig())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("NewSession error = %v, want ErrAuth", err)
	}
}

func TestNewSessionMissingCredentials(t *testing.T) {
	_, err := NewSession(context.Background(), SessionConfig{Host: "http://127.0.0.1:1"})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("NewSession error = %v, want ErrAuth", err)
	}
}

func TestNewSessionSendsClientIDInForm(t *testing.T) {
	fv := newFakeVendor(t)
	s := fv.session(t)
	now := time.Now()
	if exp := s.Expiry(); exp.Before(now.Add(50*time.Minute)) || exp.After(now.Add(61*time.Minute)) {
		t.Errorf("Expiry() = %v, want about an hour from now", exp)
	}
	if s.ExpiresWithin(now, DefaultPollTimeout) {
		t.Error("an hour-long token should outlive one poll deadline")
	}
	if !s.ExpiresWithin(now, 2*time.Hour) {
		t.Error("ExpiresWithin(2h) = false for an hour-long token")
	}
	fv.inspect(func() {
		if fv.tokenClient != "client-id" {
			t.Errorf("token request client_id = %q, want %q", fv.tokenClient, "client-id")
		}
	})
}

func TestCatalogResolvesScheduledAndCaches(t *testing.T) {
	fv := newFakeVendor(t)
	s := fv.session(t)
	ctx := context.Background()

	cat, err := s.Catalog(ctx)
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	if cat.ID != testCatalogID {
		t.Errorf("catalog ID = %q, want %q", cat.ID, testCatalogID)
	}
	wantRequests := fv.srv.URL + "/eap/catalogs/123/requests/"
	if cat.RequestsURL != wantRequests {
		t.Errorf("RequestsURL = %q, want %q", cat.RequestsURL, wantRequests)
	}
	wantResponse := fv.srv.URL + "/eap/catalogs/123/content/responses/abc.csv.gz"
	if got := cat.ResponseURL("abc.csv.gz"); got != wantResponse {
		t.Errorf("ResponseURL = %q, want %q", got, wantResponse)
	}

	again, err := s.Catalog(ctx)
	if err != nil {
		t.Fatalf("Catalog (cached): %v", err)
	}
	if again != cat {
		t.Error("second Catalog call should return the cached catalog")
	}
	fv.inspect(func() {
		if fv.catalogHits != 1 {
			t.Errorf("catalog endpoint hit %d times, want 1", fv.catalogHits)
		}
	})
}

func TestCatalogNotFound(t *testing.T) {
	fv := newFakeVendor(t)
	fv.catalogs = []catalogEntry{{Identifier: "bbg", SubscriptionType: "bbg"}}
	s := fv.session(t)

	_, err := s.Catalog(context.Background())
	if !errors.Is(err, ErrCatalogNotFound) {
		t.Fatalf("Catalog error = %v, want ErrCatalogNotFound", err)
	}
}

func TestSubmitAndFetchRoundTrip(t *testing.T) {
	fv := newFakeVendor(t)
	fv.readyAfter = 2
	clock := newFakeClock()
	c := fv.client(t, clock, WithEntropy(&fixedEntropy{vals: []int{0, 7}}))

	ids := []string{"AAPL US Equity", "MSFT US Equity"}
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)
	req := historyRequest("abcdefghijkl", ids, start, end)

	res, err := c.SubmitAndFetch(context.Background(), req)
	if err != nil {
		t.Fatalf("SubmitAndFetch: %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("State = %v, want completed (err %v)", res.State, res.Err)
	}
	if res.Polls != 3 {
		t.Errorf("Polls = %d, want 3", res.Polls)
	}
	if len(clock.slept) != 2 || clock.slept[0] != time.Second || clock.slept[1] != 19*time.Second {
		t.Errorf("slept = %v, want [1s 19s]", clock.slept)
	}

	rows, dropped, err := res.Table.Rows(IdentifierColumn, DateColumn)
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
	if len(rows) != 6 {
		t.Errorf("got %d rows, want 6", len(rows))
	}

	window := domain.NewDateRange(start, end)
	want := map[domain.Identifier]bool{"AAPL US EQUITY": true, "MSFT US EQUITY": true}
	for _, r := range rows {
		if !want[r.Identifier] || !window.Contains(r.Date) {
			t.Errorf("row key %v/%s outside requested cross-product", r.Identifier, r.Date.Format(domain.DateFormat))
		}
	}

	fv.inspect(func() {
		if !fv.acked {
			t.Error("job location was never acknowledged")
		}
		if len(fv.badHeaders) > 0 {
			t.Errorf("requests with missing headers: %v", fv.badHeaders)
		}
		for _, p := range fv.pollPrefixes {
			if p != req.Name {
				t.Errorf("poll prefix = %q, want %q", p, req.Name)
			}
		}
	})
}

func TestSubmitAndFetchTimesOut(t *testing.T) {
	fv := newFakeVendor(t)
	fv.readyAfter = -1
	clock := newFakeClock()
	c := fv.client(t, clock)

	start := clock.Now()
	req := historyRequest("timeouttoken", []string{"IBM US Equity"}, start, start)
	res, err := c.SubmitAndFetch(context.Background(), req)
	if err != nil {
		t.Fatalf("SubmitAndFetch: %v", err)
	}
	if res.State != StateTimedOut {
		t.Fatalf("State = %v, want timed-out", res.State)
	}
	if res.Table != nil {
		t.Error("timed-out job should carry no table")
	}

	elapsed := clock.Now().Sub(start)
	maxWait := DefaultBackoff[len(DefaultBackoff)-1]
	if elapsed < DefaultPollTimeout || elapsed > DefaultPollTimeout+maxWait {
		t.Errorf("elapsed = %v, want within [%v, %v]", elapsed, DefaultPollTimeout, DefaultPollTimeout+maxWait)
	}
	for _, d := range clock.slept {
		if !containsDuration(DefaultBackoff, d) {
			t.Errorf("slept %v, not in backoff set", d)
		}
	}
}

func containsDuration(set []time.Duration, d time.Duration) bool {
	for _, s := range set {
		if s == d {
			return true
		}
	}
	return false
}

func TestSubmitWithoutLocationFails(t *testing.T) {
	fv := newFakeVendor(t)
	fv.noLocation = true
	c := fv.client(t, newFakeClock())

	now := time.Now()
	_, err := c.SubmitAndFetch(context.Background(), historyRequest("nolocation01", []string{"X"}, now, now))
	if !errors.Is(err, ErrSubmission) {
		t.Fatalf("SubmitAndFetch error = %v, want ErrSubmission", err)
	}
	fv.inspect(func() {
		if fv.polls != 0 {
			t.Errorf("polled %d times after failed submission, want 0", fv.polls)
		}
	})
}

func TestSubmitInvalidRequestFails(t *testing.T) {
	fv := newFakeVendor(t)
	c := fv.client(t, newFakeClock())

	req := historyRequest("emptyuniver", nil, time.Now(), time.Now())
	_, err := c.SubmitAndFetch(context.Background(), req)
	if !errors.Is(err, ErrSubmission) {
		t.Fatalf("SubmitAndFetch error = %v, want ErrSubmission", err)
	}
	fv.inspect(func() {
		if fv.submitted != nil {
			t.Error("invalid request should not reach the server")
		}
	})
}

func TestPollFailureDegradesToNoData(t *testing.T) {
	fv := newFakeVendor(t)
	fv.pollStatus = http.StatusInternalServerError
	c := fv.client(t, newFakeClock())

	now := time.Now()
	res, err := c.SubmitAndFetch(context.Background(), historyRequest("pollfailure1", []string{"X"}, now, now))
	if err != nil {
		t.Fatalf("SubmitAndFetch returned error %v, want degraded result", err)
	}
	if res.State != StateFailed || !errors.Is(res.Err, ErrPoll) {
		t.Errorf("result = %v / %v, want failed / ErrPoll", res.State, res.Err)
	}
	if res.Polls != 1 {
		t.Errorf("Polls = %d, want 1", res.Polls)
	}
}

func TestFetchFailureDegradesToNoData(t *testing.T) {
	fv := newFakeVendor(t)
	fv.fetchStatus = http.StatusNotFound
	c := fv.client(t, newFakeClock())

	now := time.Now()
	res, err := c.SubmitAndFetch(context.Background(), historyRequest("fetchfailure", []string{"X"}, now, now))
	if err != nil {
		t.Fatalf("SubmitAndFetch returned error %v, want degraded result", err)
	}
	if res.State != StateFailed || !errors.Is(res.Err, ErrFetch) {
		t.Errorf("result = %v / %v, want failed / ErrFetch", res.State, res.Err)
	}
	if res.Table != nil {
		t.Error("failed job should carry no table")
	}
}

func TestSubmitAndFetchCancelledWhilePolling(t *testing.T) {
	fv := newFakeVendor(t)
	fv.readyAfter = -1
	ctx, cancel := context.WithCancel(context.Background())
	sleep := func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	c := fv.client(t, newFakeClock(), WithClock(time.Now, sleep))

	now := time.Now()
	_, err := c.SubmitAndFetch(ctx, historyRequest("cancelledjob", []string{"X"}, now, now))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("SubmitAndFetch error = %v, want context.Canceled", err)
	}
}

func TestJobStateString(t *testing.T) {
	if StateTimedOut.String() != "timed-out" {
		t.Errorf("StateTimedOut.String() = %q", StateTimedOut.String())
	}
	if StatePolling.Terminal() || !StateFailed.Terminal() {
		t.Error("Terminal() mismatch")
	}
}
