// Package dlapi is a client for the vendor's asynchronous bulk-download API.
//
// A Session holds the bearer token and the HTTP client; a Client submits job
// requests against the account's scheduled catalog, polls for the output and
// streams the gzip CSV result into a Table.
package dlapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Defaults for SessionConfig fields left empty.
const (
	DefaultHost        = "https://api.bloomberg.com"
	DefaultTokenURL    = "https://bsso.blpprofessional.com/ext/api/as/token.oauth2"
	DefaultAPIVersion  = "2"
	DefaultHTTPTimeout = 2 * time.Minute
)

// APIVersionHeader is sent on every outbound request.
const APIVersionHeader = "api-version"

// SessionConfig carries the credentials and endpoints of a session.
type SessionConfig struct {
	Host         string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	APIVersion   string
	HTTPTimeout  time.Duration
}

func (c *SessionConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.TokenURL == "" {
		c.TokenURL = DefaultTokenURL
	}
	if c.APIVersion == "" {
		c.APIVersion = DefaultAPIVersion
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
}

// Session is an authenticated connection to the vendor API. It is created
// once per process and shared by every Client. The token is fetched once
// and never refreshed.
type Session struct {
	host  *url.URL
	rest  *resty.Client
	token *oauth2.Token
	log   *slog.Logger

	mu      sync.Mutex
	catalog *Catalog
}

// NewSession exchanges the client id and secret for a bearer token. Any
// failure wraps ErrAuth.
func NewSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	cfg.applyDefaults()

	host, err := url.Parse(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("parsing host %q: %w", cfg.Host, err)
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: client id and secret are required", ErrAuth)
	}

	base := &http.Client{
		Timeout:   cfg.HTTPTimeout,
		Transport: &versionTransport{base: http.DefaultTransport, version: cfg.APIVersion},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}

	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(tok))
	hc.Timeout = cfg.HTTPTimeout

	s := &Session{
		host:  host,
		rest:  resty.NewWithClient(hc).SetBaseURL(strings.TrimSuffix(host.String(), "/")),
		token: tok,
		log:   slog.Default().With("component", "dlapi"),
	}
	s.log.Info("session established", "host", host.String(), "expiry", tok.Expiry)
	return s, nil
}

// Expiry returns the token expiry, zero if the server did not send one.
func (s *Session) Expiry() time.Time { return s.token.Expiry }

// ExpiresWithin reports whether the token expires less than d from now.
// A token without an expiry never does.
func (s *Session) ExpiresWithin(now time.Time, d time.Duration) bool {
	exp := s.Expiry()
	return !exp.IsZero() && exp.Before(now.Add(d))
}

func (s *Session) request(ctx context.Context) *resty.Request {
	return s.rest.R().SetContext(ctx)
}

// resolve turns a path or absolute URL returned by the API into an absolute
// URL on the session host.
func (s *Session) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parsing %q: %w", ref, err)
	}
	return s.host.ResolveReference(u).String(), nil
}

// versionTransport adds the API version header to every request.
type versionTransport struct {
	base    http.RoundTripper
	version string
}

func (t *versionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set(APIVersionHeader, t.version)
	return t.base.RoundTrip(r)
}
