package dlapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultPollTimeout bounds how long a job is polled before giving up.
const DefaultPollTimeout = 5 * time.Minute

// DefaultBackoff is the set of waits between empty polls. A wait is drawn at
// random for every empty poll so concurrent jobs on one account spread out.
var DefaultBackoff = []time.Duration{
	1 * time.Second, 3 * time.Second, 5 * time.Second, 7 * time.Second,
	11 * time.Second, 13 * time.Second, 17 * time.Second, 19 * time.Second,
}

// JobState is the lifecycle position of a submitted job.
type JobState int

const (
	StateSubmitted JobState = iota
	StateAcknowledged
	StatePolling
	StateCompleted
	StateTimedOut
	StateFailed
)

func (s JobState) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StateAcknowledged:
		return "acknowledged"
	case StatePolling:
		return "polling"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed-out"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("JobState(%d)", int(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateFailed
}

// JobResult is the outcome of SubmitAndFetch. Table is set only when State
// is StateCompleted; it may hold zero records. Err explains StateFailed.
type JobResult struct {
	Name    string
	State   JobState
	Table   *Table
	Err     error
	Polls   int
	Elapsed time.Duration
}

// Client runs jobs against one catalog.
type Client struct {
	session *Session
	catalog *Catalog

	pollTimeout time.Duration
	backoff     []time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	entropy     Entropy
	log         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithPollTimeout overrides DefaultPollTimeout.
func WithPollTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollTimeout = d
		}
	}
}

// WithBackoff overrides DefaultBackoff.
func WithBackoff(waits []time.Duration) Option {
	return func(c *Client) {
		if len(waits) > 0 {
			c.backoff = append([]time.Duration(nil), waits...)
		}
	}
}

// WithClock replaces the wall clock and the sleep between polls.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.now = now
		c.sleep = sleep
	}
}

// WithEntropy replaces the randomness used for names and backoff.
func WithEntropy(e Entropy) Option {
	return func(c *Client) { c.entropy = e }
}

// WithLogger replaces the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// NewClient returns a client submitting into catalog through session.
func NewClient(session *Session, catalog *Catalog, opts ...Option) *Client {
	c := &Client{
		session:     session,
		catalog:     catalog,
		pollTimeout: DefaultPollTimeout,
		backoff:     DefaultBackoff,
		now:         time.Now,
		sleep:       sleepContext,
		entropy:     DefaultEntropy,
		log:         slog.Default().With("component", "dlapi"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NewRequestName returns a fresh job name from the client's entropy source.
func (c *Client) NewRequestName() string {
	return GenerateRequestName(c.entropy)
}

// SubmitAndFetch runs one job to a terminal state.
//
// A returned error means the run should stop: the request was rejected
// (ErrSubmission) or ctx was cancelled. Otherwise the result's State tells
// the outcome: StateCompleted with a Table, StateTimedOut when the poll
// deadline passed without output, or StateFailed (Err wraps ErrPoll or
// ErrFetch) when the job's output could not be obtained. Timed-out and
// failed jobs are "no data this run"; the next run's gap detection asks
// again.
func (c *Client) SubmitAndFetch(ctx context.Context, req *JobRequest) (*JobResult, error) {
	log := c.log.With("request", req.Name)

	location, err := c.submit(ctx, req)
	if err != nil {
		return nil, err
	}
	res := &JobResult{Name: req.Name, State: StateSubmitted}
	log.Info("job submitted", "identifiers", len(req.Universe.Contains), "fields", len(req.FieldList.Contains))

	c.acknowledge(ctx, location)
	res.State = StateAcknowledged

	start := c.now()
	deadline := start.Add(c.pollTimeout)
	res.State = StatePolling

	for c.now().Before(deadline) {
		res.Polls++
		key, err := c.pollOnce(ctx, req.Name)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return c.finish(log, res, start, StateFailed, nil, err), nil
		}

		if key != "" {
			table, err := c.fetch(ctx, key)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return c.finish(log, res, start, StateFailed, nil, err), nil
			}
			return c.finish(log, res, start, StateCompleted, table, nil), nil
		}

		wait := c.backoff[c.entropy.IntN(len(c.backoff))]
		log.Info("no responses yet", "poll", res.Polls, "wait", wait)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	return c.finish(log, res, start, StateTimedOut, nil, nil), nil
}

func (c *Client) finish(log *slog.Logger, res *JobResult, start time.Time, state JobState, table *Table, err error) *JobResult {
	res.State = state
	res.Table = table
	res.Err = err
	res.Elapsed = c.now().Sub(start)

	switch state {
	case StateCompleted:
		log.Info("job completed", "rows", table.Len(), "polls", res.Polls, "elapsed", res.Elapsed)
	case StateTimedOut:
		log.Warn("job timed out", "polls", res.Polls, "elapsed", res.Elapsed)
	default:
		log.Error("job failed", "polls", res.Polls, "elapsed", res.Elapsed, "err", err)
	}
	return res
}

// submit POSTs the request and returns the Location of the created job.
func (c *Client) submit(ctx context.Context, req *JobRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}

	resp, err := c.session.request(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post(c.catalog.RequestsURL)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}

	location := resp.Header().Get("Location")
	if location == "" {
		c.log.Error("no Location header in submission response",
			"request", req.Name, "status", resp.StatusCode(), "body", truncate(resp.String()))
		return "", fmt.Errorf("%w: status %d without Location header", ErrSubmission, resp.StatusCode())
	}
	return c.session.resolve(location)
}

// acknowledge GETs the job location. The vendor keeps a job in its created
// state until it has been read once; the response itself is irrelevant.
func (c *Client) acknowledge(ctx context.Context, location string) {
	resp, err := c.session.request(ctx).Get(location)
	if err != nil {
		c.log.Debug("acknowledge failed", "location", location, "err", err)
		return
	}
	c.log.Debug("acknowledged", "location", location, "status", resp.StatusCode())
}

type responseEntry struct {
	Key string `json:"key"`
}

type responseList struct {
	Contains []responseEntry `json:"contains"`
}

// pollOnce returns the output key of job name, or "" when it is not ready.
func (c *Client) pollOnce(ctx context.Context, name string) (string, error) {
	resp, err := c.session.request(ctx).
		SetQueryParam("prefix", name).
		Get(c.catalog.ResponsesURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPoll, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", ErrPoll, resp.StatusCode(), truncate(resp.String()))
	}

	var list responseList
	if err := json.Unmarshal(resp.Body(), &list); err != nil {
		return "", fmt.Errorf("%w: decoding responses: %v", ErrPoll, err)
	}
	for _, entry := range list.Contains {
		if entry.Key != "" {
			return entry.Key, nil
		}
	}
	return "", nil
}

// fetch streams the output behind key and decodes it.
func (c *Client) fetch(ctx context.Context, key string) (*Table, error) {
	resp, err := c.session.request(ctx).
		SetDoNotParseResponse(true).
		Get(c.catalog.ResponseURL(key))
	if err != nil {
		if resp != nil && resp.RawBody() != nil {
			resp.RawBody().Close()
		}
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrFetch, resp.StatusCode(), msg)
	}

	table, err := DecodeTable(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	return table, nil
}
