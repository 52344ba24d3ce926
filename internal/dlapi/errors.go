package dlapi

import "errors"

// Errors returned by the session and the client. Check them with errors.Is;
// the returned errors wrap these with status and body detail.
var (
	// ErrAuth means the client-credentials exchange failed. Fatal.
	ErrAuth = errors.New("dlapi: token exchange failed")

	// ErrCatalogNotFound means no catalog with the scheduled subscription
	// type exists for the account. Fatal: the account is misconfigured.
	ErrCatalogNotFound = errors.New("dlapi: scheduled catalog not found")

	// ErrSubmission means the job POST did not return a Location header or
	// the request was malformed. Not retried.
	ErrSubmission = errors.New("dlapi: job submission failed")

	// ErrPoll means a poll of the responses collection returned a non-200
	// status. The job degrades to "no data".
	ErrPoll = errors.New("dlapi: polling for job output failed")

	// ErrFetch means downloading or decoding the job output failed. The job
	// degrades to "no data".
	ErrFetch = errors.New("dlapi: fetching job output failed")
)
