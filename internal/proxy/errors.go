package proxy

import "errors"

var (
	// ErrNoCredential is fatal to the call and never retried.
	ErrNoCredential = errors.New("no credential configured for organization and idp")
	// ErrRetriesExhausted surfaces after the bounded backoff gave up on
	// upstream 429/503 responses.
	ErrRetriesExhausted = errors.New("upstream retries exhausted")
	ErrUnknownIdP       = errors.New("unknown idp kind")
)
