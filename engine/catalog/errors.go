package catalog

import "errors"

// Sentinel errors. Callers add context by wrapping and test with errors.Is.
var (
	// ErrLoadFailure means a count or page fetch against the document source failed.
	ErrLoadFailure = errors.New("catalog load failed")
	// ErrInitialLoad is a load failure with no previous snapshot to fall back to.
	ErrInitialLoad = errors.New("initial catalog load failed")
	// ErrRefreshFailure is a load failure while an older snapshot keeps serving.
	ErrRefreshFailure = errors.New("catalog refresh failed")
	// ErrReloadInProgress rejects a reload while another one is running.
	ErrReloadInProgress = errors.New("catalog reload already in progress")

	ErrEmptyQuery        = errors.New("query is required")
	ErrEmbedding         = errors.New("query embedding failed")
	ErrNotReady          = errors.New("catalog cache not ready")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)
