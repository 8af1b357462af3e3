package main

import "errors"

// Sentinel errors for the failure modes the HTTP layer maps to responses.
// Wrap with fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	// errNotFound: the requested path does not exist under the root.
	errNotFound = errors.New("not found")

	// errForbidden: the path resolves outside the configured root.
	errForbidden = errors.New("access denied")

	// errQuery: a search query the index engine could not parse.
	errQuery = errors.New("malformed query")

	// errStorage: a durable write against the collaboration store failed.
	errStorage = errors.New("storage failure")

	// errRender: a document could not be rendered to HTML.
	errRender = errors.New("render failure")
)
