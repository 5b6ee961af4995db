// Package internalerr declares the error kinds shared across the
// indexing pipeline. Callers classify failures with errors.Is: config
// and parse errors fail the whole run, transport errors abort the
// current operation.
package internalerr

import "errors"

var (
	// ErrInvalidConfig marks a rejected configuration, such as a data
	// source missing a required setting.
	ErrInvalidConfig = errors.New("bad configuration")

	// ErrParse marks a malformed mapping file or record payload.
	ErrParse = errors.New("malformed input")

	// ErrTransport marks a failed search backend request.
	ErrTransport = errors.New("backend request failed")
)
