// Package paperrors defines the sentinel error taxonomy shared by every
// component of the engine, so callers can use errors.Is/errors.As instead of
// matching on message text.
package paperrors

import "errors"

var (
	// ErrInvariant signals an illegal tag transition, a cyclic dependency
	// graph, or a dummy attempted on a primary input.
	ErrInvariant = errors.New("invariant violation")

	// ErrPermissionDenied signals a codelet writing to an item it does not
	// own, or opening a real host-filesystem path from inside a codelet.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrForbiddenImport signals a calclet import outside the whitelist.
	ErrForbiddenImport = errors.New("forbidden import")

	// ErrMissingItem signals a path that does not resolve to any node.
	ErrMissingItem = errors.New("missing item")

	// ErrCodeletExecution signals a host-runtime failure while running a
	// codelet's compiled source.
	ErrCodeletExecution = errors.New("codelet execution failure")

	// ErrReferenceResolution signals a bad reference token, an unknown
	// scheme, or a fetch/IO failure while resolving one.
	ErrReferenceResolution = errors.New("reference resolution failure")

	// ErrFormat signals a malformed container header, version mismatch, or
	// malformed reference dataset.
	ErrFormat = errors.New("format error")
)
