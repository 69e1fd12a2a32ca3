// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package lsvderr defines the error kinds shared by the translation layer,
// write cache and read cache. Callers distinguish them with errors.Is;
// none of them carry payload beyond an optional wrapped cause.
package lsvderr

import "errors"

var (
	// IODevice indicates a failure talking to the local cache/journal
	// device. It is returned on the request whose I/O failed; the write
	// cache does not latch it, and later writes are still attempted.
	IODevice = errors.New("lsvd: local device i/o error")

	// IOBackend indicates a failure talking to the object store backend.
	IOBackend = errors.New("lsvd: backend i/o error")

	// Corrupt indicates a magic/version mismatch while reading persisted
	// state at open.
	Corrupt = errors.New("lsvd: corrupt on-disk structure")

	// RecoveryEnd names the benign end-of-log condition of a recovery
	// scan. No function returns it: the scans in translate and wcache stop
	// directly on a failed read or an undecodable header.
	RecoveryEnd = errors.New("lsvd: end of log reached during recovery")

	// InvalidArgument indicates a misaligned or out-of-range request.
	InvalidArgument = errors.New("lsvd: invalid argument")
)

// Wrap attaches a kind sentinel to a lower-level cause so that both
// errors.Is(err, kind) and the original message are preserved.
func Wrap(kind error, cause error) error {
	if cause == nil {
		return nil
	}
	return &wrapped{kind: kind, cause: cause}
}

type wrapped struct {
	kind  error
	cause error
}

func (w *wrapped) Error() string { return w.kind.Error() + ": " + w.cause.Error() }
func (w *wrapped) Unwrap() []error { return []error{w.kind, w.cause} }
