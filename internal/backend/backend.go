// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package backend defines the object-store contract consumed by the
// translation layer (spec.md §6 "Backend driver contract") and provides
// the two concrete drivers this core ships: file (internal/backend/file)
// and s3 (internal/backend/s3). A rados driver is out of scope -- it is an
// external collaborator per spec.md §1 -- but the config-level "rados"
// backend selector is still parsed by internal/config.
package backend

import "fmt"

// Backend is the contract the translation layer needs from an object
// store: named objects for the superblock, and numbered objects for
// everything else. Implementations must be safe for concurrent use from
// multiple goroutines (spec.md §5 "Shared resource policy").
type Backend interface {
	// WriteObject writes buf under name, replacing any existing object
	// of that name.
	WriteObject(name string, buf []byte) error

	// ReadObject reads len(buf) bytes starting at offset within the
	// object named name. It returns the number of bytes actually read;
	// a short read at end-of-object is not an error.
	ReadObject(name string, buf []byte, offset int64) (int, error)

	// DeleteObject removes the named object. It is not an error to
	// delete an object that does not exist.
	DeleteObject(name string) error

	// WriteNumberedObject writes buf as the object named by
	// ObjectName(prefix, seq).
	WriteNumberedObject(prefix string, seq uint64, buf []byte) error

	// ReadNumberedObject reads from the numbered object; semantics match
	// ReadObject.
	ReadNumberedObject(prefix string, seq uint64, buf []byte, offset int64) (int, error)

	// DeleteFromSeq deletes the numbered object at fromSeq and every
	// numbered object with a higher sequence number sharing prefix. Used
	// by translate's recovery to clear a torn tail (spec.md §4.1 "on
	// open... until a read fails").
	DeleteFromSeq(prefix string, fromSeq uint64) error
}

// ObjectName is the deterministic (prefix,seq) -> object name function
// spec.md §6 mandates: an 8-hex-digit zero padded suffix.
func ObjectName(prefix string, seq uint64) string {
	return fmt.Sprintf("%s.%08x", prefix, seq)
}
