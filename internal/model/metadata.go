package model

import (
	"errors"
	"fmt"
)

// Metadata bounds.
const (
	MaxMetadataEntries  = 16
	MaxMetadataKeyLen   = 64
	MaxMetadataValueLen = 256
)

// ErrMetadataTooLarge is returned by Metadata.Validate when a bound is exceeded.
var ErrMetadataTooLarge = errors.New("metadata exceeds size limits")

// Metadata is an opaque set of string annotations attached to a credential,
// for example the client that requested it. The core never interprets keys.
type Metadata map[string]string

// Validate checks the entry count and per-entry sizes.
func (m Metadata) Validate() error {
	if len(m) > MaxMetadataEntries {
		return fmt.Errorf("%w: %d entries, max %d", ErrMetadataTooLarge, len(m), MaxMetadataEntries)
	}
	for k, v := range m {
		if k == "" || len(k) > MaxMetadataKeyLen {
			return fmt.Errorf("%w: key %q must be 1-%d bytes", ErrMetadataTooLarge, k, MaxMetadataKeyLen)
		}
		if len(v) > MaxMetadataValueLen {
			return fmt.Errorf("%w: value for %q exceeds %d bytes", ErrMetadataTooLarge, k, MaxMetadataValueLen)
		}
	}
	return nil
}

// Clone returns a copy that the caller may mutate freely.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
