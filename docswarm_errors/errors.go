// Provides common docswarm errors definitions.
package docswarm_errors

import "errors"

var (
	ErrNotReady = errors.New("docswarm: used before ready")
	ErrClosed   = errors.New("docswarm: closed")

	ErrMetadataExists  = errors.New("docswarm: metadata block already written")
	ErrMetadataMissing = errors.New("docswarm: log has no metadata block")
	ErrBadMetadata     = errors.New("docswarm: bad metadata record")
	ErrNotWritable     = errors.New("docswarm: log is not writable")

	ErrDocUnknown   = errors.New("docswarm: unknown document")
	ErrDocNotLoaded = errors.New("docswarm: document metadata not loaded yet")
	ErrActorUnknown = errors.New("docswarm: unknown actor")
	ErrBadKey       = errors.New("docswarm: bad actor key")

	ErrUnexpectedExtension = errors.New("docswarm: unexpected extension")
	ErrBadSignature        = errors.New("docswarm: bad block signature")
	ErrBlockNotFound       = errors.New("docswarm: block not found")
	ErrBadHandshake        = errors.New("docswarm: bad handshake packet")
)
