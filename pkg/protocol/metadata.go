package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ContentType describes the shape of the payload a read will deliver.
type ContentType uint8

const (
	ContentTypeJSON ContentType = iota + 1
	ContentTypeText
	ContentTypeBinary
)

func (c ContentType) String() string {
	switch c {
	case ContentTypeJSON:
		return "json"
	case ContentTypeText:
		return "text"
	case ContentTypeBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Status reports whether the read produced a payload.
type Status uint8

const (
	StatusReady Status = 0
	StatusError Status = 1
)

// Metadata is the record a characteristic read returns instead of the
// payload itself. It is encoded as a CBOR map with integer keys so the
// success case stays a handful of bytes regardless of payload size;
// the payload always follows as a burst of notifications.
type Metadata struct {
	ContentLength int         `cbor:"1,keyasint"`
	ChunkCount    int         `cbor:"2,keyasint"`
	ContentType   ContentType `cbor:"3,keyasint"`
	Status        Status      `cbor:"4,keyasint"`
	Error         string      `cbor:"5,keyasint,omitempty"`
}

// ErrorMetadata builds the record for a read that produced no payload.
func ErrorMetadata(message string) Metadata {
	return Metadata{
		ContentType: ContentTypeJSON,
		Status:      StatusError,
		Error:       message,
	}
}

var encMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	encMode = mode
}

// EncodeMetadata serializes a metadata record to its compact binary
// form.
func EncodeMetadata(m Metadata) ([]byte, error) {
	data, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return data, nil
}

// DecodeMetadata parses a metadata record. Used by the client side of
// the protocol and by tests.
func DecodeMetadata(data []byte) (Metadata, error) {
	var m Metadata
	if err := cbor.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("decoding metadata: %w", err)
	}
	return m, nil
}
