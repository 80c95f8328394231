// Package filetransfer implements the file channel sub-protocol: chunked,
// resumable transfers with a SHA-256 checksum per chunk and per file, and
// directory listings of the host's shared root.
package filetransfer

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/postalsys/freeviewer/internal/protocol"
)

// Kind identifies a file channel message.
type Kind uint8

// File channel messages.
const (
	KindOffer   Kind = 0x01
	KindAccept  Kind = 0x02
	KindReject  Kind = 0x03
	KindChunk   Kind = 0x04
	KindDone    Kind = 0x05
	KindPull    Kind = 0x06
	KindList    Kind = 0x07
	KindListing Kind = 0x08
	KindCancel  Kind = 0x09
)

var kindNames = map[Kind]string{
	KindOffer:   "OFFER",
	KindAccept:  "ACCEPT",
	KindReject:  "REJECT",
	KindChunk:   "CHUNK",
	KindDone:    "DONE",
	KindPull:    "PULL",
	KindList:    "LIST",
	KindListing: "LISTING",
	KindCancel:  "CANCEL",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(k))
}

// Chunk sizes. A chunk plus its envelope must fit one sealed frame.
const (
	DefaultChunkSize = 32 * 1024
	MaxChunkSize     = 48 * 1024
)

var (
	// ErrRejected is returned when the peer refuses a transfer.
	ErrRejected = errors.New("transfer rejected")

	// ErrChecksum is returned when a chunk or the whole file does not match
	// its SHA-256 checksum.
	ErrChecksum = errors.New("checksum mismatch")

	// ErrOutsideRoot is returned for paths that escape the shared root.
	ErrOutsideRoot = errors.New("path outside shared root")

	// ErrUnknownTransfer is returned for messages naming no active transfer.
	ErrUnknownTransfer = errors.New("unknown transfer")

	// ErrDisabled is returned when the peer has no shared directory.
	ErrDisabled = errors.New("file transfer disabled")

	// ErrNotRegular is returned when a partial file is a symlink or other
	// non-regular file.
	ErrNotRegular = errors.New("not a regular file")
)

// Offer announces a file the sender wants to deliver.
type Offer struct {
	ID        string `cbor:"id"`
	Name      string `cbor:"name"`
	Size      int64  `cbor:"size"`
	ChunkSize int    `cbor:"chunk_size"`
	SHA256    []byte `cbor:"sha256"`
	Mode      uint32 `cbor:"mode,omitempty"`
}

// Accept tells the sender where to start; a non-zero offset resumes a
// previous partial transfer.
type Accept struct {
	ID     string `cbor:"id"`
	Offset int64  `cbor:"offset"`
}

// Reject refuses an offer, pull or listing.
type Reject struct {
	ID     string `cbor:"id"`
	Reason string `cbor:"reason"`
}

// Chunk carries one piece of file data.
type Chunk struct {
	ID     string `cbor:"id"`
	Index  uint32 `cbor:"index"`
	Offset int64  `cbor:"offset"`
	Data   []byte `cbor:"data"`
	SHA256 []byte `cbor:"sha256"`
}

// Done ends a transfer. The receiver sends it once the whole file is
// verified, or on the first failure.
type Done struct {
	ID       string `cbor:"id"`
	OK       bool   `cbor:"ok"`
	Checksum bool   `cbor:"checksum,omitempty"` // failed on a checksum
	Error    string `cbor:"error,omitempty"`
}

// Pull asks the host to send a file from its shared root.
type Pull struct {
	ID   string `cbor:"id"`
	Path string `cbor:"path"`
}

// Cancel aborts a transfer from either side.
type Cancel struct {
	ID string `cbor:"id"`
}

// List asks the host for the entries of a directory under its shared root.
type List struct {
	ID   string `cbor:"id"`
	Path string `cbor:"path"`
}

// Entry is one directory listing entry.
type Entry struct {
	Name    string    `cbor:"name" json:"name"`
	Size    int64     `cbor:"size" json:"size"`
	IsDir   bool      `cbor:"dir" json:"is_dir"`
	Mode    uint32    `cbor:"mode" json:"mode"`
	ModTime time.Time `cbor:"mtime" json:"mod_time"`
}

// Listing answers a List.
type Listing struct {
	ID      string  `cbor:"id"`
	Path    string  `cbor:"path"`
	Entries []Entry `cbor:"entries"`
}

// encode builds a file channel payload: one kind byte and a CBOR body.
func encode(k Kind, body any) ([]byte, error) {
	data, err := cbor.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", k, err)
	}
	out := make([]byte, 1+len(data))
	out[0] = byte(k)
	copy(out[1:], data)
	return out, nil
}

// decode splits a file channel payload into its kind and body.
func decode(p []byte) (Kind, []byte, error) {
	if len(p) < 1 {
		return 0, nil, fmt.Errorf("%w: empty file message", protocol.ErrInvalidFrame)
	}
	return Kind(p[0]), p[1:], nil
}
