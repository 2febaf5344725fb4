// Package wire defines the envelope and payload schema carried over the
// IPC transport between the UI process and the core daemon, and the
// msgpack codec used to serialize it.
package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// RequestID is a client-assigned correlation token, unique per connection
// for the connection's lifetime. Zero is reserved and never sent by a
// well-behaved client.
type RequestID uint64

// Kind discriminates which field of Envelope is populated. At most one
// request/response/kind-specific field is set for a given Kind (kinds with
// no body, such as Ping, GetStats, Pong, BufferSaved and BufferClosed, set
// none); the rest are left nil. This is Go's usual stand-in for a tagged
// union.
type Kind uint8

const (
	KindPing Kind = iota
	KindOpenBuffer
	KindSaveBuffer
	KindCloseBuffer
	KindSearch
	KindCancel
	KindGetStats

	KindPong
	KindBufferOpened
	KindBufferSaved
	KindBufferClosed
	KindSearchResults
	KindStats
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "Ping"
	case KindOpenBuffer:
		return "OpenBuffer"
	case KindSaveBuffer:
		return "SaveBuffer"
	case KindCloseBuffer:
		return "CloseBuffer"
	case KindSearch:
		return "Search"
	case KindCancel:
		return "Cancel"
	case KindGetStats:
		return "GetStats"
	case KindPong:
		return "Pong"
	case KindBufferOpened:
		return "BufferOpened"
	case KindBufferSaved:
		return "BufferSaved"
	case KindBufferClosed:
		return "BufferClosed"
	case KindSearchResults:
		return "SearchResults"
	case KindStats:
		return "Stats"
	case KindError:
		return "Error"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ErrorKind is the closed set of error categories an Error payload may
// carry. See spec §7.
type ErrorKind uint8

const (
	ErrInvalidArgument ErrorKind = iota
	ErrNotFound
	ErrPermissionDenied
	ErrCancelled
	ErrDeadline
	ErrBackpressure
	ErrTransport
	ErrInternal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidArgument:
		return "InvalidArgument"
	case ErrNotFound:
		return "NotFound"
	case ErrPermissionDenied:
		return "PermissionDenied"
	case ErrCancelled:
		return "Cancelled"
	case ErrDeadline:
		return "Deadline"
	case ErrBackpressure:
		return "Backpressure"
	case ErrTransport:
		return "Transport"
	case ErrInternal:
		return "Internal"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// OpenBufferReq requests that a file be loaded into a server-side buffer.
type OpenBufferReq struct {
	Path string `msgpack:"path"`
}

// SaveBufferReq requests that the named buffer be written to disk with the
// given contents.
type SaveBufferReq struct {
	ID       string `msgpack:"id"`
	Contents []byte `msgpack:"contents"`
}

// CloseBufferReq requests that the named buffer be dropped.
type CloseBufferReq struct {
	ID string `msgpack:"id"`
}

// SearchReq requests a line-oriented pattern search under Root.
type SearchReq struct {
	Root       string `msgpack:"root"`
	Pattern    string `msgpack:"pattern"`
	MaxResults int    `msgpack:"max_results"`
}

// CancelReq asks the server to cancel the in-flight request TargetID.
type CancelReq struct {
	TargetID RequestID `msgpack:"target_id"`
}

// BufferOpenedResp is the successful OpenBuffer response.
type BufferOpenedResp struct {
	ID string `msgpack:"id"`
}

// SearchResult is a single matched line.
type SearchResult struct {
	Path string `msgpack:"path"`
	Line int    `msgpack:"line"`
	Text string `msgpack:"text"`
}

// SearchResultsResp is the successful Search response.
type SearchResultsResp struct {
	Items     []SearchResult `msgpack:"items"`
	Truncated bool           `msgpack:"truncated"`
}

// StatsResp is the GetStats response: a snapshot of the daemon's counters.
type StatsResp struct {
	Cancels      uint64 `msgpack:"cancels"`
	Deadlines    uint64 `msgpack:"deadlines"`
	Backpressure uint64 `msgpack:"backpressure"`
	InFlight     uint64 `msgpack:"in_flight"`
}

// ErrorResp is the generic error response for any request kind.
type ErrorResp struct {
	ErrKind ErrorKind `msgpack:"kind"`
	Message string    `msgpack:"message"`
}

// Envelope is the logical on-wire message: a correlation id, an optional
// deadline, and exactly one tagged payload.
type Envelope struct {
	RequestID      RequestID `msgpack:"id"`
	DeadlineMillis uint64    `msgpack:"deadline"`
	Kind           Kind      `msgpack:"kind"`

	OpenBuffer  *OpenBufferReq  `msgpack:"open_buffer,omitempty"`
	SaveBuffer  *SaveBufferReq  `msgpack:"save_buffer,omitempty"`
	CloseBuffer *CloseBufferReq `msgpack:"close_buffer,omitempty"`
	Search      *SearchReq      `msgpack:"search,omitempty"`
	Cancel      *CancelReq      `msgpack:"cancel,omitempty"`

	BufferOpened  *BufferOpenedResp  `msgpack:"buffer_opened,omitempty"`
	SearchResults *SearchResultsResp `msgpack:"search_results,omitempty"`
	Stats         *StatsResp         `msgpack:"stats,omitempty"`
	Error         *ErrorResp         `msgpack:"error,omitempty"`
}

// Marshal serializes an envelope into its stable msgpack wire form.
func Marshal(e *Envelope) ([]byte, error) {
	b, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal envelope: %w", err)
	}
	return b, nil
}

// Unmarshal decodes an envelope from its msgpack wire form. msgpack.Unmarshal
// on its own only decodes one value and silently ignores anything after it,
// which is not enough to enforce spec §4.1's "trailing bytes in the payload
// are a decode error": re-encoding the decoded value and comparing lengths
// against b catches bytes msgpack.Unmarshal left unconsumed, since Marshal's
// output for a given Envelope is deterministic.
func Unmarshal(b []byte) (*Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}

	reencoded, err := Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("wire: unmarshal envelope: trailing-byte check: %w", err)
	}
	if len(reencoded) != len(b) {
		return nil, fmt.Errorf("wire: unmarshal envelope: %d trailing byte(s) after envelope", len(b)-len(reencoded))
	}
	return &e, nil
}

// NewError builds an Error envelope carrying the original request's id, per
// spec §4.7: handler and admission errors never tear down the connection.
func NewError(id RequestID, kind ErrorKind, message string) *Envelope {
	return &Envelope{
		RequestID: id,
		Kind:      KindError,
		Error:     &ErrorResp{ErrKind: kind, Message: message},
	}
}

// NewPong builds a trivial acknowledgement envelope for id. It is used both
// for the handshake Pong and for a Cancel request's own acknowledgement.
func NewPong(id RequestID) *Envelope {
	return &Envelope{RequestID: id, Kind: KindPong}
}
