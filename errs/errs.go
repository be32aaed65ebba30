// Package errs defines the closed error taxonomy used across the decoder
// and the formatted Error type that carries a kind plus decode context.
package errs

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind is one of the closed set of error categories a decode operation can
// fail with. The set is closed deliberately: callers switch on Kind rather
// than on error strings.
type Kind int

const (
	KindNone Kind = iota
	KindInternal
	KindInvalid
	KindNoSync
	KindBadOpcode
	KindBadPacket
	KindBadContext
	KindEOS
	KindBadQuery
	KindNoMem
	KindBadConfig
	KindNoIP
	KindIPSuppressed
	KindNoMap
	KindBadInsn
	KindNoTime
	KindNoCBR
	KindBadImage
	KindBadLock
	KindNotSupported
)

var kindDesc = map[Kind]string{
	KindNone:         "no error",
	KindInternal:     "internal decoder error: an invariant was violated",
	KindInvalid:      "invalid argument",
	KindNoSync:       "no synchronization point found",
	KindBadOpcode:    "unknown packet opcode",
	KindBadPacket:    "packet payload is malformed",
	KindBadContext:   "packet arrived out of order for the current context",
	KindEOS:          "end of trace stream reached",
	KindBadQuery:     "wrong query for the current position in the stream",
	KindNoMem:        "memory allocation failed",
	KindBadConfig:    "invalid decoder configuration",
	KindNoIP:         "no instruction pointer is currently known",
	KindIPSuppressed: "instruction pointer was suppressed by compression",
	KindNoMap:        "no section maps the requested address",
	KindBadInsn:      "instruction decode failed",
	KindNoTime:       "no timestamp is currently known",
	KindNoCBR:        "no core/bus ratio is currently known",
	KindBadImage:     "traced image is inconsistent or its backing file changed",
	KindBadLock:      "section lock could not be acquired",
	KindNotSupported: "operation is not supported",
}

var kindName = map[Kind]string{
	KindNone:         "none",
	KindInternal:     "internal",
	KindInvalid:      "invalid",
	KindNoSync:       "nosync",
	KindBadOpcode:    "bad_opc",
	KindBadPacket:    "bad_packet",
	KindBadContext:   "bad_context",
	KindEOS:          "eos",
	KindBadQuery:     "bad_query",
	KindNoMem:        "nomem",
	KindBadConfig:    "bad_config",
	KindNoIP:         "noip",
	KindIPSuppressed: "ip_suppressed",
	KindNoMap:        "nomap",
	KindBadInsn:      "bad_insn",
	KindNoTime:       "no_time",
	KindNoCBR:        "no_cbr",
	KindBadImage:     "bad_image",
	KindBadLock:      "bad_lock",
	KindNotSupported: "not_supported",
}

// Str is the errstr(code) contract from the external-interfaces section:
// it maps a kind to a human-readable message.
func Str(kind Kind) string {
	if desc, ok := kindDesc[kind]; ok {
		return desc
	}
	return "unrecognized error kind"
}

// Name returns the short taxonomy name for a kind, e.g. "bad_opc".
func (k Kind) Name() string {
	if name, ok := kindName[k]; ok {
		return name
	}
	return "unknown"
}

// Error carries a Kind plus the decode-position context that produced it.
// Offset is the byte offset in the input buffer where the failure was
// detected; it is -1 when not applicable (e.g. query-level errors).
type Error struct {
	Kind    Kind
	Offset  int64
	Message string
}

// New constructs an Error with no extra message.
func New(kind Kind) *Error {
	return &Error{Kind: kind, Offset: -1}
}

// NewAt constructs an Error anchored to a byte offset in the input buffer.
func NewAt(kind Kind, offset int64) *Error {
	return &Error{Kind: kind, Offset: offset}
}

// NewMsg constructs an Error with a free-form message appended to the
// kind's description.
func NewMsg(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Offset: -1, Message: msg}
}

// NewAtMsg constructs an Error with both an offset and a message.
func NewAtMsg(kind Kind, offset int64, msg string) *Error {
	return &Error{Kind: kind, Offset: offset, Message: msg}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Name())
	b.WriteString(": ")
	b.WriteString(Str(e.Kind))
	if e.Offset >= 0 {
		fmt.Fprintf(&b, " (offset=%d)", e.Offset)
	}
	if e.Message != "" {
		b.WriteString("; ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Is reports whether err (or anything it wraps) is an *Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Wrap attaches msg as context to err using pkg/errors, preserving the
// original cause for errors.Is/errors.As/errors.Cause.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}
