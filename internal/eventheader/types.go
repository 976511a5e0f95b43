// Package eventheader implements the stack-based, depth-limited
// enumerator that walks an EventHeader payload — the self-describing
// convention layered on top of the user_events tracepoint — producing
// a flat sequence of typed items from inline metadata plus data bytes.
//
// The bit-packed encoding/format/tag byte layout is grounded on
// Microsoft's go-winio ETW TraceLogging metadata writer
// (pkg/etw/eventmetadata.go): low bits carry the type, a high bit
// marks "more data follows" (format byte / tag bytes), the same
// varint-tag idiom EventHeader uses, adapted here for reading instead
// of writing.
package eventheader

import "github.com/kernelevent/tracehdr/internal/byteorder"

// MaxStructDepth is the fixed cap on nested struct depth (spec §3).
const MaxStructDepth = 8

// DefaultMoveBudget bounds the number of MoveNext steps spent on a
// single event, making malformed payloads bounded-cost (spec §4.D).
const DefaultMoveBudget = 4096

// HeaderSize is the fixed size of the EventHeader event header.
const HeaderSize = 8

// HeaderFlags are the bits of Header.Flags.
type HeaderFlags uint8

const (
	FlagPointer64    HeaderFlags = 1 << 0
	FlagLittleEndian HeaderFlags = 1 << 1
	FlagExtension    HeaderFlags = 1 << 2

	knownHeaderFlags = FlagPointer64 | FlagLittleEndian | FlagExtension
)

// Header is the fixed 8-byte EventHeader event header (spec §3).
type Header struct {
	Flags   HeaderFlags
	Version uint8
	ID      uint16
	Tag     uint16
	Opcode  uint8
	Level   uint8
}

func parseHeader(b []byte) Header {
	return Header{
		Flags:   HeaderFlags(b[0]),
		Version: b[1],
		ID:      byteorder.LittleEndian.Uint16(b[2:]),
		Tag:     byteorder.LittleEndian.Uint16(b[4:]),
		Opcode:  b[6],
		Level:   b[7],
	}
}

// ExtensionKind identifies one header-extension block.
type ExtensionKind uint16

const (
	ExtensionInvalid    ExtensionKind = 0
	ExtensionMetadata   ExtensionKind = 1
	ExtensionActivityID ExtensionKind = 2

	extensionChainFlag = 0x8000
	extensionKindMask  = 0x7fff
)

// Encoding is the low-level wire type of a field: the low 5 bits of
// the encoding byte (spec §3 "Field definition").
type Encoding uint8

const (
	EncodingStruct Encoding = iota
	EncodingValue8
	EncodingValue16
	EncodingValue32
	EncodingValue64
	EncodingValue128
	EncodingZStringChar8
	EncodingZStringChar16
	EncodingZStringChar32
	EncodingStringLength16Char8
	EncodingStringLength16Char16
	EncodingStringLength16Char32

	encodingBaseMask = 0x1f
)

// ArrayFlags are bits 5 and 6 of the encoding byte.
type ArrayFlags uint8

const (
	ArrayFlagNone   ArrayFlags = 0
	ArrayFlagCArray ArrayFlags = 1 << 5
	ArrayFlagVArray ArrayFlags = 1 << 6

	arrayFlagsMask     = ArrayFlagCArray | ArrayFlagVArray
	encodingFormatFlag = 1 << 7
)

// Base returns the encoding variant with the array/format bits
// stripped off.
func (e Encoding) Base() Encoding { return e & encodingBaseMask }

// Array returns which array flag, if any, is set on e.
func (e Encoding) Array() ArrayFlags { return ArrayFlags(e) & arrayFlagsMask }

// HasFormat reports whether a format byte follows the encoding byte.
func (e Encoding) HasFormat() bool { return byte(e)&encodingFormatFlag != 0 }

// ElementSize returns the fixed per-element size in bytes for a
// scalar encoding, or 0 for a variable-length or complex encoding
// (string, struct).
func (e Encoding) ElementSize() int {
	switch e.Base() {
	case EncodingValue8:
		return 1
	case EncodingValue16:
		return 2
	case EncodingValue32:
		return 4
	case EncodingValue64:
		return 8
	case EncodingValue128:
		return 16
	default:
		return 0
	}
}

// IsString reports whether the base encoding is one of the string
// variants.
func (e Encoding) IsString() bool {
	switch e.Base() {
	case EncodingZStringChar8, EncodingZStringChar16, EncodingZStringChar32,
		EncodingStringLength16Char8, EncodingStringLength16Char16, EncodingStringLength16Char32:
		return true
	}
	return false
}

// charWidth returns the width in bytes of one character code unit for
// a string encoding.
func (e Encoding) charWidth() int {
	switch e.Base() {
	case EncodingZStringChar8, EncodingStringLength16Char8:
		return 1
	case EncodingZStringChar16, EncodingStringLength16Char16:
		return 2
	case EncodingZStringChar32, EncodingStringLength16Char32:
		return 4
	}
	return 0
}

// isLengthPrefixed reports whether the string encoding carries a
// 16-bit length prefix rather than being NUL-terminated.
func (e Encoding) isLengthPrefixed() bool {
	switch e.Base() {
	case EncodingStringLength16Char8, EncodingStringLength16Char16, EncodingStringLength16Char32:
		return true
	}
	return false
}

// Format is the semantic format hint (low 7 bits of the optional
// format byte); bit 7 of the wire byte means "a tag follows".
type Format uint8

const (
	FormatDefault Format = iota
	FormatUnsignedInt
	FormatSignedInt
	FormatHexInt
	FormatErrno
	FormatPid
	FormatTime
	FormatBoolean
	FormatFloat
	FormatHexBinary
	FormatString8
	FormatStringUtf
	FormatStringUtfBom
	FormatUuid
	FormatPort
	FormatIPv4
	FormatIPv6

	formatBaseMask = 0x7f
	formatTagFlag  = 0x80
)

func (f Format) Base() Format { return f & formatBaseMask }
func (f Format) HasTag() bool { return byte(f)&formatTagFlag != 0 }

// State is the enumerator's observable walk state (spec §4.D).
type State int

const (
	StateNone State = iota
	StateError
	StateAfterLastItem
	StateBeforeFirstItem
	StateValue
	StateArrayBegin
	StateArrayEnd
	StateStructBegin
	StateStructEnd
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateError:
		return "Error"
	case StateAfterLastItem:
		return "AfterLastItem"
	case StateBeforeFirstItem:
		return "BeforeFirstItem"
	case StateValue:
		return "Value"
	case StateArrayBegin:
		return "ArrayBegin"
	case StateArrayEnd:
		return "ArrayEnd"
	case StateStructBegin:
		return "StructBegin"
	case StateStructEnd:
		return "StructEnd"
	default:
		return "Unknown"
	}
}

// ErrorKind is the taxonomy of failures the enumerator can report
// (spec §4.D, §7).
type ErrorKind int

const (
	ErrNone ErrorKind = iota
	ErrInvalidParameter
	ErrNotSupported
	ErrInvalidData
	ErrImplementationLimit
	ErrStackOverflow
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidParameter:
		return "InvalidParameter"
	case ErrNotSupported:
		return "NotSupported"
	case ErrInvalidData:
		return "InvalidData"
	case ErrImplementationLimit:
		return "ImplementationLimit"
	case ErrStackOverflow:
		return "StackOverflow"
	default:
		return "None"
	}
}

// Error is returned (and latched into the enumerator's state) when a
// walk step fails.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Msg
}

// ActivityID is the optional 128-bit correlation value carried in an
// ActivityId extension (spec §3). Related is zero-valued when the
// extension was 16 bytes rather than 32.
type ActivityID struct {
	ID      [16]byte
	Related [16]byte
	HasRelated bool
}

// Item is the flat, typed record the enumerator yields from one
// MoveNext step. Name and Value are borrowed slices into the buffers
// passed to StartEvent (spec §3 "enumerator borrows event bytes").
type Item struct {
	State      State
	Name       []byte
	Value      []byte
	ArrayIndex int
	ArrayCount int
	ElementSize int
	Encoding   Encoding
	Format     Format
	ArrayFlags ArrayFlags
	Tag        uint16
}
