package eventheader

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/kernelevent/tracehdr/internal/byteorder"
)

// arrayState tracks an in-progress array: either a fast path over
// fixed-width scalar elements, a re-entrant walk over string elements,
// or a replayed struct walk over struct elements (spec §4.D).
type arrayState struct {
	name       []byte
	tag        uint16
	encoding   Encoding
	format     Format
	count      int
	index      int
	elemSize   int // 0 for string/struct elements

	// Struct-element replay: every element shares one run of field
	// definitions; structMetaStart/structFieldCount let each later
	// element rewind the metadata cursor and walk those same field
	// definitions again.
	structMetaStart  int
	structFieldCount int
}

// frame is one entry of the enumerator's depth-limited stack (spec §3
// "Enumerator stack frame").
type frame struct {
	// fieldsRemaining is -1 for the top-level (unbounded, runs until
	// metadata is exhausted) scope, and counts down for a struct scope.
	fieldsRemaining int
	activeArray     *arrayState
}

// Enumerator walks one EventHeader event's metadata and data, one
// item at a time.
type Enumerator struct {
	moveBudget int
	metadata   []byte
	data       []byte
	metaPos    int
	dataPos    int
	stack      []frame
	state      State
	err        *Error
	eventName  []byte
	activityID *ActivityID
	cur        Item
}

// NewEnumerator constructs an idle enumerator. Call StartEvent before
// the first MoveNext.
func NewEnumerator() *Enumerator {
	return &Enumerator{state: StateNone}
}

// State returns the enumerator's current observable state.
func (e *Enumerator) State() State { return e.state }

// Err returns the latched error, if State() == StateError.
func (e *Enumerator) Err() *Error { return e.err }

// Current returns the item produced by the most recent successful
// MoveNext call.
func (e *Enumerator) Current() Item { return e.cur }

// EventName returns the NUL-terminated event name read from the
// Metadata extension.
func (e *Enumerator) EventName() []byte { return e.eventName }

// ActivityID returns the activity id extension, if one was present.
func (e *Enumerator) ActivityID() *ActivityID { return e.activityID }

func (e *Enumerator) fail(kind ErrorKind, msg string) bool {
	e.err = &Error{Kind: kind, Msg: msg}
	e.state = StateError
	return false
}

// StartEvent loads a new EventHeader event. fullName is the
// tracepoint's full name (system-qualified or bare), used to parse
// the "_L<hex>K<hex>" level/keyword suffix; data is a byte slice
// starting at the 8-byte EventHeader header (spec §4.D "Load").
func (e *Enumerator) StartEvent(fullName string, data []byte) error {
	e.reset()

	if len(data) < HeaderSize {
		return e.startErr(ErrInvalidParameter, "event shorter than header")
	}
	if len(fullName) > 255 {
		return e.startErr(ErrInvalidParameter, "tracepoint name too long")
	}

	hdr := parseHeader(data[:HeaderSize])
	if hdr.Flags&FlagLittleEndian == 0 {
		return e.startErr(ErrNotSupported, "event is not little-endian")
	}
	if hdr.Flags&^knownHeaderFlags != 0 {
		return e.startErr(ErrNotSupported, "reserved header flag bits set")
	}

	if err := checkNameLevel(fullName, hdr.Level); err != nil {
		return e.startErr(ErrNotSupported, err.Error())
	}

	pos := HeaderSize
	var metadataBlock []byte
	haveMetadata := false
	var activityID *ActivityID

	if hdr.Flags&FlagExtension != 0 {
		for {
			if len(data)-pos < 4 {
				return e.startErr(ErrInvalidData, "truncated extension header")
			}
			size := byteorder.LittleEndian.Uint16(data[pos:])
			kindWord := byteorder.LittleEndian.Uint16(data[pos+2:])
			chained := kindWord&extensionChainFlag != 0
			kind := ExtensionKind(kindWord & extensionKindMask)

			if int(size) < 4 || pos+int(size) > len(data) {
				return e.startErr(ErrInvalidData, "extension size runs past event")
			}
			payload := data[pos+4 : pos+int(size)]

			switch kind {
			case ExtensionMetadata:
				if haveMetadata {
					return e.startErr(ErrInvalidData, "duplicate Metadata extension")
				}
				haveMetadata = true
				metadataBlock = payload
			case ExtensionActivityID:
				switch len(payload) {
				case 16:
					var a ActivityID
					copy(a.ID[:], payload)
					activityID = &a
				case 32:
					var a ActivityID
					copy(a.ID[:], payload[:16])
					copy(a.Related[:], payload[16:])
					a.HasRelated = true
					activityID = &a
				default:
					return e.startErr(ErrInvalidData, "ActivityId extension has invalid length")
				}
			}

			pos += int(size)
			if !chained {
				break
			}
		}
	}

	if !haveMetadata {
		return e.startErr(ErrNotSupported, "event carries no Metadata extension")
	}

	nameEnd := bytes.IndexByte(metadataBlock, 0)
	if nameEnd < 0 {
		return e.startErr(ErrInvalidData, "Metadata event name is not NUL-terminated")
	}

	e.eventName = metadataBlock[:nameEnd]
	e.metadata = metadataBlock[nameEnd+1:]
	e.data = data[pos:]
	e.activityID = activityID
	e.moveBudget = DefaultMoveBudget
	e.stack = append(e.stack, frame{fieldsRemaining: -1})
	e.state = StateBeforeFirstItem
	return nil
}

func (e *Enumerator) startErr(kind ErrorKind, msg string) error {
	e.state = StateNone
	err := &Error{Kind: kind, Msg: msg}
	e.err = err
	return err
}

func (e *Enumerator) reset() {
	e.moveBudget = 0
	e.metadata = nil
	e.data = nil
	e.metaPos = 0
	e.dataPos = 0
	e.stack = e.stack[:0]
	e.err = nil
	e.eventName = nil
	e.activityID = nil
	e.cur = Item{}
	e.state = StateNone
}

// checkNameLevel parses the "_L<hex>K<hex>[attrib...]" suffix of
// fullName and verifies the level matches the header (spec §6
// tracepoint name grammar).
func checkNameLevel(fullName string, level uint8) error {
	li := strings.LastIndex(fullName, "_L")
	if li < 0 {
		return errNotSupportedf("tracepoint name %q has no _L<level> suffix", fullName)
	}
	rest := fullName[li+2:]

	ki := strings.IndexByte(rest, 'K')
	if ki <= 0 {
		return errNotSupportedf("tracepoint name %q has no K<keyword> after level", fullName)
	}
	levelHex := rest[:ki]
	afterK := rest[ki+1:]

	keywordEnd := 0
	for keywordEnd < len(afterK) && isHexDigit(afterK[keywordEnd]) {
		keywordEnd++
	}
	if keywordEnd == 0 {
		return errNotSupportedf("tracepoint name %q has empty keyword", fullName)
	}

	parsedLevel, err := strconv.ParseUint(levelHex, 16, 8)
	if err != nil {
		return errNotSupportedf("tracepoint name %q has invalid level hex %q", fullName, levelHex)
	}
	if uint8(parsedLevel) != level {
		return errNotSupportedf("tracepoint name %q level %x disagrees with header level %x", fullName, parsedLevel, level)
	}

	return nil
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func errNotSupportedf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
