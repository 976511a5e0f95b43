package eventheader

import (
	"bytes"

	"github.com/kernelevent/tracehdr/internal/byteorder"
)

// MoveNext advances the walk by one item (spec §4.D "Walk"). It
// returns false once the state is StateAfterLastItem or StateError;
// in the latter case the error is latched and further calls keep
// returning false without advancing (spec invariant b).
func (e *Enumerator) MoveNext() bool {
	if e.state == StateError || e.state == StateAfterLastItem {
		return false
	}
	if e.moveBudget <= 0 {
		e.fail(ErrImplementationLimit, "move budget exceeded")
		return false
	}
	e.moveBudget--

	top := &e.stack[len(e.stack)-1]
	if top.activeArray != nil {
		return e.continueArray(top)
	}
	return e.nextField()
}

// MoveNextSibling skips the item at ArrayBegin/StructBegin (and
// everything nested under it) and lands on whatever follows (spec
// §4.D "Sibling skip").
func (e *Enumerator) MoveNextSibling() bool {
	if e.state == StateError || e.state == StateAfterLastItem {
		return false
	}

	if e.state == StateArrayBegin {
		top := &e.stack[len(e.stack)-1]
		if arr := top.activeArray; arr != nil && arr.elemSize > 0 {
			remaining := arr.count - arr.index
			skip := remaining * arr.elemSize
			if skip < 0 || len(e.data)-e.dataPos < skip {
				return e.fail(ErrInvalidData, "array skip runs past event data")
			}
			if e.moveBudget <= 0 {
				return e.fail(ErrImplementationLimit, "move budget exceeded")
			}
			e.moveBudget--
			e.dataPos += skip
			arr.index = arr.count
			if !e.finishArray(top) {
				return false
			}
			return e.MoveNext()
		}
	}

	if e.state != StateArrayBegin && e.state != StateStructBegin {
		return e.MoveNext()
	}

	depth := 1
	for depth > 0 {
		if !e.MoveNext() {
			return false
		}
		switch e.state {
		case StateArrayBegin, StateStructBegin:
			depth++
		case StateArrayEnd, StateStructEnd:
			depth--
		}
	}
	return e.MoveNext()
}

// nextField reads the next field definition at the current scope (the
// top stack frame), closing the scope with a StructEnd if its field
// count has been exhausted.
func (e *Enumerator) nextField() bool {
	top := &e.stack[len(e.stack)-1]

	if top.fieldsRemaining == 0 {
		return e.closeStruct()
	}
	if top.fieldsRemaining == -1 && e.metaPos >= len(e.metadata) {
		if len(e.stack) != 1 {
			return e.fail(ErrInvalidData, "metadata exhausted inside nested scope")
		}
		e.state = StateAfterLastItem
		return false
	}

	name, enc, format, tag, litLen, ok := e.readFieldHeader()
	if !ok {
		return false
	}
	if top.fieldsRemaining > 0 {
		top.fieldsRemaining--
	}

	return e.startField(top, name, enc, format, tag, litLen)
}

// closeStruct pops the current struct scope and emits StructEnd.
func (e *Enumerator) closeStruct() bool {
	e.stack = e.stack[:len(e.stack)-1]
	e.state = StateStructEnd
	e.cur = Item{State: StateStructEnd}
	return true
}

// continueArray advances an in-progress array: the scalar fast path,
// the string re-entry path, or the struct-element replay path.
func (e *Enumerator) continueArray(top *frame) bool {
	arr := top.activeArray

	if arr.index >= arr.count {
		return e.finishArray(top)
	}

	switch {
	case arr.elemSize > 0:
		// Fast path: fixed-width scalar elements.
		if len(e.data)-e.dataPos < arr.elemSize {
			return e.fail(ErrInvalidData, "array element runs past event data")
		}
		val := e.data[e.dataPos : e.dataPos+arr.elemSize]
		e.dataPos += arr.elemSize
		e.cur = Item{
			State:       StateValue,
			Name:        arr.name,
			Value:       val,
			ArrayIndex:  arr.index,
			ArrayCount:  arr.count,
			ElementSize: arr.elemSize,
			Encoding:    arr.encoding,
			Format:      arr.format,
			Tag:         arr.tag,
		}
		e.state = StateValue
		arr.index++
		return true

	case arr.encoding.Base() == EncodingStruct:
		if arr.index > 0 {
			e.metaPos = arr.structMetaStart
		}
		if len(e.stack) >= MaxStructDepth+1 {
			return e.fail(ErrStackOverflow, "struct depth exceeds cap")
		}
		arr.index++
		e.stack = append(e.stack, frame{fieldsRemaining: arr.structFieldCount})
		e.state = StateStructBegin
		e.cur = Item{
			State:      StateStructBegin,
			Name:       arr.name,
			ArrayIndex: arr.index - 1,
			ArrayCount: arr.count,
			Encoding:   arr.encoding,
			Format:     Format(arr.structFieldCount),
			Tag:        arr.tag,
		}
		return true

	default:
		// Re-entrant value-start logic for complex (string) elements.
		val, newPos, ok := e.readStringValue(arr.encoding)
		if !ok {
			return false
		}
		e.dataPos = newPos
		e.cur = Item{
			State:       StateValue,
			Name:        arr.name,
			Value:       val,
			ArrayIndex:  arr.index,
			ArrayCount:  arr.count,
			ElementSize: 0,
			Encoding:    arr.encoding,
			Format:      arr.format,
			Tag:         arr.tag,
		}
		e.state = StateValue
		arr.index++
		return true
	}
}

// finishArray closes out an array, emitting ArrayEnd and clearing the
// frame's activeArray so field reading resumes normally.
func (e *Enumerator) finishArray(top *frame) bool {
	arr := top.activeArray
	top.activeArray = nil
	e.state = StateArrayEnd
	e.cur = Item{
		State:      StateArrayEnd,
		Name:       arr.name,
		ArrayCount: arr.count,
		Encoding:   arr.encoding,
		Format:     arr.format,
		Tag:        arr.tag,
	}
	return true
}

// startField dispatches on a freshly-read field definition: scalar
// value, string value, array begin, or struct begin.
func (e *Enumerator) startField(top *frame, name []byte, enc Encoding, format Format, tag uint16, litLen uint16) bool {
	arrayFlag := enc.Array()

	if arrayFlag == ArrayFlagNone {
		switch {
		case enc.Base() == EncodingStruct:
			fieldCount := int(format.Base())
			if fieldCount < 1 {
				return e.fail(ErrInvalidData, "struct field declares zero fields")
			}
			if len(e.stack) >= MaxStructDepth+1 {
				return e.fail(ErrStackOverflow, "struct depth exceeds cap")
			}
			e.stack = append(e.stack, frame{fieldsRemaining: fieldCount})
			e.state = StateStructBegin
			e.cur = Item{State: StateStructBegin, Name: name, Encoding: enc, Format: format, Tag: tag}
			return true

		case enc.IsString():
			val, newPos, ok := e.readStringValue(enc)
			if !ok {
				return false
			}
			e.dataPos = newPos
			e.cur = Item{State: StateValue, Name: name, Value: val, Encoding: enc, Format: format, Tag: tag}
			e.state = StateValue
			return true

		default:
			size := enc.ElementSize()
			if size == 0 {
				return e.fail(ErrNotSupported, "unknown scalar encoding")
			}
			if len(e.data)-e.dataPos < size {
				return e.fail(ErrInvalidData, "scalar field runs past event data")
			}
			val := e.data[e.dataPos : e.dataPos+size]
			e.dataPos += size
			e.cur = Item{State: StateValue, Name: name, Value: val, ElementSize: size, Encoding: enc, Format: format, Tag: tag}
			e.state = StateValue
			return true
		}
	}

	// Array field: determine count.
	var count int
	if arrayFlag == ArrayFlagCArray {
		count = int(litLen)
	} else {
		if len(e.data)-e.dataPos < 2 {
			return e.fail(ErrInvalidData, "array count runs past event data")
		}
		count = int(byteorder.LittleEndian.Uint16(e.data[e.dataPos:]))
		e.dataPos += 2
	}

	arr := &arrayState{
		name:     name,
		tag:      tag,
		encoding: enc,
		format:   format,
		count:    count,
		elemSize: enc.ElementSize(),
	}

	if enc.Base() == EncodingStruct {
		fieldCount := int(format.Base())
		if fieldCount < 1 {
			return e.fail(ErrInvalidData, "struct array declares zero fields")
		}
		arr.structFieldCount = fieldCount
		arr.structMetaStart = e.metaPos
		if count == 0 {
			// Metadata for the element's fields is shared across all
			// elements and is only ever read once; skip it now so the
			// cursor lands after the struct's field list even though
			// no element is ever materialized (spec §4.D boundary
			// behavior: zero-length array of struct).
			if !e.skipFieldDefs(fieldCount) {
				return false
			}
		}
	}

	top.activeArray = arr
	e.state = StateArrayBegin
	e.cur = Item{
		State:      StateArrayBegin,
		Name:       name,
		ArrayCount: count,
		ElementSize: arr.elemSize,
		Encoding:   enc,
		Format:     format,
		Tag:        tag,
	}
	return true
}

// skipFieldDefs advances metaPos past n field definitions without
// emitting items, used to fast-forward over a zero-length
// array-of-struct's element metadata.
func (e *Enumerator) skipFieldDefs(n int) bool {
	for i := 0; i < n; i++ {
		_, enc, format, _, _, ok := e.readFieldHeader()
		if !ok {
			return false
		}
		if enc.Base() == EncodingStruct {
			fieldCount := int(format.Base())
			if !e.skipFieldDefs(fieldCount) {
				return false
			}
		}
	}
	return true
}

// readFieldHeader parses one field definition (name, encoding,
// optional format, optional tag, optional C-array literal length)
// from the metadata cursor (spec §3 "Field definition").
func (e *Enumerator) readFieldHeader() (name []byte, enc Encoding, format Format, tag uint16, litLen uint16, ok bool) {
	rest := e.metadata[e.metaPos:]
	nameEnd := bytes.IndexByte(rest, 0)
	if nameEnd < 0 {
		e.fail(ErrInvalidData, "field name is not NUL-terminated")
		return nil, 0, 0, 0, 0, false
	}
	name = rest[:nameEnd]
	pos := e.metaPos + nameEnd + 1

	if pos >= len(e.metadata) {
		e.fail(ErrInvalidData, "metadata truncated before encoding byte")
		return nil, 0, 0, 0, 0, false
	}
	enc = Encoding(e.metadata[pos])
	pos++

	if enc.HasFormat() {
		if pos >= len(e.metadata) {
			e.fail(ErrInvalidData, "metadata truncated before format byte")
			return nil, 0, 0, 0, 0, false
		}
		format = Format(e.metadata[pos])
		pos++
		if format.HasTag() {
			if len(e.metadata)-pos < 2 {
				e.fail(ErrInvalidData, "metadata truncated before tag")
				return nil, 0, 0, 0, 0, false
			}
			tag = byteorder.LittleEndian.Uint16(e.metadata[pos:])
			pos += 2
		}
	} else if enc.Base() == EncodingStruct {
		e.fail(ErrInvalidData, "struct field is missing its field-count byte")
		return nil, 0, 0, 0, 0, false
	}

	if enc.Array() == ArrayFlagCArray {
		if len(e.metadata)-pos < 2 {
			e.fail(ErrInvalidData, "metadata truncated before array literal length")
			return nil, 0, 0, 0, 0, false
		}
		litLen = byteorder.LittleEndian.Uint16(e.metadata[pos:])
		pos += 2
	}

	e.metaPos = pos
	return name, enc, format, tag, litLen, true
}

// readStringValue reads one string value (NUL-terminated or
// length-prefixed, per enc) from the data cursor, returning the
// cooked (excluding-terminator) slice and the cursor position after
// it (spec §4.D "variable-length string").
func (e *Enumerator) readStringValue(enc Encoding) (value []byte, newPos int, ok bool) {
	width := enc.charWidth()
	remaining := e.data[e.dataPos:]

	if enc.isLengthPrefixed() {
		if len(remaining) < 2 {
			e.fail(ErrInvalidData, "string length prefix runs past event data")
			return nil, 0, false
		}
		count := int(byteorder.LittleEndian.Uint16(remaining))
		byteLen := count * width
		if len(remaining)-2 < byteLen {
			e.fail(ErrInvalidData, "string runs past event data")
			return nil, 0, false
		}
		return remaining[2 : 2+byteLen], e.dataPos + 2 + byteLen, true
	}

	// NUL-terminated: scan for a terminator of the given char width.
	for i := 0; i+width <= len(remaining); i += width {
		isZero := true
		for j := 0; j < width; j++ {
			if remaining[i+j] != 0 {
				isZero = false
				break
			}
		}
		if isZero {
			return remaining[:i], e.dataPos + i + width, true
		}
	}
	e.fail(ErrInvalidData, "string is not terminated within event data")
	return nil, 0, false
}
