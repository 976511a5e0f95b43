package eventheader

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// --- test-only wire builders -------------------------------------------
//
// The spec prose's byte examples don't pin down enough of the wire
// layout to replicate literally, so these tests build events with a
// small builder that matches exactly what StartEvent/MoveNext expect,
// and assert the round-trip and boundary behavior instead of literal
// hex.

func putU16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func u16le(v uint16) []byte {
	b := make([]byte, 2)
	putU16(b, v)
	return b
}

// fieldDef builds one metadata field definition: name, encoding byte,
// optional format byte (+ optional tag), optional CArray literal
// length.
func fieldDef(name string, enc Encoding, format *Format, tag *uint16, litLen *uint16) []byte {
	var out []byte
	out = append(out, []byte(name)...)
	out = append(out, 0)
	out = append(out, byte(enc))
	if enc.HasFormat() {
		if format == nil {
			panic("fieldDef: encoding requires a format byte")
		}
		f := byte(*format)
		if tag != nil {
			f |= formatTagFlag
		}
		out = append(out, f)
		if tag != nil {
			out = append(out, u16le(*tag)...)
		}
	}
	if enc.Array() == ArrayFlagCArray {
		if litLen == nil {
			panic("fieldDef: CArray requires a literal length")
		}
		out = append(out, u16le(*litLen)...)
	}
	return out
}

func fmtPtr(f Format) *Format { return &f }
func u16Ptr(v uint16) *uint16 { return &v }

// buildEvent assembles a full EventHeader event: 8-byte header, a
// single unchained Metadata extension (event name + field defs), and
// data.
// The Metadata event name is "provider:event", matching the
// tracepoint naming convention used by fullName.
func buildEvent(level uint8, provider, event string, fieldDefs []byte, data []byte) []byte {
	meta := append([]byte(provider+":"+event), 0)
	meta = append(meta, fieldDefs...)

	ext := make([]byte, 4)
	size := 4 + len(meta)
	putU16(ext[0:2], uint16(size))
	putU16(ext[2:4], uint16(ExtensionMetadata)) // no chain flag: only extension
	ext = append(ext, meta...)

	hdr := make([]byte, HeaderSize)
	hdr[0] = byte(FlagLittleEndian | FlagExtension)
	hdr[1] = 1 // version
	// ID, Tag left zero
	hdr[6] = 0 // opcode
	hdr[7] = level

	out := append(hdr, ext...)
	out = append(out, data...)
	return out
}

func fullName(base string, level uint8) string {
	return base + "_L" + hexByte(level) + "K1"
}

func hexByte(b uint8) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[b>>4], digits[b&0xf]})
}

// --- tests ---------------------------------------------------------------

func TestStartEventRejectsShortHeader(t *testing.T) {
	e := NewEnumerator()
	err := e.StartEvent(fullName("ev", 5), []byte{1, 2, 3})
	require.Error(t, err)
}

func TestScalarValueField(t *testing.T) {
	fields := fieldDef("count", EncodingValue32|Encoding(encodingFormatFlag), fmtPtr(FormatUnsignedInt), nil, nil)
	data := []byte{0x2a, 0, 0, 0}
	event := buildEvent(5, "my_provider", "my_event", fields, data)

	e := NewEnumerator()
	require.NoError(t, e.StartEvent(fullName("my_provider", 5), event))
	require.Equal(t, StateBeforeFirstItem, e.State())

	require.True(t, e.MoveNext())
	require.Equal(t, StateValue, e.State())
	item := e.Current()
	require.Equal(t, "count", string(item.Name))
	require.Equal(t, []byte{0x2a, 0, 0, 0}, item.Value)
	require.Equal(t, FormatUnsignedInt, item.Format.Base())

	require.False(t, e.MoveNext())
	require.Equal(t, StateAfterLastItem, e.State())
}

func TestArrayOfU32(t *testing.T) {
	elem := EncodingValue32 | Encoding(encodingFormatFlag) | Encoding(ArrayFlagCArray)
	fields := fieldDef("vals", elem, fmtPtr(FormatUnsignedInt), nil, u16Ptr(3))
	data := []byte{
		1, 0, 0, 0,
		2, 0, 0, 0,
		3, 0, 0, 0,
	}
	event := buildEvent(1, "prov", "arr_event", fields, data)

	e := NewEnumerator()
	require.NoError(t, e.StartEvent(fullName("prov", 1), event))

	require.True(t, e.MoveNext())
	require.Equal(t, StateArrayBegin, e.State())
	require.Equal(t, 3, e.Current().ArrayCount)

	var got []byte
	for i := 0; i < 3; i++ {
		require.True(t, e.MoveNext())
		require.Equal(t, StateValue, e.State())
		got = append(got, e.Current().Value...)
	}
	require.Equal(t, data, got)

	require.True(t, e.MoveNext())
	require.Equal(t, StateArrayEnd, e.State())

	require.False(t, e.MoveNext())
	require.Equal(t, StateAfterLastItem, e.State())
}

func TestNestedStruct(t *testing.T) {
	inner := fieldDef("x", EncodingValue8|Encoding(encodingFormatFlag), fmtPtr(FormatUnsignedInt), nil, nil)
	inner = append(inner, fieldDef("y", EncodingValue8|Encoding(encodingFormatFlag), fmtPtr(FormatUnsignedInt), nil, nil)...)

	structEnc := EncodingStruct | Encoding(encodingFormatFlag)
	fields := fieldDef("point", structEnc, fmtPtr(Format(2)), nil, nil) // format byte carries field count = 2
	fields = append(fields, inner...)

	data := []byte{7, 9}
	event := buildEvent(1, "prov", "struct_event", fields, data)

	e := NewEnumerator()
	require.NoError(t, e.StartEvent(fullName("prov", 1), event))

	require.True(t, e.MoveNext())
	require.Equal(t, StateStructBegin, e.State())

	require.True(t, e.MoveNext())
	require.Equal(t, StateValue, e.State())
	require.Equal(t, "x", string(e.Current().Name))
	require.Equal(t, byte(7), e.Current().Value[0])

	require.True(t, e.MoveNext())
	require.Equal(t, StateValue, e.State())
	require.Equal(t, "y", string(e.Current().Name))
	require.Equal(t, byte(9), e.Current().Value[0])

	require.True(t, e.MoveNext())
	require.Equal(t, StateStructEnd, e.State())

	require.False(t, e.MoveNext())
	require.Equal(t, StateAfterLastItem, e.State())
}

func TestZeroLengthStructArray(t *testing.T) {
	inner := fieldDef("x", EncodingValue8|Encoding(encodingFormatFlag), fmtPtr(FormatUnsignedInt), nil, nil)
	structEnc := EncodingStruct | Encoding(encodingFormatFlag) | Encoding(ArrayFlagVArray)
	fields := fieldDef("items", structEnc, fmtPtr(Format(1)), nil, nil)
	fields = append(fields, inner...)

	// VArray count prefix of 0, no element data or struct-field data.
	data := u16le(0)
	event := buildEvent(1, "prov", "zero_struct_array", fields, data)

	e := NewEnumerator()
	require.NoError(t, e.StartEvent(fullName("prov", 1), event))

	require.True(t, e.MoveNext())
	require.Equal(t, StateArrayBegin, e.State())
	require.Equal(t, 0, e.Current().ArrayCount)

	require.True(t, e.MoveNext())
	require.Equal(t, StateArrayEnd, e.State())

	require.False(t, e.MoveNext())
	require.Equal(t, StateAfterLastItem, e.State())
}

func TestZStringField(t *testing.T) {
	fields := fieldDef("name", EncodingZStringChar8, nil, nil, nil)
	data := append([]byte("hello"), 0)
	event := buildEvent(1, "prov", "str_event", fields, data)

	e := NewEnumerator()
	require.NoError(t, e.StartEvent(fullName("prov", 1), event))

	require.True(t, e.MoveNext())
	require.Equal(t, StateValue, e.State())
	require.Equal(t, "hello", string(e.Current().Value))

	require.False(t, e.MoveNext())
}

func TestTruncatedScalarFieldFails(t *testing.T) {
	fields := fieldDef("count", EncodingValue32|Encoding(encodingFormatFlag), fmtPtr(FormatUnsignedInt), nil, nil)
	data := []byte{1, 2} // too short for a 4-byte value
	event := buildEvent(1, "prov", "short_event", fields, data)

	e := NewEnumerator()
	require.NoError(t, e.StartEvent(fullName("prov", 1), event))

	require.False(t, e.MoveNext())
	require.Equal(t, StateError, e.State())
	require.Equal(t, ErrInvalidData, e.Err().Kind)

	// Latched: further calls keep returning false without panicking.
	require.False(t, e.MoveNext())
	require.Equal(t, StateError, e.State())
}

func TestMoveNextSiblingSkipsArray(t *testing.T) {
	elem := EncodingValue32 | Encoding(encodingFormatFlag) | Encoding(ArrayFlagCArray)
	fields := fieldDef("vals", elem, fmtPtr(FormatUnsignedInt), nil, u16Ptr(3))
	fields = append(fields, fieldDef("after", EncodingValue8|Encoding(encodingFormatFlag), fmtPtr(FormatUnsignedInt), nil, nil)...)

	data := []byte{
		1, 0, 0, 0,
		2, 0, 0, 0,
		3, 0, 0, 0,
		0x42,
	}
	event := buildEvent(1, "prov", "sibling_event", fields, data)

	e := NewEnumerator()
	require.NoError(t, e.StartEvent(fullName("prov", 1), event))

	require.True(t, e.MoveNext())
	require.Equal(t, StateArrayBegin, e.State())

	require.True(t, e.MoveNextSibling())
	require.Equal(t, StateValue, e.State())
	require.Equal(t, "after", string(e.Current().Name))
	require.Equal(t, byte(0x42), e.Current().Value[0])
}

func TestStackDepthEightSucceedsNineFails(t *testing.T) {
	buildNested := func(depth int) ([]byte, []byte) {
		var fields []byte
		var data []byte
		structEnc := EncodingStruct | Encoding(encodingFormatFlag)
		leafEnc := EncodingValue8 | Encoding(encodingFormatFlag)

		// Build depth nested structs, innermost holding one u8 leaf.
		var build func(d int) []byte
		build = func(d int) []byte {
			if d == 0 {
				return fieldDef("leaf", leafEnc, fmtPtr(FormatUnsignedInt), nil, nil)
			}
			inner := build(d - 1)
			f := fieldDef("s", structEnc, fmtPtr(Format(1)), nil, nil)
			return append(f, inner...)
		}
		fields = build(depth)
		data = []byte{9}
		return fields, data
	}

	fields8, data8 := buildNested(8)
	event8 := buildEvent(1, "prov", "depth8", fields8, data8)
	e := NewEnumerator()
	require.NoError(t, e.StartEvent(fullName("prov", 1), event8))
	for i := 0; i < 8; i++ {
		require.True(t, e.MoveNext())
		require.Equal(t, StateStructBegin, e.State())
	}
	require.True(t, e.MoveNext())
	require.Equal(t, StateValue, e.State())

	fields9, data9 := buildNested(9)
	event9 := buildEvent(1, "prov", "depth9", fields9, data9)
	e2 := NewEnumerator()
	require.NoError(t, e2.StartEvent(fullName("prov", 1), event9))
	ok := true
	for i := 0; i < 9 && ok; i++ {
		ok = e2.MoveNext()
	}
	require.False(t, ok)
	require.Equal(t, StateError, e2.State())
	require.Equal(t, ErrStackOverflow, e2.Err().Kind)
}

func TestMoveBudgetExceeded(t *testing.T) {
	const n = DefaultMoveBudget + 10
	var fields []byte
	var data []byte
	enc := EncodingValue8 | Encoding(encodingFormatFlag)
	for i := 0; i < n; i++ {
		fields = append(fields, fieldDef("f", enc, fmtPtr(FormatUnsignedInt), nil, nil)...)
		data = append(data, 0)
	}
	event := buildEvent(1, "prov", "budget_event", fields, data)

	e := NewEnumerator()
	require.NoError(t, e.StartEvent(fullName("prov", 1), event))

	ok := true
	for i := 0; i < n && ok; i++ {
		ok = e.MoveNext()
	}
	require.False(t, ok)
	require.Equal(t, StateError, e.State())
	require.Equal(t, ErrImplementationLimit, e.Err().Kind)
}

func TestRejectsBigEndianEvent(t *testing.T) {
	fields := fieldDef("count", EncodingValue32|Encoding(encodingFormatFlag), fmtPtr(FormatUnsignedInt), nil, nil)
	event := buildEvent(1, "prov", "be_event", fields, []byte{0, 0, 0, 1})
	event[0] = byte(FlagExtension) // drop FlagLittleEndian

	e := NewEnumerator()
	err := e.StartEvent(fullName("prov", 1), event)
	require.Error(t, err)
}

func TestRejectsLevelMismatch(t *testing.T) {
	fields := fieldDef("count", EncodingValue32|Encoding(encodingFormatFlag), fmtPtr(FormatUnsignedInt), nil, nil)
	event := buildEvent(5, "prov", "lvl_event", fields, []byte{0, 0, 0, 1})

	e := NewEnumerator()
	err := e.StartEvent(fullName("prov", 3), event) // claims level 3, header says 5
	require.Error(t, err)
}
