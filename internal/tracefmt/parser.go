// Package tracefmt parses the textual tracepoint format descriptors
// the kernel exposes under tracefs, and caches the parsed result keyed
// by numeric id, by (system, event) name, and by common_type prefix.
//
// The field-table shape (offset/size/signed/array-kind/element-size)
// is grounded on the capsule8 perf decoder's traceEventField and on
// schedviz's format parser tests, which exercise the same kernel
// "field:TYPE NAME; offset:N; size:N; signed:0|1;" grammar.
package tracefmt

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Descriptor is the parsed result of one kernel format file.
type Descriptor struct {
	ID     uint32
	System string
	Event  string
	Fields []Field

	// CommonFieldCount is the number of leading fields present on
	// every record of this tracepoint.
	CommonFieldCount int

	// CommonTypeOffset/CommonTypeSize locate the common_type
	// discriminator within the raw record payload.
	CommonTypeOffset int
	CommonTypeSize   int

	// PrintFmt is the unparsed "print fmt:" line, kept only for
	// diagnostic display; never interpreted (spec §1, §3 SUPPLEMENT).
	PrintFmt string
}

// ParseOptions controls details the format text itself leaves
// ambiguous.
type ParseOptions struct {
	// LongIs64Bit selects the element size used for fields declared
	// with a "long" in their type, matching spec §4.B's optional
	// "sizeof(long)==8 vs 4" flag.
	LongIs64Bit bool
}

// DefaultParseOptions assumes a 64-bit host, matching spec §1's
// "no big-endian, 64-bit only" scope.
var DefaultParseOptions = ParseOptions{LongIs64Bit: true}

// Parse parses the full text of a kernel format file. system is the
// owning tracepoint system name (not present in the file itself).
func Parse(system, text string) (*Descriptor, error) {
	return ParseWithOptions(system, text, DefaultParseOptions)
}

// ParseWithOptions is Parse with explicit long-width handling.
func ParseWithOptions(system, text string, opts ParseOptions) (*Descriptor, error) {
	d := &Descriptor{System: system, CommonTypeOffset: -1}

	haveID := false
	haveCommonType := false
	inFormat := false

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "name:"):
			d.Event = strings.TrimSpace(strings.TrimPrefix(line, "name:"))

		case strings.HasPrefix(line, "ID:"):
			idStr := strings.TrimSpace(strings.TrimPrefix(line, "ID:"))
			id, err := strconv.ParseUint(idStr, 10, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid format: bad ID line %q", line)
			}
			d.ID = uint32(id)
			haveID = true

		case line == "format:":
			inFormat = true

		case strings.HasPrefix(line, "print fmt:"):
			d.PrintFmt = strings.TrimSpace(strings.TrimPrefix(line, "print fmt:"))
			inFormat = false

		case strings.HasPrefix(line, "field:"):
			if !inFormat {
				// Some kernels omit the bare "format:" line and go
				// straight to "field:"; treat the first field: as
				// entering format mode implicitly.
				inFormat = true
			}
			field, err := parseFieldLine(line, opts)
			if err != nil {
				return nil, err
			}
			if field.IsCommonType() {
				if haveCommonType {
					return nil, errors.Errorf("invalid format: duplicate common_type field")
				}
				haveCommonType = true
				d.CommonTypeOffset = field.Offset
				d.CommonTypeSize = field.Size
			}
			if strings.HasPrefix(field.Name, "common_") {
				d.CommonFieldCount = len(d.Fields) + 1
			}
			d.Fields = append(d.Fields, field)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "invalid format: scan failure")
	}

	if !haveID {
		return nil, errors.New("invalid format: missing ID line")
	}
	if len(d.Fields) == 0 {
		return nil, errors.New("invalid format: no fields")
	}

	return d, nil
}

// parseFieldLine parses one "field:TYPE NAME; offset:N; size:N; signed:0|1;"
// line into a Field.
func parseFieldLine(line string, opts ParseOptions) (Field, error) {
	rest := strings.TrimPrefix(line, "field:")
	parts := splitSemicolons(rest)
	if len(parts) == 0 {
		return Field{}, errors.Errorf("invalid format: empty field line %q", line)
	}

	decl := strings.TrimSpace(parts[0])
	var field Field
	var err error
	field.Name, field.ArrayKind, field.ArrayLen, err = parseDeclaration(decl)
	if err != nil {
		return Field{}, errors.Wrapf(err, "invalid format: field %q", line)
	}

	haveOffset, haveSize := false, false
	for _, kv := range parts[1:] {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		idx := strings.IndexByte(kv, ':')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(kv[:idx])
		val := strings.TrimSpace(kv[idx+1:])
		switch key {
		case "offset":
			n, err := strconv.Atoi(val)
			if err != nil {
				return Field{}, errors.Wrapf(err, "invalid format: bad offset in %q", line)
			}
			field.Offset = n
			haveOffset = true
		case "size":
			n, err := strconv.Atoi(val)
			if err != nil {
				return Field{}, errors.Wrapf(err, "invalid format: bad size in %q", line)
			}
			field.Size = n
			haveSize = true
		case "signed":
			field.Signed = val == "1"
		}
	}
	if !haveOffset || !haveSize {
		return Field{}, errors.Errorf("invalid format: field %q missing offset/size", line)
	}

	elemSize, format, err := classifyType(decl, opts)
	if err != nil {
		return Field{}, errors.Wrapf(err, "invalid format: field %q", line)
	}
	field.Format = format

	switch field.ArrayKind {
	case ArrayDynamic, ArrayRelDyn:
		if field.Size != 4 && field.Size != 8 {
			return Field{}, errors.Errorf("invalid format: dynamic array field %q has unsupported location size %d", line, field.Size)
		}
		field.ElemSize = elemSize
	case ArrayFixedLen:
		if field.ArrayLen < 1 {
			return Field{}, errors.Errorf("invalid format: fixed array field %q has count < 1", line)
		}
		field.ElemSize = elemSize
		if elemSize > 0 && field.Size != field.ArrayLen*elemSize {
			return Field{}, errors.Errorf("invalid format: field %q declared size %d inconsistent with %d elements of size %d",
				line, field.Size, field.ArrayLen, elemSize)
		}
	default:
		field.ElemSize = field.Size
	}

	if field.Signed {
		if format == FormatUnsigned {
			field.Format = FormatSigned
		}
	}

	return field, nil
}

// splitSemicolons splits a field line on ';' while discarding empty
// trailing segments caused by a terminating ';'.
func splitSemicolons(s string) []string {
	raw := strings.Split(s, ";")
	out := raw[:0]
	for _, p := range raw {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseDeclaration splits a "TYPE NAME" or "TYPE NAME[N]" or
// "__data_loc TYPE[] NAME" declaration into its name and array kind.
func parseDeclaration(decl string) (name string, kind ArrayKind, length int, err error) {
	fields := strings.Fields(decl)
	if len(fields) == 0 {
		return "", ArrayNone, 0, errors.New("empty declaration")
	}

	dynamic := ArrayNone
	if fields[0] == "__data_loc" {
		dynamic = ArrayDynamic
		fields = fields[1:]
	} else if fields[0] == "__rel_loc" {
		dynamic = ArrayRelDyn
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return "", ArrayNone, 0, errors.New("missing name after array marker")
	}

	last := fields[len(fields)-1]

	if dynamic != ArrayNone {
		// Last token is the field name; any "[]" marker lives on an
		// earlier token (the element type), which we don't need here.
		name = strings.TrimPrefix(last, "*")
		return name, dynamic, 0, nil
	}

	if idx := strings.IndexByte(last, '['); idx >= 0 {
		closeIdx := strings.IndexByte(last[idx:], ']')
		if closeIdx < 0 {
			return "", ArrayNone, 0, errors.Errorf("unterminated array marker in %q", decl)
		}
		countStr := last[idx+1 : idx+closeIdx]
		name = last[:idx]
		if countStr == "" {
			// A bare "name[]" outside a __data_loc declaration is not
			// a kind this parser recognises.
			return "", ArrayNone, 0, errors.Errorf("unknown array kind in %q", decl)
		}
		n, err := strconv.Atoi(countStr)
		if err != nil {
			return "", ArrayNone, 0, errors.Wrapf(err, "bad array count in %q", decl)
		}
		return name, ArrayFixedLen, n, nil
	}

	name = strings.TrimPrefix(last, "*")
	return name, ArrayNone, 0, nil
}

// classifyType derives an element size and default format hint from
// the declared C type tokens, ignoring name/array-bracket suffixes.
func classifyType(decl string, opts ParseOptions) (elemSize int, format Format, err error) {
	fields := strings.Fields(decl)
	if len(fields) == 0 {
		return 0, FormatUnsigned, errors.New("empty declaration")
	}
	if fields[0] == "__data_loc" || fields[0] == "__rel_loc" {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return 0, FormatUnsigned, errors.New("missing type")
	}
	// Drop the trailing name/array token; everything before it is the
	// type.
	typeTokens := fields[:len(fields)-1]
	typeStr := strings.Join(typeTokens, " ")
	typeStr = strings.TrimRight(typeStr, "*")

	switch {
	case typeStr == "char" || typeStr == "signed char" || strings.Contains(typeStr, "char") && strings.Contains(decl, "*"):
		// A bare "char"/"signed char" (or "char *") field is text, the
		// kernel's convention for strings. "unsigned char" on its own
		// is a numeric byte, not text, and falls through below.
		if strings.Contains(decl, "*") {
			return 8, FormatString, nil
		}
		return 1, FormatString, nil
	case strings.Contains(typeStr, "char"):
		return 1, FormatUnsigned, nil
	case strings.Contains(typeStr, "long long"):
		return 8, FormatUnsigned, nil
	case strings.Contains(typeStr, "long"):
		if opts.LongIs64Bit {
			return 8, FormatUnsigned, nil
		}
		return 4, FormatUnsigned, nil
	case strings.Contains(typeStr, "short"):
		return 2, FormatUnsigned, nil
	case strings.Contains(typeStr, "u8"), strings.Contains(typeStr, "int8"):
		return 1, FormatUnsigned, nil
	case strings.Contains(typeStr, "u16"), strings.Contains(typeStr, "int16"):
		return 2, FormatUnsigned, nil
	case strings.Contains(typeStr, "u32"), strings.Contains(typeStr, "int32"), typeStr == "pid_t", typeStr == "int", typeStr == "unsigned":
		return 4, FormatUnsigned, nil
	case strings.Contains(typeStr, "u64"), strings.Contains(typeStr, "int64"):
		return 8, FormatUnsigned, nil
	case typeStr == "":
		return 0, FormatUnsigned, errors.New("missing type")
	default:
		// Unknown scalar type name (e.g. a typedef'd struct tag); fall
		// back to treating it as an opaque unsigned blob sized by the
		// offset/size pair already parsed for this field.
		return 0, FormatUnsigned, nil
	}
}
