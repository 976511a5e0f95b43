package tracefmt

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const schedSwitchFormat = `name: sched_switch
ID: 314
format:
	field:unsigned short common_type;	offset:0;	size:2;	signed:0;
	field:unsigned char common_flags;	offset:2;	size:1;	signed:0;
	field:unsigned char common_preempt_count;	offset:3;	size:1;	signed:0;
	field:int common_pid;	offset:4;	size:4;	signed:1;

	field:char prev_comm[16];	offset:8;	size:16;	signed:1;
	field:pid_t prev_pid;	offset:24;	size:4;	signed:1;

print fmt: "prev_comm=%s prev_pid=%d", REC->prev_comm, REC->prev_pid
`

const dynamicArrayFormat = `name: special_event
ID: 1942
format:
	field:unsigned short common_type;	offset:0;	size:2;	signed:0;
	field:unsigned char common_flags;	offset:2;	size:1;	signed:0;
	field:unsigned char common_preempt_count;	offset:3;	size:1;	signed:0;
	field:int common_pid;	offset:4;	size:4;	signed:1;

	field:__data_loc uint8[] event;	offset:8;	size:4;	signed:0;

print fmt: "%s", print_special_evt(p, (__get_dynamic_array(event)))
`

func TestParseSchedSwitch(t *testing.T) {
	d, err := Parse("ftrace", schedSwitchFormat)
	require.NoError(t, err)

	require.Equal(t, uint32(314), d.ID)
	require.Equal(t, "sched_switch", d.Event)
	require.Equal(t, 4, d.CommonFieldCount)
	require.Equal(t, 0, d.CommonTypeOffset)
	require.Equal(t, 2, d.CommonTypeSize)
	require.Len(t, d.Fields, 6)

	prevComm := d.Fields[4]
	require.Equal(t, "prev_comm", prevComm.Name)
	require.Equal(t, ArrayFixedLen, prevComm.ArrayKind)
	require.Equal(t, 16, prevComm.ArrayLen)
	require.Equal(t, 1, prevComm.ElemSize)

	prevPid := d.Fields[5]
	require.Equal(t, "prev_pid", prevPid.Name)
	require.Equal(t, ArrayNone, prevPid.ArrayKind)
	require.Equal(t, 4, prevPid.ElemSize)
	require.True(t, prevPid.Signed)
}

func TestParseDynamicArray(t *testing.T) {
	d, err := Parse("ftrace", dynamicArrayFormat)
	require.NoError(t, err)

	event := d.Fields[len(d.Fields)-1]
	require.Equal(t, "event", event.Name)
	require.Equal(t, ArrayDynamic, event.ArrayKind)
	require.Equal(t, 8, event.Offset)
	require.Equal(t, 4, event.Size)
}

func TestParseMissingIDFails(t *testing.T) {
	_, err := Parse("ftrace", "name: bad\nformat:\n\tfield:int x;\toffset:0;\tsize:4;\tsigned:1;\n")
	require.Error(t, err)
}

func TestParseSchedSwitchFullFieldTable(t *testing.T) {
	d, err := Parse("ftrace", schedSwitchFormat)
	require.NoError(t, err)

	want := []Field{
		{Name: "common_type", Offset: 0, Size: 2, ElemSize: 2},
		{Name: "common_flags", Offset: 2, Size: 1, ElemSize: 1},
		{Name: "common_preempt_count", Offset: 3, Size: 1, ElemSize: 1},
		{Name: "common_pid", Offset: 4, Size: 4, Signed: true, ElemSize: 4, Format: FormatSigned},
		{Name: "prev_comm", Offset: 8, Size: 16, Signed: true, ArrayKind: ArrayFixedLen, ArrayLen: 16, ElemSize: 1, Format: FormatString},
		{Name: "prev_pid", Offset: 24, Size: 4, Signed: true, ElemSize: 4, Format: FormatSigned},
	}

	if diff := cmp.Diff(want, d.Fields); diff != "" {
		t.Errorf("field table mismatch (-want +got):\n%s", diff)
	}
}

func TestParseInconsistentArraySizeFails(t *testing.T) {
	bad := `name: bad
ID: 1
format:
	field:char comm[16];	offset:0;	size:8;	signed:1;
`
	_, err := Parse("ftrace", bad)
	require.Error(t, err)
}
