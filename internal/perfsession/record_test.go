package perfsession

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func putRecordHeader(typ uint32, size uint16) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:], typ)
	binary.LittleEndian.PutUint16(b[4:], 0)
	binary.LittleEndian.PutUint16(b[6:], size)
	return b
}

func TestParseRecordHeader(t *testing.T) {
	b := putRecordHeader(recordSample, 64)
	hdr := parseRecordHeader(b)
	require.Equal(t, uint32(recordSample), hdr.Type)
	require.Equal(t, uint16(64), hdr.Size)
}

func TestParseSampleDefaultMask(t *testing.T) {
	// DefaultSampleTypeMask = Tid | Time | Cpu | Raw
	var b []byte
	var pidtid [8]byte
	binary.LittleEndian.PutUint32(pidtid[0:], 111)
	binary.LittleEndian.PutUint32(pidtid[4:], 222)
	b = append(b, pidtid[:]...)

	var timeB [8]byte
	binary.LittleEndian.PutUint64(timeB[:], 99999)
	b = append(b, timeB[:]...)

	var cpuB [8]byte
	binary.LittleEndian.PutUint32(cpuB[0:], 3)
	b = append(b, cpuB[:]...)

	var rawLen [4]byte
	binary.LittleEndian.PutUint32(rawLen[:], 4)
	b = append(b, rawLen[:]...)
	b = append(b, []byte{0xde, 0xad, 0xbe, 0xef}...)

	info, err := parseSample(DefaultSampleTypeMask, b)
	require.NoError(t, err)
	require.Equal(t, uint32(111), info.Pid)
	require.Equal(t, uint32(222), info.Tid)
	require.Equal(t, uint64(99999), info.Time)
	require.Equal(t, uint32(3), info.Cpu)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, info.Raw)
}

func TestParseSampleTruncatedFails(t *testing.T) {
	_, err := parseSample(SampleTime, []byte{1, 2, 3})
	require.Error(t, err)
}

func TestParseSampleCallchain(t *testing.T) {
	var b []byte
	var nr [8]byte
	binary.LittleEndian.PutUint64(nr[:], 2)
	b = append(b, nr[:]...)
	var e1, e2 [8]byte
	binary.LittleEndian.PutUint64(e1[:], 0x1000)
	binary.LittleEndian.PutUint64(e2[:], 0x2000)
	b = append(b, e1[:]...)
	b = append(b, e2[:]...)

	info, err := parseSample(SampleCallchain, b)
	require.NoError(t, err)
	require.Equal(t, []uint64{0x1000, 0x2000}, info.Callchain)
}

func TestParseLostCount(t *testing.T) {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[8:], 42)
	n, err := parseLostCount(b[:])
	require.NoError(t, err)
	require.Equal(t, uint64(42), n)
}
