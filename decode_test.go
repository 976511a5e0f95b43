package tracehdr

import (
	"fmt"
	"testing"

	"github.com/kernelevent/tracehdr/internal/eventheader"
	"github.com/kernelevent/tracehdr/internal/perfsession"
	"github.com/stretchr/testify/require"
)

// buildMinimalEvent assembles a header-only EventHeader event (no
// fields) for provider:event at level, matching the wire shape
// internal/eventheader's own tests build against StartEvent/MoveNext.
func buildMinimalEvent(level uint8, provider, event string) []byte {
	meta := append([]byte(provider+":"+event), 0)

	ext := make([]byte, 4)
	size := 4 + len(meta)
	ext[0], ext[1] = byte(size), byte(size>>8)
	kind := uint16(eventheader.ExtensionMetadata)
	ext[2], ext[3] = byte(kind), byte(kind>>8)
	ext = append(ext, meta...)

	hdr := make([]byte, eventheader.HeaderSize)
	hdr[0] = byte(eventheader.FlagLittleEndian | eventheader.FlagExtension)
	hdr[1] = 1
	hdr[7] = level

	return append(hdr, ext...)
}

func fullEventName(base string, level uint8) string {
	return fmt.Sprintf("%s_L%xK1", base, level)
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	sess, err := NewSession(Config{
		Perf: perfsession.Config{
			Mode:           perfsession.RealTime,
			BufferSizeHint: 1 << 16,
			SampleTypeMask: perfsession.DefaultSampleTypeMask,
		},
	})
	require.NoError(t, err)
	return sess
}

func TestDecodeEmptyEvent(t *testing.T) {
	sess := newTestSession(t)

	raw := buildMinimalEvent(5, "myprov", "myevent")
	fields, err := sess.Decode(fullEventName("myprov:myevent", 5), raw)
	require.NoError(t, err)
	require.Empty(t, fields)
}

func TestDecodeRejectsLevelMismatch(t *testing.T) {
	sess := newTestSession(t)

	raw := buildMinimalEvent(5, "myprov", "myevent")
	_, err := sess.Decode(fullEventName("myprov:myevent", 6), raw)
	require.Error(t, err)

	var tErr *Error
	require.ErrorAs(t, err, &tErr)
	require.Equal(t, NotSupported, tErr.Kind)
}
