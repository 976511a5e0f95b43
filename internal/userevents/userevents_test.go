package userevents

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterRejectsInvalidName(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "user_events_data")
	require.NoError(t, err)
	defer f.Close()

	p := &Provider{file: f}
	_, err = p.Register("bad name", nil)
	require.Error(t, err)
}

func TestRegisterWrapsIoctlFailure(t *testing.T) {
	// A regular file is not the tracefs user_events_data file, so the
	// ioctl always fails with ENOTTY; exercise that the failure is
	// wrapped with the event name rather than a bare errno.
	f, err := os.CreateTemp(t.TempDir(), "user_events_data")
	require.NoError(t, err)
	defer f.Close()

	p := &Provider{file: f}
	_, err = p.Register("my_event", []string{"u32 count"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "my_event")
}

func TestCloseIsIdempotent(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "user_events_data")
	require.NoError(t, err)

	p := &Provider{file: f}
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestUnregisterFailsOnClosedProvider(t *testing.T) {
	p := &Provider{}
	err := p.Unregister(&Registration{Name: "x"})
	require.Error(t, err)
}
