package tracefs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeMounts(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mounts")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestDiscoverRootPrefersTracefs(t *testing.T) {
	mounts := writeMounts(t, `cgroup /sys/fs/cgroup cgroup rw 0 0
debugfs /sys/kernel/debug debugfs rw 0 0
tracefs /sys/kernel/tracing tracefs rw 0 0
`)

	root, err := discoverRoot(mounts)
	require.NoError(t, err)
	require.Equal(t, "/sys/kernel/tracing", root)
}

func TestDiscoverRootFallsBackToDebugfs(t *testing.T) {
	mounts := writeMounts(t, `debugfs /sys/kernel/debug debugfs rw 0 0
`)

	root, err := discoverRoot(mounts)
	require.NoError(t, err)
	require.Equal(t, "/sys/kernel/debug/tracing", root)
}

func TestDiscoverRootErrorsWhenNeitherMounted(t *testing.T) {
	mounts := writeMounts(t, `proc /proc proc rw 0 0
`)

	_, err := discoverRoot(mounts)
	require.Error(t, err)
}

func TestEventFormatPath(t *testing.T) {
	require.Equal(t, "/sys/kernel/tracing/events/user_events/myevent/format",
		EventFormatPath("/sys/kernel/tracing", "user_events", "myevent"))
}
