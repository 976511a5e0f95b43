// Package tracefs locates the kernel tracing pseudo-filesystem and
// builds the conventional paths under it. Discovery happens once per
// process: the first caller parses /proc/mounts, and every later
// caller observes the same cached root, mirroring the one-shot
// kernel-feature probes (haveObjName, noProgTestRun) the teacher
// library uses for its own process-wide singletons.
package tracefs

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var (
	rootOnce sync.Once
	rootPath string
	rootErr  error
)

// Root returns the tracing root directory (e.g. "/sys/kernel/tracing"
// or "/sys/kernel/debug/tracing"), discovering it from /proc/mounts on
// first call and caching the result for the life of the process.
func Root() (string, error) {
	rootOnce.Do(func() {
		rootPath, rootErr = discoverRoot("/proc/mounts")
	})
	return rootPath, rootErr
}

func discoverRoot(mountsPath string) (string, error) {
	f, err := os.Open(mountsPath)
	if err != nil {
		return "", errors.Wrap(err, "can't open mount table")
	}
	defer f.Close()

	var tracefsMount, debugfsMount string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		mountPoint, fsType := fields[1], fields[2]

		switch fsType {
		case "tracefs":
			tracefsMount = mountPoint
		case "debugfs":
			if debugfsMount == "" {
				debugfsMount = mountPoint
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", errors.Wrap(err, "can't scan mount table")
	}

	if tracefsMount != "" {
		return tracefsMount, nil
	}
	if debugfsMount != "" {
		return filepath.Join(debugfsMount, "tracing"), nil
	}
	return "", errors.New("tracefs: no tracefs or debugfs mount found")
}

// EventFormatPath returns the path to the format descriptor file for
// the (system, event) tracepoint.
func EventFormatPath(root, system, event string) string {
	return filepath.Join(root, "events", system, event, "format")
}

// UserEventsDataPath is the fixed control file the user_events ioctl
// registration API operates on; it is not relative to the discovered
// tracing root.
const UserEventsDataPath = "/sys/kernel/tracing/user_events_data"
