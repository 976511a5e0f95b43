package perfsession

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// onlineCPUCount parses /sys/devices/system/cpu/online (a comma
// separated list of ids and ranges, e.g. "0-3,5,7-8") and returns the
// count of online CPUs. bpf_perf_event_output-style per-CPU session
// setup can't use a wildcard CPU, so every caller needs this count to
// size its per-CPU slices (spec §4.E "Construction": "Buffer count =
// number of online CPUs").
func onlineCPUCount() (int, error) {
	raw, err := os.ReadFile("/sys/devices/system/cpu/online")
	if err != nil {
		return 0, errors.Wrap(err, "read online CPU list")
	}
	return countCPUList(strings.TrimSpace(string(raw)))
}

func countCPUList(s string) (int, error) {
	if s == "" {
		return 0, errors.New("empty online CPU list")
	}
	total := 0
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if dash := strings.IndexByte(part, '-'); dash >= 0 {
			lo, err := strconv.Atoi(part[:dash])
			if err != nil {
				return 0, errors.Wrapf(err, "bad CPU range %q", part)
			}
			hi, err := strconv.Atoi(part[dash+1:])
			if err != nil {
				return 0, errors.Wrapf(err, "bad CPU range %q", part)
			}
			if hi < lo {
				return 0, errors.Errorf("bad CPU range %q", part)
			}
			total += hi - lo + 1
		} else {
			if _, err := strconv.Atoi(part); err != nil {
				return 0, errors.Wrapf(err, "bad CPU id %q", part)
			}
			total++
		}
	}
	return total, nil
}
