package embedworker

import (
	"bytes"
	"strconv"
)

// parseVmRSS extracts the VmRSS line from /proc/<pid>/status content,
// returning bytes (the file reports kB).
func parseVmRSS(status []byte) (uint64, bool) {
	const key = "VmRSS:"
	idx := bytes.Index(status, []byte(key))
	if idx == -1 {
		return 0, false
	}
	line := status[idx+len(key):]
	if nl := bytes.IndexByte(line, '\n'); nl != -1 {
		line = line[:nl]
	}
	line = bytes.TrimSpace(line)
	line = bytes.TrimSuffix(line, []byte("kB"))
	line = bytes.TrimSpace(line)

	kb, err := strconv.ParseUint(string(line), 10, 64)
	if err != nil {
		return 0, false
	}
	return kb * 1024, true
}
