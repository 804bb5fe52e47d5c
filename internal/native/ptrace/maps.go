package ptrace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var ErrModuleNotMapped = errors.New("ptrace: module not mapped")

// mappingBase returns the start of the mapping of path at file offset 0 in a
// /proc/<pid>/maps listing
func mappingBase(maps io.Reader, path string) (uint64, error) {
	sc := bufio.NewScanner(maps)
	for sc.Scan() {
		// start-end perms offset dev inode path
		fields := strings.Fields(sc.Text())
		if len(fields) < 6 || strings.Join(fields[5:], " ") != path {
			continue
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil || offset != 0 {
			continue
		}
		start, _, ok := strings.Cut(fields[0], "-")
		if !ok {
			continue
		}
		base, err := strconv.ParseUint(start, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("ptrace: maps line %q: %w", sc.Text(), err)
		}
		return base, nil
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%w: %s", ErrModuleNotMapped, path)
}
