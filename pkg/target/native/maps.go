// Package native implements the OS control layer on top of ptrace(2). It
// is only functional on linux/amd64; other platforms get a stub that fails
// every operation.
package native

import (
	"bufio"
	"io"
	"sort"
	"strconv"
	"strings"
)

// mapping is a file backed image found in /proc/<pid>/maps.
type mapping struct {
	path      string
	base, end uint64
}

// parseMaps returns the images mapped by a process: every file that has a
// mapping at file offset zero, spanning all the mappings of that file. The
// result is sorted by base address. stackEnd is the top of the [stack]
// mapping, or zero.
func parseMaps(r io.Reader) (images []mapping, stackEnd uint64) {
	byPath := map[string]*mapping{}
	s := bufio.NewScanner(r)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 5 {
			continue
		}
		dash := strings.IndexByte(fields[0], '-')
		if dash < 0 {
			continue
		}
		start, err1 := strconv.ParseUint(fields[0][:dash], 16, 64)
		end, err2 := strconv.ParseUint(fields[0][dash+1:], 16, 64)
		off, err3 := strconv.ParseUint(fields[2], 16, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		path := ""
		if len(fields) >= 6 {
			path = strings.Join(fields[5:], " ")
		}
		if path == "[stack]" {
			stackEnd = end
			continue
		}
		if fields[4] == "0" || !strings.HasPrefix(path, "/") {
			continue
		}
		m := byPath[path]
		if m == nil {
			if off != 0 {
				continue
			}
			m = &mapping{path: path, base: start, end: end}
			byPath[path] = m
			continue
		}
		if start < m.base && off == 0 {
			m.base = start
		}
		if end > m.end {
			m.end = end
		}
	}
	for _, m := range byPath {
		images = append(images, *m)
	}
	sort.Slice(images, func(i, j int) bool { return images[i].base < images[j].base })
	return images, stackEnd
}
