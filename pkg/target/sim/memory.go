package sim

import (
	"sort"

	"github.com/radctl/radctl/pkg/target"
)

const pageSize = 0x1000

type perm uint8

const (
	permRead perm = 1 << iota
	permWrite
	permExec

	permRW  = permRead | permWrite
	permRX  = permRead | permExec
	permRWX = permRead | permWrite | permExec
)

// region is a committed range of the address space. Permissions are kept
// per page.
type region struct {
	base  uint64
	data  []byte
	perms []perm
}

func (r *region) end() uint64 { return r.base + uint64(len(r.data)) }

func (r *region) perm(addr uint64) perm {
	return r.perms[(addr-r.base)/pageSize]
}

// addressSpace is the memory of one simulated process: a sorted list of
// non overlapping regions.
type addressSpace struct {
	regions []*region
}

func alignUp(n uint64) uint64 { return (n + pageSize - 1) &^ (pageSize - 1) }

// mapRegion commits size bytes at base, which must be page aligned and
// free, with every page set to p.
func (as *addressSpace) mapRegion(base uint64, size uint64, p perm) *region {
	size = alignUp(size)
	r := &region{base: base, data: make([]byte, size), perms: make([]perm, size/pageSize)}
	for i := range r.perms {
		r.perms[i] = p
	}
	i := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].base > base })
	as.regions = append(as.regions, nil)
	copy(as.regions[i+1:], as.regions[i:])
	as.regions[i] = r
	return r
}

// unmap removes the region starting at base.
func (as *addressSpace) unmap(base uint64) (*region, bool) {
	for i, r := range as.regions {
		if r.base == base {
			as.regions = append(as.regions[:i], as.regions[i+1:]...)
			return r, true
		}
	}
	return nil, false
}

func (as *addressSpace) find(addr uint64) *region {
	i := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].end() > addr })
	if i < len(as.regions) && as.regions[i].base <= addr {
		return as.regions[i]
	}
	return nil
}

// free reports whether [base, base+size) overlaps no region.
func (as *addressSpace) free(base, size uint64) bool {
	for _, r := range as.regions {
		if base < r.end() && r.base < base+size {
			return false
		}
	}
	return true
}

// access copies between buf and the address space starting at addr. It
// stops at the first byte that is unmapped or lacks want and returns the
// number of bytes copied together with the failing address.
func (as *addressSpace) access(addr uint64, buf []byte, want perm, write bool) (int, uint64, bool) {
	n := 0
	for n < len(buf) {
		a := addr + uint64(n)
		r := as.find(a)
		if r == nil {
			return n, a, false
		}
		for a < r.end() && n < len(buf) {
			if r.perm(a)&want != want {
				return n, a, false
			}
			pageEnd := (a &^ (pageSize - 1)) + pageSize
			if pageEnd > r.end() {
				pageEnd = r.end()
			}
			chunk := int(pageEnd - a)
			if chunk > len(buf)-n {
				chunk = len(buf) - n
			}
			off := a - r.base
			if write {
				copy(r.data[off:], buf[n:n+chunk])
			} else {
				copy(buf[n:n+chunk], r.data[off:])
			}
			n += chunk
			a += uint64(chunk)
		}
	}
	return n, 0, true
}

// read reads on behalf of the debugger, ignoring page permissions.
func (as *addressSpace) read(addr uint64, buf []byte) (int, error) {
	n, bad, ok := as.access(addr, buf, 0, false)
	if !ok {
		return n, target.InvalidAddressError{Address: bad}
	}
	return n, nil
}

// write writes on behalf of the debugger, ignoring page permissions.
func (as *addressSpace) write(addr uint64, data []byte) error {
	_, bad, ok := as.access(addr, data, 0, true)
	if !ok {
		return target.InvalidAddressError{Address: bad}
	}
	return nil
}
