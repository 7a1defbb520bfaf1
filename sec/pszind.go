package sec

// PageSize is the granularity SEC bins extents by. jemalloc derives
// this from the host's actual page size; this module fixes it at the
// common x86_64/arm64 value since the page-size-class geometry table
// (sc.c) that would derive it dynamically was not part of the
// retrieved source material (see DESIGN.md).
const PageSize = 4096

// psz2ind maps a page-aligned size to a dense bin index. jemalloc
// buckets page sizes into geometrically-spaced classes (a handful of
// linear steps per power-of-two range) to keep the size-class table
// small even for large max_alloc values; that exact table lives in
// sc.c, which this pack's retrieval did not include. This module uses
// the simpler one-index-per-page-count scheme instead: every distinct
// page count from 1 up to max_alloc's page count gets its own bin.
// That trades a larger bin array for an exact, trivially invertible
// mapping, and preserves every invariant sec.c relies on (a dense
// [0, npsizes) index space, psz2ind(ind2psz(i)) == i).
func psz2ind(size uintptr) int {
	if size == 0 || size%PageSize != 0 {
		panic("sec: size must be a positive multiple of PageSize")
	}
	return int(size/PageSize) - 1
}

// ind2psz inverts psz2ind.
func ind2psz(ind int) uintptr {
	return uintptr(ind+1) * PageSize
}

// pageCeil rounds size up to the next multiple of PageSize (PAGE_FLOOR
// in sec_opts.h rounds max_alloc down; this module rounds configured
// sizes up instead so a caller-supplied max_alloc is never silently
// shrunk below what they asked for).
func pageCeil(size uintptr) uintptr {
	return (size + PageSize - 1) / PageSize * PageSize
}
