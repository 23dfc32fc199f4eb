package memoryjar

import (
	"sort"
	"time"
)

// metadataRef describes one record file known to the index
type metadataRef struct {
	name    string
	modTime time.Time
	size    int64
}

// metadataIndex mirrors the disk layer's content as a sequence of record
// references sorted ascending by modification time, so the front is always
// the least recently used record. The index is not synchronized; callers
// serialize access through the jar's disk barrier.
type metadataIndex struct {
	refs      []*metadataRef
	byName    map[string]*metadataRef
	totalSize int64

	lastUpdated time.Time
	hasBaseline bool
	granularity time.Duration
}

func newMetadataIndex(granularity time.Duration) *metadataIndex {
	return &metadataIndex{
		refs:        []*metadataRef{},
		byName:      map[string]*metadataRef{},
		totalSize:   0,
		granularity: granularity,
	}
}

// NeedsRefresh reports whether the index can no longer be trusted: it has no
// baseline yet, or the cache root's modification time advanced at least one
// timestamp granularity past the last update made through this index.
// Directory timestamps are coarse on most filesystems, so this is a best
// effort signal for external writers, not a lock.
func (index *metadataIndex) NeedsRefresh(rootModTime time.Time) bool {
	if !index.hasBaseline {
		return true
	}

	return rootModTime.Sub(index.lastUpdated) >= index.granularity
}

// Rebuild replaces the index content with the given records and takes the
// cache root modification time as the new baseline
func (index *metadataIndex) Rebuild(refs []metadataRef, rootModTime time.Time) {
	index.refs = make([]*metadataRef, 0, len(refs))
	index.byName = make(map[string]*metadataRef, len(refs))
	index.totalSize = 0

	for i := range refs {
		ref := refs[i]
		index.refs = append(index.refs, &ref)
		index.byName[ref.name] = &ref
		index.totalSize += ref.size
	}

	sort.SliceStable(index.refs, func(i int, j int) bool {
		return index.refs[i].modTime.Before(index.refs[j].modTime)
	})

	index.MarkUpdated(rootModTime)
}

// Insert adds a record reference, replacing any reference already held under
// the same name. References with equal modification times keep insertion
// order, newest behind.
func (index *metadataIndex) Insert(ref metadataRef) {
	index.RemoveByName(ref.name)

	pos := sort.Search(len(index.refs), func(i int) bool {
		return index.refs[i].modTime.After(ref.modTime)
	})

	index.refs = append(index.refs, nil)
	copy(index.refs[pos+1:], index.refs[pos:])
	index.refs[pos] = &ref
	index.byName[ref.name] = &ref
	index.totalSize += ref.size
}

// RemoveByName drops the reference held for a record name and returns it
func (index *metadataIndex) RemoveByName(name string) *metadataRef {
	ref, ok := index.byName[name]
	if !ok {
		return nil
	}

	pos := sort.Search(len(index.refs), func(i int) bool {
		return !index.refs[i].modTime.Before(ref.modTime)
	})

	for pos < len(index.refs) && index.refs[pos] != ref {
		pos++
	}

	if pos < len(index.refs) {
		index.refs = append(index.refs[:pos], index.refs[pos+1:]...)
	}

	delete(index.byName, name)
	index.totalSize -= ref.size
	return ref
}

// PopFront removes and returns the least recently used record reference
func (index *metadataIndex) PopFront() *metadataRef {
	if len(index.refs) == 0 {
		return nil
	}

	ref := index.refs[0]
	index.refs = index.refs[1:]
	delete(index.byName, ref.name)
	index.totalSize -= ref.size
	return ref
}

// Touch moves a known record reference to its new position after its file
// modification time changed
func (index *metadataIndex) Touch(name string, modTime time.Time) bool {
	ref := index.RemoveByName(name)
	if ref == nil {
		return false
	}

	index.Insert(metadataRef{
		name:    name,
		modTime: modTime,
		size:    ref.size,
	})
	return true
}

func (index *metadataIndex) GetRecordCount() int {
	return len(index.refs)
}

func (index *metadataIndex) GetTotalSize() int64 {
	return index.totalSize
}

// MarkUpdated records the cache root modification time observed right after
// a mutation made through this engine
func (index *metadataIndex) MarkUpdated(rootModTime time.Time) {
	index.lastUpdated = rootModTime
	index.hasBaseline = true
}

// Reset empties the index and drops the baseline, so the next refresh check
// rebuilds from the directory content
func (index *metadataIndex) Reset() {
	index.refs = []*metadataRef{}
	index.byName = map[string]*metadataRef{}
	index.totalSize = 0
	index.lastUpdated = time.Time{}
	index.hasBaseline = false
}
