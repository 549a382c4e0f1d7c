package coordinator

import (
	"hash/fnv"
	"sort"
	"sync"

	"replistore/pkg/types"
)

const indexShards = 32

// shard guards one stripe of the index. pending holds the quorum a store or
// remove on a filename is waiting for; the record state tells which.
type shard struct {
	mu      sync.Mutex
	records map[string]*types.FileRecord
	pending map[string]*quorum
}

// index is the file table, striped so unrelated filenames do not contend.
type index struct {
	shards [indexShards]*shard
}

func newIndex() *index {
	ix := &index{}
	for i := range ix.shards {
		ix.shards[i] = &shard{
			records: make(map[string]*types.FileRecord),
			pending: make(map[string]*quorum),
		}
	}
	return ix
}

func (ix *index) shard(filename string) *shard {
	h := fnv.New32a()
	h.Write([]byte(filename))
	return ix.shards[h.Sum32()%indexShards]
}

func (ix *index) get(filename string) (types.FileRecord, bool) {
	sh := ix.shard(filename)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[filename]
	if !ok {
		return types.FileRecord{}, false
	}
	return *rec, true
}

// snapshot copies every record, sorted by name.
func (ix *index) snapshot() []types.FileRecord {
	var records []types.FileRecord
	for _, sh := range ix.shards {
		sh.mu.Lock()
		for _, rec := range sh.records {
			records = append(records, *rec)
		}
		sh.mu.Unlock()
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records
}

// visible returns the sorted names of every file in the store complete state.
func (ix *index) visible() []string {
	var names []string
	for _, rec := range ix.snapshot() {
		if rec.Visible() {
			names = append(names, rec.Name)
		}
	}
	return names
}

// retain drops every record keep rejects and returns how many were dropped.
func (ix *index) retain(keep func(types.FileRecord) bool) int {
	dropped := 0
	for _, sh := range ix.shards {
		sh.mu.Lock()
		for name, rec := range sh.records {
			if !keep(*rec) {
				delete(sh.records, name)
				dropped++
			}
		}
		sh.mu.Unlock()
	}
	return dropped
}

// complete moves the named records to the store complete state.
func (ix *index) complete(filenames []string) {
	for _, name := range filenames {
		sh := ix.shard(name)
		sh.mu.Lock()
		if rec, ok := sh.records[name]; ok {
			rec.State = types.StoreComplete
		}
		sh.mu.Unlock()
	}
}
