package coordinator

import (
	"sort"
	"sync"

	"replistore/pkg/protocol"
	"replistore/pkg/types"
)

// NodeLink carries controller instructions to a registered node.
type NodeLink interface {
	Send(cmd protocol.Command) error
}

type nodeHandle struct {
	id   types.NodeID
	link NodeLink
	// files is what the controller believes the node holds.
	files map[string]bool
}

type registry struct {
	mu    sync.RWMutex
	nodes map[types.NodeID]*nodeHandle
}

func newRegistry() *registry {
	return &registry{nodes: make(map[types.NodeID]*nodeHandle)}
}

// add registers id, replacing any previous registration under the same
// identity. It reports whether a registration was replaced.
func (r *registry) add(id types.NodeID, link NodeLink) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced := r.nodes[id]
	r.nodes[id] = &nodeHandle{id: id, link: link, files: make(map[string]bool)}
	return replaced
}

// remove drops id if it is still registered through link.
func (r *registry) remove(id types.NodeID, link NodeLink) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.nodes[id]
	if !ok || h.link != link {
		return false
	}
	delete(r.nodes, id)
	return true
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func (r *registry) ids() []types.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]types.NodeID, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	types.SortNodeIDs(ids)
	return ids
}

func (r *registry) link(id types.NodeID) (NodeLink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.nodes[id]
	if !ok {
		return nil, false
	}
	return h.link, true
}

// holders returns the registered nodes believed to hold filename, sorted.
func (r *registry) holders(filename string) []types.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []types.NodeID
	for id, h := range r.nodes {
		if h.files[filename] {
			ids = append(ids, id)
		}
	}
	types.SortNodeIDs(ids)
	return ids
}

func (r *registry) addFile(filename string, ids []types.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if h, ok := r.nodes[id]; ok {
			h.files[filename] = true
		}
	}
}

func (r *registry) removeFile(filename string, ids []types.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if h, ok := r.nodes[id]; ok {
			delete(h.files, filename)
		}
	}
}

// commit replaces the believed file set of every node in view.
func (r *registry) commit(view map[types.NodeID][]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, files := range view {
		h, ok := r.nodes[id]
		if !ok {
			continue
		}
		h.files = make(map[string]bool, len(files))
		for _, f := range files {
			h.files[f] = true
		}
	}
}

// files returns the believed file set of id, sorted.
func (r *registry) files(id types.NodeID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.nodes[id]
	if !ok {
		return nil
	}
	files := make([]string, 0, len(h.files))
	for f := range h.files {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}
