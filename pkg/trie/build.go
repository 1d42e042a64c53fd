package trie

import (
	"bytes"
	"sort"

	"github.com/blacktop/ld64/types"
)

// ExportInfo is a single exported name and its trie payload, the
// write-side counterpart of TrieEntry.
type ExportInfo struct {
	Name    string
	Flags   types.ExportFlag
	Offset  uint64 // vmaddr offset from the image base, or dylib ordinal for re-exports
	Other   uint64 // resolver stub offset when StubAndResolver is set
	Import  string // re-exported symbol name, when ReExport is set
}

type edge struct {
	label string
	node  *node
}

type node struct {
	entry    *ExportInfo
	edges    []edge
	offset   uint64 // filled in by layout()
	rawSize  int    // size of this node's own bytes, excluding children
}

// Builder accumulates exported names and serializes them into the
// compact prefix trie dyld's export-trie opcode reader expects.
type Builder struct {
	root *node
}

func NewBuilder() *Builder {
	return &Builder{root: &node{}}
}

func (b *Builder) Add(e ExportInfo) {
	insert(b.root, e.Name, e)
}

func insert(n *node, name string, e ExportInfo) {
	for i := range n.edges {
		ed := &n.edges[i]
		common := commonPrefixLen(ed.label, name)
		if common == 0 {
			continue
		}
		if common == len(ed.label) {
			insert(ed.node, name[common:], e)
			return
		}
		// split the edge
		mid := &node{
			edges: []edge{{label: ed.label[common:], node: ed.node}},
		}
		ed.label = ed.label[:common]
		ed.node = mid
		insert(mid, name[common:], e)
		return
	}
	if name == "" {
		v := e
		n.entry = &v
		return
	}
	n.edges = append(n.edges, edge{label: name, node: &node{entry: cloneEntry(e)}})
}

func cloneEntry(e ExportInfo) *ExportInfo {
	v := e
	return &v
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func sortEdges(n *node) {
	sort.Slice(n.edges, func(i, j int) bool { return n.edges[i].label < n.edges[j].label })
	for _, ed := range n.edges {
		sortEdges(ed.node)
	}
}

func terminalBytes(e *ExportInfo) []byte {
	var buf bytes.Buffer
	writeUleb128(&buf, uint64(e.Flags))
	if e.Flags.ReExport() {
		writeUleb128(&buf, e.Offset)
		buf.WriteString(e.Import)
		buf.WriteByte(0)
	} else {
		if e.Flags.StubAndResolver() {
			writeUleb128(&buf, e.Other)
		}
		writeUleb128(&buf, e.Offset)
	}
	return buf.Bytes()
}

// nodeSize computes this node's own encoded size (terminal + child count +
// per-child (label, ULEB128 offset) pairs), given each child's offset is
// already known to be small enough to fit the ULEB128 width assumed by a
// prior pass. Two calls with growing offsets converge because ULEB128
// widths only grow monotonically with value; the same fixpoint the
// teacher's own ULEB reader assumes when it treats stream length as fixed
// after the first pass.
func nodeSize(n *node) int {
	size := 0
	if n.entry != nil {
		tb := terminalBytes(n.entry)
		size += ulebSize(uint64(len(tb))) + len(tb)
	} else {
		size += 1 // terminal size 0
	}
	size++ // child count byte
	for _, ed := range n.edges {
		size += len(ed.label) + 1 // label + NUL
		size += ulebSize(ed.node.offset)
	}
	return size
}

// layout assigns byte offsets to every node with a fixpoint iteration:
// offsets only grow, and ULEB128 width is monotonic in value, so a few
// passes converge to a stable assignment.
func layout(root *node) {
	var all []*node
	var walk func(n *node)
	walk = func(n *node) {
		all = append(all, n)
		for _, ed := range n.edges {
			walk(ed.node)
		}
	}
	walk(root)

	for pass := 0; pass < len(all)+1; pass++ {
		changed := false
		offset := uint64(0)
		for _, n := range all {
			if n.offset != offset {
				changed = true
			}
			n.offset = offset
			offset += uint64(nodeSize(n))
		}
		if !changed {
			break
		}
	}
}

// Build serializes the trie in pre-order, matching the layout offsets
// exactly (spec.md §4.7 item 4: "two-pass: size, then emit").
func (b *Builder) Build() []byte {
	sortEdges(b.root)
	layout(b.root)

	var all []*node
	var walk func(n *node)
	walk = func(n *node) {
		all = append(all, n)
		for _, ed := range n.edges {
			walk(ed.node)
		}
	}
	walk(b.root)

	var out bytes.Buffer
	for _, n := range all {
		if n.entry != nil {
			tb := terminalBytes(n.entry)
			writeUleb128(&out, uint64(len(tb)))
			out.Write(tb)
		} else {
			writeUleb128(&out, 0)
		}
		out.WriteByte(byte(len(n.edges)))
		for _, ed := range n.edges {
			out.WriteString(ed.label)
			out.WriteByte(0)
			writeUleb128(&out, ed.node.offset)
		}
	}
	return out.Bytes()
}

// Size predicts the serialized size without emitting bytes, letting the
// caller reserve LINKEDIT space before the second pass runs.
func (b *Builder) Size() int {
	sortEdges(b.root)
	layout(b.root)
	total := 0
	var walk func(n *node)
	walk = func(n *node) {
		total += nodeSize(n)
		for _, ed := range n.edges {
			walk(ed.node)
		}
	}
	walk(b.root)
	return total
}

func writeUleb128(buf *bytes.Buffer, v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

func ulebSize(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
