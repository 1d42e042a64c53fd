// Package strtab implements the string interner shared by every
// linker-internal owner of a name: symbols, atoms, segments and sections.
package strtab

// Table is an append-only byte arena. Every Add returns a stable offset
// into the arena's backing buffer; offsets never change once issued, so
// they can be stored anywhere in the linker's index-based data model.
type Table struct {
	buf  []byte
	seen map[string]uint32
}

// New returns a Table whose offset 0 holds the empty string, matching the
// LINKEDIT string-table convention that offset 0 is always "".
func New() *Table {
	t := &Table{
		buf:  make([]byte, 1, 4096),
		seen: make(map[string]uint32),
	}
	t.buf[0] = 0
	return t
}

// Add interns s, returning its offset. Repeated calls with the same
// string return the same offset without growing the arena.
func (t *Table) Add(s string) uint32 {
	if s == "" {
		return 0
	}
	if off, ok := t.seen[s]; ok {
		return off
	}
	off := uint32(len(t.buf))
	t.buf = append(t.buf, s...)
	t.buf = append(t.buf, 0)
	t.seen[s] = off
	return off
}

// String returns the NUL-terminated string starting at off.
func (t *Table) String(off uint32) string {
	if int(off) >= len(t.buf) {
		return ""
	}
	end := off
	for end < uint32(len(t.buf)) && t.buf[end] != 0 {
		end++
	}
	return string(t.buf[off:end])
}

// Len returns the current size of the arena in bytes.
func (t *Table) Len() int { return len(t.buf) }

// Bytes returns the raw backing buffer, ready to be written verbatim as
// the LINKEDIT string table.
func (t *Table) Bytes() []byte { return t.buf }
