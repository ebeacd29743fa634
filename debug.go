package revdb

import (
	"fmt"
	"strings"
)

// DumpFlags select which parts of a database Dump renders.
type DumpFlags uint64

const (
	DumpSchema = DumpFlags(1 << iota)
	DumpRows
	DumpViews
	DumpProjections
	DumpStats

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the database state as text, for debugging and the dump CLI
// command. The output is deterministic: rows come in grid order, cells in
// field order.
func (db *Database) Dump(f DumpFlags) string {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var buf strings.Builder
	fmt.Fprintln(&buf, dumpSep1)
	fmt.Fprintf(&buf, "%s (tail %d, floor %d)\n", db.id, db.tail, db.floor)

	if f.Contains(DumpStats) {
		undo, redo := db.undo.depths()
		fmt.Fprintf(&buf, "%s.stats: fields = %d, rows = %d (%d dead), views = %d (%d dead), undo = %d, redo = %d\n",
			db.id, len(db.store.schema.fields),
			len(db.store.rows), len(db.store.deadRows),
			len(db.store.views), len(db.store.deadViews),
			undo, redo)
	}

	if f.Contains(DumpSchema) {
		fmt.Fprintln(&buf, dumpSep2)
		for i, fl := range db.store.schema.fields {
			db.dumpField(&buf, i+1, fl)
		}
	}

	if f.Contains(DumpRows) {
		fmt.Fprintln(&buf, dumpSep2)
		for i, r := range db.store.order {
			db.dumpRow(&buf, i+1, r)
		}
	}

	if f.Contains(DumpViews) {
		for _, id := range db.store.viewOrder {
			db.dumpView(&buf, f, db.store.views[id])
		}
	}
	return buf.String()
}

func (db *Database) dumpField(w *strings.Builder, pos int, f *Field) {
	fmt.Fprintf(w, "%s.f.%d = %s %q (%s)", db.id, pos, f.Type, f.Name, f.ID)
	if f.Hidden {
		w.WriteString(" hidden")
	}
	if len(f.Options) > 0 {
		w.WriteString(" [")
		for i, opt := range f.Options {
			if i > 0 {
				w.WriteByte(' ')
			}
			fmt.Fprintf(w, "%s=%q", opt.ID, opt.Name)
		}
		w.WriteByte(']')
	}
	w.WriteByte('\n')
}

func (db *Database) dumpRow(w *strings.Builder, pos int, r *Row) {
	fmt.Fprintf(w, "%s.r.%d = %s @%s", db.id, pos, r.ID, r.Pos)
	for _, f := range db.store.schema.fields {
		if v, ok := r.Cells[f.ID]; ok && !v.IsEmpty() {
			fmt.Fprintf(w, " %s=%s", f.ID, v)
		}
	}
	w.WriteByte('\n')
}

func (db *Database) dumpView(w *strings.Builder, f DumpFlags, v *ViewConfig) {
	fmt.Fprintln(w, dumpSep2)
	fmt.Fprintf(w, "%s.v.%s = %s %q (%s)", db.id, v.ID, v.Kind, v.Name, v.ID)
	for _, flt := range v.Filters {
		fmt.Fprintf(w, " where(%s %s %s)", flt.Field, flt.Op, flt.Value)
	}
	for _, srt := range v.Sorts {
		dir := "asc"
		if srt.Desc {
			dir = "desc"
		}
		fmt.Fprintf(w, " sort(%s %s)", srt.Field, dir)
	}
	if v.GroupBy != "" {
		fmt.Fprintf(w, " group(%s)", v.GroupBy)
	}
	if len(v.HiddenFields) > 0 {
		fmt.Fprintf(w, " hide(%s)", strings.Join(v.HiddenFields, " "))
	}
	w.WriteByte('\n')

	if !f.Contains(DumpProjections) {
		return
	}
	vs := db.views[v.ID]
	if vs == nil {
		return
	}
	p := vs.snapshot()
	state := ""
	if p.Stale {
		state = " STALE"
	}
	fmt.Fprintf(w, "%s.v.%s.projection (seq %d)%s\n", db.id, v.ID, p.Seq, state)
	if p.Groups != nil {
		for _, g := range p.Groups {
			fmt.Fprintf(w, "%s.v.%s.g[%s] = %s\n", db.id, v.ID, g.Key, strings.Join(g.RowIDs, " "))
		}
	} else {
		fmt.Fprintf(w, "%s.v.%s.rows = %s\n", db.id, v.ID, strings.Join(p.RowIDs, " "))
	}
}
