package revdb

import (
	"fmt"
	"slices"
	"sort"
)

// store is the fully materialized state of one database: the field schema,
// every live row in position order, and the view configurations. It is the
// deterministic product of applying a database's revision log in order, and
// is only ever mutated under the owning Database's write lock.
//
// Rows keep cells of deleted fields. Those cells are invisible to reads and
// views, but reinserting the field (undo, or a remote replay of an undo)
// brings them back without shipping cell data, so replicas converge.
type store struct {
	db     string
	schema fieldSchema
	rows   map[string]*Row
	order  []*Row // sorted by (Pos, ID)

	views     map[string]*ViewConfig
	viewOrder []string // creation order

	deadRows  map[string]bool
	deadViews map[string]bool
}

func newStore(db string) *store {
	return &store{
		db:        db,
		schema:    newFieldSchema(),
		rows:      make(map[string]*Row),
		views:     make(map[string]*ViewConfig),
		deadRows:  make(map[string]bool),
		deadViews: make(map[string]bool),
	}
}

func (st *store) row(id string) *Row {
	return st.rows[id]
}

// visibleRow clones a row for callers outside the package, stripping cells
// whose field has been deleted.
func (st *store) visibleRow(r *Row) *Row {
	c := &Row{ID: r.ID, Pos: r.Pos}
	if len(r.Cells) > 0 {
		c.Cells = make(map[string]Value, len(r.Cells))
		for id, v := range r.Cells {
			if st.schema.field(id) != nil {
				c.Cells[id] = v.Clone()
			}
		}
	}
	return c
}

func (st *store) view(id string) *ViewConfig {
	return st.views[id]
}

// orderIndex returns the position a row with the given (pos, id) sorts to.
func (st *store) orderIndex(pos, id string) int {
	return sort.Search(len(st.order), func(i int) bool {
		r := st.order[i]
		if r.Pos != pos {
			return r.Pos > pos
		}
		return r.ID >= id
	})
}

func (st *store) orderInsert(r *Row) {
	i := st.orderIndex(r.Pos, r.ID)
	st.order = slices.Insert(st.order, i, r)
}

func (st *store) orderRemove(r *Row) {
	i := st.orderIndex(r.Pos, r.ID)
	if i >= len(st.order) || st.order[i] != r {
		panic(fmt.Sprintf("row %s is not at its ordered position", r.ID))
	}
	st.order = slices.Delete(st.order, i, i+1)
}

// neighbors resolves an after-row anchor into the pair of position tokens a
// fresh token must fall between. An empty afterID anchors before the first
// row. Reports ok=false when the anchor row no longer exists.
func (st *store) neighbors(afterID string) (lo, hi string, ok bool) {
	if afterID == "" {
		if len(st.order) > 0 {
			hi = st.order[0].Pos
		}
		return "", hi, true
	}
	anchor := st.rows[afterID]
	if anchor == nil {
		return "", "", false
	}
	lo = anchor.Pos
	for i := st.orderIndex(anchor.Pos, anchor.ID) + 1; i < len(st.order); i++ {
		if st.order[i].Pos > lo {
			hi = st.order[i].Pos
			return lo, hi, true
		}
	}
	return lo, "", true
}

// tailPos returns bounds for appending after the last row.
func (st *store) tailPos() (lo, hi string) {
	if len(st.order) > 0 {
		lo = st.order[len(st.order)-1].Pos
	}
	return lo, ""
}

// check validates an operation against the current state without mutating it.
// A nil error guarantees the subsequent apply cannot fail.
func (st *store) check(op Op) error {
	switch op := op.(type) {
	case *InsertFieldOp:
		if op.Field == nil {
			return schemaErrf(st.db, "", "", "insertField requires a field")
		}
		if err := checkFieldShape(st.db, op.Field); err != nil {
			return err
		}
		if st.schema.field(op.Field.ID) != nil {
			return schemaErrf(st.db, op.Field.ID, "", "field already exists")
		}
		return nil

	case *UpdateFieldOp:
		f := st.schema.field(op.FieldID)
		if f == nil {
			if st.schema.dead[op.FieldID] {
				return supersededErr(st.db, 0, "field %s was deleted", op.FieldID)
			}
			return notFoundErr(st.db, "field", op.FieldID)
		}
		next := applyFieldPatch(f, op)
		return checkFieldShape(st.db, next)

	case *DeleteFieldOp:
		if st.schema.field(op.FieldID) == nil {
			if st.schema.dead[op.FieldID] {
				return supersededErr(st.db, 0, "field %s was already deleted", op.FieldID)
			}
			return notFoundErr(st.db, "field", op.FieldID)
		}
		return nil

	case *ReorderFieldOp:
		if st.schema.field(op.FieldID) == nil {
			if st.schema.dead[op.FieldID] {
				return supersededErr(st.db, 0, "field %s was deleted", op.FieldID)
			}
			return notFoundErr(st.db, "field", op.FieldID)
		}
		return nil

	case *InsertRowOp:
		if op.Row == nil || op.Row.ID == "" {
			return schemaErrf(st.db, "", "", "insertRow requires a row with an id")
		}
		if st.rows[op.Row.ID] != nil {
			return schemaErrf(st.db, "", op.Row.ID, "row already exists")
		}
		if !validPos(op.Row.Pos) {
			return schemaErrf(st.db, "", op.Row.ID, "invalid position token %q", op.Row.Pos)
		}
		return st.checkCells(op.Row.ID, op.Row.Cells, true)

	case *UpdateCellsOp:
		if err := st.checkRowTarget(op.RowID); err != nil {
			return err
		}
		if len(op.Cells) == 0 {
			return schemaErrf(st.db, "", op.RowID, "updateCells requires at least one cell")
		}
		return st.checkCells(op.RowID, op.Cells, false)

	case *DeleteRowOp:
		return st.checkRowTarget(op.RowID)

	case *MoveRowOp:
		if err := st.checkRowTarget(op.RowID); err != nil {
			return err
		}
		if !validPos(op.Pos) {
			return schemaErrf(st.db, "", op.RowID, "invalid position token %q", op.Pos)
		}
		return nil

	case *ConfigureViewOp:
		if op.View == nil {
			return schemaErrf(st.db, "", "", "configureView requires a view")
		}
		return checkViewShape(st.db, op.View, &st.schema)

	case *DeleteViewOp:
		if st.views[op.ViewID] == nil {
			if st.deadViews[op.ViewID] {
				return supersededErr(st.db, 0, "view %s was already deleted", op.ViewID)
			}
			return notFoundErr(st.db, "view", op.ViewID)
		}
		return nil

	case *RenormalizeOp:
		for id, pos := range op.Pos {
			if !validPos(pos) {
				return schemaErrf(st.db, "", id, "invalid position token %q", pos)
			}
		}
		return nil

	default:
		return schemaErrf(st.db, "", "", "unknown operation kind %v", op.OpKind())
	}
}

func (st *store) checkRowTarget(id string) error {
	if id == "" {
		return schemaErrf(st.db, "", "", "row id must not be empty")
	}
	if st.rows[id] == nil {
		if st.deadRows[id] {
			return supersededErr(st.db, 0, "row %s was deleted", id)
		}
		return notFoundErr(st.db, "row", id)
	}
	return nil
}

// checkCells validates cell values against live fields. When allowDead is
// set, cells on deleted fields pass through unvalidated; row reinsertion via
// undo carries such cells.
func (st *store) checkCells(rowID string, cells map[string]Value, allowDead bool) error {
	for fieldID, v := range cells {
		f := st.schema.field(fieldID)
		if f == nil {
			if allowDead && st.schema.dead[fieldID] {
				continue
			}
			return notFoundErr(st.db, "field", fieldID)
		}
		if err := checkValue(st.db, f, rowID, v); err != nil {
			return err
		}
	}
	return nil
}

// apply mutates the store per the revision's operation and returns the
// resulting delta. The operation must have passed check against this exact
// state; failures here mean the log no longer matches the code and surface
// as corruption during replay.
func (st *store) apply(rev *Revision) (*Delta, error) {
	if err := st.check(rev.Op); err != nil {
		return nil, err
	}
	d := &Delta{DB: st.db, Seq: rev.Seq, Origin: rev.Origin, Op: rev.Op.OpKind()}

	switch op := rev.Op.(type) {
	case *InsertFieldOp:
		f := op.Field.Clone()
		at := st.schema.insert(f, op.At)
		d.Fields = append(d.Fields, FieldChange{Kind: ChangeInsert, Field: f.Clone(), At: at, OldAt: -1})

	case *UpdateFieldOp:
		old := st.schema.field(op.FieldID)
		next := applyFieldPatch(old, op)
		st.coerceField(d, old, next)
		at := st.schema.indexOf(op.FieldID)
		st.schema.fields[at] = next
		st.schema.byID[op.FieldID] = next
		d.Fields = append(d.Fields, FieldChange{Kind: ChangeUpdate, Field: next.Clone(), OldField: old.Clone(), At: at, OldAt: at})

	case *DeleteFieldOp:
		old, at := st.schema.remove(op.FieldID)
		d.Fields = append(d.Fields, FieldChange{Kind: ChangeDelete, OldField: old.Clone(), At: -1, OldAt: at})
		st.stripViewsOfField(d, op.FieldID)

	case *ReorderFieldOp:
		from, to := st.schema.move(op.FieldID, op.To)
		d.Fields = append(d.Fields, FieldChange{Kind: ChangeMove, Field: st.schema.field(op.FieldID).Clone(), At: to, OldAt: from})

	case *InsertRowOp:
		r := op.Row.Clone()
		st.rows[r.ID] = r
		st.orderInsert(r)
		delete(st.deadRows, r.ID)
		d.Rows = append(d.Rows, RowChange{Kind: ChangeInsert, Row: st.visibleRow(r)})

	case *UpdateCellsOp:
		r := st.rows[op.RowID]
		oldRow := r.Clone()
		ids := make([]string, 0, len(op.Cells))
		for fieldID, v := range op.Cells {
			r.setCell(fieldID, v)
			ids = append(ids, fieldID)
		}
		sort.Strings(ids)
		d.Rows = append(d.Rows, RowChange{Kind: ChangeUpdate, Row: st.visibleRow(r), OldRow: st.visibleRow(oldRow), CellIDs: ids})

	case *DeleteRowOp:
		r := st.rows[op.RowID]
		st.orderRemove(r)
		delete(st.rows, op.RowID)
		st.deadRows[op.RowID] = true
		d.Rows = append(d.Rows, RowChange{Kind: ChangeDelete, OldRow: st.visibleRow(r)})

	case *MoveRowOp:
		r := st.rows[op.RowID]
		oldRow := r.Clone()
		st.orderRemove(r)
		r.Pos = op.Pos
		st.orderInsert(r)
		d.Rows = append(d.Rows, RowChange{Kind: ChangeMove, Row: st.visibleRow(r), OldRow: st.visibleRow(oldRow)})

	case *ConfigureViewOp:
		v := op.View.Clone()
		if old := st.views[v.ID]; old != nil {
			st.views[v.ID] = v
			d.Views = append(d.Views, ViewChange{Kind: ChangeUpdate, View: v.Clone(), OldView: old})
		} else {
			st.views[v.ID] = v
			st.viewOrder = append(st.viewOrder, v.ID)
			delete(st.deadViews, v.ID)
			d.Views = append(d.Views, ViewChange{Kind: ChangeInsert, View: v.Clone()})
		}

	case *DeleteViewOp:
		old := st.views[op.ViewID]
		delete(st.views, op.ViewID)
		st.viewOrder = slices.DeleteFunc(st.viewOrder, func(id string) bool { return id == op.ViewID })
		st.deadViews[op.ViewID] = true
		d.Views = append(d.Views, ViewChange{Kind: ChangeDelete, OldView: old})

	case *RenormalizeOp:
		ids := make([]string, 0, len(op.Pos))
		for id := range op.Pos {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			r := st.rows[id]
			if r == nil || r.Pos == op.Pos[id] {
				continue
			}
			oldRow := r.Clone()
			st.orderRemove(r)
			r.Pos = op.Pos[id]
			st.orderInsert(r)
			d.Rows = append(d.Rows, RowChange{Kind: ChangeMove, Row: st.visibleRow(r), OldRow: st.visibleRow(oldRow)})
		}

	default:
		return nil, corruptErr(st.db, rev.Seq, nil, "unknown operation kind %v", rev.Op.OpKind())
	}
	return d, nil
}

// applyFieldPatch builds the post-update field without touching the old one.
func applyFieldPatch(f *Field, op *UpdateFieldOp) *Field {
	next := f.Clone()
	if op.Name != nil {
		next.Name = *op.Name
	}
	if op.Type != nil {
		next.Type = *op.Type
	}
	if op.Options != nil {
		next.Options = slices.Clone(*op.Options)
	}
	if op.Hidden != nil {
		next.Hidden = *op.Hidden
	}
	return next
}

// coerceField rewrites every affected cell when a field changes type or loses
// select options, recording per-row changes and coercion losses in the delta.
func (st *store) coerceField(d *Delta, old, next *Field) {
	if old.Type == next.Type && slices.Equal(old.Options, next.Options) {
		return
	}
	for _, r := range st.order {
		v, ok := r.Cells[old.ID]
		if !ok || v.IsEmpty() {
			continue
		}
		cv, lost := coerceValue(v, old, next)
		if !lost && cv.Equal(v) {
			continue
		}
		oldRow := r.Clone()
		r.setCell(old.ID, cv)
		d.Rows = append(d.Rows, RowChange{Kind: ChangeUpdate, Row: st.visibleRow(r), OldRow: st.visibleRow(oldRow), CellIDs: []string{old.ID}})
		if lost {
			d.Coercions = append(d.Coercions, CoercionLoss{RowID: r.ID, FieldID: old.ID, Old: v.Clone()})
		}
	}
}

// stripViewsOfField drops filter, sort and grouping rules that referenced a
// deleted field, recording a view change for every affected view.
func (st *store) stripViewsOfField(d *Delta, fieldID string) {
	for _, id := range st.viewOrder {
		v := st.views[id]
		old := v.Clone()
		if changed, _ := v.stripField(fieldID); changed {
			d.Views = append(d.Views, ViewChange{Kind: ChangeUpdate, View: v.Clone(), OldView: old})
		}
	}
}

// storeSnapshot is the msgpack shape of a serialized store.
type storeSnapshot struct {
	Fields     []*Field      `msgpack:"f"`
	DeadFields []string      `msgpack:"df,omitempty"`
	Rows       []*Row        `msgpack:"r"`
	DeadRows   []string      `msgpack:"dr,omitempty"`
	Views      []*ViewConfig `msgpack:"v,omitempty"`
	DeadViews  []string      `msgpack:"dv,omitempty"`
}

func (st *store) snapshot() ([]byte, error) {
	snap := storeSnapshot{
		Fields:     st.schema.fields,
		DeadFields: sortedKeys(st.schema.dead),
		Rows:       st.order,
		DeadRows:   sortedKeys(st.deadRows),
		DeadViews:  sortedKeys(st.deadViews),
	}
	for _, id := range st.viewOrder {
		snap.Views = append(snap.Views, st.views[id])
	}
	return encodeMsgpack(&snap)
}

func (st *store) restore(data []byte) error {
	var snap storeSnapshot
	if err := decodeMsgpack(data, &snap); err != nil {
		return err
	}
	st.schema = newFieldSchema()
	for _, f := range snap.Fields {
		st.schema.insert(f, len(st.schema.fields))
	}
	for _, id := range snap.DeadFields {
		st.schema.dead[id] = true
	}
	st.rows = make(map[string]*Row, len(snap.Rows))
	st.order = st.order[:0]
	for _, r := range snap.Rows {
		st.rows[r.ID] = r
		st.order = append(st.order, r)
	}
	sort.Slice(st.order, func(i, j int) bool {
		a, b := st.order[i], st.order[j]
		if a.Pos != b.Pos {
			return a.Pos < b.Pos
		}
		return a.ID < b.ID
	})
	st.deadRows = make(map[string]bool, len(snap.DeadRows))
	for _, id := range snap.DeadRows {
		st.deadRows[id] = true
	}
	st.views = make(map[string]*ViewConfig, len(snap.Views))
	st.viewOrder = st.viewOrder[:0]
	for _, v := range snap.Views {
		st.views[v.ID] = v
		st.viewOrder = append(st.viewOrder, v.ID)
	}
	st.deadViews = make(map[string]bool, len(snap.DeadViews))
	for _, id := range snap.DeadViews {
		st.deadViews[id] = true
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
