package revdb

import (
	"fmt"
	"maps"
	"slices"
	"sort"
)

// transformOp rebases an incoming operation against one committed revision it
// has not seen. The store must be at tail state; it is consulted for position
// re-anchoring only and never mutated. The returned op may be the input
// unchanged, a rewritten copy, or nil together with a SupersededError when the
// prior revision leaves nothing for the op to do.
//
// Supersessions report committed revisions whose visible effect this op will
// override once committed (the op is later, so it wins). Coercion losses
// report incoming cell values degraded to fit a concurrently changed field.
// WinnerSeq of each supersession is stamped by the caller once the op gets
// its sequence number.
func transformOp(op Op, prior *Revision, st *store) (Op, []Supersession, []CoercionLoss, error) {
	switch op := op.(type) {
	case *InsertFieldOp:
		return transformInsertField(op, prior, st)
	case *UpdateFieldOp:
		return transformUpdateField(op, prior, st)
	case *DeleteFieldOp:
		return transformDeleteField(op, prior, st)
	case *ReorderFieldOp:
		return transformReorderField(op, prior, st)
	case *InsertRowOp:
		return transformInsertRow(op, prior, st)
	case *UpdateCellsOp:
		return transformUpdateCells(op, prior, st)
	case *DeleteRowOp:
		return transformDeleteRow(op, prior, st)
	case *MoveRowOp:
		return transformMoveRow(op, prior, st)
	case *ConfigureViewOp:
		return transformConfigureView(op, prior, st)
	case *DeleteViewOp:
		return transformDeleteView(op, prior, st)
	case *RenormalizeOp:
		return transformRenormalize(op, prior, st)
	default:
		return nil, nil, nil, schemaErrf(st.db, "", "", "unknown operation kind %v", op.OpKind())
	}
}

// Field indexes carried by field ops are correct as of the op's own commit
// state (the convenience constructors compute them under the write lock and
// transform keeps them current), so they can be shifted mechanically.

func indexAfterInsert(idx, at int) int {
	if at >= 0 && at <= idx {
		return idx + 1
	}
	return idx
}

func indexAfterDelete(idx, at int) int {
	if at >= 0 && at < idx {
		return idx - 1
	}
	return idx
}

func indexAfterMove(idx, from, to int) int {
	return indexAfterInsert(indexAfterDelete(idx, from), to)
}

func transformInsertField(op *InsertFieldOp, prior *Revision, st *store) (Op, []Supersession, []CoercionLoss, error) {
	switch p := prior.Op.(type) {
	case *InsertFieldOp:
		if p.Field.ID == op.Field.ID {
			return nil, nil, nil, supersededErr(st.db, prior.Seq, "field %s already inserted", op.Field.ID)
		}
		if at := indexAfterInsert(op.At, p.At); at != op.At {
			op = &InsertFieldOp{Field: op.Field, At: at}
		}
	case *DeleteFieldOp:
		if at := indexAfterDelete(op.At, p.At); at != op.At {
			op = &InsertFieldOp{Field: op.Field, At: at}
		}
	case *ReorderFieldOp:
		if at := indexAfterMove(op.At, p.From, p.To); at != op.At {
			op = &InsertFieldOp{Field: op.Field, At: at}
		}
	}
	return op, nil, nil, nil
}

func transformUpdateField(op *UpdateFieldOp, prior *Revision, st *store) (Op, []Supersession, []CoercionLoss, error) {
	switch p := prior.Op.(type) {
	case *DeleteFieldOp:
		if p.FieldID == op.FieldID {
			return nil, nil, nil, supersededErr(st.db, prior.Seq, "field %s was deleted", op.FieldID)
		}
	case *UpdateFieldOp:
		if p.FieldID != op.FieldID {
			break
		}
		if overlap := fieldPatchOverlap(op, p); overlap != "" {
			s := Supersession{LoserSeq: prior.Seq, Reason: fmt.Sprintf("field %s %s overwritten", op.FieldID, overlap)}
			return op, []Supersession{s}, nil, nil
		}
	}
	return op, nil, nil, nil
}

// fieldPatchOverlap names the first member both patches set, or "" when the
// two updates touch disjoint members and compose cleanly.
func fieldPatchOverlap(a, b *UpdateFieldOp) string {
	switch {
	case a.Type != nil && b.Type != nil:
		return "type"
	case a.Options != nil && b.Options != nil:
		return "options"
	case a.Name != nil && b.Name != nil:
		return "name"
	case a.Hidden != nil && b.Hidden != nil:
		return "visibility"
	default:
		return ""
	}
}

func transformDeleteField(op *DeleteFieldOp, prior *Revision, st *store) (Op, []Supersession, []CoercionLoss, error) {
	switch p := prior.Op.(type) {
	case *DeleteFieldOp:
		if p.FieldID == op.FieldID {
			return nil, nil, nil, supersededErr(st.db, prior.Seq, "field %s was already deleted", op.FieldID)
		}
		if at := indexAfterDelete(op.At, p.At); at != op.At {
			op = &DeleteFieldOp{FieldID: op.FieldID, At: at}
		}
	case *InsertFieldOp:
		if at := indexAfterInsert(op.At, p.At); at != op.At {
			op = &DeleteFieldOp{FieldID: op.FieldID, At: at}
		}
	case *ReorderFieldOp:
		if p.FieldID == op.FieldID {
			op = &DeleteFieldOp{FieldID: op.FieldID, At: p.To}
		} else if at := indexAfterMove(op.At, p.From, p.To); at != op.At {
			op = &DeleteFieldOp{FieldID: op.FieldID, At: at}
		}
	}
	return op, nil, nil, nil
}

func transformReorderField(op *ReorderFieldOp, prior *Revision, st *store) (Op, []Supersession, []CoercionLoss, error) {
	switch p := prior.Op.(type) {
	case *DeleteFieldOp:
		if p.FieldID == op.FieldID {
			return nil, nil, nil, supersededErr(st.db, prior.Seq, "field %s was deleted", op.FieldID)
		}
		op = &ReorderFieldOp{FieldID: op.FieldID, From: indexAfterDelete(op.From, p.At), To: indexAfterDelete(op.To, p.At)}
	case *InsertFieldOp:
		op = &ReorderFieldOp{FieldID: op.FieldID, From: indexAfterInsert(op.From, p.At), To: indexAfterInsert(op.To, p.At)}
	case *ReorderFieldOp:
		if p.FieldID == op.FieldID {
			s := Supersession{LoserSeq: prior.Seq, Reason: fmt.Sprintf("field %s reordered again", op.FieldID)}
			return &ReorderFieldOp{FieldID: op.FieldID, From: p.To, To: op.To}, []Supersession{s}, nil, nil
		}
		op = &ReorderFieldOp{FieldID: op.FieldID, From: indexAfterMove(op.From, p.From, p.To), To: indexAfterMove(op.To, p.From, p.To)}
	}
	return op, nil, nil, nil
}

func transformInsertRow(op *InsertRowOp, prior *Revision, st *store) (Op, []Supersession, []CoercionLoss, error) {
	switch p := prior.Op.(type) {
	case *InsertRowOp:
		if p.Row.ID == op.Row.ID {
			return nil, nil, nil, supersededErr(st.db, prior.Seq, "row %s already inserted", op.Row.ID)
		}
		if st.posTaken(op.Row.Pos, op.Row.ID) {
			op = reanchorInsert(op, st)
		}
	case *MoveRowOp, *RenormalizeOp:
		if _, renorm := prior.Op.(*RenormalizeOp); renorm || st.posTaken(op.Row.Pos, op.Row.ID) {
			op = reanchorInsert(op, st)
		}
	case *DeleteFieldOp:
		if _, ok := op.Row.Cells[p.FieldID]; ok {
			r := op.Row.Clone()
			delete(r.Cells, p.FieldID)
			op = &InsertRowOp{Row: r, AfterID: op.AfterID}
		}
	case *UpdateFieldOp:
		if v, ok := op.Row.Cells[p.FieldID]; ok {
			cv, lost, changed := coerceIncomingCell(st, p.FieldID, v)
			if changed || lost {
				r := op.Row.Clone()
				r.setCell(p.FieldID, cv)
				op = &InsertRowOp{Row: r, AfterID: op.AfterID}
			}
			if lost {
				loss := CoercionLoss{RowID: op.Row.ID, FieldID: p.FieldID, Old: v.Clone()}
				return op, nil, []CoercionLoss{loss}, nil
			}
		}
	}
	return op, nil, nil, nil
}

func transformUpdateCells(op *UpdateCellsOp, prior *Revision, st *store) (Op, []Supersession, []CoercionLoss, error) {
	switch p := prior.Op.(type) {
	case *DeleteRowOp:
		if p.RowID == op.RowID {
			return nil, nil, nil, supersededErr(st.db, prior.Seq, "row %s was deleted", op.RowID)
		}
	case *UpdateCellsOp:
		if p.RowID != op.RowID {
			break
		}
		var overlap []string
		for id := range op.Cells {
			if _, ok := p.Cells[id]; ok {
				overlap = append(overlap, id)
			}
		}
		if len(overlap) > 0 {
			sort.Strings(overlap)
			var supers []Supersession
			for _, id := range overlap {
				supers = append(supers, Supersession{LoserSeq: prior.Seq, Reason: fmt.Sprintf("cell %s of row %s overwritten", id, op.RowID)})
			}
			return op, supers, nil, nil
		}
	case *DeleteFieldOp:
		if _, ok := op.Cells[p.FieldID]; ok {
			cells := maps.Clone(op.Cells)
			delete(cells, p.FieldID)
			if len(cells) == 0 {
				return nil, nil, nil, supersededErr(st.db, prior.Seq, "field %s was deleted", p.FieldID)
			}
			op = &UpdateCellsOp{RowID: op.RowID, Cells: cells}
		}
	case *UpdateFieldOp:
		if v, ok := op.Cells[p.FieldID]; ok {
			cv, lost, changed := coerceIncomingCell(st, p.FieldID, v)
			if changed || lost {
				cells := maps.Clone(op.Cells)
				cells[p.FieldID] = cv
				op = &UpdateCellsOp{RowID: op.RowID, Cells: cells}
			}
			if lost {
				loss := CoercionLoss{RowID: op.RowID, FieldID: p.FieldID, Old: v.Clone()}
				return op, nil, []CoercionLoss{loss}, nil
			}
		}
	}
	return op, nil, nil, nil
}

func transformDeleteRow(op *DeleteRowOp, prior *Revision, st *store) (Op, []Supersession, []CoercionLoss, error) {
	if p, ok := prior.Op.(*DeleteRowOp); ok && p.RowID == op.RowID {
		return nil, nil, nil, supersededErr(st.db, prior.Seq, "row %s was already deleted", op.RowID)
	}
	return op, nil, nil, nil
}

func transformMoveRow(op *MoveRowOp, prior *Revision, st *store) (Op, []Supersession, []CoercionLoss, error) {
	switch p := prior.Op.(type) {
	case *DeleteRowOp:
		if p.RowID == op.RowID {
			return nil, nil, nil, supersededErr(st.db, prior.Seq, "row %s was deleted", op.RowID)
		}
	case *MoveRowOp:
		if p.RowID == op.RowID {
			s := Supersession{LoserSeq: prior.Seq, Reason: fmt.Sprintf("row %s moved again", op.RowID)}
			if st.posTaken(op.Pos, op.RowID) {
				op = reanchorMove(op, st)
			}
			return op, []Supersession{s}, nil, nil
		}
		if st.posTaken(op.Pos, op.RowID) {
			op = reanchorMove(op, st)
		}
	case *InsertRowOp:
		if st.posTaken(op.Pos, op.RowID) {
			op = reanchorMove(op, st)
		}
	case *RenormalizeOp:
		op = reanchorMove(op, st)
	}
	return op, nil, nil, nil
}

func transformConfigureView(op *ConfigureViewOp, prior *Revision, st *store) (Op, []Supersession, []CoercionLoss, error) {
	switch p := prior.Op.(type) {
	case *ConfigureViewOp:
		if p.View.ID == op.View.ID {
			s := Supersession{LoserSeq: prior.Seq, Reason: fmt.Sprintf("view %s reconfigured", op.View.ID)}
			return op, []Supersession{s}, nil, nil
		}
	case *DeleteViewOp:
		if p.ViewID == op.View.ID {
			s := Supersession{LoserSeq: prior.Seq, Reason: fmt.Sprintf("view %s recreated", op.View.ID)}
			return op, []Supersession{s}, nil, nil
		}
	case *DeleteFieldOp:
		if op.View.references(p.FieldID) || slices.Contains(op.View.HiddenFields, p.FieldID) {
			v := op.View.Clone()
			v.stripField(p.FieldID)
			op = &ConfigureViewOp{View: v}
		}
	}
	return op, nil, nil, nil
}

func transformDeleteView(op *DeleteViewOp, prior *Revision, st *store) (Op, []Supersession, []CoercionLoss, error) {
	if p, ok := prior.Op.(*DeleteViewOp); ok && p.ViewID == op.ViewID {
		return nil, nil, nil, supersededErr(st.db, prior.Seq, "view %s was already deleted", op.ViewID)
	}
	return op, nil, nil, nil
}

func transformRenormalize(op *RenormalizeOp, prior *Revision, st *store) (Op, []Supersession, []CoercionLoss, error) {
	switch p := prior.Op.(type) {
	case *DeleteRowOp:
		op = renormalizeWithout(op, p.RowID)
	case *MoveRowOp:
		// a concurrent explicit move outranks maintenance
		op = renormalizeWithout(op, p.RowID)
	case *RenormalizeOp:
		s := Supersession{LoserSeq: prior.Seq, Reason: "positions renormalized again"}
		return op, []Supersession{s}, nil, nil
	}
	if len(op.Pos) == 0 {
		return nil, nil, nil, supersededErr(st.db, prior.Seq, "no rows left to renormalize")
	}
	return op, nil, nil, nil
}

func renormalizeWithout(op *RenormalizeOp, rowID string) *RenormalizeOp {
	if _, ok := op.Pos[rowID]; !ok {
		return op
	}
	pos := maps.Clone(op.Pos)
	delete(pos, rowID)
	return &RenormalizeOp{Pos: pos}
}

// coerceIncomingCell fits a cell value written against an older field
// definition to the field's current one. Reports the fitted value, whether
// information was lost, and whether the value changed at all.
func coerceIncomingCell(st *store, fieldID string, v Value) (Value, bool, bool) {
	f := st.schema.field(fieldID)
	if f == nil || v.IsEmpty() {
		return v, false, false
	}
	if v.Kind == kindOf(f.Type) {
		cv, lost := coerceValue(v, f, f)
		return cv, lost, !cv.Equal(v)
	}
	from := &Field{ID: f.ID, Name: f.Name, Type: fieldTypeOfKind(v.Kind)}
	cv, lost := coerceValue(v, from, f)
	return cv, lost, true
}

// reanchorInsert remints the position token of an insert whose token no
// longer lands where intended, keeping the after-row anchor. A vanished
// anchor degrades to appending at the end.
func reanchorInsert(op *InsertRowOp, st *store) *InsertRowOp {
	r := op.Row.Clone()
	r.Pos = reanchoredPos(st, op.AfterID)
	return &InsertRowOp{Row: r, AfterID: op.AfterID}
}

func reanchorMove(op *MoveRowOp, st *store) *MoveRowOp {
	return &MoveRowOp{RowID: op.RowID, Pos: reanchoredPos(st, op.AfterID), AfterID: op.AfterID}
}

func reanchoredPos(st *store, afterID string) string {
	lo, hi, ok := st.neighbors(afterID)
	if !ok {
		lo, hi = st.tailPos()
	}
	return posBetween(lo, hi)
}

// posTaken reports whether any row other than excludeID sits exactly at pos.
func (st *store) posTaken(pos, excludeID string) bool {
	for i := st.orderIndex(pos, ""); i < len(st.order) && st.order[i].Pos == pos; i++ {
		if st.order[i].ID != excludeID {
			return true
		}
	}
	return false
}
