package revdb

import "slices"

// undoEntry pairs a committed local revision with the operations that exactly
// reverse it. Most revisions invert to a single op; a field retype inverts to
// the field restore followed by per-row cell restores, because coercion is
// lossy and cannot be reversed by retyping alone.
type undoEntry struct {
	seq uint64
	ops []Op
}

// undoStack holds the local undo and redo histories of one database. Entries
// only ever describe local commits; any remote commit invalidates both stacks
// because recorded inverses may no longer be meaningful against the merged
// state. A negative limit disables recording.
type undoStack struct {
	limit int
	undo  []*undoEntry
	redo  []*undoEntry
}

func (u *undoStack) recordLocal(e *undoEntry) {
	if u.limit < 0 || len(e.ops) == 0 {
		return
	}
	u.undo = append(u.undo, e)
	if u.limit > 0 && len(u.undo) > u.limit {
		u.undo = slices.Delete(u.undo, 0, len(u.undo)-u.limit)
	}
	u.redo = u.redo[:0]
}

func (u *undoStack) invalidate() {
	u.undo = nil
	u.redo = nil
}

func (u *undoStack) popUndo() *undoEntry {
	if len(u.undo) == 0 {
		return nil
	}
	e := u.undo[len(u.undo)-1]
	u.undo = u.undo[:len(u.undo)-1]
	return e
}

func (u *undoStack) popRedo() *undoEntry {
	if len(u.redo) == 0 {
		return nil
	}
	e := u.redo[len(u.redo)-1]
	u.redo = u.redo[:len(u.redo)-1]
	return e
}

func (u *undoStack) pushRedo(e *undoEntry) {
	if len(e.ops) > 0 {
		u.redo = append(u.redo, e)
	}
}

func (u *undoStack) pushUndo(e *undoEntry) {
	if len(e.ops) > 0 {
		u.undo = append(u.undo, e)
	}
}

func (u *undoStack) depths() (undo, redo int) {
	return len(u.undo), len(u.redo)
}

// undoable reports whether commits of this kind participate in undo history.
// View configuration is presentation state and deliberately does not.
func undoable(k OpKind) bool {
	return k != OpConfigureView && k != OpDeleteView
}

// invertDelta derives the inverse operations of one committed revision from
// its delta. rawDeleted carries the pre-deletion row for row deletes,
// including cells of deleted fields that the public delta strips, so that a
// later field restore brings those cells back.
func invertDelta(d *Delta, rawDeleted *Row) []Op {
	switch d.Op {
	case OpInsertField:
		ch := d.Fields[0]
		return []Op{&DeleteFieldOp{FieldID: ch.FieldID(), At: ch.At}}

	case OpUpdateField:
		ch := d.Fields[0]
		ops := []Op{fieldRestorePatch(ch.Field, ch.OldField)}
		for _, rch := range d.Rows {
			ops = append(ops, cellRestore(rch))
		}
		return ops

	case OpDeleteField:
		ch := d.Fields[0]
		return []Op{&InsertFieldOp{Field: ch.OldField.Clone(), At: ch.OldAt}}

	case OpReorderField:
		ch := d.Fields[0]
		return []Op{&ReorderFieldOp{FieldID: ch.FieldID(), From: ch.At, To: ch.OldAt}}

	case OpInsertRow:
		return []Op{&DeleteRowOp{RowID: d.Rows[0].Row.ID}}

	case OpUpdateCells:
		return []Op{cellRestore(d.Rows[0])}

	case OpDeleteRow:
		old := rawDeleted
		if old == nil {
			old = d.Rows[0].OldRow.Clone()
		}
		return []Op{&InsertRowOp{Row: old}}

	case OpMoveRow:
		ch := d.Rows[0]
		return []Op{&MoveRowOp{RowID: ch.Row.ID, Pos: ch.OldRow.Pos}}

	case OpRenormalize:
		pos := make(map[string]string, len(d.Rows))
		for _, ch := range d.Rows {
			pos[ch.OldRow.ID] = ch.OldRow.Pos
		}
		if len(pos) == 0 {
			return nil
		}
		return []Op{&RenormalizeOp{Pos: pos}}

	default:
		return nil
	}
}

func cellRestore(ch RowChange) Op {
	cells := make(map[string]Value, len(ch.CellIDs))
	for _, id := range ch.CellIDs {
		cells[id] = ch.OldRow.Cell(id).Clone()
	}
	return &UpdateCellsOp{RowID: ch.OldRow.ID, Cells: cells}
}

// fieldRestorePatch builds the update that turns next back into old, setting
// only the members that differ.
func fieldRestorePatch(next, old *Field) *UpdateFieldOp {
	op := &UpdateFieldOp{FieldID: old.ID}
	if old.Name != next.Name {
		n := old.Name
		op.Name = &n
	}
	if old.Type != next.Type {
		t := old.Type
		op.Type = &t
	}
	if !slices.Equal(old.Options, next.Options) {
		o := slices.Clone(old.Options)
		op.Options = &o
	}
	if old.Hidden != next.Hidden {
		h := old.Hidden
		op.Hidden = &h
	}
	return op
}
