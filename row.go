package revdb

// Row is one record of a database. Cells maps field id to a cell value;
// an absent entry means the cell is empty. Pos is a fractional position
// token (see postoken.go) providing the default ordering.
//
// Cells may retain entries keyed by deleted field ids: deleting a field
// removes the column from the schema but does not scrub rows, which keeps
// field deletion cheap and exactly invertible. Such entries are invisible
// to views and to cell reads, and field ids are never reused, so they can
// only come back to life when the deletion is undone.
type Row struct {
	ID    string           `msgpack:"i"`
	Pos   string           `msgpack:"p"`
	Cells map[string]Value `msgpack:"c,omitempty"`
}

func (r *Row) Clone() *Row {
	c := *r
	c.Cells = make(map[string]Value, len(r.Cells))
	for id, v := range r.Cells {
		c.Cells[id] = v.Clone()
	}
	return &c
}

// Cell returns the value stored for the field, or EmptyValue.
func (r *Row) Cell(fieldID string) Value {
	return r.Cells[fieldID]
}

func (r *Row) setCell(fieldID string, v Value) {
	if v.IsEmpty() {
		delete(r.Cells, fieldID)
		return
	}
	if r.Cells == nil {
		r.Cells = make(map[string]Value)
	}
	r.Cells[fieldID] = v
}

func cloneCells(cells map[string]Value) map[string]Value {
	if cells == nil {
		return nil
	}
	c := make(map[string]Value, len(cells))
	for id, v := range cells {
		c[id] = v.Clone()
	}
	return c
}
