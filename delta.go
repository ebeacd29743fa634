package revdb

import "fmt"

type (
	// Delta describes exactly what a committed revision did to the store:
	// which rows and fields changed and how, which cells lost information to
	// coercion, and which earlier commits this one overrode. Deltas drive
	// incremental view updates and outbound notifications.
	Delta struct {
		DB     string
		Seq    uint64
		Origin Origin
		Op     OpKind

		Rows       []RowChange
		Fields     []FieldChange
		Views      []ViewChange
		Coercions  []CoercionLoss
		Superseded []Supersession
	}

	ChangeKind int

	// RowChange carries the before/after state of one row. Row is nil after a
	// delete, OldRow is nil after an insert. CellIDs lists the field ids whose
	// values differ between OldRow and Row (updates only).
	RowChange struct {
		Kind    ChangeKind
		Row     *Row
		OldRow  *Row
		CellIDs []string
	}

	FieldChange struct {
		Kind     ChangeKind
		Field    *Field
		OldField *Field
		At       int // ordinal after the change, -1 if deleted
		OldAt    int // ordinal before the change, -1 if inserted
	}

	ViewChange struct {
		Kind    ChangeKind
		View    *ViewConfig
		OldView *ViewConfig
	}

	// CoercionLoss is a warning, not an error: a field retype or option
	// removal cleared or truncated this cell. Old preserves the value as it
	// was so the caller can inform the user.
	CoercionLoss struct {
		RowID   string
		FieldID string
		Old     Value
	}

	// Supersession reports that the revision committed as WinnerSeq overrode
	// the effect of the concurrently committed LoserSeq (e.g. a same-cell
	// write race resolved last-write-wins). Delivered with the winning
	// commit's delta so the loser's origin learns it lost.
	Supersession struct {
		LoserSeq  uint64
		WinnerSeq uint64
		Reason    string
	}
)

const (
	ChangeNone   ChangeKind = 0
	ChangeInsert ChangeKind = 1
	ChangeUpdate ChangeKind = 2
	ChangeDelete ChangeKind = 3
	ChangeMove   ChangeKind = 4
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeNone:
		return "none"
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	case ChangeMove:
		return "move"
	default:
		return fmt.Sprintf("invalid change kind %d", int(k))
	}
}

// RowIDs returns the ids of all rows this delta touched, in change order.
func (d *Delta) RowIDs() []string {
	if len(d.Rows) == 0 {
		return nil
	}
	ids := make([]string, 0, len(d.Rows))
	for _, rc := range d.Rows {
		ids = append(ids, rc.RowID())
	}
	return ids
}

// FieldIDs returns the ids of all fields this delta touched.
func (d *Delta) FieldIDs() []string {
	if len(d.Fields) == 0 {
		return nil
	}
	ids := make([]string, 0, len(d.Fields))
	for _, fc := range d.Fields {
		ids = append(ids, fc.FieldID())
	}
	return ids
}

func (c *RowChange) RowID() string {
	if c.Row != nil {
		return c.Row.ID
	}
	return c.OldRow.ID
}

func (c *FieldChange) FieldID() string {
	if c.Field != nil {
		return c.Field.ID
	}
	return c.OldField.ID
}

func (c *ViewChange) ViewID() string {
	if c.View != nil {
		return c.View.ID
	}
	return c.OldView.ID
}
