package revdb

import (
	"slices"
	"strings"
	"time"
)

// ViewKind selects the grouping semantics of a view; the projection
// algorithm itself is identical for all kinds.
type ViewKind uint8

const (
	ViewGrid     ViewKind = 0
	ViewBoard    ViewKind = 1
	ViewCalendar ViewKind = 2
)

func (k ViewKind) valid() bool {
	return k <= ViewCalendar
}

func (k ViewKind) String() string {
	switch k {
	case ViewGrid:
		return "grid"
	case ViewBoard:
		return "board"
	case ViewCalendar:
		return "calendar"
	default:
		return "invalid"
	}
}

type FilterOp string

const (
	FilterEq       FilterOp = "eq"
	FilterNeq      FilterOp = "neq"
	FilterContains FilterOp = "contains"
	FilterGt       FilterOp = "gt"
	FilterLt       FilterOp = "lt"
	FilterGte      FilterOp = "gte"
	FilterLte      FilterOp = "lte"
	FilterEmpty    FilterOp = "empty"
	FilterNotEmpty FilterOp = "notempty"
)

func (op FilterOp) valid() bool {
	switch op {
	case FilterEq, FilterNeq, FilterContains, FilterGt, FilterLt, FilterGte, FilterLte, FilterEmpty, FilterNotEmpty:
		return true
	}
	return false
}

type Filter struct {
	Field string   `msgpack:"f"`
	Op    FilterOp `msgpack:"o"`
	Value Value    `msgpack:"v,omitempty"`
}

type Sort struct {
	Field string `msgpack:"f"`
	Desc  bool   `msgpack:"d,omitempty"`
}

// ViewConfig is the full settings of one view. Filters combine with AND.
// Sort ties are always broken by row position token, then row id. GroupBy
// names a field whose values partition the projection ("" = ungrouped).
type ViewConfig struct {
	ID           string   `msgpack:"i"`
	Name         string   `msgpack:"n,omitempty"`
	Kind         ViewKind `msgpack:"k"`
	Filters      []Filter `msgpack:"f,omitempty"`
	Sorts        []Sort   `msgpack:"s,omitempty"`
	GroupBy      string   `msgpack:"g,omitempty"`
	HiddenFields []string `msgpack:"h,omitempty"` // presentation only
}

func (v *ViewConfig) Clone() *ViewConfig {
	c := *v
	c.Filters = slices.Clone(v.Filters)
	c.Sorts = slices.Clone(v.Sorts)
	c.HiddenFields = slices.Clone(v.HiddenFields)
	return &c
}

// stripField removes every rule referencing a deleted field. Reports whether
// anything changed and whether row membership may have changed (a filter was
// dropped).
func (v *ViewConfig) stripField(fieldID string) (changed, membership bool) {
	if n := len(v.Filters); n > 0 {
		v.Filters = slices.DeleteFunc(v.Filters, func(f Filter) bool { return f.Field == fieldID })
		if len(v.Filters) != n {
			changed, membership = true, true
		}
	}
	if n := len(v.Sorts); n > 0 {
		v.Sorts = slices.DeleteFunc(v.Sorts, func(s Sort) bool { return s.Field == fieldID })
		if len(v.Sorts) != n {
			changed = true
		}
	}
	if v.GroupBy == fieldID {
		v.GroupBy = ""
		changed = true
	}
	if n := len(v.HiddenFields); n > 0 {
		v.HiddenFields = slices.DeleteFunc(v.HiddenFields, func(id string) bool { return id == fieldID })
		if len(v.HiddenFields) != n {
			changed = true
		}
	}
	return
}

// references reports whether any filter, sort or grouping rule uses the field.
func (v *ViewConfig) references(fieldID string) bool {
	for _, f := range v.Filters {
		if f.Field == fieldID {
			return true
		}
	}
	for _, s := range v.Sorts {
		if s.Field == fieldID {
			return true
		}
	}
	return v.GroupBy == fieldID
}

func checkViewShape(db string, v *ViewConfig, sch *fieldSchema) error {
	if v.ID == "" {
		return schemaErrf(db, "", "", "view id must not be empty")
	}
	if !v.Kind.valid() {
		return schemaErrf(db, "", "", "invalid view kind %d", uint8(v.Kind))
	}
	for _, f := range v.Filters {
		if !f.Op.valid() {
			return schemaErrf(db, f.Field, "", "invalid filter operator %q", f.Op)
		}
		if sch.field(f.Field) == nil {
			return notFoundErr(db, "field", f.Field)
		}
	}
	for _, s := range v.Sorts {
		if sch.field(s.Field) == nil {
			return notFoundErr(db, "field", s.Field)
		}
	}
	if v.GroupBy != "" && sch.field(v.GroupBy) == nil {
		return notFoundErr(db, "field", v.GroupBy)
	}
	return nil
}

// matchRow evaluates all filters against the row (AND semantics). Filters
// referencing fields that no longer exist never match and are expected to be
// stripped by the caller before this point; they are skipped here so that a
// transiently stale config degrades instead of hiding every row.
func matchRow(sch *fieldSchema, v *ViewConfig, row *Row) bool {
	for _, flt := range v.Filters {
		f := sch.field(flt.Field)
		if f == nil {
			continue
		}
		if !matchFilter(f, flt, row.Cell(f.ID)) {
			return false
		}
	}
	return true
}

func matchFilter(f *Field, flt Filter, val Value) bool {
	switch flt.Op {
	case FilterEmpty:
		return val.IsEmpty()
	case FilterNotEmpty:
		return !val.IsEmpty()
	case FilterEq:
		if val.IsEmpty() {
			return flt.Value.IsEmpty()
		}
		return filterEqual(f, val, flt.Value)
	case FilterNeq:
		if val.IsEmpty() {
			return !flt.Value.IsEmpty()
		}
		return !filterEqual(f, val, flt.Value)
	case FilterContains:
		return filterContains(f, val, flt.Value)
	case FilterGt, FilterLt, FilterGte, FilterLte:
		if val.IsEmpty() || flt.Value.IsEmpty() {
			return false
		}
		c := compareValues(f, val, flt.Value)
		switch flt.Op {
		case FilterGt:
			return c > 0
		case FilterLt:
			return c < 0
		case FilterGte:
			return c >= 0
		default:
			return c <= 0
		}
	default:
		return false
	}
}

func filterEqual(f *Field, val, operand Value) bool {
	switch f.Type {
	case FieldTypeMultiSelect:
		a, b := slices.Clone(val.Opts), slices.Clone(operand.Opts)
		slices.Sort(a)
		slices.Sort(b)
		return slices.Equal(a, b)
	default:
		return val.Equal(operand)
	}
}

func filterContains(f *Field, val, operand Value) bool {
	if val.IsEmpty() {
		return false
	}
	switch f.Type {
	case FieldTypeText, FieldTypeURL:
		return strings.Contains(val.Str, operand.Str)
	case FieldTypeMultiSelect:
		return slices.Contains(val.Opts, operand.Str)
	case FieldTypeSelect:
		return val.Str == operand.Str
	default:
		return false
	}
}

// compareRows orders two rows under the view's sort keys, tie-broken by
// position token and finally row id, so the order is always total.
func compareRows(sch *fieldSchema, v *ViewConfig, a, b *Row) int {
	for _, srt := range v.Sorts {
		f := sch.field(srt.Field)
		if f == nil {
			continue
		}
		av, bv := a.Cell(f.ID), b.Cell(f.ID)
		c := compareValues(f, av, bv)
		if c == 0 {
			continue
		}
		// empty cells stay last regardless of direction
		if srt.Desc && !av.IsEmpty() && !bv.IsEmpty() {
			c = -c
		}
		return c
	}
	if c := strings.Compare(a.Pos, b.Pos); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// groupKey buckets a row for the view's group-by field. Select fields group
// by option id, checkboxes by true/false, dates by UTC day; everything else
// by its display string. Empty cells land in the "" group.
func groupKey(sch *fieldSchema, v *ViewConfig, row *Row) string {
	f := sch.field(v.GroupBy)
	if f == nil {
		return ""
	}
	val := row.Cell(f.ID)
	if val.IsEmpty() {
		return ""
	}
	switch f.Type {
	case FieldTypeSelect:
		return val.Str
	case FieldTypeMultiSelect:
		return val.Opts[0]
	case FieldTypeCheckbox:
		if val.Flag {
			return "true"
		}
		return "false"
	case FieldTypeDate:
		return time.Unix(val.Time, 0).UTC().Format("2006-01-02")
	case FieldTypeNumber:
		return formatNumber(val.Num)
	default:
		return val.Str
	}
}

// groupKeyRank orders group buckets: select options by their declared order,
// checkboxes false before true, the rest lexicographically; the "" bucket
// always last.
func groupKeyRank(sch *fieldSchema, v *ViewConfig, key string) (int, string) {
	if key == "" {
		return 1 << 30, ""
	}
	if f := sch.field(v.GroupBy); f != nil && (f.Type == FieldTypeSelect || f.Type == FieldTypeMultiSelect) {
		return f.OptionOrdinal(key), key
	}
	return 0, key
}
