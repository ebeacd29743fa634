package revdb

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Kind tags the variant stored in a Value. There is one kind per field type
// plus the zero "empty" kind shared by all field types (absent cell).
type Kind uint8

const (
	KindEmpty       Kind = 0
	KindText        Kind = 1
	KindNumber      Kind = 2
	KindDate        Kind = 3
	KindSelect      Kind = 4
	KindMultiSelect Kind = 5
	KindCheckbox    Kind = 6
	KindURL         Kind = 7
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindText:
		return "text"
	case KindNumber:
		return "number"
	case KindDate:
		return "date"
	case KindSelect:
		return "select"
	case KindMultiSelect:
		return "multiselect"
	case KindCheckbox:
		return "checkbox"
	case KindURL:
		return "url"
	default:
		return fmt.Sprintf("invalid kind %d", uint8(k))
	}
}

// Value is a tagged-variant cell value. Only the variant matching Kind is
// meaningful; the rest stay zero so values compare well with ==-style
// equality and encode compactly.
type Value struct {
	Kind Kind     `msgpack:"k"`
	Str  string   `msgpack:"s,omitempty"` // text, url, select option id
	Num  float64  `msgpack:"n,omitempty"`
	Flag bool     `msgpack:"b,omitempty"`
	Time int64    `msgpack:"t,omitempty"` // Unix seconds
	Opts []string `msgpack:"o,omitempty"` // multiselect option ids
}

var EmptyValue = Value{}

func Text(s string) Value          { return Value{Kind: KindText, Str: s} }
func Number(f float64) Value       { return Value{Kind: KindNumber, Num: f} }
func Date(unix int64) Value        { return Value{Kind: KindDate, Time: unix} }
func Select(optionID string) Value { return Value{Kind: KindSelect, Str: optionID} }
func Checkbox(on bool) Value       { return Value{Kind: KindCheckbox, Flag: on} }
func URL(s string) Value           { return Value{Kind: KindURL, Str: s} }

func MultiSelect(optionIDs ...string) Value {
	return Value{Kind: KindMultiSelect, Opts: slices.Clone(optionIDs)}
}

func (v Value) IsEmpty() bool {
	switch v.Kind {
	case KindEmpty:
		return true
	case KindText, KindURL, KindSelect:
		return v.Str == ""
	case KindMultiSelect:
		return len(v.Opts) == 0
	default:
		return false
	}
}

func (v Value) Equal(o Value) bool {
	if v.IsEmpty() && o.IsEmpty() {
		return true
	}
	return v.Kind == o.Kind && v.Str == o.Str && v.Num == o.Num &&
		v.Flag == o.Flag && v.Time == o.Time && slices.Equal(v.Opts, o.Opts)
}

func (v Value) Clone() Value {
	v.Opts = slices.Clone(v.Opts)
	return v
}

func (v Value) String() string {
	switch v.Kind {
	case KindEmpty:
		return "<empty>"
	case KindText:
		return strconv.Quote(v.Str)
	case KindNumber:
		return formatNumber(v.Num)
	case KindDate:
		return time.Unix(v.Time, 0).UTC().Format(time.RFC3339)
	case KindSelect:
		return "sel:" + v.Str
	case KindMultiSelect:
		return "sel:[" + strings.Join(v.Opts, " ") + "]"
	case KindCheckbox:
		return strconv.FormatBool(v.Flag)
	case KindURL:
		return "url:" + v.Str
	default:
		return fmt.Sprintf("<invalid kind %d>", uint8(v.Kind))
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// kindOf maps a field type to the value kind its cells must carry.
func kindOf(ft FieldType) Kind {
	switch ft {
	case FieldTypeText:
		return KindText
	case FieldTypeNumber:
		return KindNumber
	case FieldTypeDate:
		return KindDate
	case FieldTypeSelect:
		return KindSelect
	case FieldTypeMultiSelect:
		return KindMultiSelect
	case FieldTypeCheckbox:
		return KindCheckbox
	case FieldTypeURL:
		return KindURL
	default:
		panic(fmt.Sprintf("invalid field type %d", uint8(ft)))
	}
}

// fieldTypeOfKind maps a value kind back to the field type it belongs to.
func fieldTypeOfKind(k Kind) FieldType {
	switch k {
	case KindNumber:
		return FieldTypeNumber
	case KindDate:
		return FieldTypeDate
	case KindSelect:
		return FieldTypeSelect
	case KindMultiSelect:
		return FieldTypeMultiSelect
	case KindCheckbox:
		return FieldTypeCheckbox
	case KindURL:
		return FieldTypeURL
	default:
		return FieldTypeText
	}
}

// checkValue verifies that v can live in a cell of field f on the given row.
// Empty is always acceptable (absent cell). Select values must reference a
// live option.
func checkValue(db string, f *Field, rowID string, v Value) error {
	if v.Kind == KindEmpty {
		return nil
	}
	if want := kindOf(f.Type); v.Kind != want {
		return schemaErrf(db, f.ID, rowID, "value kind %v does not match field type %v", v.Kind, f.Type)
	}
	switch v.Kind {
	case KindSelect:
		if v.Str != "" && f.Option(v.Str) == nil {
			return schemaErrf(db, f.ID, rowID, "unknown select option %q", v.Str)
		}
	case KindMultiSelect:
		seen := make(map[string]bool, len(v.Opts))
		for _, id := range v.Opts {
			if f.Option(id) == nil {
				return schemaErrf(db, f.ID, rowID, "unknown select option %q", id)
			}
			if seen[id] {
				return schemaErrf(db, f.ID, rowID, "duplicate select option %q", id)
			}
			seen[id] = true
		}
	}
	return nil
}

// compareValues orders two values of the same field for sorting. Empty values
// always sort after non-empty ones regardless of direction; the caller applies
// direction to the non-empty comparison only.
func compareValues(f *Field, a, b Value) int {
	ae, be := a.IsEmpty(), b.IsEmpty()
	if ae || be {
		switch {
		case ae && be:
			return 0
		case ae:
			return 1
		default:
			return -1
		}
	}
	switch f.Type {
	case FieldTypeText, FieldTypeURL:
		return strings.Compare(a.Str, b.Str)
	case FieldTypeNumber:
		switch {
		case a.Num < b.Num:
			return -1
		case a.Num > b.Num:
			return 1
		default:
			return 0
		}
	case FieldTypeDate:
		switch {
		case a.Time < b.Time:
			return -1
		case a.Time > b.Time:
			return 1
		default:
			return 0
		}
	case FieldTypeCheckbox:
		switch {
		case !a.Flag && b.Flag:
			return -1
		case a.Flag && !b.Flag:
			return 1
		default:
			return 0
		}
	case FieldTypeSelect:
		return cmpInt(f.OptionOrdinal(a.Str), f.OptionOrdinal(b.Str))
	case FieldTypeMultiSelect:
		an, bn := len(a.Opts), len(b.Opts)
		for i := 0; i < an && i < bn; i++ {
			if c := cmpInt(f.OptionOrdinal(a.Opts[i]), f.OptionOrdinal(b.Opts[i])); c != 0 {
				return c
			}
		}
		return cmpInt(an, bn)
	default:
		return 0
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
