package revdb

import (
	"strconv"
	"strings"
	"time"
)

// coerceValue converts a cell value after its field changed from one type to
// another. Reports the converted value and whether information was lost; a
// lossy conversion clears the cell unless a partial result is meaningful
// (multiselect keeps its first option when narrowed to select). Callers record
// every lost=true result as a CoercionLoss in the commit delta.
func coerceValue(v Value, from, to *Field) (Value, bool) {
	if v.IsEmpty() {
		return EmptyValue, false
	}
	if from.Type == to.Type {
		return coerceSameType(v, from, to)
	}
	switch to.Type {
	case FieldTypeText:
		return coerceToText(v, from)
	case FieldTypeURL:
		return coerceToURL(v, from)
	case FieldTypeNumber:
		return coerceToNumber(v, from)
	case FieldTypeDate:
		return coerceToDate(v, from)
	case FieldTypeSelect:
		return coerceToSelect(v, from, to)
	case FieldTypeMultiSelect:
		return coerceToMultiSelect(v, from, to)
	case FieldTypeCheckbox:
		return coerceToCheckbox(v, from)
	default:
		return EmptyValue, true
	}
}

// coerceSameType revalidates a value against the same field type after an
// options edit: select and multiselect cells referencing removed options are
// cleared or narrowed.
func coerceSameType(v Value, from, to *Field) (Value, bool) {
	switch to.Type {
	case FieldTypeSelect:
		if to.Option(v.Str) == nil {
			return EmptyValue, true
		}
		return v, false
	case FieldTypeMultiSelect:
		kept := v.Opts[:0:0]
		for _, id := range v.Opts {
			if to.Option(id) != nil {
				kept = append(kept, id)
			}
		}
		if len(kept) == len(v.Opts) {
			return v, false
		}
		if len(kept) == 0 {
			return EmptyValue, true
		}
		return MultiSelect(kept...), true
	default:
		return v, false
	}
}

func coerceToText(v Value, from *Field) (Value, bool) {
	switch from.Type {
	case FieldTypeText, FieldTypeURL:
		return Text(v.Str), false
	case FieldTypeNumber:
		return Text(formatNumber(v.Num)), false
	case FieldTypeCheckbox:
		if v.Flag {
			return Text("true"), false
		}
		return Text("false"), false
	case FieldTypeDate:
		return Text(time.Unix(v.Time, 0).UTC().Format("2006-01-02")), false
	case FieldTypeSelect:
		if opt := from.Option(v.Str); opt != nil {
			return Text(opt.Name), false
		}
		return EmptyValue, true
	case FieldTypeMultiSelect:
		names := make([]string, 0, len(v.Opts))
		for _, id := range v.Opts {
			if opt := from.Option(id); opt != nil {
				names = append(names, opt.Name)
			}
		}
		if len(names) == 0 {
			return EmptyValue, true
		}
		return Text(strings.Join(names, ", ")), len(names) != len(v.Opts)
	default:
		return EmptyValue, true
	}
}

func coerceToURL(v Value, from *Field) (Value, bool) {
	t, lost := coerceToText(v, from)
	if t.IsEmpty() {
		return EmptyValue, true
	}
	return URL(t.Str), lost
}

func coerceToNumber(v Value, from *Field) (Value, bool) {
	switch from.Type {
	case FieldTypeText, FieldTypeURL:
		if n, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64); err == nil {
			return Number(n), false
		}
		return EmptyValue, true
	case FieldTypeCheckbox:
		if v.Flag {
			return Number(1), false
		}
		return Number(0), false
	case FieldTypeDate:
		return Number(float64(v.Time)), false
	default:
		return EmptyValue, true
	}
}

func coerceToDate(v Value, from *Field) (Value, bool) {
	switch from.Type {
	case FieldTypeNumber:
		return Date(int64(v.Num)), false
	case FieldTypeText, FieldTypeURL:
		if t, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(v.Str), time.UTC); err == nil {
			return Date(t.Unix()), false
		}
		return EmptyValue, true
	default:
		return EmptyValue, true
	}
}

// coerceToSelect keeps the cell only when its textual form matches an option
// name of the new field exactly; otherwise the cell clears and the loss is
// reported.
func coerceToSelect(v Value, from, to *Field) (Value, bool) {
	switch from.Type {
	case FieldTypeMultiSelect:
		for _, id := range v.Opts {
			if opt := from.Option(id); opt != nil {
				if match := to.OptionByName(opt.Name); match != nil {
					return Select(match.ID), len(v.Opts) > 1
				}
			}
		}
		return EmptyValue, true
	case FieldTypeSelect:
		if opt := from.Option(v.Str); opt != nil {
			if match := to.OptionByName(opt.Name); match != nil {
				return Select(match.ID), false
			}
		}
		return EmptyValue, true
	default:
		t, _ := coerceToText(v, from)
		if !t.IsEmpty() {
			if match := to.OptionByName(t.Str); match != nil {
				return Select(match.ID), false
			}
		}
		return EmptyValue, true
	}
}

func coerceToMultiSelect(v Value, from, to *Field) (Value, bool) {
	switch from.Type {
	case FieldTypeSelect:
		if opt := from.Option(v.Str); opt != nil {
			if match := to.OptionByName(opt.Name); match != nil {
				return MultiSelect(match.ID), false
			}
		}
		return EmptyValue, true
	case FieldTypeMultiSelect:
		kept := make([]string, 0, len(v.Opts))
		seen := make(map[string]bool, len(v.Opts))
		for _, id := range v.Opts {
			opt := from.Option(id)
			if opt == nil {
				continue
			}
			if match := to.OptionByName(opt.Name); match != nil && !seen[match.ID] {
				seen[match.ID] = true
				kept = append(kept, match.ID)
			}
		}
		if len(kept) == 0 {
			return EmptyValue, true
		}
		return MultiSelect(kept...), len(kept) != len(v.Opts)
	case FieldTypeText, FieldTypeURL:
		kept := make([]string, 0, 4)
		seen := make(map[string]bool, 4)
		lost := false
		for _, part := range strings.Split(v.Str, ",") {
			name := strings.TrimSpace(part)
			if name == "" {
				continue
			}
			match := to.OptionByName(name)
			if match == nil {
				lost = true
			} else if !seen[match.ID] {
				seen[match.ID] = true
				kept = append(kept, match.ID)
			}
		}
		if len(kept) == 0 {
			return EmptyValue, true
		}
		return MultiSelect(kept...), lost
	default:
		return EmptyValue, true
	}
}

func coerceToCheckbox(v Value, from *Field) (Value, bool) {
	switch from.Type {
	case FieldTypeText, FieldTypeURL:
		switch strings.ToLower(strings.TrimSpace(v.Str)) {
		case "true", "yes", "1", "y", "checked":
			return Checkbox(true), false
		case "false", "no", "0", "n", "", "unchecked":
			return Checkbox(false), false
		}
		return EmptyValue, true
	case FieldTypeNumber:
		return Checkbox(v.Num != 0), false
	default:
		return EmptyValue, true
	}
}
