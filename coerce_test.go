package revdb

import "testing"

func TestCoerceValue(t *testing.T) {
	text := &Field{ID: "f", Name: "F", Type: FieldTypeText}
	num := &Field{ID: "f", Name: "F", Type: FieldTypeNumber}
	date := &Field{ID: "f", Name: "F", Type: FieldTypeDate}
	box := &Field{ID: "f", Name: "F", Type: FieldTypeCheckbox}
	url := &Field{ID: "f", Name: "F", Type: FieldTypeURL}
	sel := &Field{ID: "f", Name: "F", Type: FieldTypeSelect, Options: []SelectOption{
		{ID: "s1", Name: "Todo"}, {ID: "s2", Name: "Done"},
	}}
	sel2 := &Field{ID: "f", Name: "F", Type: FieldTypeSelect, Options: []SelectOption{
		{ID: "a", Name: "Todo"}, {ID: "b", Name: "Blocked"},
	}}
	multi := &Field{ID: "f", Name: "F", Type: FieldTypeMultiSelect, Options: []SelectOption{
		{ID: "m1", Name: "Red"}, {ID: "m2", Name: "Blue"},
	}}
	multi2 := &Field{ID: "f", Name: "F", Type: FieldTypeMultiSelect, Options: []SelectOption{
		{ID: "x1", Name: "Todo"}, {ID: "x2", Name: "Red"},
	}}
	selRed := &Field{ID: "f", Name: "F", Type: FieldTypeSelect, Options: []SelectOption{
		{ID: "c1", Name: "Red"},
	}}

	o := func(name string, v Value, from, to *Field, want Value, wantLost bool) {
		t.Run(name, func(t *testing.T) {
			got, lost := coerceValue(v, from, to)
			if !got.Equal(want) || lost != wantLost {
				t.Errorf("** got (%v, %v), wanted (%v, %v)", got, lost, want, wantLost)
			}
		})
	}

	// empty survives any retype
	o("empty", EmptyValue, text, num, EmptyValue, false)

	// to text: everything has a textual form
	o("number to text", Number(3.5), num, text, Text("3.5"), false)
	o("checkbox to text", Checkbox(true), box, text, Text("true"), false)
	o("date to text", Date(1704153600), date, text, Text("2024-01-02"), false)
	o("select to text is the option name", Select("s1"), sel, text, Text("Todo"), false)
	o("multiselect to text joins names", MultiSelect("m1", "m2"), multi, text, Text("Red, Blue"), false)
	o("url to text", URL("https://x"), url, text, Text("https://x"), false)

	// to number: parse or clear
	o("text to number", Text("42"), text, num, Number(42), false)
	o("padded text to number", Text(" 3.5 "), text, num, Number(3.5), false)
	o("junk text to number", Text("n/a"), text, num, EmptyValue, true)
	o("checkbox to number", Checkbox(true), box, num, Number(1), false)
	o("date to number is unix seconds", Date(86400), date, num, Number(86400), false)
	o("select to number", Select("s1"), sel, num, EmptyValue, true)

	// to date
	o("number to date", Number(86400), num, date, Date(86400), false)
	o("text to date", Text("2024-01-02"), text, date, Date(1704153600), false)
	o("junk text to date", Text("soon"), text, date, EmptyValue, true)
	o("checkbox to date", Checkbox(true), box, date, EmptyValue, true)

	// to checkbox
	o("yes to checkbox", Text("yes"), text, box, Checkbox(true), false)
	o("No to checkbox", Text("No"), text, box, Checkbox(false), false)
	o("maybe to checkbox", Text("maybe"), text, box, EmptyValue, true)
	o("number to checkbox", Number(2), num, box, Checkbox(true), false)
	o("zero to checkbox", Number(0), num, box, Checkbox(false), false)

	// to select: match by option name or clear
	o("text to select", Text("Todo"), text, sel, Select("s1"), false)
	o("unmatched text to select", Text("nope"), text, sel, EmptyValue, true)
	o("number to select", Number(3), num, sel, EmptyValue, true)
	o("select to select maps by name", Select("s1"), sel, sel2, Select("a"), false)
	o("select to select without a match", Select("s2"), sel, sel2, EmptyValue, true)
	o("multiselect to select keeps the first match", MultiSelect("m1", "m2"), multi, selRed, Select("c1"), true)
	o("multiselect to select without a match", MultiSelect("m2"), multi, selRed, EmptyValue, true)

	// to multiselect
	o("select to multiselect", Select("s1"), sel, multi2, MultiSelect("x1"), false)
	o("multiselect remaps by name", MultiSelect("m1"), multi, multi2, MultiSelect("x2"), false)
	o("multiselect drops unmatched names", MultiSelect("m1", "m2"), multi, multi2, MultiSelect("x2"), true)
	o("text to multiselect splits on commas", Text("Red, Blue"), text, multi, MultiSelect("m1", "m2"), false)
	o("text to multiselect with strangers", Text("Red, Green"), text, multi, MultiSelect("m1"), true)
	o("text to multiselect all strangers", Text("Green"), text, multi, EmptyValue, true)

	// url round trips through text rules
	o("text to url", Text("https://x"), text, url, URL("https://x"), false)
	o("url to number", URL("10"), url, num, Number(10), false)
}

func TestCoerceValue_optionRemoval(t *testing.T) {
	sel := &Field{ID: "f", Name: "F", Type: FieldTypeSelect, Options: []SelectOption{
		{ID: "s1", Name: "Todo"}, {ID: "s2", Name: "Done"},
	}}
	selNarrow := &Field{ID: "f", Name: "F", Type: FieldTypeSelect, Options: []SelectOption{
		{ID: "s2", Name: "Done"},
	}}
	multi := &Field{ID: "f", Name: "F", Type: FieldTypeMultiSelect, Options: sel.Options}
	multiNarrow := &Field{ID: "f", Name: "F", Type: FieldTypeMultiSelect, Options: selNarrow.Options}

	o := func(name string, v Value, from, to *Field, want Value, wantLost bool) {
		t.Run(name, func(t *testing.T) {
			got, lost := coerceValue(v, from, to)
			if !got.Equal(want) || lost != wantLost {
				t.Errorf("** got (%v, %v), wanted (%v, %v)", got, lost, want, wantLost)
			}
		})
	}

	o("surviving option", Select("s2"), sel, selNarrow, Select("s2"), false)
	o("removed option clears", Select("s1"), sel, selNarrow, EmptyValue, true)
	o("multiselect narrows", MultiSelect("s1", "s2"), multi, multiNarrow, MultiSelect("s2"), true)
	o("multiselect keeps all", MultiSelect("s1", "s2"), multi, multi, MultiSelect("s1", "s2"), false)
	o("multiselect loses all", MultiSelect("s1"), multi, multiNarrow, EmptyValue, true)
}
