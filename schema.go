package revdb

import (
	"fmt"
	"slices"
)

// FieldType determines how a field's cells are typed, rendered and sorted.
// The numeric values are persisted inside revisions and must stay stable.
type FieldType uint8

const (
	FieldTypeText        FieldType = 0
	FieldTypeNumber      FieldType = 1
	FieldTypeDate        FieldType = 2
	FieldTypeSelect      FieldType = 3
	FieldTypeMultiSelect FieldType = 4
	FieldTypeCheckbox    FieldType = 5
	FieldTypeURL         FieldType = 6
)

func (ft FieldType) valid() bool {
	return ft <= FieldTypeURL
}

func (ft FieldType) String() string {
	switch ft {
	case FieldTypeText:
		return "text"
	case FieldTypeNumber:
		return "number"
	case FieldTypeDate:
		return "date"
	case FieldTypeSelect:
		return "select"
	case FieldTypeMultiSelect:
		return "multiselect"
	case FieldTypeCheckbox:
		return "checkbox"
	case FieldTypeURL:
		return "url"
	default:
		return fmt.Sprintf("invalid field type %d", uint8(ft))
	}
}

// SelectOption is one choice of a select or multiselect field. Option ids are
// stable; cells reference options by id so renames don't touch rows.
type SelectOption struct {
	ID    string `msgpack:"i"`
	Name  string `msgpack:"n"`
	Color string `msgpack:"c,omitempty"`
}

// Field is a schema column. The id is immutable and never reused after
// deletion; everything else can change via updateField revisions.
type Field struct {
	ID      string         `msgpack:"i"`
	Name    string         `msgpack:"n"`
	Type    FieldType      `msgpack:"t"`
	Options []SelectOption `msgpack:"o,omitempty"` // select, multiselect
	Hidden  bool           `msgpack:"h,omitempty"`
}

func (f *Field) Clone() *Field {
	c := *f
	c.Options = slices.Clone(f.Options)
	return &c
}

// Option returns the option with the given id, or nil.
func (f *Field) Option(id string) *SelectOption {
	for i := range f.Options {
		if f.Options[i].ID == id {
			return &f.Options[i]
		}
	}
	return nil
}

// OptionByName returns the first option whose name matches, or nil.
func (f *Field) OptionByName(name string) *SelectOption {
	for i := range f.Options {
		if f.Options[i].Name == name {
			return &f.Options[i]
		}
	}
	return nil
}

// OptionOrdinal returns the option's position, or len(Options) for unknown
// ids so dangling references sort last.
func (f *Field) OptionOrdinal(id string) int {
	for i := range f.Options {
		if f.Options[i].ID == id {
			return i
		}
	}
	return len(f.Options)
}

func checkFieldShape(db string, f *Field) error {
	if f.ID == "" {
		return schemaErrf(db, "", "", "field id must not be empty")
	}
	if !f.Type.valid() {
		return schemaErrf(db, f.ID, "", "invalid field type %d", uint8(f.Type))
	}
	seen := make(map[string]bool, len(f.Options))
	for _, opt := range f.Options {
		if opt.ID == "" {
			return schemaErrf(db, f.ID, "", "option id must not be empty")
		}
		if seen[opt.ID] {
			return schemaErrf(db, f.ID, "", "duplicate option id %q", opt.ID)
		}
		seen[opt.ID] = true
	}
	return nil
}

// fieldSchema holds the ordered field list of one database. Ordinal position
// is the index in fields. Deleted ids are retained so they are never reused.
type fieldSchema struct {
	fields []*Field
	byID   map[string]*Field
	dead   map[string]bool
}

func newFieldSchema() fieldSchema {
	return fieldSchema{
		byID: make(map[string]*Field),
		dead: make(map[string]bool),
	}
}

func (s *fieldSchema) field(id string) *Field {
	return s.byID[id]
}

func (s *fieldSchema) indexOf(id string) int {
	for i, f := range s.fields {
		if f.ID == id {
			return i
		}
	}
	return -1
}

func (s *fieldSchema) insert(f *Field, at int) int {
	if at < 0 || at > len(s.fields) {
		at = len(s.fields)
	}
	s.fields = slices.Insert(s.fields, at, f)
	s.byID[f.ID] = f
	delete(s.dead, f.ID) // reinsertion via undo revives the id
	return at
}

func (s *fieldSchema) remove(id string) (*Field, int) {
	at := s.indexOf(id)
	if at < 0 {
		return nil, -1
	}
	f := s.fields[at]
	s.fields = slices.Delete(s.fields, at, at+1)
	delete(s.byID, id)
	s.dead[id] = true
	return f, at
}

func (s *fieldSchema) move(id string, to int) (from, dest int) {
	from = s.indexOf(id)
	if from < 0 {
		return -1, -1
	}
	f := s.fields[from]
	s.fields = slices.Delete(s.fields, from, from+1)
	if to < 0 || to > len(s.fields) {
		to = len(s.fields)
	}
	s.fields = slices.Insert(s.fields, to, f)
	return from, to
}
