// Package fields models category-specific listing fields, their answers and
// the per-category schema cache.
package fields

import (
	"strings"

	"classifieds-sync/pkg/classifieds"
)

// Descriptor is the API wire shape of a field.
type Descriptor = classifieds.FieldDescriptor

// Field kinds as named by the API.
const (
	KindText             = "text"
	KindNumber           = "number"
	KindSelect           = "select"
	KindRadio            = "radio"
	KindCheckboxMultiple = "checkbox_multiple"
	KindDate             = "date"
)

// Common holds the attributes every field kind shares.
type Common struct {
	ID       string
	Name     string
	Required bool
	Default  string
}

// Option is one choice of a select, radio or checkbox field.
type Option struct {
	ID    string
	Label string
}

// Field is one of Text, Number, Select, Radio, CheckboxMultiple or Date.
type Field interface {
	Meta() Common
	Kind() string
	field()
}

type (
	// Text is a free-form text field.
	Text struct{ Common }
	// Number is a numeric text field.
	Number struct{ Common }
	// Select is a single choice from a dropdown.
	Select struct {
		Common
		Options []Option
	}
	// Radio is a single choice from radio buttons.
	Radio struct {
		Common
		Options []Option
	}
	// CheckboxMultiple is a set of choices; its answer is a list.
	CheckboxMultiple struct {
		Common
		Options []Option
	}
	// Date is a 2006-01-02 date. After and Before name the companion field
	// this date must not precede or exceed, when the field is one half of
	// a start/end pair.
	Date struct {
		Common
		After  string
		Before string
	}
)

func (f Text) Meta() Common             { return f.Common }
func (f Number) Meta() Common           { return f.Common }
func (f Select) Meta() Common           { return f.Common }
func (f Radio) Meta() Common            { return f.Common }
func (f CheckboxMultiple) Meta() Common { return f.Common }
func (f Date) Meta() Common             { return f.Common }

func (Text) Kind() string             { return KindText }
func (Number) Kind() string           { return KindNumber }
func (Select) Kind() string           { return KindSelect }
func (Radio) Kind() string            { return KindRadio }
func (CheckboxMultiple) Kind() string { return KindCheckboxMultiple }
func (Date) Kind() string             { return KindDate }

func (Text) field()             {}
func (Number) field()           {}
func (Select) field()           {}
func (Radio) field()            {}
func (CheckboxMultiple) field() {}
func (Date) field()             {}

// FromDescriptors converts wire descriptors into fields, preserving order.
// Unknown kinds become Text. Date fields whose names differ only by a
// "start"/"end" token are linked as a range.
func FromDescriptors(descs []Descriptor) []Field {
	out := make([]Field, 0, len(descs))
	for _, d := range descs {
		c := Common{
			ID:       d.ID.String(),
			Name:     d.Name,
			Required: d.Required,
			Default:  d.DefaultValue,
		}
		switch strings.ToLower(strings.TrimSpace(d.Type)) {
		case KindNumber:
			out = append(out, Number{Common: c})
		case KindSelect:
			out = append(out, Select{Common: c, Options: options(d.Options)})
		case KindRadio:
			out = append(out, Radio{Common: c, Options: options(d.Options)})
		case KindCheckboxMultiple:
			out = append(out, CheckboxMultiple{Common: c, Options: options(d.Options)})
		case KindDate:
			out = append(out, Date{Common: c})
		default:
			out = append(out, Text{Common: c})
		}
	}
	linkDateRanges(out)
	return out
}

func options(opts []classifieds.FieldOption) []Option {
	if len(opts) == 0 {
		return nil
	}
	out := make([]Option, len(opts))
	for i, o := range opts {
		out[i] = Option{ID: o.ID.String(), Label: o.Value}
	}
	return out
}

// linkDateRanges pairs "Start date"/"End date" style fields.
func linkDateRanges(fs []Field) {
	starts := make(map[string]int)
	ends := make(map[string]int)
	for i, f := range fs {
		d, ok := f.(Date)
		if !ok {
			continue
		}
		if base, ok := rangeBase(d.Name, "start"); ok {
			starts[base] = i
		} else if base, ok := rangeBase(d.Name, "end"); ok {
			ends[base] = i
		}
	}
	for base, si := range starts {
		ei, ok := ends[base]
		if !ok {
			continue
		}
		start := fs[si].(Date)
		end := fs[ei].(Date)
		start.Before = end.ID
		end.After = start.ID
		fs[si] = start
		fs[ei] = end
	}
}

// rangeBase strips token from name and returns what remains, lower-cased.
func rangeBase(name, token string) (string, bool) {
	words := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return r == ' ' || r == '_' || r == '-'
	})
	found := false
	rest := words[:0:0]
	for _, w := range words {
		if w == token && !found {
			found = true
			continue
		}
		rest = append(rest, w)
	}
	return strings.Join(rest, " "), found
}

// ByID indexes fields by id.
func ByID(fs []Field) map[string]Field {
	m := make(map[string]Field, len(fs))
	for _, f := range fs {
		m[f.Meta().ID] = f
	}
	return m
}
