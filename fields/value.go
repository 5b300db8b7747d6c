package fields

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// DateLayout is the wire format of date answers.
const DateLayout = "2006-01-02"

// Value is an answer: a single string, or a list for multi-select fields.
type Value struct {
	single string
	list   []string
	multi  bool
}

// String builds a single-valued answer.
func String(s string) Value { return Value{single: s} }

// List builds a list answer. A nil list is stored as empty.
func List(items ...string) Value {
	return Value{list: append([]string{}, items...), multi: true}
}

// IsList reports whether v holds a list.
func (v Value) IsList() bool { return v.multi }

// Text returns the single value, or the list joined with commas.
func (v Value) Text() string {
	if v.multi {
		return strings.Join(v.list, ",")
	}
	return v.single
}

// Items returns the list, or the single value as a one-element list.
func (v Value) Items() []string {
	if v.multi {
		return slices.Clone(v.list)
	}
	if v.single == "" {
		return nil
	}
	return []string{v.single}
}

// IsEmpty reports whether v carries no usable answer.
func (v Value) IsEmpty() bool {
	if v.multi {
		for _, s := range v.list {
			if strings.TrimSpace(s) != "" {
				return false
			}
		}
		return true
	}
	return strings.TrimSpace(v.single) == ""
}

// MarshalJSON writes a string or an array.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.multi {
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	}
	return json.Marshal(v.single)
}

// UnmarshalJSON accepts a string, number, array or null.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case nil:
		*v = Value{}
	case string:
		*v = String(t)
	case float64, bool:
		*v = String(fmt.Sprint(t))
	case []any:
		items := make([]string, 0, len(t))
		for _, item := range t {
			items = append(items, fmt.Sprint(item))
		}
		*v = List(items...)
	default:
		return fmt.Errorf("unsupported answer %s", data)
	}
	return nil
}

// Values maps field id to answer.
type Values map[string]Value

// Clone returns a copy of vs.
func (vs Values) Clone() Values {
	if vs == nil {
		return nil
	}
	out := make(Values, len(vs))
	for k, v := range vs {
		if v.multi {
			v.list = slices.Clone(v.list)
		}
		out[k] = v
	}
	return out
}

// Defaults returns the initial answers: an empty list for checkbox_multiple,
// the declared default or "" for everything else.
func Defaults(fs []Field) Values {
	out := make(Values, len(fs))
	for _, f := range fs {
		if _, ok := f.(CheckboxMultiple); ok {
			out[f.Meta().ID] = List()
			continue
		}
		out[f.Meta().ID] = String(f.Meta().Default)
	}
	return out
}

// Merge returns the defaults of fs overlaid with each layer in order, so
// later layers win. Keys of unknown fields are dropped.
func Merge(fs []Field, layers ...Values) Values {
	out := Defaults(fs)
	for _, layer := range layers {
		for id, v := range layer {
			if _, ok := out[id]; ok {
				out[id] = v
			}
		}
	}
	return out
}

// Validate checks required answers and date ranges. It returns field id to
// message, or nil when everything is valid.
func Validate(fs []Field, values Values) map[string]string {
	problems := make(map[string]string)
	for _, f := range fs {
		m := f.Meta()
		v := values[m.ID]
		if m.Required && v.IsEmpty() {
			problems[m.ID] = m.Name + " is required"
			continue
		}
		d, ok := f.(Date)
		if !ok || v.IsEmpty() {
			continue
		}
		at, err := time.Parse(DateLayout, strings.TrimSpace(v.Text()))
		if err != nil {
			problems[m.ID] = m.Name + " must be a date (YYYY-MM-DD)"
			continue
		}
		if d.Before == "" {
			continue
		}
		endVal := values[d.Before]
		if endVal.IsEmpty() {
			continue
		}
		end, err := time.Parse(DateLayout, strings.TrimSpace(endVal.Text()))
		if err != nil {
			continue
		}
		if at.After(end) {
			problems[d.Before] = "End date must not be before start date"
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return problems
}
