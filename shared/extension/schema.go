package extension

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type SettingType string

const (
	TypeInt       SettingType = "int"
	TypeDouble    SettingType = "double"
	TypeBool      SettingType = "bool"
	TypeString    SettingType = "string"
	TypeSelection SettingType = "selection"
)

var ErrInvalidValue = errors.New("extension: invalid setting value")

// Option is one choice of a selection setting. Value is what gets persisted.
type Option struct {
	Name  string
	Value string
}

// Setting is a single typed entry of a Schema.
// Min, Max and Step only apply to int and double settings.
type Setting struct {
	Name        string
	Description string
	Type        SettingType
	Min         float64
	Max         float64
	Step        float64
	Default     any
	Options     []Option
}

// Numeric reports whether Min/Max/Step are meaningful.
func (s Setting) Numeric() bool {
	return s.Type == TypeInt || s.Type == TypeDouble
}

// Parse converts a persisted string into a typed value, enforcing bounds and options.
func (s Setting) Parse(raw string) (any, error) {
	raw = strings.TrimSpace(raw)

	switch s.Type {
	case TypeInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidValue, s.Name, err)
		}
		if float64(n) < s.Min || float64(n) > s.Max {
			return nil, fmt.Errorf("%w: %s: %d out of range [%v, %v]", ErrInvalidValue, s.Name, n, s.Min, s.Max)
		}
		return n, nil

	case TypeDouble:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(f) {
			return nil, fmt.Errorf("%w: %s: %q", ErrInvalidValue, s.Name, raw)
		}
		if f < s.Min || f > s.Max {
			return nil, fmt.Errorf("%w: %s: %v out of range [%v, %v]", ErrInvalidValue, s.Name, f, s.Min, s.Max)
		}
		return f, nil

	case TypeBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %q", ErrInvalidValue, s.Name, raw)
		}
		return b, nil

	case TypeString:
		return raw, nil

	case TypeSelection:
		for _, o := range s.Options {
			if o.Value == raw {
				return raw, nil
			}
		}
		return nil, fmt.Errorf("%w: %s: %q is not an option", ErrInvalidValue, s.Name, raw)
	}

	return nil, fmt.Errorf("%w: %s: unknown type %q", ErrInvalidValue, s.Name, s.Type)
}

// Schema is the ordered list of settings a module exposes.
type Schema struct {
	settings []Setting
	index    map[string]int
}

// NewSchema returns an empty schema. Builder methods replace a setting with the same name.
func NewSchema() *Schema {
	return &Schema{index: make(map[string]int)}
}

func (s *Schema) add(st Setting) *Schema {
	if i, ok := s.index[st.Name]; ok {
		s.settings[i] = st
		return s
	}
	s.index[st.Name] = len(s.settings)
	s.settings = append(s.settings, st)
	return s
}

func (s *Schema) Int(name, desc string, minV, maxV, step, def int) *Schema {
	return s.add(Setting{
		Name: name, Description: desc, Type: TypeInt,
		Min: float64(minV), Max: float64(maxV), Step: float64(step), Default: def,
	})
}

func (s *Schema) Double(name, desc string, minV, maxV, step, def float64) *Schema {
	return s.add(Setting{
		Name: name, Description: desc, Type: TypeDouble,
		Min: minV, Max: maxV, Step: step, Default: def,
	})
}

func (s *Schema) Bool(name, desc string, def bool) *Schema {
	return s.add(Setting{Name: name, Description: desc, Type: TypeBool, Default: def})
}

func (s *Schema) String(name, desc, def string) *Schema {
	return s.add(Setting{Name: name, Description: desc, Type: TypeString, Default: def})
}

// Selection adds a setting whose value must be one of opts. def is an option value.
func (s *Schema) Selection(name, desc, def string, opts ...Option) *Schema {
	return s.add(Setting{
		Name: name, Description: desc, Type: TypeSelection,
		Default: def, Options: append([]Option(nil), opts...),
	})
}

// Settings returns a copy of the settings in declaration order.
func (s *Schema) Settings() []Setting {
	if s == nil {
		return nil
	}
	return append([]Setting(nil), s.settings...)
}

func (s *Schema) Lookup(name string) (Setting, bool) {
	if s == nil {
		return Setting{}, false
	}
	i, ok := s.index[name]
	if !ok {
		return Setting{}, false
	}
	return s.settings[i], true
}

func (s *Schema) Len() int {
	if s == nil {
		return 0
	}
	return len(s.settings)
}

// Defaults returns the default value of every setting.
func (s *Schema) Defaults() Values {
	out := make(Values, s.Len())
	for _, st := range s.Settings() {
		out[st.Name] = st.Default
	}
	return out
}

// Resolve overlays persisted raw strings on the defaults. Invalid or unknown entries are
// skipped and reported through the returned error list.
func (s *Schema) Resolve(persisted map[string]string) (Values, []error) {
	out := s.Defaults()
	var errs []error
	for name, raw := range persisted {
		st, ok := s.Lookup(name)
		if !ok {
			continue
		}
		v, err := st.Parse(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[name] = v
	}
	return out, errs
}
