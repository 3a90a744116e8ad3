package store

import "fmt"

// DataType is the declared type of a Property value, per spec.md §4.1.
type DataType int

const (
	TypeString DataType = iota
	TypeInt
	TypeBool
	TypeList
	TypeDict
)

// Property is a single field descriptor in a property directory's
// schema: name, type, whether it's required, its default, and (for
// string-choice properties) the set of literal values it accepts.
type Property struct {
	Name     string
	Type     DataType
	Required bool
	Default  any
	// Choices, if non-empty, restricts this (string) property to an
	// enumerated set of allowed values -- a StrChoiceProperty.
	Choices []string
}

// Schema is the ordered set of Propertys backing a property directory.
type Schema []Property

func (s Schema) find(name string) (Property, bool) {
	for _, p := range s {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// Validate checks a fully-merged property map against the schema: every
// required property must be present, every present property must match
// its declared type, and choice properties must take an allowed value.
// It never mutates data; callers apply defaults separately via Defaults.
func (s Schema) Validate(data map[string]any) error {
	for _, p := range s {
		v, present := data[p.Name]
		if !present {
			if p.Required {
				return NewError(KindValidation, "missing required property %q", p.Name)
			}
			continue
		}
		if err := p.validateValue(v); err != nil {
			return err
		}
	}
	return nil
}

func (p Property) validateValue(v any) error {
	switch p.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return NewError(KindValidation, "property %q must be a string", p.Name)
		}
		if len(p.Choices) > 0 && !containsStr(p.Choices, s) {
			return NewError(KindValidation, "property %q: %q is not one of %v", p.Name, s, p.Choices)
		}
	case TypeInt:
		switch v.(type) {
		case int, int64, float64:
		default:
			return NewError(KindValidation, "property %q must be an integer", p.Name)
		}
	case TypeBool:
		if _, ok := v.(bool); !ok {
			return NewError(KindValidation, "property %q must be a bool", p.Name)
		}
	case TypeList:
		if _, ok := v.([]any); !ok {
			return NewError(KindValidation, "property %q must be a list", p.Name)
		}
	case TypeDict:
		switch v.(type) {
		case map[string]any, map[string]string:
		default:
			return NewError(KindValidation, "property %q must be a dict", p.Name)
		}
	default:
		return fmt.Errorf("unknown data type for property %q", p.Name)
	}
	return nil
}

// Defaults returns a fresh map containing every property's default value.
func (s Schema) Defaults() map[string]any {
	out := make(map[string]any, len(s))
	for _, p := range s {
		if p.Default != nil {
			out[p.Name] = p.Default
		}
	}
	return out
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// StrChoiceProperty is a convenience constructor for a required or
// optional string property restricted to an enumerated set of values.
func StrChoiceProperty(name string, required bool, def string, choices ...string) Property {
	p := Property{Name: name, Type: TypeString, Required: required, Choices: choices}
	if def != "" {
		p.Default = def
	}
	return p
}
