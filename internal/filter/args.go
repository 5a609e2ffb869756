package filter

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/smazurov/mediagraph/internal/props"
)

var (
	fractionType = reflect.TypeOf(props.Fraction{})
	valueType    = reflect.TypeOf(props.Value{})
)

// BindArgs parses the given textual arguments against the descriptor schema
// and stores them in the fields of impl tagged `arg:"name"`. Missing
// arguments take their default. Unknown names are rejected.
func BindArgs(d *Descriptor, impl Filter, given map[string]string) (map[string]props.Value, error) {
	for name := range given {
		if _, ok := d.Arg(name); !ok {
			return nil, NewError(CodeBadParameter, fmt.Sprintf("%s: unknown argument %q", d.Name, name), nil)
		}
	}

	values := make(map[string]props.Value, len(d.Args))
	for _, a := range d.Args {
		text, ok := given[a.Name]
		if !ok {
			if a.Flags&ArgRequired != 0 {
				return nil, NewError(CodeBadParameter, fmt.Sprintf("%s: argument %q is required", d.Name, a.Name), nil)
			}
			text = a.Default
		}
		if text == "" && a.Kind != props.KindString && a.Kind != props.KindName {
			continue
		}
		v, err := parseArg(d, a, text)
		if err != nil {
			return nil, err
		}
		if err := storeArg(impl, a.Name, v); err != nil {
			return nil, NewError(CodeBadParameter, d.Name, err)
		}
		values[a.Name] = v
	}
	return values, nil
}

// UpdateArg parses and stores a single updatable argument.
func UpdateArg(d *Descriptor, impl Filter, name, text string) (props.Value, error) {
	a, ok := d.Arg(name)
	if !ok {
		return props.Value{}, NewError(CodeBadParameter, fmt.Sprintf("%s: unknown argument %q", d.Name, name), nil)
	}
	if a.Flags&ArgUpdatable == 0 {
		return props.Value{}, NewError(CodeUnsupported, fmt.Sprintf("%s: argument %q cannot be updated", d.Name, name), nil)
	}
	v, err := parseArg(d, a, text)
	if err != nil {
		return props.Value{}, err
	}
	if err := storeArg(impl, name, v); err != nil {
		return props.Value{}, NewError(CodeBadParameter, d.Name, err)
	}
	return v, nil
}

func parseArg(d *Descriptor, a ArgDesc, text string) (props.Value, error) {
	if len(a.Enum) > 0 && !slices.Contains(a.Enum, text) {
		return props.Value{}, NewError(CodeBadParameter,
			fmt.Sprintf("%s: argument %q must be one of %s, got %q", d.Name, a.Name, strings.Join(a.Enum, "|"), text), nil)
	}
	v, err := props.Parse(a.Kind, text)
	if err != nil {
		return props.Value{}, NewError(CodeBadParameter, fmt.Sprintf("%s: argument %q", d.Name, a.Name), err)
	}
	return v, nil
}

// storeArg writes v into the field of impl tagged with name. Filters without
// a matching field read their arguments through Instance.Arg instead.
func storeArg(impl Filter, name string, v props.Value) error {
	rv := reflect.ValueOf(impl)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return nil
	}
	sv := rv.Elem()
	st := sv.Type()
	for i := 0; i < st.NumField(); i++ {
		if st.Field(i).Tag.Get("arg") != name {
			continue
		}
		field := sv.Field(i)
		if !field.CanSet() {
			return fmt.Errorf("field for argument %q is not settable", name)
		}
		return setField(field, v)
	}
	return nil
}

func setField(field reflect.Value, v props.Value) error {
	switch field.Type() {
	case fractionType:
		field.Set(reflect.ValueOf(v.Fraction()))
		return nil
	case valueType:
		field.Set(reflect.ValueOf(v))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		if v.Kind() == props.KindString || v.Kind() == props.KindName {
			field.SetString(v.Str())
		} else {
			field.SetString(v.String())
		}
	case reflect.Bool:
		field.SetBool(v.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		field.SetInt(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		field.SetUint(v.Uint())
	case reflect.Float32, reflect.Float64:
		field.SetFloat(v.Float())
	case reflect.Slice:
		switch field.Type().Elem().Kind() {
		case reflect.Uint8:
			field.SetBytes(v.Bytes())
		case reflect.String:
			var parts []string
			for p := range strings.SplitSeq(v.Str(), ",") {
				if p = strings.TrimSpace(p); p != "" {
					parts = append(parts, p)
				}
			}
			field.Set(reflect.ValueOf(parts))
		default:
			return fmt.Errorf("unsupported slice field %s", field.Type())
		}
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}
