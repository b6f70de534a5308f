package task

// Field is an optional task value. A field is unset, set to a value, or
// marked not applicable to the operation. Only set fields reach the wire.
type Field struct {
	state fieldState
	value string
}

type fieldState uint8

const (
	fieldUnset fieldState = iota
	fieldSet
	fieldNA
)

// Value returns a set field.
func Value(v string) Field {
	return Field{state: fieldSet, value: v}
}

// NA returns a field marked not applicable.
func NA() Field {
	return Field{state: fieldNA}
}

// Unset returns an empty field.
func Unset() Field {
	return Field{}
}

// IsSet reports whether the field carries a value.
func (f Field) IsSet() bool { return f.state == fieldSet }

// IsNA reports whether the field was marked not applicable.
func (f Field) IsNA() bool { return f.state == fieldNA }

// IsUnset reports whether the field is neither set nor NA.
func (f Field) IsUnset() bool { return f.state == fieldUnset }

// String returns the value, or "" when the field is not set.
func (f Field) String() string {
	if f.state != fieldSet {
		return ""
	}
	return f.value
}

// Or returns the value, or def when the field is not set.
func (f Field) Or(def string) string {
	if f.state != fieldSet {
		return def
	}
	return f.value
}

// GoString renders the field for debugging without confusing NA with a value.
func (f Field) GoString() string {
	switch f.state {
	case fieldSet:
		return `task.Value("` + f.value + `")`
	case fieldNA:
		return "task.NA()"
	default:
		return "task.Unset()"
	}
}
