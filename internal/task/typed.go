package task

import (
	"sort"
	"strings"

	"github.com/storeroute/storeroute/pkg/errors"
)

// Envelope keys shared by every typed task.
const (
	KeyAccount   = "account"
	KeyStoreID   = "storeId"
	KeySpaceID   = "spaceId"
	KeyContentID = "contentId"

	// KeyNA lists, comma separated and sorted, the fields marked not
	// applicable. Their values are never written.
	KeyNA = "_na"
)

// Typed is a typed view over an envelope.
type Typed interface {
	TaskType() string
	Write() Task
	Key() string
	Validate() error
}

// Base holds the fields every typed task carries.
type Base struct {
	Account   Field
	StoreID   Field
	SpaceID   Field
	ContentID Field
}

func (b Base) write(w *writer) {
	w.put(KeyAccount, b.Account)
	w.put(KeyStoreID, b.StoreID)
	w.put(KeySpaceID, b.SpaceID)
	w.put(KeyContentID, b.ContentID)
}

func (b *Base) read(r reader) {
	b.Account = r.get(KeyAccount)
	b.StoreID = r.get(KeyStoreID)
	b.SpaceID = r.get(KeySpaceID)
	b.ContentID = r.get(KeyContentID)
}

type writer struct {
	props map[string]string
	na    []string
}

func newWriter() *writer {
	return &writer{props: make(map[string]string)}
}

func (w *writer) put(key string, f Field) {
	switch {
	case f.IsSet():
		w.props[key] = f.value
	case f.IsNA():
		w.na = append(w.na, key)
	}
}

func (w *writer) task(taskType string) Task {
	if len(w.na) > 0 {
		sort.Strings(w.na)
		w.props[KeyNA] = strings.Join(w.na, ",")
	}
	return Task{Type: taskType, Properties: w.props}
}

type reader struct {
	props map[string]string
	na    map[string]bool
}

func newReader(t Task) reader {
	r := reader{props: t.Properties, na: make(map[string]bool)}
	if list := t.Properties[KeyNA]; list != "" {
		for _, key := range strings.Split(list, ",") {
			r.na[strings.TrimSpace(key)] = true
		}
	}
	return r
}

// get prefers a present value over an NA listing.
func (r reader) get(key string) Field {
	if v, ok := r.props[key]; ok {
		return Value(v)
	}
	if r.na[key] {
		return NA()
	}
	return Unset()
}

// Read reconstructs the typed view for an envelope.
func Read(t Task) (Typed, error) {
	switch t.Type {
	case TypeSnapshot:
		return ReadSnapshot(t)
	case TypeDuplication:
		return ReadDuplication(t)
	default:
		return nil, errors.Newf(errors.ErrCodeValidationFailed, "unknown task type %q", t.Type).
			WithComponent("task")
	}
}

func expectType(t Task, want string) error {
	if t.Type != want {
		return errors.Newf(errors.ErrCodeValidationFailed, "task type %q is not %q", t.Type, want).
			WithComponent("task")
	}
	return nil
}

func missing(taskType, field string) error {
	return errors.Newf(errors.ErrCodeValidationFailed, "%s task requires %s", taskType, field).
		WithComponent("task").
		WithContext("field", field)
}

func requireFields(taskType string, fields map[string]Field) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		f := fields[k]
		if !f.IsSet() || strings.TrimSpace(f.value) == "" {
			return missing(taskType, k)
		}
	}
	return nil
}

func keyPart(f Field) string {
	if !f.IsSet() {
		return "*"
	}
	return f.value
}
