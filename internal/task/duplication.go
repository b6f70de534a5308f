package task

import (
	"strings"

	"github.com/storeroute/storeroute/pkg/errors"
)

// TypeDuplication tags duplication envelopes.
const TypeDuplication = "duplicate"

// Duplication task keys.
const (
	KeySourceStoreID = "sourceStoreId"
	KeyAction        = "action"
	KeyRequestID     = "requestId"
)

// Duplication actions.
const (
	ActionCopy   = "copy"
	ActionDelete = "delete"
)

// DuplicationTask mirrors content from a source store to a destination
// store. An unset StoreID targets every secondary store; an unset
// SourceStoreID means the primary; an unset or NA ContentID covers the
// whole space. RequestID separates repeated requests for the same content.
type DuplicationTask struct {
	Base
	SourceStoreID Field
	Action        Field
	RequestID     Field
}

// TaskType implements Typed.
func (d *DuplicationTask) TaskType() string { return TypeDuplication }

// Write implements Typed.
func (d *DuplicationTask) Write() Task {
	w := newWriter()
	d.Base.write(w)
	w.put(KeySourceStoreID, d.SourceStoreID)
	w.put(KeyAction, d.Action)
	w.put(KeyRequestID, d.RequestID)
	return w.task(TypeDuplication)
}

// ReadDuplication reconstructs a duplication task.
func ReadDuplication(t Task) (*DuplicationTask, error) {
	if err := expectType(t, TypeDuplication); err != nil {
		return nil, err
	}
	r := newReader(t)
	d := &DuplicationTask{}
	d.Base.read(r)
	d.SourceStoreID = r.get(KeySourceStoreID)
	d.Action = r.get(KeyAction)
	d.RequestID = r.get(KeyRequestID)
	return d, nil
}

// ActionName returns the action, defaulting to copy.
func (d *DuplicationTask) ActionName() string {
	return d.Action.Or(ActionCopy)
}

// Key identifies the duplication request.
func (d *DuplicationTask) Key() string {
	parts := []string{
		TypeDuplication,
		keyPart(d.Account),
		keyPart(d.SourceStoreID) + ">" + keyPart(d.StoreID),
		keyPart(d.SpaceID),
		keyPart(d.ContentID),
		d.ActionName(),
	}
	if d.RequestID.IsSet() {
		parts = append(parts, d.RequestID.value)
	}
	return strings.Join(parts, "/")
}

// Validate checks required fields and the action.
func (d *DuplicationTask) Validate() error {
	if err := requireFields(TypeDuplication, map[string]Field{
		KeyAccount: d.Account,
		KeySpaceID: d.SpaceID,
	}); err != nil {
		return err
	}
	switch d.ActionName() {
	case ActionCopy:
	case ActionDelete:
		if !d.ContentID.IsSet() {
			return missing(TypeDuplication, KeyContentID)
		}
	default:
		return errors.Newf(errors.ErrCodeValidationFailed, "unknown duplication action %q", d.ActionName()).
			WithComponent("task").
			WithContext("field", KeyAction)
	}
	if d.SourceStoreID.IsSet() && d.StoreID.IsSet() && d.SourceStoreID.value == d.StoreID.value {
		return errors.NewError(errors.ErrCodeValidationFailed, "source and destination store are the same").
			WithComponent("task").
			WithContext("field", KeyStoreID)
	}
	return nil
}
