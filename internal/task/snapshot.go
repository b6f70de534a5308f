package task

import (
	"strings"

	"github.com/storeroute/storeroute/pkg/errors"
)

// TypeSnapshot tags snapshot-create envelopes.
const TypeSnapshot = "snapshot-create"

// Snapshot task keys.
const (
	KeySnapshotID  = "snapshotId"
	KeyDescription = "description"
	KeyUserEmail   = "userEmail"
	KeyMemberID    = "memberId"
)

// SnapshotTask asks the bridge behind a staging store to snapshot a space.
type SnapshotTask struct {
	Base
	SnapshotID  Field
	Description Field
	UserEmail   Field
	MemberID    Field
}

// TaskType implements Typed.
func (s *SnapshotTask) TaskType() string { return TypeSnapshot }

// Write implements Typed.
func (s *SnapshotTask) Write() Task {
	w := newWriter()
	s.Base.write(w)
	w.put(KeySnapshotID, s.SnapshotID)
	w.put(KeyDescription, s.Description)
	w.put(KeyUserEmail, s.UserEmail)
	w.put(KeyMemberID, s.MemberID)
	return w.task(TypeSnapshot)
}

// ReadSnapshot reconstructs a snapshot task.
func ReadSnapshot(t Task) (*SnapshotTask, error) {
	if err := expectType(t, TypeSnapshot); err != nil {
		return nil, err
	}
	r := newReader(t)
	s := &SnapshotTask{}
	s.Base.read(r)
	s.SnapshotID = r.get(KeySnapshotID)
	s.Description = r.get(KeyDescription)
	s.UserEmail = r.get(KeyUserEmail)
	s.MemberID = r.get(KeyMemberID)
	return s, nil
}

// Key identifies the snapshot. Redeliveries of the same request share it.
func (s *SnapshotTask) Key() string {
	return strings.Join([]string{
		TypeSnapshot,
		keyPart(s.Account),
		keyPart(s.StoreID),
		keyPart(s.SpaceID),
		keyPart(s.SnapshotID),
	}, "/")
}

// Validate checks the fields the bridge call needs. Snapshots cover a
// whole space, so a content id is rejected.
func (s *SnapshotTask) Validate() error {
	if err := requireFields(TypeSnapshot, map[string]Field{
		KeyAccount:    s.Account,
		KeyStoreID:    s.StoreID,
		KeySpaceID:    s.SpaceID,
		KeySnapshotID: s.SnapshotID,
		KeyUserEmail:  s.UserEmail,
	}); err != nil {
		return err
	}
	if s.ContentID.IsSet() {
		return errors.NewError(errors.ErrCodeValidationFailed, "snapshot task must not name a content id").
			WithComponent("task").
			WithContext("field", KeyContentID)
	}
	if !strings.Contains(s.UserEmail.value, "@") {
		return errors.Newf(errors.ErrCodeValidationFailed, "invalid user email %q", s.UserEmail.value).
			WithComponent("task").
			WithContext("field", KeyUserEmail)
	}
	return nil
}
