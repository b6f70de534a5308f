package task

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storeroute/storeroute/pkg/errors"
)

func fullSnapshot() *SnapshotTask {
	return &SnapshotTask{
		Base: Base{
			Account:   Value("acme"),
			StoreID:   Value("10"),
			SpaceID:   Value("photos"),
			ContentID: NA(),
		},
		SnapshotID:  Value("storeroute.example.org_10_photos_2026-10-18-12-00-00"),
		Description: Value("monthly"),
		UserEmail:   Value("ops@example.org"),
		MemberID:    Value("member-1"),
	}
}

func TestSnapshotTask_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		task *SnapshotTask
	}{
		{"all fields set", func() *SnapshotTask {
			s := fullSnapshot()
			s.ContentID = Value("ignored-by-validate")
			return s
		}()},
		{"unset optional fields", &SnapshotTask{
			Base:       Base{Account: Value("acme"), StoreID: Value("10"), SpaceID: Value("photos")},
			SnapshotID: Value("id"),
			UserEmail:  Value("a@b"),
		}},
		{"na fields", fullSnapshot()},
		{"empty value is still a value", &SnapshotTask{Description: Value("")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.task.Write().Marshal()
			require.NoError(t, err)

			env, err := Unmarshal(data)
			require.NoError(t, err)

			got, err := ReadSnapshot(env)
			require.NoError(t, err)
			assert.Equal(t, tt.task, got)
		})
	}
}

func TestWrite_NAFieldsNeverReachTheWire(t *testing.T) {
	s := fullSnapshot()
	s.Description = NA()
	env := s.Write()

	_, hasContent := env.Properties[KeyContentID]
	_, hasDescription := env.Properties[KeyDescription]
	assert.False(t, hasContent)
	assert.False(t, hasDescription)
	assert.Equal(t, "contentId,description", env.Properties[KeyNA])

	for k, v := range env.Properties {
		assert.NotEqual(t, "not-applicable", v, "key %s", k)
	}
}

func TestRead_DistinguishesAbsentFromNA(t *testing.T) {
	env := Task{Type: TypeSnapshot, Properties: map[string]string{
		KeyAccount: "acme",
		KeyNA:      "contentId",
	}}

	s, err := ReadSnapshot(env)
	require.NoError(t, err)
	assert.True(t, s.ContentID.IsNA())
	assert.True(t, s.Description.IsUnset(), "absent and unlisted keys come from older producers")
	assert.Equal(t, "acme", s.Account.String())
}

func TestRead_PresentValueWinsOverNAListing(t *testing.T) {
	env := Task{Type: TypeDuplication, Properties: map[string]string{
		KeyContentID: "doc.txt",
		KeyNA:        "contentId",
	}}
	d, err := ReadDuplication(env)
	require.NoError(t, err)
	assert.Equal(t, Value("doc.txt"), d.ContentID)
}

func TestRead_Dispatch(t *testing.T) {
	typed, err := Read(fullSnapshot().Write())
	require.NoError(t, err)
	assert.IsType(t, &SnapshotTask{}, typed)

	typed, err = Read((&DuplicationTask{Base: Base{Account: Value("a")}}).Write())
	require.NoError(t, err)
	assert.IsType(t, &DuplicationTask{}, typed)

	_, err = Read(Task{Type: "bogus"})
	assert.Equal(t, errors.ErrCodeValidationFailed, errors.CodeOf(err))

	_, err = ReadSnapshot(Task{Type: TypeDuplication})
	assert.Equal(t, errors.ErrCodeValidationFailed, errors.CodeOf(err))
}

func TestDuplicationTask_RoundTrip(t *testing.T) {
	d := &DuplicationTask{
		Base: Base{
			Account:   Value("acme"),
			StoreID:   Value("11"),
			SpaceID:   Value("photos"),
			ContentID: Value("a/b.jpg"),
		},
		SourceStoreID: Value("10"),
		Action:        Value(ActionDelete),
		RequestID:     Value("req-1"),
	}
	got, err := ReadDuplication(d.Write())
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestUnmarshal_Errors(t *testing.T) {
	_, err := Unmarshal([]byte("{not json"))
	assert.Equal(t, errors.ErrCodeSerializationFailed, errors.CodeOf(err))

	_, err = Unmarshal([]byte(`{"properties":{}}`))
	assert.Equal(t, errors.ErrCodeSerializationFailed, errors.CodeOf(err))

	env, err := Unmarshal([]byte(`{"type":"snapshot-create"}`))
	require.NoError(t, err)
	assert.NotNil(t, env.Properties)
}

func TestMarshal_WireShape(t *testing.T) {
	data, err := Task{Type: "x"}.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"x","properties":{}}`, string(data))
}

func TestSnapshotTask_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*SnapshotTask)
		field  string
	}{
		{"valid", func(*SnapshotTask) {}, ""},
		{"missing account", func(s *SnapshotTask) { s.Account = Unset() }, KeyAccount},
		{"na space", func(s *SnapshotTask) { s.SpaceID = NA() }, KeySpaceID},
		{"blank snapshot id", func(s *SnapshotTask) { s.SnapshotID = Value("  ") }, KeySnapshotID},
		{"content id set", func(s *SnapshotTask) { s.ContentID = Value("x") }, KeyContentID},
		{"bad email", func(s *SnapshotTask) { s.UserEmail = Value("nobody") }, KeyUserEmail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := fullSnapshot()
			tt.modify(s)
			err := s.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			e, ok := errors.As(err)
			require.True(t, ok)
			assert.Equal(t, errors.ErrCodeValidationFailed, e.Code)
			assert.Equal(t, tt.field, e.Context["field"])
			assert.False(t, errors.IsRetryable(err))
		})
	}
}

func TestDuplicationTask_Validate(t *testing.T) {
	base := Base{Account: Value("acme"), SpaceID: Value("photos")}

	assert.NoError(t, (&DuplicationTask{Base: base}).Validate())
	assert.Error(t, (&DuplicationTask{Base: base, Action: Value("move")}).Validate())
	assert.Error(t, (&DuplicationTask{Base: base, Action: Value(ActionDelete)}).Validate())
	assert.Error(t, (&DuplicationTask{Base: Base{Account: Value("acme")}}).Validate())

	same := base
	same.StoreID = Value("10")
	assert.Error(t, (&DuplicationTask{Base: same, SourceStoreID: Value("10")}).Validate())
}

func TestKeys(t *testing.T) {
	a := fullSnapshot()
	b := fullSnapshot()
	b.Description = Value("different description, same snapshot")
	assert.Equal(t, a.Key(), b.Key())

	b.SnapshotID = Value("other")
	assert.NotEqual(t, a.Key(), b.Key())
	assert.True(t, strings.HasPrefix(a.Key(), TypeSnapshot+"/acme/10/photos/"))

	d := &DuplicationTask{Base: Base{Account: Value("acme"), SpaceID: Value("s")}}
	assert.Equal(t, "duplicate/acme/*>*/s/*/copy", d.Key())
	d.RequestID = Value("r1")
	assert.Equal(t, "duplicate/acme/*>*/s/*/copy/r1", d.Key())
}

func TestLifecycle(t *testing.T) {
	allowed := [][2]State{
		{StateRequested, StateQueued},
		{StateRequested, StateFailed},
		{StateQueued, StateInProgress},
		{StateQueued, StateFailed},
		{StateInProgress, StateInProgress},
		{StateInProgress, StateComplete},
		{StateInProgress, StateFailed},
	}
	for _, tr := range allowed {
		assert.NoError(t, Transition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	for _, from := range []State{StateComplete, StateFailed} {
		assert.True(t, from.Terminal())
		for _, to := range []State{StateRequested, StateQueued, StateInProgress, StateComplete, StateFailed} {
			err := Transition(from, to)
			assert.Equal(t, errors.ErrCodeInvalidStateTransition, errors.CodeOf(err), "%s -> %s", from, to)
		}
	}

	assert.False(t, CanTransition(StateQueued, StateComplete))
	assert.False(t, CanTransition(StateRequested, StateInProgress))
}
