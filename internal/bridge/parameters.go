// Package bridge talks to the snapshot bridge that sits behind a staging
// store: the create-snapshot parameter document and an HTTP client for it.
package bridge

import (
	"encoding/json"

	"github.com/storeroute/storeroute/pkg/errors"
)

// CreateSnapshotParameters is the body of a create-snapshot call. Empty
// fields are omitted from the wire form.
type CreateSnapshotParameters struct {
	Host        string `json:"host,omitempty"`
	Port        string `json:"port,omitempty"`
	StoreID     string `json:"storeId,omitempty"`
	SpaceID     string `json:"spaceId,omitempty"`
	Description string `json:"description,omitempty"`
	MemberID    string `json:"memberId,omitempty"`
	UserEmail   string `json:"userEmail,omitempty"`
}

// Serialize returns the canonical JSON form.
func (p CreateSnapshotParameters) Serialize() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeSerializationFailed, "unable to create task result").
			WithComponent("bridge")
	}
	return string(data), nil
}

// DeserializeCreateSnapshotParameters parses the JSON form.
func DeserializeCreateSnapshotParameters(s string) (CreateSnapshotParameters, error) {
	var p CreateSnapshotParameters
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return CreateSnapshotParameters{}, errors.Wrap(err, errors.ErrCodeSerializationFailed, "unable to parse snapshot parameters").
			WithComponent("bridge")
	}
	return p, nil
}

// CreateSnapshotResult is the bridge's reply.
type CreateSnapshotResult struct {
	SnapshotID string `json:"snapshotId"`
	Status     string `json:"status"`

	// AlreadyExists is set when the bridge already knew the snapshot.
	AlreadyExists bool `json:"-"`
}
