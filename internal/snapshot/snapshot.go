// Package snapshot starts snapshots of a space held in a staging store.
// The Initiator turns a request into a queued snapshot-create task; the
// Handler executes that task by calling the bridge behind the store.
package snapshot

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/storeroute/storeroute/internal/bridge"
	"github.com/storeroute/storeroute/internal/logging"
	"github.com/storeroute/storeroute/internal/provider"
	"github.com/storeroute/storeroute/internal/submit"
	"github.com/storeroute/storeroute/internal/task"
	"github.com/storeroute/storeroute/pkg/errors"
)

// IDTimeFormat is the timestamp layout embedded in snapshot ids.
const IDTimeFormat = "2006-01-02-15-04-05"

// NewID returns the snapshot id host_storeId_spaceId_timestamp, with the
// timestamp in UTC.
func NewID(host, storeID, spaceID string, at time.Time) string {
	return strings.Join([]string{host, storeID, spaceID, at.UTC().Format(IDTimeFormat)}, "_")
}

// Request describes a snapshot to take.
type Request struct {
	Account     string
	StoreID     string
	SpaceID     string
	Description string
	UserEmail   string
	MemberID    string
}

// Initiator submits snapshot-create tasks. The id is fixed here, once, so
// every redelivery of the task asks the bridge for the same snapshot.
type Initiator struct {
	submitter *submit.Submitter
	host      string
	now       func() time.Time
}

// NewInitiator creates an Initiator naming snapshots after host.
func NewInitiator(submitter *submit.Submitter, host string) *Initiator {
	return &Initiator{submitter: submitter, host: host, now: time.Now}
}

// Initiate submits the snapshot and returns the queued task.
func (i *Initiator) Initiate(ctx context.Context, req Request) (*task.SnapshotTask, error) {
	t := &task.SnapshotTask{
		Base: task.Base{
			Account:   optional(req.Account),
			StoreID:   optional(req.StoreID),
			SpaceID:   optional(req.SpaceID),
			ContentID: task.NA(),
		},
		SnapshotID:  task.Value(NewID(i.host, req.StoreID, req.SpaceID, i.now())),
		Description: optional(req.Description),
		UserEmail:   optional(req.UserEmail),
		MemberID:    optional(req.MemberID),
	}
	if err := i.submitter.Submit(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func optional(v string) task.Field {
	if v == "" {
		return task.Unset()
	}
	return task.Value(v)
}

// FactoryResolver returns the provider factory of a tenant.
type FactoryResolver interface {
	Get(ctx context.Context, tenantID string) (*provider.Factory, error)
}

// Handler executes snapshot-create tasks.
type Handler struct {
	resolver FactoryResolver
	bridge   *bridge.Client
	logger   *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(resolver FactoryResolver, client *bridge.Client, logger *zap.Logger) *Handler {
	return &Handler{resolver: resolver, bridge: client, logger: logging.OrNamed(logger, "snapshot")}
}

// Handle implements worker.Handler.
func (h *Handler) Handle(ctx context.Context, t task.Typed) error {
	s, ok := t.(*task.SnapshotTask)
	if !ok {
		return errors.Newf(errors.ErrCodeValidationFailed, "snapshot handler cannot run %s tasks", t.TaskType()).
			WithComponent("snapshot")
	}

	tenant := s.Account.String()
	storeID := s.StoreID.String()

	factory, err := h.resolver.Get(ctx, tenant)
	if err != nil {
		return err
	}
	p, err := factory.ByID(ctx, storeID)
	if err != nil {
		return err
	}
	staged, ok := p.(provider.Bridged)
	if !ok {
		return errors.Newf(errors.ErrCodeValidationFailed, "store %s (%s) has no snapshot bridge", storeID, p.Type()).
			WithComponent("snapshot").
			WithContext("tenant", tenant).
			WithContext("store_id", storeID)
	}

	if err := ctx.Err(); err != nil {
		return errors.FromContext(err, "snapshot").WithComponent("snapshot")
	}

	accounts := factory.Accounts()
	result, err := h.bridge.CreateSnapshot(ctx, staged.Bridge(), s.SnapshotID.String(), bridge.CreateSnapshotParameters{
		Host:        accounts.Host,
		Port:        accounts.Port,
		StoreID:     storeID,
		SpaceID:     s.SpaceID.String(),
		Description: s.Description.String(),
		MemberID:    s.MemberID.String(),
		UserEmail:   s.UserEmail.String(),
	})
	if err != nil {
		return err
	}

	h.logger.Info("snapshot created",
		logging.Tenant(tenant),
		logging.StoreID(storeID),
		zap.String("space_id", s.SpaceID.String()),
		zap.String("snapshot_id", result.SnapshotID),
		zap.Bool("already_exists", result.AlreadyExists))
	return nil
}
