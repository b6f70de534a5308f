// Package duplication mirrors content between a tenant's stores, by
// default from the primary store to every secondary store.
package duplication

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storeroute/storeroute/internal/logging"
	"github.com/storeroute/storeroute/internal/provider"
	"github.com/storeroute/storeroute/internal/submit"
	"github.com/storeroute/storeroute/internal/task"
	"github.com/storeroute/storeroute/pkg/errors"
)

// Request describes content to duplicate. Empty store ids select the
// primary as source and every secondary as destination; an empty content
// id selects the whole space.
type Request struct {
	Account       string
	SpaceID       string
	ContentID     string
	SourceStoreID string
	StoreID       string
	Delete        bool
}

// Initiator submits duplication tasks.
type Initiator struct {
	submitter *submit.Submitter
}

// NewInitiator creates an Initiator.
func NewInitiator(submitter *submit.Submitter) *Initiator {
	return &Initiator{submitter: submitter}
}

// Initiate submits the request under a fresh request id.
func (i *Initiator) Initiate(ctx context.Context, req Request) (*task.DuplicationTask, error) {
	action := task.ActionCopy
	if req.Delete {
		action = task.ActionDelete
	}
	t := &task.DuplicationTask{
		Base: task.Base{
			Account:   optional(req.Account),
			StoreID:   optional(req.StoreID),
			SpaceID:   optional(req.SpaceID),
			ContentID: optional(req.ContentID),
		},
		SourceStoreID: optional(req.SourceStoreID),
		Action:        task.Value(action),
		RequestID:     task.Value(uuid.NewString()),
	}
	if req.ContentID == "" && !req.Delete {
		t.ContentID = task.NA()
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

// Handler executes duplication tasks. Copies overwrite, and deleting
// content that is already gone succeeds, so a redelivered task converges
// on the same result.
type Handler struct {
	resolver FactoryResolver
	logger   *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(resolver FactoryResolver, logger *zap.Logger) *Handler {
	return &Handler{resolver: resolver, logger: logging.OrNamed(logger, "duplication")}
}

// Handle implements worker.Handler.
func (h *Handler) Handle(ctx context.Context, t task.Typed) error {
	d, ok := t.(*task.DuplicationTask)
	if !ok {
		return errors.Newf(errors.ErrCodeValidationFailed, "duplication handler cannot run %s tasks", t.TaskType()).
			WithComponent("duplication")
	}

	factory, err := h.resolver.Get(ctx, d.Account.String())
	if err != nil {
		return err
	}
	src, err := source(ctx, factory, d)
	if err != nil {
		return err
	}
	dsts, err := destinations(ctx, factory, d, src.StoreID())
	if err != nil {
		return err
	}

	logger := h.logger.With(
		logging.Tenant(d.Account.String()),
		zap.String("space_id", d.SpaceID.String()),
		zap.String("action", d.ActionName()))

	if d.ActionName() == task.ActionDelete {
		return h.remove(ctx, factory.Stateless(), dsts, d, logger)
	}
	return h.copy(ctx, factory.Stateless(), src, dsts, d, logger)
}

func source(ctx context.Context, factory *provider.Factory, d *task.DuplicationTask) (provider.Provider, error) {
	if d.SourceStoreID.IsSet() {
		return factory.ByID(ctx, d.SourceStoreID.String())
	}
	return factory.Primary(ctx)
}

func destinations(ctx context.Context, factory *provider.Factory, d *task.DuplicationTask, sourceID string) ([]provider.Provider, error) {
	if d.StoreID.IsSet() {
		if d.StoreID.String() == sourceID {
			return nil, errors.Newf(errors.ErrCodeValidationFailed, "store %s is the duplication source", sourceID).
				WithComponent("duplication").
				WithContext("store_id", sourceID)
		}
		p, err := factory.ByID(ctx, d.StoreID.String())
		if err != nil {
			return nil, err
		}
		return []provider.Provider{p}, nil
	}

	var out []provider.Provider
	for _, id := range factory.Accounts().SecondaryIDs() {
		if id == sourceID {
			continue
		}
		p, err := factory.Secondary(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, errors.NewError(errors.ErrCodeValidationFailed, "tenant has no store to duplicate to").
			WithComponent("duplication").
			WithContext("tenant", factory.TenantID())
	}
	return out, nil
}

func (h *Handler) copy(ctx context.Context, stateless *provider.Stateless, src provider.Provider, dsts []provider.Provider, d *task.DuplicationTask, logger *zap.Logger) error {
	space := d.SpaceID.String()

	ids := []string{d.ContentID.String()}
	listed := !d.ContentID.IsSet()
	if listed {
		var err error
		ids, err = stateless.List(ctx, src, space, "")
		if err != nil {
			return err
		}
	}

	copied, skipped := 0, 0
	for _, dst := range dsts {
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return errors.FromContext(err, "duplicate").
					WithComponent("duplication").
					WithDetail("copied", copied)
			}
			err := stateless.Copy(ctx, src, dst, space, id)
			if listed && errors.CodeOf(err) == errors.ErrCodeContentNotFound {
				// removed from the source after listing
				skipped++
				continue
			}
			if err != nil {
				return err
			}
			copied++
		}
		logger.Debug("store duplicated", logging.StoreID(dst.StoreID()), zap.Int("items", len(ids)))
	}

	logger.Info("content duplicated",
		logging.StoreID(src.StoreID()),
		zap.Int("destinations", len(dsts)),
		zap.Int("copied", copied),
		zap.Int("skipped", skipped))
	return nil
}

func (h *Handler) remove(ctx context.Context, stateless *provider.Stateless, dsts []provider.Provider, d *task.DuplicationTask, logger *zap.Logger) error {
	space, content := d.SpaceID.String(), d.ContentID.String()
	for _, dst := range dsts {
		if err := ctx.Err(); err != nil {
			return errors.FromContext(err, "duplicate delete").WithComponent("duplication")
		}
		err := stateless.Delete(ctx, dst, space, content)
		if err != nil && errors.CodeOf(err) != errors.ErrCodeContentNotFound {
			return err
		}
	}
	logger.Info("duplicate removed", zap.String("content_id", content), zap.Int("destinations", len(dsts)))
	return nil
}
