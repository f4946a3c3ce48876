package durable

import (
	"context"

	"github.com/durastore/durastore/internal/entity"
	"github.com/durastore/durastore/internal/outbox"
	"github.com/durastore/durastore/pkg/errors"
	"github.com/durastore/durastore/pkg/types"
	"github.com/durastore/durastore/pkg/utils"
)

// syncHandler settles optimistic updates as the outbox reports what the
// remote did with them
type syncHandler struct {
	updates   *entity.OptimisticManager
	conflicts *entity.ConflictResolver
	logger    *utils.StructuredLogger
}

// Delivered commits the update, adopting the server copy when the ack
// carries one
func (h *syncHandler) Delivered(ctx context.Context, item types.SyncItem, ack outbox.Ack) {
	if item.Kind != types.SyncKindOptimisticUpdate {
		return
	}
	var serverData interface{}
	if ack.Data != nil {
		serverData = ack.Data
	}
	if _, err := h.updates.Commit(ctx, item.UpdateID, serverData); err != nil {
		h.logger.Warn("Failed to commit delivered update", map[string]interface{}{
			"update_id": item.UpdateID,
			"error":     err.Error(),
		})
	}
}

// Rejected handles a remote refusal. A conflict rejection that carries the
// server copy keeps the local change and hands both versions to the
// conflict resolver; any other rejection rolls the update back.
func (h *syncHandler) Rejected(ctx context.Context, item types.SyncItem, ack outbox.Ack) {
	conflict := errors.HasCode(ack.Err, errors.ErrCodeConflictUnresolved) && ack.Data != nil

	switch {
	case item.Kind == types.SyncKindOptimisticUpdate && conflict:
		// Settle first: committing marks the entity synced, the conflict
		// pass then marks it conflict.
		if _, err := h.updates.Commit(ctx, item.UpdateID, nil); err != nil {
			h.logger.Warn("Failed to settle conflicting update", map[string]interface{}{
				"update_id": item.UpdateID,
				"error":     err.Error(),
			})
		}
		h.reconcile(ctx, item, ack)
	case item.Kind == types.SyncKindOptimisticUpdate:
		if _, err := h.updates.Rollback(ctx, item.UpdateID); err != nil {
			h.logger.Warn("Failed to roll back rejected update", map[string]interface{}{
				"update_id": item.UpdateID,
				"error":     err.Error(),
			})
		}
	case conflict:
		h.reconcile(ctx, item, ack)
	default:
		h.logger.Warn("Remote rejected resolved entity", map[string]interface{}{
			"entity_id":   item.EntityID,
			"entity_type": item.EntityType,
			"error":       errString(ack.Err),
		})
	}
}

func (h *syncHandler) reconcile(ctx context.Context, item types.SyncItem, ack outbox.Ack) {
	conflicts, err := h.conflicts.HandleDataConflict(ctx, item.EntityID, item.EntityType, ack.Data, ack.ServerTimestamp)
	if err != nil {
		h.logger.Warn("Failed to reconcile server copy", map[string]interface{}{
			"entity_id":   item.EntityID,
			"entity_type": item.EntityType,
			"error":       err.Error(),
		})
		return
	}
	h.logger.Debug("Reconciled server copy", map[string]interface{}{
		"entity_id":   item.EntityID,
		"entity_type": item.EntityType,
		"conflicts":   len(conflicts),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
