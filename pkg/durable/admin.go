package durable

import (
	"context"

	"github.com/durastore/durastore/internal/entity"
	"github.com/durastore/durastore/pkg/api"
	"github.com/durastore/durastore/pkg/health"
)

// adminBackend exposes the layer to the admin API
type adminBackend struct {
	l *Layer
}

var _ api.Backend = adminBackend{}

func (b adminBackend) Health() *health.Tracker { return b.l.Health }

func (b adminBackend) Stats() interface{} { return b.l.Stats() }

func (b adminBackend) PendingUpdates() []*entity.OptimisticUpdate { return b.l.Updates.Pending() }

func (b adminBackend) Conflicts() []entity.Conflict { return b.l.Conflicts.AllConflicts() }

func (b adminBackend) ResolveConflict(ctx context.Context, req api.ResolveRequest) error {
	return b.l.Conflicts.ResolveConflict(ctx, req.EntityID, req.EntityType, req.Field, req.Strategy, req.Value)
}

func (b adminBackend) Backups() []entity.BackupPoint { return b.l.Backups.List() }

func (b adminBackend) CreateBackup(ctx context.Context, metadata map[string]string) (*entity.BackupPoint, error) {
	return b.l.Backups.CreateBackup(ctx, metadata)
}

func (b adminBackend) RestoreBackup(ctx context.Context, id string) error {
	_, err := b.l.Backups.RestoreFromBackup(ctx, id)
	return err
}

func (b adminBackend) Flush(ctx context.Context) int { return b.l.Flush(ctx) }
