package crm

import (
	"context"

	"github.com/google/uuid"
)

// ConnectionRepository persists connections and their credentials.
type ConnectionRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*Connection, error)
	FindAll(ctx context.Context) ([]*Connection, error)
	FindEnabled(ctx context.Context) ([]*Connection, error)
	Save(ctx context.Context, conn *Connection) error
	// Delete removes the connection and cascades its mappings and correlation entries.
	Delete(ctx context.Context, id uuid.UUID) error
}

// EntityMappingRepository persists entity mappings with their field and
// relationship mappings.
type EntityMappingRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*EntityMapping, error)
	FindByConnection(ctx context.Context, connectionID uuid.UUID) ([]*EntityMapping, error)
	// FindEnabledByConnection returns enabled mappings ordered by creation time.
	FindEnabledByConnection(ctx context.Context, connectionID uuid.UUID) ([]*EntityMapping, error)
	// Save upserts the mapping and replaces its children.
	Save(ctx context.Context, mapping *EntityMapping) error
	Delete(ctx context.Context, id uuid.UUID) error
}
