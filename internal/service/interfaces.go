package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"graph_collector/internal/domain"
)

// Source is a tenant-scoped connection to the graph API. since arguments
// carry timestamps in the watermark layout; an empty since leaves the lower
// bound to the source.
type Source interface {
	Authenticate(ctx context.Context) error
	ListScopes(ctx context.Context) ([]domain.Scope, error)
	ListRecordTypes(ctx context.Context, scope domain.Scope) ([]string, error)
	FetchRecords(ctx context.Context, scope domain.Scope, recordType, since string) ([]domain.Record, error)
	Close() error
}

// Sink receives collected records one at a time. schemaTag names the
// destination table or routing key.
type Sink interface {
	Deliver(ctx context.Context, schemaTag string, record domain.Record) error
	Close() error
}
