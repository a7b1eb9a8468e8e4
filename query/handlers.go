package query

import (
	"context"

	"github.com/goliatone/go-mandates/core"
)

type MandateReader interface {
	GetMandate(ctx context.Context, mandateID string) (core.MandateRecord, error)
}

type TaskStatusReader interface {
	GetTaskStatus(ctx context.Context, paymentMandateID string) (core.TaskStatus, error)
}

type CatalogReader interface {
	ListServices(ctx context.Context) ([]core.CatalogEntry, error)
}

type GetMandateQuery struct {
	reader MandateReader
}

func NewGetMandateQuery(reader MandateReader) *GetMandateQuery {
	return &GetMandateQuery{reader: reader}
}

func (q *GetMandateQuery) Query(ctx context.Context, msg GetMandateMessage) (core.MandateRecord, error) {
	if q == nil || q.reader == nil {
		return core.MandateRecord{}, queryDependencyError("query: mandate reader is required")
	}
	return q.reader.GetMandate(ctx, msg.MandateID)
}

type GetTaskStatusQuery struct {
	reader TaskStatusReader
}

func NewGetTaskStatusQuery(reader TaskStatusReader) *GetTaskStatusQuery {
	return &GetTaskStatusQuery{reader: reader}
}

func (q *GetTaskStatusQuery) Query(ctx context.Context, msg GetTaskStatusMessage) (core.TaskStatus, error) {
	if q == nil || q.reader == nil {
		return core.TaskStatus{}, queryDependencyError("query: task status reader is required")
	}
	return q.reader.GetTaskStatus(ctx, msg.PaymentMandateID)
}

type ListServicesQuery struct {
	reader CatalogReader
}

func NewListServicesQuery(reader CatalogReader) *ListServicesQuery {
	return &ListServicesQuery{reader: reader}
}

func (q *ListServicesQuery) Query(ctx context.Context, _ ListServicesMessage) ([]core.CatalogEntry, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: catalog reader is required")
	}
	return q.reader.ListServices(ctx)
}
