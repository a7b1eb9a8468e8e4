package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-mandates/core"
)

var (
	_ gocmd.Querier[GetMandateMessage, core.MandateRecord]    = (*GetMandateQuery)(nil)
	_ gocmd.Querier[GetTaskStatusMessage, core.TaskStatus]    = (*GetTaskStatusQuery)(nil)
	_ gocmd.Querier[ListServicesMessage, []core.CatalogEntry] = (*ListServicesQuery)(nil)
)
