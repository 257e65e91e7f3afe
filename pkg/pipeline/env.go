// Package pipeline answers filtered aggregation queries over a site model.
//
// A Pipeline selects candidate leaves from the existence maps and the spatial
// filter, splits them into pages and dispatches one Request per page through
// an Executor. Workers run Execute, a pure function of its Env and Request,
// and return partial aggregators that a Task merges in whatever order they
// arrive.
package pipeline

import (
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/nicktill/sitegrid/pkg/cache"
	"github.com/nicktill/sitegrid/pkg/filter"
	"github.com/nicktill/sitegrid/pkg/logging"
	"github.com/nicktill/sitegrid/pkg/sitemodel"
)

var tracer = otel.Tracer("sitegrid.pipeline")

// Models resolves project ids to resident site models. *sitemodel.Registry
// satisfies it.
type Models interface {
	Get(id uuid.UUID) (*sitemodel.SiteModel, bool)
}

// Env is everything a worker needs to execute a request. Cache may be nil.
type Env struct {
	Models Models
	Cache  *cache.Cache
	Logger *slog.Logger
}

func (e Env) logger() *slog.Logger { return logging.OrDefault(e.Logger) }

// MachineTable builds the filter view of a model's machines.
func MachineTable(m *sitemodel.SiteModel) filter.MachineTable {
	list := m.Machines().List()
	table := make(filter.MachineTable, len(list))
	for _, mc := range list {
		table[mc.ID] = filter.MachineState{GPSAccuracy: mc.GPSAccuracy, MapReset: mc.MapReset}
	}
	return table
}
