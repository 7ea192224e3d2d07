// Package components assembles the default component registry. It owns
// no domain logic; each layer package registers its own builders, and
// this package only decides which layers ship in the binary.
package components

import (
	"github.com/veldt-data/pointpipe/internal/evaluate"
	"github.com/veldt-data/pointpipe/internal/impute"
	"github.com/veldt-data/pointpipe/internal/inout"
	"github.com/veldt-data/pointpipe/internal/mine"
	"github.com/veldt-data/pointpipe/internal/model"
	"github.com/veldt-data/pointpipe/internal/pipeline"
	"github.com/veldt-data/pointpipe/internal/report"
	"github.com/veldt-data/pointpipe/internal/transform"
	"github.com/veldt-data/pointpipe/internal/tune"
)

// Default is the process-wide registry holding every built-in
// component type. Tests that need isolation build their own through
// NewRegistry.
var Default = NewRegistry()

// NewRegistry returns a registry with all built-in component types
// registered.
func NewRegistry() *pipeline.Registry {
	reg := pipeline.NewRegistry()
	mine.RegisterComponents(reg)
	impute.RegisterComponents(reg)
	transform.RegisterComponents(reg)
	model.RegisterComponents(reg)
	evaluate.RegisterComponents(reg)
	tune.RegisterComponents(reg)
	inout.RegisterComponents(reg)
	report.RegisterComponents(reg)
	return reg
}
