package reconcile

import (
	"github.com/smallbiznis/subreconcile/internal/reconcile/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconcile.engine",
	fx.Provide(service.NewEngine),
)
