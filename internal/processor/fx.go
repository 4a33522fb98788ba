package processor

import (
	"github.com/smallbiznis/subreconcile/internal/processor/stripe"
	"go.uber.org/fx"
)

var Module = fx.Module("processor.stripe",
	fx.Provide(stripe.New),
)
