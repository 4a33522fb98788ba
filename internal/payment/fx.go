package payment

import (
	"github.com/smallbiznis/subreconcile/internal/payment/adapters"
	"github.com/smallbiznis/subreconcile/internal/payment/adapters/stripe"
	"github.com/smallbiznis/subreconcile/internal/payment/repository"
	"github.com/smallbiznis/subreconcile/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			stripe.NewFactory(),
		)
	}),
	fx.Provide(webhook.NewService),
	fx.Invoke(webhook.RegisterRetryHandler),
)
