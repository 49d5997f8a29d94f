package fulfillment

import (
	"context"

	"github.com/smallbiznis/keymint/internal/fulfillment/domain"
	"github.com/smallbiznis/keymint/internal/fulfillment/repository"
	"github.com/smallbiznis/keymint/internal/fulfillment/service"
	"go.uber.org/fx"
)

func registerExpirySweeper(lc fx.Lifecycle, svc *service.Service) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go svc.RunExpirySweeper(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

var Module = fx.Module("fulfillment",
	fx.Provide(
		repository.Provide,
		service.NewService,
		func(s *service.Service) domain.Service { return s },
	),
	fx.Invoke(registerExpirySweeper),
)
