package webhook

import (
	"github.com/smallbiznis/keymint/internal/config"
	"github.com/smallbiznis/keymint/internal/webhook/repository"
	"github.com/smallbiznis/keymint/internal/webhook/service"
	"github.com/smallbiznis/keymint/internal/webhook/signature"
	"go.uber.org/fx"
)

func newVerifier(cfg config.Config) *signature.Verifier {
	return signature.NewVerifier(cfg.GatewayIPNSecret)
}

var Module = fx.Module("webhook",
	fx.Provide(
		repository.Provide,
		newVerifier,
		service.NewService,
	),
)
