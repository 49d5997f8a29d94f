package vault

import (
	"github.com/smallbiznis/keymint/internal/vault/domain"
	"github.com/smallbiznis/keymint/internal/vault/repository"
	"github.com/smallbiznis/keymint/internal/vault/service"
	"github.com/smallbiznis/keymint/internal/vault/store"
	"go.uber.org/fx"
)

var Module = fx.Module("vault.service",
	fx.Provide(repository.Provide),
	fx.Provide(store.NewDBStore),
	fx.Provide(func(s *store.DBStore) domain.ObjectStore { return s }),
	fx.Provide(service.NewService),
)
