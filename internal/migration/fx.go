package migration

import (
	"github.com/smallbiznis/keymint/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migration",
	fx.Invoke(func(db *gorm.DB, cfg config.Config, log *zap.Logger) error {
		return Run(db, cfg, log.Named("migration"))
	}),
)
