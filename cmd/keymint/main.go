package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keymint/internal/server"
	"github.com/smallbiznis/keymint/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		fx.Provide(RegisterSnowflake),
		db.Module,
		server.Module,
	)

	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
