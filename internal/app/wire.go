//go:build wireinject
// +build wireinject

package app

import (
	"context"

	"github.com/google/wire"

	"github.com/imagegen/server/internal/infra/config"
)

// InitializeDependencies creates all dependencies using Wire.
func InitializeDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	wire.Build(
		AppSet,
		wire.Struct(new(Dependencies), "*"),
	)
	return nil, nil, nil
}
