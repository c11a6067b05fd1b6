package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/diwise/context-graph/internal/pkg/infrastructure/storage/troe"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
)

const (
	appName string = "troe-cleaner"
)

func main() {
	appVersion := buildinfo.SourceVersion()

	ctx, log, cleanup := o11y.Init(context.Background(), appName, appVersion, "json")
	defer cleanup()

	log.Debug("begin clean troe")

	store, err := troe.Connect(ctx, troe.LoadConfiguration(ctx))
	if err != nil {
		log.Error("failed to connect to database", "err", err.Error())
		os.Exit(1)
	}
	defer store.Close()

	totalCount, err := store.RemoveDuplicates(ctx)
	if err != nil {
		log.Error("failed to remove duplicates", "err", err.Error(), slog.Int64("removed", totalCount))
		os.Exit(1)
	}

	log.Debug("vacuum")

	err = store.Vacuum(ctx)
	if err != nil {
		log.Error("failed to vacuum table", "err", err.Error())
		os.Exit(1)
	}

	log.Info("done cleaning", slog.Int64("total", totalCount))
}
