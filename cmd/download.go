package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/webmap-harvester/internal/app"
)

// newApp is the application factory. Tests replace it to inject options.
var newApp = app.New

func newDownloadCmd() *cobra.Command {
	var webmapID string
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Downloads every layer of a webmap",
		Long: `Fetches the webmap definition, resolves each operational layer and writes
one GeoJSON file per top-level layer to the configured output backend.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDownload(cmd.Context(), webmapID)
		},
	}
	cmd.Flags().StringVar(&webmapID, "webmap", "", "webmap item id (overrides arcgis.webmap_id)")
	return cmd
}

func runDownload(ctx context.Context, webmapID string) error {
	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	if strings.TrimSpace(webmapID) == "" {
		webmapID = rt.cfg.ArcGIS.WebmapID
	}
	if strings.TrimSpace(webmapID) == "" {
		return errors.New("a webmap id is required (--webmap or arcgis.webmap_id)")
	}

	a, err := newApp(ctx, rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer a.Close()
	a.StartServer()

	result, err := a.Run(ctx, webmapID)
	counters := result.Run.Counters
	rt.logger.Info("download finished",
		zap.String("run_id", result.Run.ID),
		zap.String("status", string(result.Run.Status)),
		zap.Int("layers_discovered", counters.LayersDiscovered),
		zap.Int("layers_saved", counters.LayersSaved),
		zap.Int("layers_empty", counters.LayersEmpty),
		zap.Int("layers_absent", counters.LayersAbsent),
		zap.Int("write_failures", counters.WriteFailures),
		zap.Int("features_written", counters.FeaturesWritten),
	)
	if err != nil {
		return fmt.Errorf("run %s: %w", result.Run.ID, err)
	}
	return nil
}
