package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulmach/orb/geojson"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/webmap-harvester/internal/config"
	"github.com/JakeFAU/webmap-harvester/internal/export"
)

// newExporter builds the asset exporter used after normalization. No
// exporter ships with the binary; tests and embedders replace it.
var newExporter = func(config.ExportConfig, *zap.Logger) (export.Exporter, error) {
	return nil, export.ErrNoExporter
}

func newNormalizeCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "normalize <file.geojson>",
		Short: "Rewrites property names so downstream systems accept them",
		Long: `Replaces '.' and ' ' with '_' in every feature property name of a GeoJSON
FeatureCollection. When export.asset_id is set the normalized collection is
submitted as an asset and the export job is monitored until it settles.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNormalize(cmd.Context(), args[0], out)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default: rewrite the input in place)")
	return cmd
}

func runNormalize(ctx context.Context, in, out string) error {
	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	if out == "" {
		out = in
	}

	data, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("read %s: %w", in, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return fmt.Errorf("decode %s: %w", in, err)
	}
	export.NormalizeProperties(fc)

	encoded, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode %s: %w", out, err)
	}
	if err := writeFileAtomic(out, encoded); err != nil {
		return err
	}
	rt.logger.Info("properties normalized", zap.String("path", out), zap.Int("features", len(fc.Features)))

	if rt.cfg.Export.AssetID == "" {
		return nil
	}
	return exportCollection(ctx, rt, fc)
}

func exportCollection(ctx context.Context, rt *runtime, fc *geojson.FeatureCollection) error {
	exporter, err := newExporter(rt.cfg.Export, rt.logger)
	if err != nil {
		return fmt.Errorf("export %s: %w", rt.cfg.Export.AssetID, err)
	}
	monitor := export.NewMonitor(exporter, export.Config{
		PollInterval: rt.cfg.Export.PollInterval(),
		Timeout:      rt.cfg.Export.Timeout(),
	}, rt.logger.Named("export"))

	result, err := monitor.Export(ctx, rt.cfg.Export.AssetID, fc)
	if err != nil {
		return fmt.Errorf("export %s: %w", rt.cfg.Export.AssetID, err)
	}
	rt.logger.Info("export finished",
		zap.String("asset_id", rt.cfg.Export.AssetID),
		zap.String("job_id", result.Job.ID),
		zap.String("state", string(result.State)),
		zap.Int("polls", result.Polls),
		zap.Duration("elapsed", result.Elapsed),
	)
	if result.State == export.StateTimedOut {
		rt.logger.Warn("export monitoring timed out; the job may still complete", zap.String("job_id", result.Job.ID))
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".normalize-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
