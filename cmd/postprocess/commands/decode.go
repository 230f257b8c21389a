package commands

import (
	"github.com/nvr-ai/go-postprocess/config"
	"github.com/nvr-ai/go-postprocess/models"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	decodeConfig  string
	decodeFormat  string
	decodeWorkers int
)

var decodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "Decode one recorded frame",
	Long: `Decode one recorded frame.

Example pipeline file (pipeline.yaml):
  model: yolov5
  postprocess:
    height: 512
    width: 512
    oriHeight: 1080
    oriWidth: 1920
  tensors:
    - {name: s8, path: out0.bin, layout: NHWC, valid: [1, 64, 64, 255]}
    - {name: s16, path: out1.bin, layout: NHWC, valid: [1, 32, 32, 255]}
    - {name: s32, path: out2.bin, layout: NHWC, valid: [1, 16, 16, 255]}

Examples:
  postprocess decode -c pipeline.yaml
  postprocess decode -c pipeline.yaml --format json --workers 3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := models.ParseFormat(decodeFormat)
		if err != nil {
			return err
		}

		p, err := config.Load(decodeConfig)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("workers") {
			p.Workers = decodeWorkers
		}

		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		d, err := p.Decoder(logger)
		if err != nil {
			return err
		}
		views, err := p.Views()
		if err != nil {
			return err
		}

		out, err := d.Decode(cmd.Context(), views, &p.Postprocess)
		if err != nil {
			return err
		}
		logger.Debug("frame decoded",
			zap.String("config", decodeConfig),
			zap.Int("detections", len(out.Detections)),
		)
		return models.Serialize(cmd.OutOrStdout(), models.ResultOf(d, out), format)
	},
}

func init() {
	decodeCmd.Flags().StringVarP(&decodeConfig, "config", "c", "", "Pipeline file (required)")
	decodeCmd.Flags().StringVarP(&decodeFormat, "format", "f", string(models.FormatText), "Output format: text, json or msgpack")
	decodeCmd.Flags().IntVarP(&decodeWorkers, "workers", "w", 0, "Output layers decoded concurrently")
	_ = decodeCmd.MarkFlagRequired("config")
}
