package commands

import (
	"fmt"
	"strconv"

	"github.com/nvr-ai/go-postprocess/models"
	"github.com/nvr-ai/go-postprocess/models/model"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var labelsTo string

var labelsCmd = &cobra.Command{
	Use:   "labels <model> [class]",
	Short: "Print the label table of a model",
	Long: `Print the label table of a model, or the id of one class.

With --to, each id is followed by the id of the same label in the target
model's table, or "-" when the target has no such label.`,
	Example: `  postprocess labels ssd
  postprocess labels yolov5 person
  postprocess labels ssd --to yolov5`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := models.LabelsFor(model.Name(args[0]))
		if err != nil {
			return err
		}

		var target *models.OutputClassSet
		if labelsTo != "" {
			if target, err = models.LabelsFor(model.Name(labelsTo)); err != nil {
				return err
			}
		}

		classes := set.Classes
		if len(args) == 2 {
			idx, err := models.Classes.GetIndex(set.Family, args[1])
			if err != nil {
				return err
			}
			classes = set.Classes[idx : idx+1]
		}

		w := cmd.OutOrStdout()
		for _, c := range classes {
			if target == nil {
				if _, err := fmt.Fprintf(w, "%d\t%s\n", c.Index, c.Name); err != nil {
					return err
				}
				continue
			}
			to := "-"
			mapped, err := models.Classes.MapClass(set.Family, c.Index, target.Family)
			switch {
			case err == nil:
				to = strconv.Itoa(mapped.Index)
			case !errors.Is(err, models.ErrUnknownClass):
				return err
			}
			if _, err := fmt.Fprintf(w, "%d\t%s\t%s\n", c.Index, c.Name, to); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	labelsCmd.Flags().StringVar(&labelsTo, "to", "", "Map ids to the label table of another model")
}
