package trainer

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/cfgdiffusion/diffusion"
	"github.com/gomlx/cfgdiffusion/unet"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

// newTable with a header, the first column aligned to the left and the others to the right.
func newTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers(headers...).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Left)
			}
			return s.Align(lipgloss.Right)
		})
}

// ModelSummary returns a table with the number of variables, parameters and bytes of the model in ctx.
func ModelSummary(ctx *context.Context) string {
	var numVars int
	ctx.EnumerateVariables(func(_ *context.Variable) { numVars++ })
	table := newTable("Model", "Value")
	table.Row("# variables", humanize.Comma(int64(numVars)))
	table.Row("# parameters", humanize.Comma(int64(ctx.NumParameters())))
	table.Row("# bytes", humanize.Bytes(uint64(ctx.Memory())))
	return table.Render()
}

// Summary returns a table with the settings of the run and the size of the model.
func (d *Driver) Summary() string {
	conditional, unconditional := d.dataset.Counts()
	table := newTable("Run", "Value")
	table.Row("session", d.sessionID)
	table.Row("run name", d.config.RunName)
	table.Row("dataset", d.dataset.Name())
	table.Row("epochs", humanize.Comma(int64(d.config.Epochs)))
	table.Row("batch size", humanize.Comma(int64(d.config.BatchSize)))
	table.Row("classes", humanize.Comma(int64(d.numClasses)))
	table.Row("image size", fmt.Sprintf("%dx%dx%d",
		context.GetParamOr(d.ctx, diffusion.ParamImageSize, 64),
		context.GetParamOr(d.ctx, diffusion.ParamImageSize, 64),
		context.GetParamOr(d.ctx, diffusion.ParamInChannels, 3)))
	table.Row("diffusion steps", humanize.Comma(int64(d.process.NumSteps())))
	table.Row("time embedding", humanize.Comma(int64(context.GetParamOr(d.ctx, unet.ParamTimeDim, 256))))
	table.Row("learning rate", fmt.Sprintf("%g", context.GetParamOr(d.ctx, optimizers.ParamLearningRate, 3e-4)))
	table.Row("label dropout", fmt.Sprintf("%g", context.GetParamOr(d.ctx, ParamAlpha, 0.1)))
	table.Row("cfg scale", fmt.Sprintf("%g", d.sampler.CFGScale()))
	table.Row("batches with labels", humanize.Comma(int64(conditional)))
	table.Row("batches without labels", humanize.Comma(int64(unconditional)))
	return table.Render() + "\n" + ModelSummary(d.ctx)
}
