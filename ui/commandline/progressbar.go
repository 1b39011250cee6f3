// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gemmathon/Gemma-EasyLM/pkg/trainer"
	"github.com/janpfeifer/gonb/gonbui"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/exp/maps"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func(loop *trainer.Loop) (name, value string)

// RefreshPeriod is the maximum time between terminal updates.
var RefreshPeriod = time.Second * 3

// maxUpdatesPerLoop is the maximum number of updates of the progress bar during a loop.
const maxUpdatesPerLoop = 1000

// progressBar holds a progressbar being displayed.
type progressBar struct {
	numSteps         int
	lastStepReported int
	lastUpdate       time.Time
	stepsPerUpdate   int
	bar              *progressbar.ProgressBar
	suffix           string
	inNotebook       bool

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	numLinesPrinted  int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// Write implements io.Writer, and appends the current suffix with metrics to each
// line. It is meant to be used as the default writer for the enclosed progressbar.ProgressBar.
// This ensures that the progress bar and its suffix are written in the same write operation;
// otherwise Jupyter Notebook may display things in different lines.
func (pBar *progressBar) Write(data []byte) (n int, err error) {
	n, err = os.Stdout.Write(data)
	if err != nil {
		return n, err
	}
	_, err = os.Stdout.Write([]byte(pBar.suffix))
	if err != nil {
		return 0, err
	}
	return
}

func (pBar *progressBar) onStart(loop *trainer.Loop) error {
	pBar.lastStepReported = loop.StartStep
	pBar.lastUpdate = time.Now()
	pBar.numSteps = loop.EndStep - loop.StartStep
	pBar.stepsPerUpdate = max(1, pBar.numSteps/maxUpdatesPerLoop)
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar), // Required to work with Jupyter notebook.
	)
	return nil
}

// metricRows returns the rows (name, value) of the metrics, sorted by name.
func metricRows(metrics trainer.Metrics) [][2]string {
	names := maps.Keys(metrics)
	slices.Sort(names)
	rows := make([][2]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, [2]string{name, fmt.Sprintf("%.4g", metrics[name])})
	}
	return rows
}

func (pBar *progressBar) onStep(loop *trainer.Loop, metrics trainer.Metrics) error {
	if pBar.bar.IsFinished() {
		return nil
	}
	amount := loop.Step + 1 - pBar.lastStepReported // +1 because the current Step is finished.
	if amount <= 0 {
		return nil
	}
	isLast := loop.Step+1 >= loop.EndStep
	if !isLast && amount < pBar.stepsPerUpdate && time.Since(pBar.lastUpdate) < RefreshPeriod {
		return nil
	}
	pBar.lastUpdate = time.Now()

	rows := metricRows(metrics)
	if pBar.inNotebook {
		// For notebooks set a suffix that will be written along with the progressbar in [progressBar.Write].
		parts := make([]string, 0, len(rows)+2)
		parts = append(parts, fmt.Sprintf(" [step=%d]", loop.Step))
		for _, row := range rows {
			parts = append(parts, fmt.Sprintf(" [%s=%s]", row[0], row[1]))
		}
		// Erase to an end-of-line escape sequence ("\033[J") not supported in Jupyter notebooks:
		parts = append(parts, "        ")
		pBar.suffix = strings.Join(parts, "")
		_ = pBar.bar.Add(amount) // Triggers print, see [pBar.Write] method.

	} else {
		pBar.suffix = "\033[J"
		update := progressBarUpdate{
			amount: amount,
			rows:   make([][2]string, 0, len(rows)+2+len(pBar.extraMetricFns)),
		}
		update.rows = append(update.rows,
			[2]string{"Global Step", fmt.Sprintf("%s of %s", humanize.Comma(int64(loop.Step+1)), humanize.Comma(int64(loop.EndStep)))},
			[2]string{"Median train step duration", FormatDuration(loop.MedianTrainStepDuration())})
		update.rows = append(update.rows, rows...)
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric(loop)
			update.rows = append(update.rows, [2]string{name, value})
		}
		pBar.updates <- update
	}
	pBar.lastStepReported = loop.Step + 1
	return nil
}

func (pBar *progressBar) onEnd(_ *trainer.Loop, _ trainer.Metrics) error {
	if pBar.updates != nil {
		close(pBar.updates)
	}
	pBar.asyncUpdatesDone.Wait()
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
	fmt.Println()
	return nil
}

// ProgressBarName is the name of the progress bar hooks in the trainer.Loop.
const ProgressBarName = "gemmapro.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// IsNotebook returns whether running inside a Jupyter notebook, with a GoNB or a bash_kernel kernel.
func IsNotebook() bool {
	if gonbui.IsNotebook {
		return true
	}
	_, found := os.LookupEnv("NOTEBOOK_BASH_KERNEL_CAPABILITIES")
	return found
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// everytime Loop is run, it will display a progress bar with progression and metrics.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(loop *trainer.Loop, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		inNotebook:     IsNotebook(),
		extraMetricFns: extraMetrics,
	}
	if !pBar.inNotebook {
		pBar.termenv = termenv.NewOutput(os.Stdout)
		pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
		pBar.statsTable = lgtable.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			})
		pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
		pBar.asyncUpdatesDone.Add(1)
		go func() {
			// Asynchronously draw updates, in case the training is faster than the terminal.
			for update := range pBar.updates {
				amount := update.amount
			exhaust:
				for {
					select {
					case newUpdate, ok := <-pBar.updates:
						if !ok {
							break exhaust
						}
						amount += newUpdate.amount
						update = newUpdate
					default:
						break exhaust
					}
				}

				pBar.statsTable.Data(lgtable.NewStringData())
				for _, row := range update.rows {
					pBar.statsTable.Row(row[0], row[1])
				}

				// Clear the previous lines that will be overwritten.
				pBar.termenv.HideCursor()
				if pBar.numLinesPrinted > 0 {
					pBar.termenv.CursorPrevLine(pBar.numLinesPrinted)
				}
				// Table rows plus its top and bottom borders, and the progress bar line.
				pBar.numLinesPrinted = len(update.rows) + 3

				fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
				_ = pBar.bar.Add(amount) // Prints progress bar line.
				fmt.Println()
				pBar.termenv.ShowCursor()
				time.Sleep(maxUpdateFrequency)
			}
			pBar.asyncUpdatesDone.Done()
		}()
	}
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	loop.OnStep(ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}
