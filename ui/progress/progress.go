// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package progress displays the progress of a training epoch in the terminal: a progress bar counting
// the images processed, with the latest statistics (e.g. the batch loss) as a postfix.
//
// On a terminal the statistics are also shown in a table above the bar, redrawn asynchronously so a slow
// terminal doesn't slow down training. On other writers (e.g. a log file) only the bar is printed.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// Stat is a named value displayed along with the progress bar.
type Stat struct {
	Name, Value string
}

// Theme of the progress bar. Defaults to the ASCII version.
// Consider progressbar.ThemeUnicode for a prettier version, if the terminal supports its symbols.
var Theme = progressbar.ThemeASCII

// maxUpdateFrequency is the time between redraws of the statistics table.
const maxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

type update struct {
	amount int
	stats  []Stat
}

// Bar is the progress bar of one epoch. It is created with New, advanced with Add, and must be closed
// with Close.
type Bar struct {
	description string
	bar         *progressbar.ProgressBar
	total       int

	// Rich display on terminals.
	output           *termenv.Output
	rich             bool
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	numLinesPrinted  int
	updates          chan update
	asyncUpdatesDone sync.WaitGroup

	mu     sync.Mutex
	count  int
	closed bool
}

// New creates a progress bar writing to w, for total images, with the given description
// (e.g. "Epoch 1/5").
func New(w io.Writer, total int, description string) *Bar {
	b := &Bar{
		description:   description,
		total:         total,
		output:        termenv.NewOutput(w),
		isFirstOutput: true,
	}
	b.rich = b.output.Profile != termenv.Ascii
	options := []progressbar.Option{
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetTheme(Theme),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("img"),
	}
	if b.rich {
		options = append(options,
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true))
	}
	b.bar = progressbar.NewOptions(total, options...)
	if b.rich {
		b.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
		b.statsTable = lgtable.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			})
		b.updates = make(chan update, 100)
		b.asyncUpdatesDone.Add(1)
		go b.drawUpdates()
	}
	return b
}

// Add advances the bar by n images and sets the statistics displayed.
func (b *Bar) Add(n int, stats ...Stat) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.count += n
	if b.rich {
		b.updates <- update{amount: n, stats: stats}
		return
	}
	b.bar.Describe(b.describe(stats))
	_ = b.bar.Add(n)
}

// Count returns the number of images added so far.
func (b *Bar) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *Bar) describe(stats []Stat) string {
	if len(stats) == 0 {
		return b.description
	}
	parts := make([]string, 0, len(stats))
	for _, stat := range stats {
		parts = append(parts, fmt.Sprintf("%s=%s", stat.Name, stat.Value))
	}
	return fmt.Sprintf("%s [%s]", b.description, strings.Join(parts, ", "))
}

// drawUpdates runs in a separate goroutine, and redraws the statistics table and the bar.
func (b *Bar) drawUpdates() {
	defer b.asyncUpdatesDone.Done()
	for u := range b.updates {
		// Exhaust the updates in the buffer:
		amount := u.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-b.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				u = newUpdate
			default:
				break exhaust
			}
		}

		b.statsTable.Data(lgtable.NewStringData())
		b.statsTable.Row("Images", fmt.Sprintf("%s of %s",
			humanize.Comma(int64(b.bar.State().CurrentNum)+int64(amount)), humanize.Comma(int64(b.total))))
		for _, stat := range u.stats {
			b.statsTable.Row(stat.Name, stat.Value)
		}
		table := b.statsStyle.Render(b.statsTable.String())

		b.output.HideCursor()
		if !b.isFirstOutput {
			b.output.CursorPrevLine(b.numLinesPrinted)
		}
		b.isFirstOutput = false
		_, _ = fmt.Fprintln(b.output, table)
		b.bar.Describe(b.describe(u.stats))
		_ = b.bar.Add(amount)
		_, _ = fmt.Fprintln(b.output)
		b.numLinesPrinted = strings.Count(table, "\n") + 2
		b.output.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// Close finishes the bar, waiting for any pending redraw.
func (b *Bar) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.rich {
		close(b.updates)
		b.asyncUpdatesDone.Wait()
		b.output.ShowCursor()
	}
	if err := b.bar.Close(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(b.output)
	return err
}
