package nbuild

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
)

// Status receives progress notifications from the builder.
type Status interface {
	PlanHasTotalActions(total int)
	ActionStarted(a *Action, startMillis int64)
	ActionFinished(a *Action, startMillis, endMillis int64, success bool, output string)
	BuildStarted()
	BuildFinished()

	Info(msg string, args ...interface{})
	Warning(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

const defaultStatusFormat = "[%f/%t] "

// StatusPrinter prints ninja style "[finished/total] description" lines.
// The format can be changed with $NBUILD_STATUS.
type StatusPrinter struct {
	config  *BuildConfig
	printer *LinePrinter
	errOut  io.Writer
	format  string

	started    int
	finished   int
	total      int
	running    int
	timeMillis int64

	failed *color.Color
	warn   *color.Color
	errc   *color.Color
}

func NewStatusPrinter(config *BuildConfig) *StatusPrinter {
	return NewStatusPrinterTo(config, NewLinePrinter(), os.Stderr)
}

func NewStatusPrinterTo(config *BuildConfig, printer *LinePrinter, errOut io.Writer) *StatusPrinter {
	s := &StatusPrinter{
		config:  config,
		printer: printer,
		errOut:  errOut,
		format:  os.Getenv("NBUILD_STATUS"),
		failed:  color.New(color.FgRed, color.Bold),
		warn:    color.New(color.FgYellow),
		errc:    color.New(color.FgRed),
	}
	if s.format == "" {
		s.format = defaultStatusFormat
	}
	for _, c := range []*color.Color{s.failed, s.warn, s.errc} {
		if printer.SupportsColor() {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return s
}

func (s *StatusPrinter) PlanHasTotalActions(total int) { s.total = total }

func (s *StatusPrinter) BuildStarted() {
	s.started, s.finished, s.running = 0, 0, 0
}

func (s *StatusPrinter) BuildFinished() {
	s.printer.PrintOnNewLine("")
}

func (s *StatusPrinter) ActionStarted(a *Action, startMillis int64) {
	s.started++
	s.running++
	s.timeMillis = startMillis
	if s.printer.IsSmartTerminal() {
		s.PrintStatus(a)
	}
}

func (s *StatusPrinter) ActionFinished(a *Action, startMillis, endMillis int64, success bool, output string) {
	s.timeMillis = endMillis
	s.finished++
	s.running--
	if s.config.Verbosity == Quiet {
		return
	}
	if !s.printer.IsSmartTerminal() {
		s.PrintStatus(a)
	}
	if !success {
		s.printer.PrintOnNewLine(s.failed.Sprint("FAILED: ") + strings.Join(a.Outputs, " ") + "\n")
		if a.Command != nil {
			s.printer.PrintOnNewLine(a.Command.String() + "\n")
		}
	}
	if output != "" {
		if !s.printer.SupportsColor() {
			output = stripAnsiEscapeCodes(output)
		}
		if !strings.HasSuffix(output, "\n") {
			output += "\n"
		}
		s.printer.PrintOnNewLine(output)
	}
}

// PrintStatus prints the progress line of a, preceded by its reason
// when explaining.
func (s *StatusPrinter) PrintStatus(a *Action) {
	if s.config.Verbosity == Quiet || s.config.Verbosity == NoStatusUpdate {
		return
	}
	if s.config.Explain && a.Reason != "" {
		s.printer.PrintOnNewLine("nbuild explain: " + a.Reason + "\n")
	}
	desc := a.Name()
	lineType := Elide
	if a.Command != nil {
		desc = a.Command.Description
		if s.config.Verbosity == Verbose {
			desc = a.Command.String()
			lineType = Full
		}
	}
	s.printer.Print(s.FormatProgressStatus(s.format)+desc, lineType)
}

// FormatProgressStatus expands the placeholders of format:
// %s started, %t total, %r running, %u unstarted, %f finished,
// %p percentage, %e elapsed seconds, %% a literal percent sign.
func (s *StatusPrinter) FormatProgressStatus(format string) string {
	var out strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' || i+1 == len(format) {
			out.WriteByte(c)
			continue
		}
		i++
		switch format[i] {
		case '%':
			out.WriteByte('%')
		case 's':
			out.WriteString(strconv.Itoa(s.started))
		case 't':
			out.WriteString(strconv.Itoa(s.total))
		case 'r':
			out.WriteString(strconv.Itoa(s.running))
		case 'u':
			out.WriteString(strconv.Itoa(s.total - s.started))
		case 'f':
			out.WriteString(strconv.Itoa(s.finished))
		case 'p':
			percent := 0
			if s.total != 0 {
				percent = 100 * s.finished / s.total
			}
			fmt.Fprintf(&out, "%3d%%", percent)
		case 'e':
			fmt.Fprintf(&out, "%.3f", float64(s.timeMillis)/1e3)
		default:
			out.WriteByte('%')
			out.WriteByte(format[i])
		}
	}
	return out.String()
}

func (s *StatusPrinter) Info(msg string, args ...interface{}) {
	s.printer.PrintOnNewLine("nbuild: " + fmt.Sprintf(msg, args...) + "\n")
}

func (s *StatusPrinter) Warning(msg string, args ...interface{}) {
	fmt.Fprintln(s.errOut, s.warn.Sprint("nbuild: warning: ")+fmt.Sprintf(msg, args...))
}

func (s *StatusPrinter) Error(msg string, args ...interface{}) {
	fmt.Fprintln(s.errOut, s.errc.Sprint("nbuild: error: ")+fmt.Sprintf(msg, args...))
}
