package nbuild

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

type LineType int8

const (
	Full LineType = iota
	Elide
)

const terminalWidth = 120

// LinePrinter prints lines to a terminal, overprinting the status line
// when the terminal supports it.
type LinePrinter struct {
	out io.Writer

	// Whether we can do fancy terminal control codes.
	smartTerminal bool
	// Whether we can use ISO 6429 (ANSI) color sequences.
	supportsColor bool
	// Whether the caret is at the beginning of a blank line.
	haveBlankLine bool
}

func NewLinePrinter() *LinePrinter {
	term := os.Getenv("TERM")
	smart := isatty.IsTerminal(os.Stdout.Fd()) && term != "" && term != "dumb"
	p := &LinePrinter{out: os.Stdout, smartTerminal: smart, supportsColor: smart, haveBlankLine: true}
	if !p.supportsColor {
		force := os.Getenv("CLICOLOR_FORCE")
		p.supportsColor = force != "" && force != "0"
	}
	return p
}

// NewPlainLinePrinter writes to w without terminal control codes.
func NewPlainLinePrinter(w io.Writer) *LinePrinter {
	return &LinePrinter{out: w, haveBlankLine: true}
}

func (p *LinePrinter) IsSmartTerminal() bool { return p.smartTerminal }
func (p *LinePrinter) SupportsColor() bool   { return p.supportsColor }

// Print overprints the current line. If lineType is Elide, toPrint is
// shortened to fit on one line.
func (p *LinePrinter) Print(toPrint string, lineType LineType) {
	if !p.smartTerminal {
		fmt.Fprintln(p.out, toPrint)
		p.haveBlankLine = true
		return
	}
	if lineType == Elide {
		toPrint = elideMiddle(toPrint, terminalWidth)
	}
	fmt.Fprintf(p.out, "\r%s\x1b[K", toPrint)
	p.haveBlankLine = false
}

// PrintOnNewLine prints a string on a new line, not overprinting
// previous output.
func (p *LinePrinter) PrintOnNewLine(toPrint string) {
	if !p.haveBlankLine {
		fmt.Fprint(p.out, "\n")
	}
	if toPrint != "" {
		fmt.Fprint(p.out, toPrint)
	}
	p.haveBlankLine = toPrint == "" || strings.HasSuffix(toPrint, "\n")
}

func elideMiddle(s string, width int) string {
	if len(s) <= width {
		return s
	}
	half := (width - 3) / 2
	return s[:half] + "..." + s[len(s)-half:]
}

// stripAnsiEscapeCodes removes CSI sequences, for output going to a file.
func stripAnsiEscapeCodes(in string) string {
	if !strings.Contains(in, "\x1b") {
		return in
	}
	var sb strings.Builder
	for i := 0; i < len(in); i++ {
		if in[i] != '\x1b' {
			sb.WriteByte(in[i])
			continue
		}
		if i+1 >= len(in) || in[i+1] != '[' {
			continue
		}
		i += 2
		for i < len(in) && !(in[i] >= '@' && in[i] <= '~') {
			i++
		}
	}
	return sb.String()
}
