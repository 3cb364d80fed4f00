package nbuild

import (
	"errors"
	"strings"
)

// DepfileParser reads the make-style dependency records compilers emit
// with -MD: "out: in in \" lines.
type DepfileParser struct {
	Outs []string
	Ins  []string
}

var errMissingColon = errors.New("expected ':' in depfile")

// Parse fills Outs and Ins from content. Continuation lines, escaped
// spaces, "$$" and Windows drive letters are understood; rules without
// prerequisites (as written by -MP) are skipped.
func (p *DepfileParser) Parse(content []byte) error {
	p.Outs = p.Outs[:0]
	p.Ins = p.Ins[:0]
	seenOut := make(map[string]bool)
	seenIn := make(map[string]bool)

	var (
		tok       strings.Builder
		targets   []string
		prereqs   []string
		afterSep  bool
		haveToken bool
	)
	flushToken := func() {
		if !haveToken {
			return
		}
		if afterSep {
			prereqs = append(prereqs, tok.String())
		} else {
			targets = append(targets, tok.String())
		}
		tok.Reset()
		haveToken = false
	}
	endRule := func() error {
		flushToken()
		if len(targets) == 0 && len(prereqs) == 0 {
			afterSep = false
			return nil
		}
		if !afterSep {
			return errMissingColon
		}
		if len(prereqs) > 0 {
			for _, t := range targets {
				if !seenOut[t] {
					seenOut[t] = true
					p.Outs = append(p.Outs, t)
				}
			}
			for _, in := range prereqs {
				if !seenIn[in] {
					seenIn[in] = true
					p.Ins = append(p.Ins, in)
				}
			}
		}
		targets, prereqs, afterSep = targets[:0], prereqs[:0], false
		return nil
	}
	isSpace := func(c byte) bool { return c == ' ' || c == '\t' }

	for i := 0; i < len(content); i++ {
		c := content[i]
		switch {
		case c == '\\' && i+1 < len(content):
			next := content[i+1]
			switch {
			case next == '\n':
				flushToken()
				i++
			case next == '\r' && i+2 < len(content) && content[i+2] == '\n':
				flushToken()
				i += 2
			case next == ' ' || next == '#':
				tok.WriteByte(next)
				haveToken = true
				i++
			default:
				tok.WriteByte(c)
				haveToken = true
			}
		case c == '$' && i+1 < len(content) && content[i+1] == '$':
			tok.WriteByte('$')
			haveToken = true
			i++
		case c == '\n' || c == '\r':
			if err := endRule(); err != nil {
				return err
			}
		case isSpace(c):
			flushToken()
		case c == ':' && !afterSep && (i+1 == len(content) || isSpace(content[i+1]) ||
			content[i+1] == '\n' || content[i+1] == '\r'):
			flushToken()
			afterSep = true
		default:
			tok.WriteByte(c)
			haveToken = true
		}
	}
	if err := endRule(); err != nil {
		return err
	}
	if len(p.Outs) == 0 && len(p.Ins) == 0 && !seenAnyRule(content) {
		return errMissingColon
	}
	return nil
}

func seenAnyRule(content []byte) bool {
	return strings.ContainsRune(string(content), ':')
}
