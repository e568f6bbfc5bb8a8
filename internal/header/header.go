// Package header reads the legacy firmware config.h and renders the
// generated one from a Device record.
package header

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"github.com/pillmate/devicecfg/internal/model"
	"github.com/pkg/errors"
)

// Names of the constants the firmware reads.
const (
	WifiSSID     = "WIFI_SSID"
	WifiPassword = "WIFI_PASSWORD"
	BackendURL   = "SUPABASE_URL"
	DeviceSerial = "DEVICE_SERIAL"
	DeviceSecret = "DEVICE_SECRET"
)

var (
	ErrParse = errors.New("config header parse error")

	defineRe    = regexp.MustCompile(`^\s*#\s*define\s+([A-Za-z_][A-Za-z0-9_]*)\s+"((?:[^"\\]|\\.)*)"`)
	directiveRe = regexp.MustCompile(`^\s*#\s*(if|ifdef|ifndef|elif|else|endif)\b(.*)$`)
)

// Defines maps a macro name to its decoded string value.
type Defines map[string]string

// Parse collects the string macros of a C header. Comments are dropped and
// regions disabled by #if 0 are skipped; any other #if condition is taken
// as true. Lines that are not string #defines are ignored.
func Parse(r io.Reader) (Defines, error) {
	defines := Defines{}
	scanner := bufio.NewScanner(r)
	conds := &conditionals{}
	inComment := false
	lineNo := 0

	for scanner.Scan() {
		lineNo++

		var line string
		line, inComment = stripComments(scanner.Text(), inComment)

		if m := directiveRe.FindStringSubmatch(line); m != nil {
			conds.apply(m[1], strings.TrimSpace(m[2]))
			continue
		}

		if !conds.active() {
			continue
		}

		m := defineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		value, err := unquote(m[2])
		if err != nil {
			return nil, errors.Wrapf(ErrParse, "line %d: %s: %s", lineNo, m[1], err.Error())
		}

		defines[m[1]] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(ErrParse, err.Error())
	}

	return defines, nil
}

// stripComments removes // and /* */ comments from line, leaving string and
// character literals alone. inComment tells whether line starts inside a
// block comment; the result tells whether the next line does.
func stripComments(line string, inComment bool) (string, bool) {
	var b strings.Builder

	var delim byte

	for i := 0; i < len(line); i++ {
		c := line[i]

		switch {
		case inComment:
			if c == '*' && i+1 < len(line) && line[i+1] == '/' {
				inComment = false
				i++

				b.WriteByte(' ')
			}
		case delim != 0:
			b.WriteByte(c)

			if c == '\\' && i+1 < len(line) {
				i++
				b.WriteByte(line[i])
			} else if c == delim {
				delim = 0
			}
		case c == '"' || c == '\'':
			delim = c
			b.WriteByte(c)
		case c == '/' && i+1 < len(line) && line[i+1] == '/':
			return b.String(), false
		case c == '/' && i+1 < len(line) && line[i+1] == '*':
			inComment = true
			i++
		default:
			b.WriteByte(c)
		}
	}

	return b.String(), inComment
}

type condFrame struct {
	parent bool
	taken  bool
	active bool
}

// conditionals tracks nested #if blocks.
type conditionals struct {
	stack []condFrame
}

func (c *conditionals) active() bool {
	if len(c.stack) == 0 {
		return true
	}

	return c.stack[len(c.stack)-1].active
}

func (c *conditionals) apply(directive, expr string) {
	switch directive {
	case "if":
		parent := c.active()
		cond := expr != "0"
		c.stack = append(c.stack, condFrame{parent: parent, taken: cond, active: parent && cond})
	case "ifdef", "ifndef":
		parent := c.active()
		c.stack = append(c.stack, condFrame{parent: parent, taken: true, active: parent})
	case "elif":
		if len(c.stack) == 0 {
			return
		}

		top := &c.stack[len(c.stack)-1]
		cond := !top.taken && expr != "0"
		top.active = top.parent && cond
		top.taken = top.taken || cond
	case "else":
		if len(c.stack) == 0 {
			return
		}

		top := &c.stack[len(c.stack)-1]
		top.active = top.parent && !top.taken
		top.taken = true
	case "endif":
		if len(c.stack) > 0 {
			c.stack = c.stack[:len(c.stack)-1]
		}
	}
}

// DeviceParams picks the device constants. Missing ones stay empty.
func (d Defines) DeviceParams() model.DeviceParams {
	return model.DeviceParams{
		WifiSSID:     d[WifiSSID],
		WifiPassword: d[WifiPassword],
		BackendURL:   d[BackendURL],
		Serial:       d[DeviceSerial],
		Secret:       d[DeviceSecret],
	}
}

// unquote decodes the body of a C string literal.
func unquote(s string) (string, error) {
	var b strings.Builder

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}

		i++
		if i >= len(s) {
			return "", errors.New("trailing backslash")
		}

		switch e := s[i]; e {
		case '"', '\\', '\'', '?':
			b.WriteByte(e)
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'x':
			j := i + 1
			for j < len(s) && isHex(s[j]) {
				j++
			}

			if j == i+1 {
				return "", errors.New(`\x without hex digits`)
			}

			v, err := strconv.ParseUint(s[i+1:j], 16, 8)
			if err != nil {
				return "", errors.Errorf(`\x%s out of range`, s[i+1:j])
			}

			b.WriteByte(byte(v))
			i = j - 1
		case '0', '1', '2', '3', '4', '5', '6', '7':
			j := i
			for j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '7' {
				j++
			}

			v, err := strconv.ParseUint(s[i:j], 8, 8)
			if err != nil {
				return "", errors.Wrap(err, "octal escape")
			}

			b.WriteByte(byte(v))
			i = j - 1
		default:
			return "", errors.Errorf(`unknown escape \%c`, e)
		}
	}

	return b.String(), nil
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// quote renders s as a C string literal. Control bytes use three digit
// octal escapes, which never absorb the characters that follow.
func quote(s string) string {
	var b strings.Builder

	b.WriteByte('"')

	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '"' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < 0x20 || c == 0x7f:
			fmt.Fprintf(&b, `\%03o`, c)
		case c == '?':
			// trigraphs
			b.WriteString(`\?`)
		default:
			b.WriteByte(c)
		}
	}

	b.WriteByte('"')

	return b.String()
}

var tmpl = template.Must(template.New("config.h").Funcs(template.FuncMap{"quote": quote}).Parse(
	`/*
 * PillMate ESP32 configuration.
 * Generated by {{ .App }}. Do not edit and do not commit: it holds device credentials.
 */

#ifndef PILLMATE_CONFIG_H
#define PILLMATE_CONFIG_H

#define WIFI_SSID {{ quote .Device.WifiSSID }}
#define WIFI_PASSWORD {{ quote .Device.WifiPassword }}

#define SUPABASE_URL {{ quote .Device.BackendURL }}

#define DEVICE_SERIAL {{ quote .Device.Serial }}
#define DEVICE_SECRET {{ quote .Device.Secret }}

#endif
`))

// Render writes the firmware header for dev.
func Render(w io.Writer, dev model.Device) error {
	data := struct {
		App    string
		Device model.DeviceParams
	}{
		App:    model.AppName,
		Device: dev.Params(),
	}

	if err := tmpl.Execute(w, data); err != nil {
		return errors.Wrap(err, "render config header")
	}

	return nil
}
