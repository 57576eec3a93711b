package banner

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

const logo = `
============================================================
    _                    _         _
   / \   __ _  ___ _ __ | |_ _ __ | |__   ___  _ __   ___
  / _ \ / _` + "`" + ` |/ _ \ '_ \| __| '_ \| '_ \ / _ \| '_ \ / _ \
 / ___ \ (_| |  __/ | | | |_| |_) | | | | (_) | | | |  __/
/_/   \_\__, |\___|_| |_|\__| .__/|_| |_|\___/|_| |_|\___|
        |___/               |_|
------------------------------------------------------------`

const footer = `============================================================`

// ConfigLine is one label/value pair shown under the logo.
type ConfigLine struct {
	Label string
	Value string
}

// Fprint writes the startup banner for service to w, aligning the labels.
// Empty values are shown as "-".
func Fprint(w io.Writer, service string, lines []ConfigLine) {
	fmt.Fprintln(w, logo)
	fmt.Fprintln(w, color.New(color.Bold).Sprint(service))

	width := 0
	for _, l := range lines {
		width = max(width, len(l.Label))
	}
	for _, l := range lines {
		value := l.Value
		if value == "" {
			value = "-"
		}
		fmt.Fprintf(w, "  %s%s : %s\n", l.Label, strings.Repeat(" ", width-len(l.Label)), value)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, color.GreenString("Ready."))
	fmt.Fprintln(w, footer)
	fmt.Fprintln(w)
}
