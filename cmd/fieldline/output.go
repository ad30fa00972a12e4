package main

import (
	"fmt"
	"os"
)

// ANSI escape codes. All human-facing output goes to stderr so stdout
// stays clean for machine-readable data (tokens, JSON).
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// emit writes one symbol-prefixed line to stderr in the given color.
func emit(color, symbol, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, symbol+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { emit(colorGreen, "✓", format, args...) }

func printError(format string, args ...any) { emit(colorRed, "✗", format, args...) }

func printWarning(format string, args ...any) { emit(colorYellow, "⚠", format, args...) }

func printStep(format string, args ...any) { emit(colorCyan, "→", format, args...) }

// printStatus renders an indented "Label: value" line with a bold label,
// for the status report.
func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(colorBold, label+":"), val)
}
