package ui

import (
	"os"

	"github.com/mattn/go-isatty"
)

// IsAgentMode reports whether output is being consumed by an agent rather
// than a human. Agents get plain markdown with no escape sequences.
func IsAgentMode() bool {
	return os.Getenv("SPRINTBOT_AGENT_MODE") != ""
}

// ShouldUseColor decides whether styled output is appropriate.
//
// Precedence: NO_COLOR always disables; CLICOLOR_FORCE enables even when
// stdout is not a terminal; CLICOLOR=0 disables; otherwise color follows
// whether stdout is a TTY.
func ShouldUseColor() bool {
	if _, set := os.LookupEnv("NO_COLOR"); set {
		return false
	}
	if force := os.Getenv("CLICOLOR_FORCE"); force != "" && force != "0" {
		return true
	}
	if os.Getenv("CLICOLOR") == "0" {
		return false
	}
	if IsAgentMode() {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}
