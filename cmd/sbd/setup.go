package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/ui"
	"github.com/sprintbot/sprintbot/internal/utils"
)

const tokenEnvKey = "SPRINTBOT_TRACKER_TOKEN"

// setupAnswers holds the wizard's collected values in config.toml shape.
type setupAnswers struct {
	BaseURL      string
	Project      string
	Component    string
	User         string
	DisplayName  string
	StartHour    int
	EndHour      int
	WeekdaysOnly bool
	Timezone     string
	AgentBin     string
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive first-run configuration",
	Long: `Setup walks through the tracker connection, working hours, and agent
binary, then writes config.toml under the service root. The tracker API
token goes into .env next to it, never into config.toml.

Re-running setup edits the existing configuration; current values are
pre-filled.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fatal("%v", err)
		}
		runSetupForm(cfg)
	},
}

func init() {
	rootCmd.AddCommand(setupCmd)
}

func runSetupForm(cfg *config.Config) {
	var (
		baseURL     = cfg.TrackerBaseURL
		project     = cfg.TrackerProject
		component   = cfg.TrackerComponent
		user        = cfg.TrackerUser
		displayName = cfg.TrackerDisplayName
		token       string
		startHour   = strconv.Itoa(cfg.WorkingHours.StartHour)
		endHour     = strconv.Itoa(cfg.WorkingHours.EndHour)
		weekdays    = cfg.WorkingHours.WeekdaysOnly
		timezone    = cfg.WorkingHours.Timezone
		agentBin    = cfg.AgentBin
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Tracker base URL").
				Description("Jira instance the daemon pulls sprints from (required)").
				Placeholder("https://yourcompany.atlassian.net").
				Value(&baseURL).
				Validate(func(s string) error {
					s = strings.TrimSpace(s)
					if s == "" {
						return fmt.Errorf("base URL is required")
					}
					if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
						return fmt.Errorf("must start with http:// or https://")
					}
					return nil
				}),

			huh.NewInput().
				Title("Project key").
				Description("The tracker project to monitor (required)").
				Placeholder("e.g., AAP").
				Value(&project).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("project key is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Component").
				Description("Restrict to one project component (optional)").
				Value(&component),

			huh.NewInput().
				Title("Username").
				Description("Assignee filter: issues assigned to this account (optional)").
				Placeholder("jdoe").
				Value(&user),

			huh.NewInput().
				Title("Display name").
				Description("Full-name fallback when the tracker has no username (optional)").
				Placeholder("Jane Doe").
				Value(&displayName),

			huh.NewInput().
				Title("API token").
				Description("Stored in .env, not config.toml; leave empty to keep the current one").
				EchoMode(huh.EchoModePassword).
				Value(&token),
		),

		huh.NewGroup(
			huh.NewInput().
				Title("Workday starts (hour)").
				Description("24h clock; automatic mode only acts inside this window").
				Value(&startHour).
				Validate(validateHour),

			huh.NewInput().
				Title("Workday ends (hour)").
				Value(&endHour).
				Validate(validateHour),

			huh.NewConfirm().
				Title("Weekdays only?").
				Value(&weekdays),

			huh.NewInput().
				Title("Timezone").
				Description("IANA name like Europe/Berlin, or Local").
				Value(&timezone).
				Validate(func(s string) error {
					s = strings.TrimSpace(s)
					if s == "" || s == "Local" {
						return nil
					}
					if _, err := time.LoadLocation(s); err != nil {
						return fmt.Errorf("unknown timezone %q", s)
					}
					return nil
				}),
		),

		huh.NewGroup(
			huh.NewInput().
				Title("Agent binary").
				Description("Editor agent CLI used for background work").
				Placeholder("cursor-agent").
				Value(&agentBin).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("agent binary is required")
					}
					return nil
				}),

			huh.NewConfirm().
				Title("Write this configuration?").
				Affirmative("Write").
				Negative("Cancel"),
		),
	).WithTheme(huh.ThemeDracula())

	if err := form.Run(); err != nil {
		if err == huh.ErrUserAborted {
			fmt.Fprintln(os.Stderr, "Setup cancelled.")
			os.Exit(0)
		}
		fatal("form error: %v", err)
	}

	start, _ := strconv.Atoi(strings.TrimSpace(startHour))
	end, _ := strconv.Atoi(strings.TrimSpace(endHour))
	answers := setupAnswers{
		BaseURL:      strings.TrimSpace(baseURL),
		Project:      strings.TrimSpace(project),
		Component:    strings.TrimSpace(component),
		User:         strings.TrimSpace(user),
		DisplayName:  strings.TrimSpace(displayName),
		StartHour:    start,
		EndHour:      end,
		WeekdaysOnly: weekdays,
		Timezone:     strings.TrimSpace(timezone),
		AgentBin:     strings.TrimSpace(agentBin),
	}

	if err := writeSetupConfig(cfg, answers); err != nil {
		fatal("%v", err)
	}
	fmt.Printf("%s Configuration written to %s\n", ui.RenderPass(ui.IconPass), cfg.ConfigPath())

	if token = strings.TrimSpace(token); token != "" {
		envPath := filepath.Join(cfg.Home, ".env")
		if err := writeEnvToken(envPath, token); err != nil {
			fatal("%v", err)
		}
		fmt.Println(ui.RenderMuted(fmt.Sprintf("  token      %s (chmod 600)", envPath)))
	}
	fmt.Println(ui.RenderMuted("  next       sbd run"))
}

func validateHour(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 || n > 23 {
		return fmt.Errorf("enter an hour between 0 and 23")
	}
	return nil
}

// writeSetupConfig folds the answers into config.toml, preserving sections
// the wizard does not manage (intervals, weights, prompts).
func writeSetupConfig(cfg *config.Config, a setupAnswers) error {
	doc := map[string]any{}
	if data, err := os.ReadFile(cfg.ConfigPath()); err == nil {
		if err := toml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse existing config.toml: %w", err)
		}
	}
	for key, val := range setupConfigValues(a) {
		setTableValue(doc, key, val)
	}

	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return fmt.Errorf("encode config.toml: %w", err)
	}
	return utils.WriteFileAtomic(cfg.ConfigPath(), buf.Bytes(), 0o644)
}

func setupConfigValues(a setupAnswers) map[string]any {
	values := map[string]any{
		"tracker.base_url":            a.BaseURL,
		"tracker.project":             a.Project,
		"working_hours.start_hour":    a.StartHour,
		"working_hours.end_hour":      a.EndHour,
		"working_hours.weekdays_only": a.WeekdaysOnly,
		"working_hours.timezone":      a.Timezone,
		"agent.bin":                   a.AgentBin,
	}
	if a.Component != "" {
		values["tracker.component"] = a.Component
	}
	if a.User != "" {
		values["tracker.user"] = a.User
	}
	if a.DisplayName != "" {
		values["tracker.display_name"] = a.DisplayName
	}
	return values
}

func setTableValue(doc map[string]any, key string, val any) {
	head, rest, nested := strings.Cut(key, ".")
	if !nested {
		doc[key] = val
		return
	}
	sub, isTable := doc[head].(map[string]any)
	if !isTable {
		sub = map[string]any{}
		doc[head] = sub
	}
	setTableValue(sub, rest, val)
}

// writeEnvToken upserts the tracker token line in .env, keeping any other
// variables the file holds.
func writeEnvToken(path, token string) error {
	var kept []string
	if data, err := os.ReadFile(path); err == nil {
		for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
			if line == "" || strings.HasPrefix(line, tokenEnvKey+"=") {
				continue
			}
			kept = append(kept, line)
		}
	}
	kept = append(kept, tokenEnvKey+"="+token)
	return utils.WriteFileAtomic(path, []byte(strings.Join(kept, "\n")+"\n"), 0o600)
}
