package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/germanamz/relaydeck/pkg/config"
	"github.com/germanamz/relaydeck/pkg/datadir"
	"github.com/germanamz/relaydeck/pkg/settings"
)

// wizardAnswers holds the raw form values. Numbers stay strings until
// buildConfig so the form can validate them as typed.
type wizardAnswers struct {
	Relays       string // one URL per line or comma separated
	Log          string
	Kinds        string
	Backfill     string
	MaxAttempts  string
	InitialDelay string
	Metrics      string
}

func defaultAnswers() wizardAnswers {
	d := settings.Default()

	urls := make([]string, len(d.Relays))
	for i, r := range d.Relays {
		urls[i] = r.URL
	}

	kinds := make([]string, len(d.Kinds))
	for i, k := range d.Kinds {
		kinds[i] = strconv.Itoa(k)
	}

	return wizardAnswers{
		Relays:       strings.Join(urls, "\n"),
		Log:          "info",
		Kinds:        strings.Join(kinds, ","),
		Backfill:     strconv.Itoa(d.Backfill),
		MaxAttempts:  strconv.Itoa(d.Reconnect.MaxAttempts),
		InitialDelay: d.Reconnect.InitialDelay.String(),
	}
}

func runInit(dirPath string) error {
	d := datadir.New(dirPath)

	path := filepath.Join(d.Root(), "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	a, err := runWizard()
	if err != nil {
		return err
	}

	cfg, err := buildConfig(a)
	if err != nil {
		return err
	}

	if err := datadir.EnsureStructure(d); err != nil {
		return err
	}
	if err := cfg.Save(path); err != nil {
		return err
	}

	fmt.Printf("Initialized %s\n", d.Root())

	return nil
}

func runWizard() (wizardAnswers, error) {
	a := defaultAnswers()

	err := huh.NewForm(
		huh.NewGroup(
			huh.NewText().
				Title("Relays").
				Description("One websocket URL per line.").
				Value(&a.Relays).
				Validate(validateRelays),
			huh.NewInput().
				Title("Event kinds (comma separated)").
				Value(&a.Kinds).
				Validate(validateKinds),
			huh.NewInput().Title("Backfill per relay").Value(&a.Backfill).Validate(validateNonNegativeInt),
		),
		huh.NewGroup(
			huh.NewInput().Title("Reconnect attempts (0 = never)").Value(&a.MaxAttempts).Validate(validateNonNegativeInt),
			huh.NewInput().Title("First reconnect delay (e.g. 1s, 500ms)").Value(&a.InitialDelay).Validate(validateDuration),
			huh.NewSelect[string]().
				Title("Log level").
				Options(
					huh.NewOption("Debug", "debug"),
					huh.NewOption("Info", "info"),
					huh.NewOption("Warn", "warn"),
					huh.NewOption("Error", "error"),
				).
				Value(&a.Log),
			huh.NewInput().Title("Metrics address (empty = disabled)").Value(&a.Metrics),
		),
	).Run()

	return a, err
}

// buildConfig turns validated answers into a config. Values equal to the
// built-in defaults are left out so the file stays short.
func buildConfig(a wizardAnswers) (config.Config, error) {
	def := settings.Default()
	cfg := config.Config{Log: a.Log, Metrics: strings.TrimSpace(a.Metrics)}
	if cfg.Log == "info" {
		cfg.Log = ""
	}

	for _, u := range splitList(a.Relays) {
		cfg.Relays = append(cfg.Relays, config.RelayConfig{URL: u})
	}

	kinds, err := parseKinds(a.Kinds)
	if err != nil {
		return config.Config{}, err
	}
	if !slices.Equal(kinds, def.Kinds) {
		cfg.Kinds = kinds
	}

	if n, _ := strconv.Atoi(a.Backfill); n != def.Backfill {
		cfg.Backfill = &n
	}
	if n, _ := strconv.Atoi(a.MaxAttempts); n != def.Reconnect.MaxAttempts {
		cfg.Reconnect.MaxAttempts = &n
	}
	if d, _ := time.ParseDuration(a.InitialDelay); d > 0 && d != def.Reconnect.InitialDelay {
		cfg.Reconnect.InitialDelay = d.String()
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	return cfg, nil
}

func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '\n' || r == ',' || r == ' ' || r == '\t' || r == '\r'
	})

	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}

	return out
}

func parseKinds(s string) ([]int, error) {
	var kinds []int
	for _, f := range splitList(s) {
		k, err := strconv.Atoi(f)
		if err != nil || k < 0 {
			return nil, fmt.Errorf("invalid kind %q", f)
		}
		kinds = append(kinds, k)
	}

	return kinds, nil
}

func validateRelays(s string) error {
	urls := splitList(s)
	if len(urls) == 0 {
		return errors.New("at least one relay is required")
	}

	cfg := config.Config{}
	for _, u := range urls {
		cfg.Relays = append(cfg.Relays, config.RelayConfig{URL: u})
	}

	return cfg.Validate()
}

func validateKinds(s string) error {
	_, err := parseKinds(s)
	return err
}

func validateNonNegativeInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fmt.Errorf("must be a non-negative integer")
	}

	return nil
}

func validateDuration(s string) error {
	if s == "" {
		return nil
	}

	if _, err := time.ParseDuration(s); err != nil {
		return fmt.Errorf("must be a valid duration (e.g. 1s, 500ms)")
	}

	return nil
}
