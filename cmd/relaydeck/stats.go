package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/germanamz/relaydeck/pkg/datadir"
	"github.com/germanamz/relaydeck/pkg/storage"
)

func runStats(dirPath string, out io.Writer) error {
	d := datadir.New(dirPath)
	if err := loadDotEnv(d.EnvPath()); err != nil {
		return err
	}

	cfg, err := loadConfig("", d)
	if err != nil {
		return err
	}

	dbPath := cfg.DB
	if dbPath == "" {
		dbPath = d.DBPath()
	}

	ctx := context.Background()

	store, err := storage.Setup(ctx, dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	stats, err := store.RelayStats(ctx)
	if err != nil {
		return err
	}

	return printStats(out, stats)
}

func printStats(out io.Writer, stats []storage.RelayStat) error {
	if len(stats) == 0 {
		_, err := fmt.Fprintln(out, "no relay history yet")
		return err
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("RELAY", "CONNECTS", "EXITS", "FAILURES", "LAST STATE", "LAST CONNECTED")

	for _, s := range stats {
		last := "-"
		if !s.LastConnected.IsZero() {
			last = s.LastConnected.Local().Format("2006-01-02 15:04")
		}
		t.Row(s.Relay, strconv.Itoa(s.Connects), strconv.Itoa(s.Exits), strconv.Itoa(s.Failures), s.LastState, last)
	}

	_, err := fmt.Fprintln(out, t.Render())
	return err
}
