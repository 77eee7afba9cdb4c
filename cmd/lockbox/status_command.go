package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"lockbox/internal/daemon"
	"lockbox/internal/ipc"
	"lockbox/internal/journal"
	"lockbox/internal/lockbox"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show lockbox and daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *ipc.Client) error {
				resp, err := client.Status(c)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp.Status)
				}
				out := cmd.OutOrStdout()
				renderStatus(out, resp.Status, shouldColorize(out))
				return nil
			})
		},
	}
	addJSONFlag(cmd, &asJSON)
	return cmd
}

func renderStatus(out io.Writer, st daemon.Status, colorize bool) {
	snap := st.Lockbox

	printLines(out, renderSectionHeader("Lockbox", colorize))
	fmt.Fprintln(out, renderStatusLine("State", stateKind(snap.State), snap.State.String(), colorize))
	if !snap.StateChangedAt.IsZero() {
		fmt.Fprintln(out, renderStatusLine("Since", statusInfo, snap.StateChangedAt.Local().Format(time.DateTime), colorize))
	}
	fmt.Fprintln(out, renderStatusLine("Strategy", statusInfo, string(snap.Strategy), colorize))
	fmt.Fprintln(out, renderStatusLine("Error threshold", statusInfo, strconv.FormatFloat(snap.ErrorThreshold, 'g', -1, 64), colorize))
	if snap.Run != nil {
		detail := fmt.Sprintf("%s at stage %s", snap.Run.ID, snap.Run.Stage)
		kind := statusInfo
		if snap.Run.Paused {
			detail += " (paused)"
			kind = statusWarn
		}
		fmt.Fprintln(out, renderStatusLine("Run", kind, detail, colorize))
	}
	fmt.Fprintln(out)

	printLines(out, renderSectionHeader("Monitor", colorize))
	mon := st.Monitor
	if mon.Checks == 0 {
		fmt.Fprintln(out, renderStatusLine("Lock check", statusInfo, "no checks yet", colorize))
	} else {
		kind := statusWarn
		if mon.Locked {
			kind = statusOK
		}
		detail := fmt.Sprintf("%s (mean %.4g, rms %.4g)", mon.Reason, mon.Mean, mon.RMS)
		fmt.Fprintln(out, renderStatusLine("Lock check", kind, detail, colorize))
		fmt.Fprintln(out, renderStatusLine("Checks", statusInfo, fmt.Sprintf("%d every %s", mon.Checks, mon.Interval), colorize))
	}
	auto := st.AutoLock
	autoKind := statusInfo
	if auto.Enabled {
		autoKind = statusOK
	}
	fmt.Fprintln(out, renderStatusLine("Autolock", autoKind, fmt.Sprintf("%s every %s (%d checks)", onOff(auto.Enabled), auto.Interval, auto.Checks), colorize))
	fmt.Fprintln(out)

	printLines(out, renderSectionHeader("Daemon", colorize))
	daemonKind := statusError
	if st.Running {
		daemonKind = statusOK
	}
	fmt.Fprintln(out, renderStatusLine("Running", daemonKind, fmt.Sprintf("%s (pid %d)", yesNo(st.Running), st.PID), colorize))
	if st.APIAddress != "" {
		fmt.Fprintln(out, renderStatusLine("HTTP API", statusInfo, st.APIAddress, colorize))
	}
	if st.JournalPath != "" {
		fmt.Fprintln(out, renderStatusLine("Journal", statusInfo, st.JournalPath, colorize))
	}
	busKind := statusInfo
	if st.Bus.Dropped > 0 {
		busKind = statusWarn
	}
	fmt.Fprintln(out, renderStatusLine("State bus", busKind,
		fmt.Sprintf("%d published, %d delivered, %d dropped", st.Bus.Published, st.Bus.Delivered, st.Bus.Dropped), colorize))
	fmt.Fprintln(out, renderStatusLine("Device monitor", statusInfo, yesNo(st.DeviceMonitor), colorize))

	if len(snap.Sequence) > 0 {
		fmt.Fprintln(out)
		printLines(out, renderSectionHeader("Sequence", colorize))
		fmt.Fprintln(out, renderSequence(snap, colorize))
	}
}

func renderSequence(snap lockbox.Snapshot, colorize bool) string {
	rows := make([][]string, 0, len(snap.Sequence)+1)
	for i, st := range snap.Sequence {
		rows = append(rows, stageRow(strconv.Itoa(i), st, snap.State == lockbox.InSequence(i)))
	}
	if snap.FinalStage.Name != "" {
		rows = append(rows, stageRow("final", snap.FinalStage, snap.State == lockbox.Locked))
	}
	return renderTable([]column{
		{title: "#", numeric: true},
		{title: "Name"},
		{title: "Input"},
		{title: "Setpoint", numeric: true},
		{title: "Duration", numeric: true},
		{title: "Active"},
	}, rows, colorize)
}

func stageRow(index string, st lockbox.StageSettings, active bool) []string {
	marker := ""
	if active {
		marker = activeMarker
	}
	return []string{
		index,
		st.Name,
		st.Input,
		strconv.FormatFloat(st.Setpoint, 'g', -1, 64),
		fmt.Sprintf("%gs", st.Duration),
		marker,
	}
}

func stateKind(s lockbox.State) statusKind {
	switch s.Kind() {
	case lockbox.StateLocked:
		return statusOK
	case lockbox.StateUnlocked:
		return statusWarn
	default:
		return statusInfo
	}
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent lock runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return fmt.Errorf("invalid limit %d", limit)
			}
			return ctx.withClient(cmd, func(c context.Context, client *ipc.Client) error {
				resp, err := client.History(c, limit)
				if err != nil {
					return err
				}
				if asJSON {
					runs := resp.Runs
					if runs == nil {
						runs = []journal.Run{}
					}
					return writeJSON(cmd, runs)
				}
				out := cmd.OutOrStdout()
				if len(resp.Runs) == 0 {
					fmt.Fprintln(out, "No lock runs recorded")
					return nil
				}
				fmt.Fprintln(out, renderHistory(resp.Runs))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to show (0 for all)")
	addJSONFlag(cmd, &asJSON)
	return cmd
}

func renderHistory(runs []journal.Run) string {
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		elapsed := ""
		if run.FinishedAt != nil {
			elapsed = run.Elapsed.Round(time.Millisecond).String()
		}
		detail := run.Reason
		if run.Error != "" {
			detail = run.Error
		}
		rows = append(rows, []string{
			run.ID,
			run.StartedAt.Local().Format(time.DateTime),
			string(run.Outcome),
			elapsed,
			detail,
		})
	}
	return renderTable([]column{
		{title: "Run"},
		{title: "Started"},
		{title: "Outcome"},
		{title: "Elapsed", numeric: true},
		{title: "Detail"},
	}, rows, false)
}
