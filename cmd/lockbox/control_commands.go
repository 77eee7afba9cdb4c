package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"lockbox/internal/ipc"
)

func newControlCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newLockCommand(ctx),
		newUnlockCommand(ctx),
		newStateCommand(ctx, "sweep", "Unlock and sweep the default sweep output",
			func(c context.Context, client *ipc.Client) (*ipc.StateResponse, error) { return client.Sweep(c) }),
		newRelockCommand(ctx),
		newStageCommand(ctx),
		newStateCommand(ctx, "pause", "Pause the active lock run",
			func(c context.Context, client *ipc.Client) (*ipc.StateResponse, error) { return client.Pause(c) }),
		newStateCommand(ctx, "resume", "Resume a paused lock run",
			func(c context.Context, client *ipc.Client) (*ipc.StateResponse, error) { return client.Resume(c) }),
	}
}

func newLockCommand(ctx *commandContext) *cobra.Command {
	var (
		setpoint float64
		input    string
		sets     []string
		wait     bool
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Run the lock sequence",
		Long: "Run the lock sequence. Overrides apply to the final stage only;\n" +
			"--set takes key=value pairs and dotted keys address nested settings\n" +
			"(outputs.piezo.gain_factor=2).",
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := parseOverrides(sets)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("setpoint") {
				overrides["setpoint"] = setpoint
			}
			if strings.TrimSpace(input) != "" {
				overrides["input"] = strings.TrimSpace(input)
			}
			req := ipc.LockRequest{Overrides: overrides, Wait: wait}
			callTimeout := defaultCallTimeout
			if wait {
				req.TimeoutMillis = timeout.Milliseconds()
				callTimeout = 0
				if timeout > 0 {
					callTimeout = timeout + time.Second
				}
			}
			return ctx.withClientTimeout(cmd, callTimeout, func(c context.Context, client *ipc.Client) error {
				resp, err := client.Lock(c, req)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !resp.Waited {
					fmt.Fprintf(out, "Lock run %s started\n", resp.RunID)
					return nil
				}
				if resp.Locked {
					fmt.Fprintf(out, "Locked (run %s)\n", resp.RunID)
					return nil
				}
				fmt.Fprintf(out, "Not locked (run %s)\n", resp.RunID)
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&setpoint, "setpoint", 0, "Final stage setpoint override")
	cmd.Flags().StringVar(&input, "input", "", "Final stage input override")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Final stage override as key=value (repeatable)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the run to resolve")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up waiting after this long and cancel the run (0 waits indefinitely)")
	return cmd
}

func newUnlockCommand(ctx *commandContext) *cobra.Command {
	var keepOffset bool
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Disengage every output",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *ipc.Client) error {
				resp, err := client.Unlock(c, keepOffset)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "State: %s\n", resp.State)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&keepOffset, "keep-offset", false, "Leave actuator offsets where the loop put them")
	return cmd
}

func newRelockCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "relock",
		Short: "Lock unless already locked or locking",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *ipc.Client) error {
				resp, err := client.Relock(c)
				if err != nil {
					return err
				}
				if resp.Locked {
					fmt.Fprintln(cmd.OutOrStdout(), "Locked")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "Lock run in progress")
				}
				return nil
			})
		},
	}
}

func newStageCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stage <index>",
		Short: "Enable one sequence stage and hold it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(strings.TrimSpace(args[0]))
			if err != nil || index < 0 {
				return fmt.Errorf("invalid stage index %q", args[0])
			}
			return ctx.withClient(cmd, func(c context.Context, client *ipc.Client) error {
				resp, err := client.EnableStage(c, index)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "State: %s\n", resp.State)
				return nil
			})
		},
	}
}

func newStateCommand(ctx *commandContext, use, short string, call func(context.Context, *ipc.Client) (*ipc.StateResponse, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(c context.Context, client *ipc.Client) error {
				resp, err := call(c, client)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "State: %s\n", resp.State)
				return nil
			})
		},
	}
}

// parseOverrides turns key=value pairs into a nested overrides map. Values
// parse as numbers or booleans when they can, strings otherwise.
func parseOverrides(pairs []string) (map[string]any, error) {
	overrides := make(map[string]any)
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid override %q (want key=value)", pair)
		}
		parts := strings.Split(key, ".")
		node := overrides
		for _, part := range parts[:len(parts)-1] {
			if part == "" {
				return nil, fmt.Errorf("invalid override key %q", key)
			}
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
		leaf := parts[len(parts)-1]
		if leaf == "" {
			return nil, fmt.Errorf("invalid override key %q", key)
		}
		node[leaf] = parseOverrideValue(strings.TrimSpace(value))
	}
	return overrides, nil
}

func parseOverrideValue(value string) any {
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return value
}
