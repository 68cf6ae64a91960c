package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/toolgate/internal/app"
	"github.com/mattjoyce/toolgate/internal/protocol"
)

var errInvocationFailed = errors.New("capability reported an error")

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	nameStyle   = cellStyle.Foreground(lipgloss.Color("10"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func toolsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List and call capabilities without a protocol client",
	}
	cmd.AddCommand(toolsListCmd(opts))
	cmd.AddCommand(toolsCallCmd(opts))
	return cmd
}

func toolsListCmd(opts *globalOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newOneShotApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			caps := a.Protocol.ListCapabilities()
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, caps)
			}
			fmt.Fprintln(out, renderCapabilities(caps))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output the list_capabilities result as JSON")
	return cmd
}

func toolsCallCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "call <name> [arguments-json]",
		Short: "Invoke one capability and print its result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var arguments map[string]any
			if len(args) == 2 && strings.TrimSpace(args[1]) != "" {
				dec := json.NewDecoder(strings.NewReader(args[1]))
				dec.UseNumber()
				if err := dec.Decode(&arguments); err != nil {
					return fmt.Errorf("arguments must be a JSON object: %w", err)
				}
			}

			a, err := newOneShotApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			// work.* capabilities need the dispatch loop.
			go func() { _ = a.Dispatcher.Start(ctx) }()

			result, rpcErr := a.Protocol.Invoke(ctx, args[0], arguments)
			if rpcErr != nil {
				return rpcErr
			}
			if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if result.IsError {
				return errInvocationFailed
			}
			return nil
		},
	}
}

func newOneShotApp(cmd *cobra.Command, opts *globalOptions) (*app.App, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return app.New(ctx, cfg, app.Options{Version: version})
}

func renderCapabilities(caps []protocol.CapabilityInfo) string {
	rows := make([][]string, 0, len(caps))
	for _, c := range caps {
		rows = append(rows, []string{c.Name, c.Description, paramSummary(c)})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers("NAME", "DESCRIPTION", "PARAMS").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == 0:
				return nameStyle
			default:
				return cellStyle
			}
		})
	return t.String()
}

// paramSummary lists parameter names, required ones marked with '*'.
func paramSummary(c protocol.CapabilityInfo) string {
	names := make([]string, 0, len(c.InputSchema.Properties))
	for name := range c.InputSchema.Properties {
		names = append(names, name)
	}
	slices.Sort(names)
	for i, name := range names {
		if slices.Contains(c.InputSchema.Required, name) {
			names[i] = name + "*"
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ", ")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
