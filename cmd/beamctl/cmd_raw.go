package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-beamctl/control"
)

var rawFlags struct {
	lineCheck bool
}

var rawCmd = &cobra.Command{
	Use:   "raw",
	Short: "Run raw motion commands",
	Long:  "raw enters raw mode, runs one motion command and leaves raw mode again.",
}

var rawHomeCmd = &cobra.Command{
	Use:   "home",
	Short: "Home all axes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withRawMode(cmd, func(ctx context.Context, s *control.Session) error {
			return s.RawHome(ctx)
		})
	},
}

var moveFlags struct {
	feed float64
	x    float64
	y    float64
	z    float64
}

var rawMoveCmd = &cobra.Command{
	Use:   "move",
	Short: "Move the head to X/Y (and Z)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		p := control.MoveParams{F: moveFlags.feed, X: moveFlags.x, Y: moveFlags.y}
		if cmd.Flags().Changed("z") {
			p.Z = &moveFlags.z
		}

		return withRawMode(cmd, func(ctx context.Context, s *control.Session) error {
			return s.RawMove(ctx, p)
		})
	},
}

var rawLineCheckCmd = &cobra.Command{
	Use:   "linecheck <command>...",
	Short: "Send raw commands with line numbers and checksums",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRawMode(cmd, func(ctx context.Context, s *control.Session) error {
			if err := s.StartLineCheckMode(ctx); err != nil {
				return err
			}

			for _, c := range args {
				out, err := s.RawSend(ctx, c)
				if err != nil {
					return fmt.Errorf("%s: %w", c, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "N%d %s: %s\n", s.LineNumber()-1, c, out)
			}

			return s.EndLineCheckMode(ctx)
		})
	},
}

func init() {
	rawCmd.PersistentFlags().BoolVar(&rawFlags.lineCheck, "line-check", false, "Enable line check mode for the command")

	f := rawMoveCmd.Flags()
	f.Float64VarP(&moveFlags.feed, "feed", "f", 6000, "Feed rate")
	f.Float64Var(&moveFlags.x, "x", 0, "Target X")
	f.Float64Var(&moveFlags.y, "y", 0, "Target Y")
	f.Float64Var(&moveFlags.z, "z", 0, "Target Z")

	rawCmd.AddCommand(rawHomeCmd)
	rawCmd.AddCommand(rawMoveCmd)
	rawCmd.AddCommand(rawLineCheckCmd)
}

// withRawMode runs fn in raw mode and always tries to leave raw mode afterwards.
func withRawMode(cmd *cobra.Command, fn func(ctx context.Context, s *control.Session) error) error {
	return withSession(cmd, func(ctx context.Context, s *control.Session) error {
		if err := s.EnterRawMode(ctx); err != nil {
			return err
		}

		runErr := func() error {
			if rawFlags.lineCheck && cmd.Name() != "linecheck" {
				if err := s.StartLineCheckMode(ctx); err != nil {
					return err
				}
			}

			return fn(ctx, s)
		}()

		if err := s.EndRawMode(ctx); err != nil && runErr == nil {
			return err
		}

		return runErr
	})
}
