package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-beamctl/control"
)

// printResponse writes the fields of a structured response as indented JSON.
func printResponse(out io.Writer, resp *control.Response) error {
	if resp == nil {
		return nil
	}

	if resp.Kind != control.StructuredResponse {
		_, err := fmt.Fprintln(out, resp.Summary())
		return err
	}

	data, err := json.MarshalIndent(resp.Fields, "", "  ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(out, string(data))

	return err
}

// responseCmd builds a command that runs op and prints its response.
func responseCmd(use string, short string, op func(s *control.Session, ctx context.Context) (*control.Response, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, func(ctx context.Context, s *control.Session) error {
				resp, err := op(s, ctx)
				if err != nil {
					if last, ok := control.LastResponse(err); ok {
						_ = printResponse(cmd.ErrOrStderr(), last)
					}

					return err
				}

				return printResponse(cmd.OutOrStdout(), resp)
			})
		},
	}
}

// progressPrinter reports transfer progress on w.
func progressPrinter(w io.Writer, label string) control.ProgressFunc {
	return func(done int, total int) {
		if total > 0 {
			fmt.Fprintf(w, "\r%s %d/%d bytes (%d%%)", label, done, total, done*100/total)
		}
	}
}
