package main

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-beamctl/control"
)

var lsCmd = &cobra.Command{
	Use:   "ls [dir]",
	Short: "List a device directory",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLs,
}

var uploadFlags struct {
	dest string
	run  bool
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a task, or store a file on the device with --dest",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpload,
}

var downloadFlags struct {
	output string
	log    bool
}

var downloadCmd = &cobra.Command{
	Use:   "download <path>",
	Short: "Download a device file, or a device log with --log",
	Args:  cobra.ExactArgs(1),
	RunE:  runDownload,
}

var fwUpdateCmd = &cobra.Command{
	Use:   "fw-update <image>",
	Short: "Upload a firmware image",
	Args:  cobra.ExactArgs(1),
	RunE:  runFWUpdate,
}

func init() {
	f := uploadCmd.Flags()
	f.StringVar(&uploadFlags.dest, "dest", "", "Store the file at this device path instead of uploading a task")
	f.BoolVar(&uploadFlags.run, "start", false, "Start the task after uploading")

	f = downloadCmd.Flags()
	f.StringVarP(&downloadFlags.output, "output", "o", "", "Output file (default: base name of path)")
	f.BoolVar(&downloadFlags.log, "log", false, "Treat path as a device log name")
}

func runLs(cmd *cobra.Command, args []string) error {
	dir := "/"
	if len(args) == 1 {
		dir = args[0]
	}

	return withSession(cmd, func(ctx context.Context, s *control.Session) error {
		entries, err := s.Ls(ctx, dir)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, d := range entries.Directories {
			fmt.Fprintf(out, "%s/\n", d)
		}
		for _, f := range entries.Files {
			fmt.Fprintln(out, f)
		}

		return nil
	})
}

func runUpload(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	return withSession(cmd, func(ctx context.Context, s *control.Session) error {
		progress := progressPrinter(cmd.ErrOrStderr(), "upload")
		defer fmt.Fprintln(cmd.ErrOrStderr())

		if uploadFlags.dest != "" {
			return s.UploadFile(ctx, uploadFlags.dest, data, progress)
		}

		mime, err := control.MimeTypeForPath(args[0])
		if err != nil {
			return err
		}

		if err := s.UploadTask(ctx, mime, data, progress); err != nil {
			return err
		}

		if !uploadFlags.run {
			return nil
		}

		resp, err := s.Start(ctx)
		if err != nil {
			return err
		}

		return printResponse(cmd.OutOrStdout(), resp)
	})
}

func runDownload(cmd *cobra.Command, args []string) error {
	output := downloadFlags.output
	if output == "" {
		output = path.Base(args[0])
	}

	return withSession(cmd, func(ctx context.Context, s *control.Session) error {
		progress := progressPrinter(cmd.ErrOrStderr(), "download")
		defer fmt.Fprintln(cmd.ErrOrStderr())

		var (
			data []byte
			err  error
		)
		if downloadFlags.log {
			data, err = s.DownloadLog(ctx, args[0], progress)
		} else {
			data, err = s.DownloadFile(ctx, args[0], progress)
		}
		if err != nil {
			return err
		}

		return os.WriteFile(output, data, 0o600)
	})
}

func runFWUpdate(cmd *cobra.Command, args []string) error {
	image, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	return withSession(cmd, func(ctx context.Context, s *control.Session) error {
		defer fmt.Fprintln(cmd.ErrOrStderr())
		return s.UpdateFirmware(ctx, image, progressPrinter(cmd.ErrOrStderr(), "firmware"))
	})
}
