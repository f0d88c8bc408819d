package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/avh-dev/avhclient/internal/adapters/aws"
)

// awsCmd exposes the individual EC2, S3 and SSM operations of the aws
// backend for scripting and troubleshooting.
func (a *app) awsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aws",
		Short: "Low-level operations on the AWS backend",
	}

	// withBackend wraps fn with configuration loading and backend creation.
	withBackend := func(fn func(ctx context.Context, b *aws.Backend, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, log, err := a.setup()
			if err != nil {
				return err
			}
			return fn(cmd.Context(), aws.NewBackend(cfg.AWS, log), args)
		}
	}
	out := func(v ...any) { fmt.Fprintln(a.stdout, v...) }

	var workdir string
	send := &cobra.Command{
		Use:   "send <command>",
		Short: "Run a shell command on the instance through SSM",
		Args:  cobra.ExactArgs(1),
		RunE: withBackend(func(ctx context.Context, b *aws.Backend, args []string) error {
			res, err := b.SendCommand(ctx, args[0], workdir, false)
			if err != nil {
				return err
			}
			out("Command:", res.CommandID)
			out("Status: ", res.Status)
			fmt.Fprint(a.stdout, res.Stdout)
			if res.Stderr != "" {
				fmt.Fprint(a.stderr, res.Stderr)
			}
			if !res.Succeeded() {
				return fmt.Errorf("command %s finished with status %s", res.CommandID, res.Status)
			}
			return nil
		}),
	}
	send.Flags().StringVar(&workdir, "workdir", "/home/ubuntu", "remote working directory")

	var timeout time.Duration
	waitFile := &cobra.Command{
		Use:   "wait-file <key>",
		Short: "Wait until an object exists in the bucket",
		Args:  cobra.ExactArgs(1),
		RunE: withBackend(func(ctx context.Context, b *aws.Backend, args []string) error {
			return b.WaitFileExists(ctx, args[0], timeout)
		}),
	}
	waitFile.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "maximum time to wait")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "image-id",
			Short: "Print the AMI used for new instances",
			Args:  cobra.NoArgs,
			RunE: withBackend(func(ctx context.Context, b *aws.Backend, args []string) error {
				id, err := b.ImageID(ctx)
				if err == nil {
					out(id)
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "instance-state",
			Short: "Print the EC2 state of the configured instance",
			Args:  cobra.NoArgs,
			RunE: withBackend(func(ctx context.Context, b *aws.Backend, args []string) error {
				state, err := b.InstanceState(ctx)
				if err == nil {
					out(state)
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "create",
			Short: "Launch a new instance and print its ID",
			Args:  cobra.NoArgs,
			RunE: withBackend(func(ctx context.Context, b *aws.Backend, args []string) error {
				id, err := b.CreateInstance(ctx)
				if id != "" {
					out(id)
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "start",
			Short: "Start the configured instance",
			Args:  cobra.NoArgs,
			RunE: withBackend(func(ctx context.Context, b *aws.Backend, args []string) error {
				return b.StartInstance(ctx)
			}),
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the configured instance",
			Args:  cobra.NoArgs,
			RunE: withBackend(func(ctx context.Context, b *aws.Backend, args []string) error {
				return b.StopInstance(ctx)
			}),
		},
		&cobra.Command{
			Use:   "terminate",
			Short: "Terminate the configured instance",
			Args:  cobra.NoArgs,
			RunE: withBackend(func(ctx context.Context, b *aws.Backend, args []string) error {
				return b.TerminateInstance(ctx)
			}),
		},
		&cobra.Command{
			Use:   "upload <file> <key>",
			Short: "Upload a file to the bucket",
			Args:  cobra.ExactArgs(2),
			RunE: withBackend(func(ctx context.Context, b *aws.Backend, args []string) error {
				return b.UploadFile(ctx, args[0], args[1])
			}),
		},
		&cobra.Command{
			Use:   "download <key> <file>",
			Short: "Download an object from the bucket",
			Args:  cobra.ExactArgs(2),
			RunE: withBackend(func(ctx context.Context, b *aws.Backend, args []string) error {
				return b.DownloadFile(ctx, args[0], args[1])
			}),
		},
		&cobra.Command{
			Use:   "delete <key>",
			Short: "Delete an object from the bucket",
			Args:  cobra.ExactArgs(1),
			RunE: withBackend(func(ctx context.Context, b *aws.Backend, args []string) error {
				return b.DeleteFile(ctx, args[0])
			}),
		},
		&cobra.Command{
			Use:   "cat <key>",
			Short: "Print the content of an object",
			Args:  cobra.ExactArgs(1),
			RunE: withBackend(func(ctx context.Context, b *aws.Backend, args []string) error {
				content, err := b.FileContent(ctx, args[0])
				if err == nil {
					fmt.Fprint(a.stdout, content)
				}
				return err
			}),
		},
		send,
		&cobra.Command{
			Use:   "command-status <command-id>",
			Short: "Print the SSM status of a command",
			Args:  cobra.ExactArgs(1),
			RunE: withBackend(func(ctx context.Context, b *aws.Backend, args []string) error {
				st, err := b.CommandStatus(ctx, args[0])
				if err == nil {
					out(st)
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "command-details <command-id>",
			Short: "Print the SSM status details of a command",
			Args:  cobra.ExactArgs(1),
			RunE: withBackend(func(ctx context.Context, b *aws.Backend, args []string) error {
				details, err := b.CommandStatusDetails(ctx, args[0])
				if err == nil {
					out(details)
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "command-urls <command-id>",
			Short: "Print the stdout and stderr URLs of a command",
			Args:  cobra.ExactArgs(1),
			RunE: withBackend(func(ctx context.Context, b *aws.Backend, args []string) error {
				stdout, stderr, err := b.CommandOutputURLs(ctx, args[0])
				if err == nil {
					out("stdout:", stdout)
					out("stderr:", stderr)
				}
				return err
			}),
		},
		waitFile,
	)
	return cmd
}
