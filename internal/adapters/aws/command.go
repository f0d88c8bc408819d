package aws

import (
	"context"
	"fmt"
	"path"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/avh-dev/avhclient/internal/domain"
)

const shellDocument = "AWS-RunShellScript"

// OutputKey is the S3 key SSM writes a command's stdout or stderr to.
func OutputKey(prefix, commandID, instanceID, stream string) string {
	return path.Join(prefix, commandID, instanceID, "awsrunShellScript", "0.awsrunShellScript", stream)
}

// SendCommand runs one shell command on the instance and collects its
// output from S3. With failIfUnsuccessful an unsuccessful status is
// returned as an error wrapping domain.ErrCommandFailed.
func (b *Backend) SendCommand(ctx context.Context, command, workdir string, failIfUnsuccessful bool) (domain.CommandResult, error) {
	if err := b.setup(ctx); err != nil {
		return domain.CommandResult{}, err
	}
	id := b.InstanceID()
	b.log.Info("sending command", "instance", id, "command", command)

	out, err := b.clients.SSM.SendCommand(ctx, &ssm.SendCommandInput{
		DocumentName: sdkaws.String(shellDocument),
		InstanceIds:  []string{id},
		Parameters: map[string][]string{
			"workingDirectory": {workdir},
			"commands":         {command},
		},
		OutputS3BucketName: sdkaws.String(b.cfg.S3Bucket),
		OutputS3KeyPrefix:  sdkaws.String(b.cfg.S3KeyPrefix),
		TimeoutSeconds:     sdkaws.Int32(int32(b.cfg.CommandTimeoutSeconds)),
	})
	if err != nil {
		return domain.CommandResult{}, fmt.Errorf("send command: %w", err)
	}
	if out.Command == nil || out.Command.CommandId == nil {
		return domain.CommandResult{}, fmt.Errorf("send command: no command id returned")
	}
	commandID := sdkaws.ToString(out.Command.CommandId)

	if err := sleep(ctx, b.settleDelay); err != nil {
		return domain.CommandResult{}, err
	}
	b.waitCommandFinished(ctx, commandID)

	status, err := b.CommandStatus(ctx, commandID)
	if err != nil {
		return domain.CommandResult{}, err
	}

	result := domain.CommandResult{
		CommandID: commandID,
		Status:    status,
		Command:   command,
	}
	result.Stdout, err = b.FileContent(ctx, OutputKey(b.cfg.S3KeyPrefix, commandID, id, "stdout"))
	if err != nil {
		return result, err
	}
	b.log.Debug("command stdout", "command_id", commandID, "stdout", result.Stdout)

	if !result.Succeeded() {
		result.Stderr, err = b.FileContent(ctx, OutputKey(b.cfg.S3KeyPrefix, commandID, id, "stderr"))
		if err != nil {
			return result, err
		}
		result.ExitCode = b.responseCode(ctx, commandID)
		b.log.Warn("command unsuccessful", "command_id", commandID, "status", status, "stderr", result.Stderr)
		if failIfUnsuccessful {
			return result, fmt.Errorf("%w: %q finished with status %s", domain.ErrCommandFailed, command, status)
		}
	}
	return result, nil
}

// SendCommandBatch sends each command separately, in order, and stops at the
// first one that does not succeed.
func (b *Backend) SendCommandBatch(ctx context.Context, commands []string, workdir string) ([]domain.CommandResult, error) {
	results := make([]domain.CommandResult, 0, len(commands))
	for _, command := range commands {
		res, err := b.SendCommand(ctx, command, workdir, true)
		if res.CommandID != "" {
			results = append(results, res)
		}
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// CommandStatus returns the SSM status of a command, e.g. "Success".
func (b *Backend) CommandStatus(ctx context.Context, commandID string) (string, error) {
	if err := b.setup(ctx); err != nil {
		return "", err
	}
	out, err := b.clients.SSM.ListCommands(ctx, &ssm.ListCommandsInput{CommandId: sdkaws.String(commandID)})
	if err != nil {
		return "", fmt.Errorf("list commands: %w", err)
	}
	if len(out.Commands) == 0 {
		return "", fmt.Errorf("command %s not found", commandID)
	}
	status := string(out.Commands[0].Status)
	b.log.Info("command status", "command_id", commandID, "status", status)
	return status, nil
}

func (b *Backend) CommandStatusDetails(ctx context.Context, commandID string) (string, error) {
	if err := b.setup(ctx); err != nil {
		return "", err
	}
	out, err := b.clients.SSM.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
		CommandId:  sdkaws.String(commandID),
		InstanceId: sdkaws.String(b.InstanceID()),
	})
	if err != nil {
		return "", fmt.Errorf("get command invocation: %w", err)
	}
	return sdkaws.ToString(out.StatusDetails), nil
}

// CommandOutputURLs returns the stdout and stderr URLs SSM reports for a
// command on the current instance.
func (b *Backend) CommandOutputURLs(ctx context.Context, commandID string) (stdout, stderr string, err error) {
	if err := b.setup(ctx); err != nil {
		return "", "", err
	}
	out, err := b.clients.SSM.ListCommandInvocations(ctx, &ssm.ListCommandInvocationsInput{
		CommandId:  sdkaws.String(commandID),
		InstanceId: sdkaws.String(b.InstanceID()),
	})
	if err != nil {
		return "", "", fmt.Errorf("list command invocations: %w", err)
	}
	if len(out.CommandInvocations) == 0 {
		return "", "", fmt.Errorf("no invocations for command %s", commandID)
	}
	inv := out.CommandInvocations[0]
	return sdkaws.ToString(inv.StandardOutputUrl), sdkaws.ToString(inv.StandardErrorUrl), nil
}

// waitCommandFinished blocks until SSM reports the command done. A waiter
// failure is only logged; the command status decides the outcome.
func (b *Backend) waitCommandFinished(ctx context.Context, commandID string) {
	attempts := b.cfg.PollMaxAttempts
	if attempts <= 0 {
		attempts = 120
	}
	waiter := ssm.NewCommandExecutedWaiter(b.clients.SSM, func(o *ssm.CommandExecutedWaiterOptions) {
		o.MinDelay = b.pollDelay
		o.MaxDelay = b.pollDelay
	})
	in := &ssm.GetCommandInvocationInput{
		CommandId:  sdkaws.String(commandID),
		InstanceId: sdkaws.String(b.InstanceID()),
	}
	if err := waiter.Wait(ctx, in, time.Duration(attempts)*b.pollDelay); err != nil {
		b.log.Warn("waiting for command", "command_id", commandID, "error", err)
	}
}

func (b *Backend) responseCode(ctx context.Context, commandID string) int {
	out, err := b.clients.SSM.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
		CommandId:  sdkaws.String(commandID),
		InstanceId: sdkaws.String(b.InstanceID()),
	})
	if err != nil || out.Status == ssmtypes.CommandInvocationStatusInProgress {
		return -1
	}
	return int(out.ResponseCode)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
