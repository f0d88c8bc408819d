package aws

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/avh-dev/avhclient/internal/archive"
	"github.com/avh-dev/avhclient/internal/domain"
)

const packIndexURL = "https://www.keil.com/pack/index.pidx"

func asUser(cmd string) string {
	return fmt.Sprintf("runuser -l ubuntu -c '%s'", cmd)
}

// setupCommands reset the remote workspace and install the AWS CLI used for
// workspace transfer.
func setupCommands() []string {
	return []string{
		asUser("cat ~/.bashrc | grep export > " + remoteHome + "/vars"),
		asUser("rm -rf " + remoteWorkspace),
		asUser("mkdir -p " + remoteWorkspace),
		asUser("mkdir -p " + remoteHome + "/packs/.Web"),
		asUser("wget -N " + packIndexURL + " -O " + remoteHome + "/packs/.Web/index.pidx"),
		"apt update",
		"apt install awscli -y",
	}
}

// WrapCommand runs cmd as the AMI user inside the workspace with the
// user's exported environment.
func WrapCommand(cmd string) string {
	return asUser(fmt.Sprintf("source %s/vars && pushd %s && %s", remoteHome, remoteWorkspace, cmd))
}

func (b *Backend) prepareInstance(ctx context.Context) error {
	b.log.Info("preparing instance", "instance", b.InstanceID())
	_, err := b.SendCommandBatch(ctx, setupCommands(), remoteHome)
	return err
}

func (b *Backend) RunCommands(ctx context.Context, cmds []string) ([]domain.CommandResult, error) {
	wrapped := make([]string, len(cmds))
	for i, cmd := range cmds {
		wrapped[i] = WrapCommand(cmd)
	}
	results, err := b.SendCommandBatch(ctx, wrapped, remoteHome)
	for i := range results {
		results[i].Command = cmds[i]
	}
	return results, err
}

// UploadWorkspace ships tarball through the bucket and unpacks it into the
// remote workspace. The object is removed afterwards.
func (b *Backend) UploadWorkspace(ctx context.Context, tarball string) (err error) {
	key := filepath.Base(tarball)
	if err := b.UploadFile(ctx, tarball, key); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, b.DeleteFile(context.WithoutCancel(ctx), key))
	}()

	remote := remoteHome + "/" + key
	_, err = b.SendCommandBatch(ctx, []string{
		asUser(fmt.Sprintf("aws s3 cp s3://%s/%s %s", b.cfg.S3Bucket, key, remote)),
		asUser(fmt.Sprintf("cd %s; tar xf %s", remoteWorkspace, remote)),
		asUser("rm -f " + remote),
	}, remoteHome)
	return err
}

// DownloadWorkspace packs the remote workspace, fetches it into tarball and
// keeps only the members matching globs.
func (b *Backend) DownloadWorkspace(ctx context.Context, tarball string, globs []string) (err error) {
	if err := b.setup(ctx); err != nil {
		return err
	}
	key := filepath.Base(tarball)
	defer func() {
		err = errors.Join(err, b.DeleteFile(context.WithoutCancel(ctx), key))
	}()

	remote := remoteHome + "/" + key
	if _, err := b.SendCommandBatch(ctx, []string{
		asUser(fmt.Sprintf("cd %s; tar cjf %s .", remoteWorkspace, remote)),
		asUser(fmt.Sprintf("aws s3 cp %s s3://%s/%s", remote, b.cfg.S3Bucket, key)),
		asUser("rm -f " + remote),
	}, remoteHome); err != nil {
		return err
	}
	if err := b.DownloadFile(ctx, key, tarball); err != nil {
		return err
	}
	if err := archive.Filter(tarball, globs); err != nil {
		return fmt.Errorf("filtering workspace: %w", err)
	}
	return nil
}
