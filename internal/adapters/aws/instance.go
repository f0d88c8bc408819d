package aws

import (
	"context"
	"errors"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/avh-dev/avhclient/internal/domain"
)

const (
	imageNamePrefix = "ArmVirtualHardware-"
	instanceTagKey  = "AVH_CLI"
)

// Prepare reuses, starts, or creates the instance and installs the tools
// the workspace commands rely on. The returned state is valid even when an
// error is returned, so the caller can clean up what was provisioned.
func (b *Backend) Prepare(ctx context.Context) (domain.BackendState, error) {
	if err := b.setup(ctx); err != nil {
		return domain.BackendStateInvalid, err
	}

	state, err := b.createOrStart(ctx)
	if err != nil {
		return state, err
	}
	if err := b.prepareInstance(ctx); err != nil {
		return state, fmt.Errorf("preparing instance: %w", err)
	}
	return state, nil
}

func (b *Backend) createOrStart(ctx context.Context) (domain.BackendState, error) {
	given := b.InstanceID()
	if id := given; id != "" {
		state, err := b.InstanceState(ctx)
		if err != nil {
			return domain.BackendStateInvalid, err
		}
		switch state {
		case ec2types.InstanceStateNameRunning:
			b.log.Info("instance already running", "instance", id)
			return domain.BackendStateRunning, nil
		case ec2types.InstanceStateNameStopped:
			b.log.Info("starting provided instance", "instance", id)
			if err := b.StartInstance(ctx); err != nil {
				return domain.BackendStateInvalid, err
			}
			return domain.BackendStateStarted, nil
		default:
			b.log.Warn("instance cannot be reused", "instance", id, "state", state)
		}
	}

	if _, err := b.CreateInstance(ctx); err != nil {
		// only an instance launched here may be terminated by Cleanup
		if id := b.InstanceID(); id != "" && id != given {
			return domain.BackendStateCreated, err
		}
		return domain.BackendStateInvalid, err
	}
	return domain.BackendStateCreated, nil
}

// Cleanup leaves a reused instance alone, stops one that was started (or
// any instance when instances are kept) and terminates a created one.
func (b *Backend) Cleanup(ctx context.Context, state domain.BackendState) error {
	switch state {
	case domain.BackendStateInvalid, domain.BackendStateRunning:
		b.log.Debug("nothing to clean up", "state", state)
		return nil
	}
	if err := b.setup(ctx); err != nil {
		return err
	}
	if b.InstanceID() == "" {
		return nil
	}
	if state == domain.BackendStateStarted || b.cfg.KeepInstances {
		return b.StopInstance(ctx)
	}
	return b.TerminateInstance(ctx)
}

// CreateInstance launches a tagged instance from the configured image and
// waits until it passes its status checks. A configured instance ID skips
// the launch settings check in setup, so they are checked again here.
func (b *Backend) CreateInstance(ctx context.Context) (string, error) {
	if err := b.setup(ctx); err != nil {
		return "", err
	}
	b.mu.Lock()
	missing := b.launchMissing()
	b.mu.Unlock()
	if len(missing) > 0 {
		return "", fmt.Errorf("%w to launch an instance: %v", ErrMissingConfig, missing)
	}
	imageID, err := b.ImageID(ctx)
	if err != nil {
		return "", err
	}

	in := &ec2.RunInstancesInput{
		ImageId:            sdkaws.String(imageID),
		InstanceType:       ec2types.InstanceType(b.cfg.InstanceType),
		MinCount:           sdkaws.Int32(1),
		MaxCount:           sdkaws.Int32(1),
		IamInstanceProfile: &ec2types.IamInstanceProfileSpecification{Name: sdkaws.String(b.cfg.IAMProfile)},
		SecurityGroupIds:   []string{b.cfg.SecurityGroupID},
		SubnetId:           sdkaws.String(b.cfg.SubnetID),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags:         []ec2types.Tag{{Key: sdkaws.String(instanceTagKey), Value: sdkaws.String("true")}},
		}},
	}
	if b.cfg.KeyName != "" {
		in.KeyName = sdkaws.String(b.cfg.KeyName)
	}

	dry := *in
	dry.DryRun = sdkaws.Bool(true)
	if _, err := b.clients.EC2.RunInstances(ctx, &dry); err != nil && !isDryRun(err) {
		return "", fmt.Errorf("run instances (dry run): %w", err)
	}

	b.log.Info("creating instance", "image", imageID, "type", b.cfg.InstanceType)
	out, err := b.clients.EC2.RunInstances(ctx, in)
	if err != nil {
		return "", fmt.Errorf("run instances: %w", err)
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return "", errors.New("run instances returned no instance")
	}
	id := sdkaws.ToString(out.Instances[0].InstanceId)
	b.setInstanceID(id)
	b.log.Info("instance created", "instance", id)

	if err := b.waitRunning(ctx, id); err != nil {
		return id, err
	}
	return id, nil
}

func (b *Backend) StartInstance(ctx context.Context) error {
	if err := b.setup(ctx); err != nil {
		return err
	}
	id := b.InstanceID()
	if _, err := b.clients.EC2.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{id}}); err != nil {
		return fmt.Errorf("start instance %s: %w", id, err)
	}
	return b.waitRunning(ctx, id)
}

func (b *Backend) StopInstance(ctx context.Context) error {
	if err := b.setup(ctx); err != nil {
		return err
	}
	id := b.InstanceID()
	b.log.Info("stopping instance", "instance", id)
	if _, err := b.clients.EC2.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{id}}); err != nil {
		return fmt.Errorf("stop instance %s: %w", id, err)
	}
	waiter := ec2.NewInstanceStoppedWaiter(b.clients.EC2)
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}}, b.waitTimeout); err != nil {
		return fmt.Errorf("waiting for instance %s to stop: %w", id, err)
	}
	return nil
}

func (b *Backend) TerminateInstance(ctx context.Context) error {
	if err := b.setup(ctx); err != nil {
		return err
	}
	id := b.InstanceID()
	in := &ec2.TerminateInstancesInput{InstanceIds: []string{id}}

	dry := *in
	dry.DryRun = sdkaws.Bool(true)
	if _, err := b.clients.EC2.TerminateInstances(ctx, &dry); err != nil && !isDryRun(err) {
		return fmt.Errorf("terminate instance %s (dry run): %w", id, err)
	}

	b.log.Info("terminating instance", "instance", id)
	if _, err := b.clients.EC2.TerminateInstances(ctx, in); err != nil {
		return fmt.Errorf("terminate instance %s: %w", id, err)
	}
	waiter := ec2.NewInstanceTerminatedWaiter(b.clients.EC2)
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}}, b.waitTimeout); err != nil {
		return fmt.Errorf("waiting for instance %s to terminate: %w", id, err)
	}
	return nil
}

// InstanceState reports the EC2 state of the current instance.
func (b *Backend) InstanceState(ctx context.Context) (ec2types.InstanceStateName, error) {
	if err := b.setup(ctx); err != nil {
		return "", err
	}
	id := b.InstanceID()
	out, err := b.clients.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		return "", fmt.Errorf("describe instance %s: %w", id, err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return "", fmt.Errorf("instance %s not found", id)
	}
	inst := out.Reservations[0].Instances[0]
	if inst.State == nil {
		return "", fmt.Errorf("instance %s has no state", id)
	}
	b.log.Debug("instance state", "instance", id, "state", inst.State.Name)
	return inst.State.Name, nil
}

// ImageID returns the AMI used for new instances, resolving it from the
// configured version when no ID was given.
func (b *Backend) ImageID(ctx context.Context) (string, error) {
	if err := b.setup(ctx); err != nil {
		return "", err
	}
	b.mu.Lock()
	id := b.amiID
	b.mu.Unlock()
	if id != "" {
		return id, nil
	}
	id, err := b.lookupImage(ctx, b.cfg.AMIVersion)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.amiID = id
	b.mu.Unlock()
	return id, nil
}

func (b *Backend) lookupImage(ctx context.Context, version string) (string, error) {
	if version == "" {
		return "", fmt.Errorf("%w: AWS_AMI_VERSION", ErrMissingConfig)
	}
	out, err := b.clients.EC2.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Filters: []ec2types.Filter{{
			Name:   sdkaws.String("name"),
			Values: []string{imageNamePrefix + version + "*"},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("describe images: %w", err)
	}
	if len(out.Images) == 0 || out.Images[0].ImageId == nil {
		return "", fmt.Errorf("no image matches version %q", version)
	}
	id := sdkaws.ToString(out.Images[0].ImageId)
	b.log.Info("resolved image", "version", version, "image", id)
	return id, nil
}

func (b *Backend) waitRunning(ctx context.Context, id string) error {
	b.log.Info("waiting for instance", "instance", id)
	running := ec2.NewInstanceRunningWaiter(b.clients.EC2)
	if err := running.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}}, b.waitTimeout); err != nil {
		return fmt.Errorf("waiting for instance %s to run: %w", id, err)
	}
	statusOK := ec2.NewInstanceStatusOkWaiter(b.clients.EC2)
	if err := statusOK.Wait(ctx, &ec2.DescribeInstanceStatusInput{InstanceIds: []string{id}}, b.waitTimeout); err != nil {
		return fmt.Errorf("waiting for instance %s status checks: %w", id, err)
	}
	return nil
}

func isDryRun(err error) bool {
	return apiErrorCode(err) == "DryRunOperation"
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
