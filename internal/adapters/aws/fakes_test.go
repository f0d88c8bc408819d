package aws

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"
)

type fakeEC2 struct {
	mu        sync.Mutex
	states    map[string]ec2types.InstanceStateName
	nextID    int
	images    []ec2types.Image
	runInputs []*ec2.RunInstancesInput
	calls     []string
}

func newFakeEC2() *fakeEC2 {
	return &fakeEC2{states: make(map[string]ec2types.InstanceStateName)}
}

func (f *fakeEC2) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeEC2) callsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEC2) state(id string) ec2types.InstanceStateName {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[id]
}

func dryRunError() error {
	return &smithy.GenericAPIError{Code: "DryRunOperation", Message: "Request would have succeeded"}
}

func (f *fakeEC2) RunInstances(ctx context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runInputs = append(f.runInputs, in)
	if sdkaws.ToBool(in.DryRun) {
		f.record("RunInstances(dry)")
		return nil, dryRunError()
	}
	f.record("RunInstances")
	f.nextID++
	id := fmt.Sprintf("i-%04d", f.nextID)
	f.states[id] = ec2types.InstanceStateNameRunning
	return &ec2.RunInstancesOutput{Instances: []ec2types.Instance{{InstanceId: sdkaws.String(id)}}}, nil
}

func (f *fakeEC2) StartInstances(ctx context.Context, in *ec2.StartInstancesInput, _ ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StartInstances")
	for _, id := range in.InstanceIds {
		f.states[id] = ec2types.InstanceStateNameRunning
	}
	return &ec2.StartInstancesOutput{}, nil
}

func (f *fakeEC2) StopInstances(ctx context.Context, in *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StopInstances")
	for _, id := range in.InstanceIds {
		f.states[id] = ec2types.InstanceStateNameStopped
	}
	return &ec2.StopInstancesOutput{}, nil
}

func (f *fakeEC2) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sdkaws.ToBool(in.DryRun) {
		f.record("TerminateInstances(dry)")
		return nil, dryRunError()
	}
	f.record("TerminateInstances")
	for _, id := range in.InstanceIds {
		f.states[id] = ec2types.InstanceStateNameTerminated
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var instances []ec2types.Instance
	for _, id := range in.InstanceIds {
		st, ok := f.states[id]
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidInstanceID.Malformed", Message: id}
		}
		instances = append(instances, ec2types.Instance{
			InstanceId: sdkaws.String(id),
			State:      &ec2types.InstanceState{Name: st},
		})
	}
	return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{{Instances: instances}}}, nil
}

func (f *fakeEC2) DescribeInstanceStatus(ctx context.Context, in *ec2.DescribeInstanceStatusInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error) {
	var statuses []ec2types.InstanceStatus
	for _, id := range in.InstanceIds {
		statuses = append(statuses, ec2types.InstanceStatus{
			InstanceId:     sdkaws.String(id),
			InstanceStatus: &ec2types.InstanceStatusSummary{Status: ec2types.SummaryStatusOk},
		})
	}
	return &ec2.DescribeInstanceStatusOutput{InstanceStatuses: statuses}, nil
}

func (f *fakeEC2) DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DescribeImages")
	if len(in.Filters) == 0 || len(in.Filters[0].Values) == 0 {
		return &ec2.DescribeImagesOutput{}, nil
	}
	// only the prefix before the trailing wildcard is compared
	want := in.Filters[0].Values[0]
	want = want[:len(want)-1]
	var out []ec2types.Image
	for _, img := range f.images {
		if name := sdkaws.ToString(img.Name); len(name) >= len(want) && name[:len(want)] == want {
			out = append(out, img)
		}
	}
	return &ec2.DescribeImagesOutput{Images: out}, nil
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) put(bucket, key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = data
}

func (f *fakeS3) has(bucket, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[bucket+"/"+key]
	return ok
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.put(sdkaws.ToString(in.Bucket), sdkaws.ToString(in.Key), data)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[sdkaws.ToString(in.Bucket)+"/"+sdkaws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: in.Key}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := sdkaws.ToString(in.Key)
	delete(f.objects, sdkaws.ToString(in.Bucket)+"/"+key)
	f.deleted = append(f.deleted, key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if !f.has(sdkaws.ToString(in.Bucket), sdkaws.ToString(in.Key)) {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

// remoteOutcome is what the fake instance produces for one command.
type remoteOutcome struct {
	status string
	stdout string
	stderr string
	code   int32
}

type sentCommand struct {
	instance string
	workdir  string
	command  string
	status   string
	code     int32
}

type fakeSSM struct {
	mu       sync.Mutex
	s3       *fakeS3
	commands map[string]*sentCommand
	order    []string
	handler  func(cmd string) remoteOutcome
}

func newFakeSSM(s3 *fakeS3) *fakeSSM {
	return &fakeSSM{
		s3:       s3,
		commands: make(map[string]*sentCommand),
		handler: func(cmd string) remoteOutcome {
			return remoteOutcome{status: "Success"}
		},
	}
}

func (f *fakeSSM) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.commands[id].command)
	}
	return out
}

func (f *fakeSSM) SendCommand(ctx context.Context, in *ssm.SendCommandInput, _ ...func(*ssm.Options)) (*ssm.SendCommandOutput, error) {
	command := in.Parameters["commands"][0]
	res := f.handler(command)

	f.mu.Lock()
	id := fmt.Sprintf("cmd-%d", len(f.order)+1)
	instance := in.InstanceIds[0]
	f.commands[id] = &sentCommand{
		instance: instance,
		workdir:  in.Parameters["workingDirectory"][0],
		command:  command,
		status:   res.status,
		code:     res.code,
	}
	f.order = append(f.order, id)
	f.mu.Unlock()

	bucket, prefix := sdkaws.ToString(in.OutputS3BucketName), sdkaws.ToString(in.OutputS3KeyPrefix)
	if res.stdout != "" {
		f.s3.put(bucket, OutputKey(prefix, id, instance, "stdout"), []byte(res.stdout))
	}
	if res.stderr != "" {
		f.s3.put(bucket, OutputKey(prefix, id, instance, "stderr"), []byte(res.stderr))
	}
	return &ssm.SendCommandOutput{Command: &ssmtypes.Command{CommandId: sdkaws.String(id)}}, nil
}

func (f *fakeSSM) lookup(id string) (*sentCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.commands[id]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "InvalidCommandId", Message: id}
	}
	return c, nil
}

func (f *fakeSSM) ListCommands(ctx context.Context, in *ssm.ListCommandsInput, _ ...func(*ssm.Options)) (*ssm.ListCommandsOutput, error) {
	c, err := f.lookup(sdkaws.ToString(in.CommandId))
	if err != nil {
		return nil, err
	}
	return &ssm.ListCommandsOutput{Commands: []ssmtypes.Command{{
		CommandId: in.CommandId,
		Status:    ssmtypes.CommandStatus(c.status),
	}}}, nil
}

func (f *fakeSSM) GetCommandInvocation(ctx context.Context, in *ssm.GetCommandInvocationInput, _ ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error) {
	c, err := f.lookup(sdkaws.ToString(in.CommandId))
	if err != nil {
		return nil, err
	}
	return &ssm.GetCommandInvocationOutput{
		CommandId:     in.CommandId,
		InstanceId:    in.InstanceId,
		Status:        ssmtypes.CommandInvocationStatus(c.status),
		StatusDetails: sdkaws.String(c.status),
		ResponseCode:  c.code,
	}, nil
}

func (f *fakeSSM) ListCommandInvocations(ctx context.Context, in *ssm.ListCommandInvocationsInput, _ ...func(*ssm.Options)) (*ssm.ListCommandInvocationsOutput, error) {
	id := sdkaws.ToString(in.CommandId)
	c, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	base := "https://s3.example.com/" + id + "/" + c.instance
	return &ssm.ListCommandInvocationsOutput{CommandInvocations: []ssmtypes.CommandInvocation{{
		CommandId:         in.CommandId,
		StandardOutputUrl: sdkaws.String(base + "/stdout"),
		StandardErrorUrl:  sdkaws.String(base + "/stderr"),
	}}}, nil
}
