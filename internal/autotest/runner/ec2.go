package runner

import (
	"context"
	"fmt"

	appErr "autotest/pkg/errors"
	"autotest/pkg/utils/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"
)

const KindEC2 = "ec2_runner"

// EC2API is the subset of the EC2 client used to revert a runner host.
type EC2API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeSnapshots(ctx context.Context, in *ec2.DescribeSnapshotsInput, opts ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
	CreateReplaceRootVolumeTask(ctx context.Context, in *ec2.CreateReplaceRootVolumeTaskInput, opts ...func(*ec2.Options)) (*ec2.CreateReplaceRootVolumeTaskOutput, error)
	DescribeReplaceRootVolumeTasks(ctx context.Context, in *ec2.DescribeReplaceRootVolumeTasksInput, opts ...func(*ec2.Options)) (*ec2.DescribeReplaceRootVolumeTasksOutput, error)
}

// EC2Config configures the ec2_runner variant.
type EC2Config struct {
	Region string      `yaml:"region"`
	Retry  RetryConfig `yaml:"retry"`
}

// EC2 runs tests like Simple and reverts the host's root volume to its oldest
// snapshot after a run.
type EC2 struct {
	*Controller
	api   EC2API
	retry RetryConfig
}

// NewEC2 creates the variant with a client built from the default AWS config chain.
func NewEC2(ctx context.Context, controller *Controller, cfg EC2Config) (*EC2, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config failed: %w", err)
	}
	return NewEC2WithAPI(controller, ec2.NewFromConfig(awsCfg), cfg.Retry), nil
}

// NewEC2WithAPI creates the variant around an existing client.
func NewEC2WithAPI(controller *Controller, api EC2API, retry RetryConfig) *EC2 {
	return &EC2{Controller: controller, api: api, retry: retry}
}

func (e *EC2) Kind() string {
	return KindEC2
}

// AfterRun finds the instance with ip, then replaces its root volume with the
// oldest completed snapshot of that volume and waits for the replacement.
func (e *EC2) AfterRun(ctx context.Context, ip string) error {
	logger.Info(ctx, "Reverting runner host", zap.String("ip", ip))

	var instance types.Instance
	err := retry(ctx, "find instance", e.retry, func(ctx context.Context) error {
		var err error
		instance, err = e.findInstance(ctx, ip)
		return err
	})
	if err != nil {
		return err
	}
	instanceID := aws.ToString(instance.InstanceId)
	volumeID, err := rootVolumeID(instance)
	if err != nil {
		return err
	}

	var snapshotID string
	err = retry(ctx, "find snapshot", e.retry, func(ctx context.Context) error {
		var err error
		snapshotID, err = e.oldestSnapshot(ctx, volumeID)
		return err
	})
	if err != nil {
		return err
	}
	logger.Info(ctx, "Replacing root volume",
		zap.String("instance_id", instanceID),
		zap.String("volume_id", volumeID),
		zap.String("snapshot_id", snapshotID),
	)

	var taskID string
	err = retry(ctx, "replace root volume", e.retry, func(ctx context.Context) error {
		out, err := e.api.CreateReplaceRootVolumeTask(ctx, &ec2.CreateReplaceRootVolumeTaskInput{
			InstanceId: aws.String(instanceID),
			SnapshotId: aws.String(snapshotID),
		})
		if err != nil {
			return err
		}
		if out.ReplaceRootVolumeTask == nil {
			return appErr.New(appErr.ProviderActionFailed).WithMessage("replace root volume returned no task")
		}
		taskID = aws.ToString(out.ReplaceRootVolumeTask.ReplaceRootVolumeTaskId)
		return nil
	})
	if err != nil {
		return err
	}

	return retry(ctx, "wait for root volume", e.retry, func(ctx context.Context) error {
		return e.taskDone(ctx, taskID)
	})
}

func (e *EC2) findInstance(ctx context.Context, ip string) (types.Instance, error) {
	for _, filter := range []string{"ip-address", "private-ip-address"} {
		out, err := e.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			Filters: []types.Filter{{Name: aws.String(filter), Values: []string{ip}}},
		})
		if err != nil {
			return types.Instance{}, err
		}
		var found []types.Instance
		for _, r := range out.Reservations {
			found = append(found, r.Instances...)
		}
		switch len(found) {
		case 0:
			continue
		case 1:
			return found[0], nil
		default:
			return types.Instance{}, appErr.Newf(appErr.ProviderActionFailed, "%d instances have ip %s", len(found), ip)
		}
	}
	return types.Instance{}, appErr.Newf(appErr.ProviderActionFailed, "no instance has ip %s", ip)
}

func rootVolumeID(instance types.Instance) (string, error) {
	root := aws.ToString(instance.RootDeviceName)
	for _, m := range instance.BlockDeviceMappings {
		if aws.ToString(m.DeviceName) == root && m.Ebs != nil {
			return aws.ToString(m.Ebs.VolumeId), nil
		}
	}
	return "", appErr.Newf(appErr.ProviderActionFailed, "instance %s has no ebs root volume", aws.ToString(instance.InstanceId))
}

func (e *EC2) oldestSnapshot(ctx context.Context, volumeID string) (string, error) {
	out, err := e.api.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{
		OwnerIds: []string{"self"},
		Filters: []types.Filter{
			{Name: aws.String("volume-id"), Values: []string{volumeID}},
			{Name: aws.String("status"), Values: []string{"completed"}},
		},
	})
	if err != nil {
		return "", err
	}
	var oldest *types.Snapshot
	for i := range out.Snapshots {
		snap := &out.Snapshots[i]
		if snap.StartTime == nil {
			continue
		}
		if oldest == nil || snap.StartTime.Before(*oldest.StartTime) {
			oldest = snap
		}
	}
	if oldest == nil {
		return "", appErr.Newf(appErr.ProviderActionFailed, "volume %s has no completed snapshot", volumeID)
	}
	return aws.ToString(oldest.SnapshotId), nil
}

func (e *EC2) taskDone(ctx context.Context, taskID string) error {
	out, err := e.api.DescribeReplaceRootVolumeTasks(ctx, &ec2.DescribeReplaceRootVolumeTasksInput{
		ReplaceRootVolumeTaskIds: []string{taskID},
	})
	if err != nil {
		return err
	}
	if len(out.ReplaceRootVolumeTasks) == 0 {
		return fmt.Errorf("task %s not visible yet", taskID)
	}
	switch state := out.ReplaceRootVolumeTasks[0].TaskState; state {
	case types.ReplaceRootVolumeTaskStateSucceeded:
		return nil
	case types.ReplaceRootVolumeTaskStateFailed, types.ReplaceRootVolumeTaskStateFailedDetached:
		return appErr.Newf(appErr.ProviderActionFailed, "replace root volume task %s ended in %s", taskID, state)
	default:
		return fmt.Errorf("task %s is %s", taskID, state)
	}
}
