package aws

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/stackline/types"
)

func (p *Provider) createInstance(ctx context.Context, req types.CreateRequest) (string, error) {
	input := &ec2.RunInstancesInput{
		ImageId:           aws.String(req.ImageID),
		InstanceType:      ec2types.InstanceType(req.InstanceType),
		MinCount:          aws.Int32(1),
		MaxCount:          aws.Int32(1),
		SubnetId:          aws.String(req.Deps.Subnet),
		SecurityGroupIds:  []string{req.Deps.SecurityGroup},
		TagSpecifications: tagSpec(ec2types.ResourceTypeInstance, req.Tags),
	}
	if req.Deps.InstanceProfile != "" {
		input.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{
			Name: aws.String(req.Deps.InstanceProfile),
		}
	}
	if len(req.UserData) > 0 {
		input.UserData = aws.String(base64.StdEncoding.EncodeToString(req.UserData))
	}

	out, err := p.ec2.RunInstances(ctx, input)
	if err != nil {
		return "", classify("create", types.NodeComputeInstance, "", err)
	}
	if len(out.Instances) == 0 {
		return "", fmt.Errorf("create %s: no instance returned", types.NodeComputeInstance)
	}
	return aws.ToString(out.Instances[0].InstanceId), nil
}

func (p *Provider) terminateInstance(ctx context.Context, id string) error {
	_, err := p.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
	return classify("delete", types.NodeComputeInstance, id, err)
}

// instanceTags treats terminated instances as gone; EC2 keeps describing
// them for a while after termination.
func (p *Provider) instanceTags(ctx context.Context, id string) (types.Tags, error) {
	out, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		return types.Tags{}, classify("describe", types.NodeComputeInstance, id, err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if aws.ToString(inst.InstanceId) != id {
				continue
			}
			if inst.State != nil && inst.State.Name == ec2types.InstanceStateNameTerminated {
				return types.Tags{}, notFound(types.NodeComputeInstance, id)
			}
			return fromEC2Tags(inst.Tags), nil
		}
	}
	return types.Tags{}, notFound(types.NodeComputeInstance, id)
}

func (p *Provider) waitInstance(ctx context.Context, id string, state types.WaitState) error {
	input := &ec2.DescribeInstancesInput{InstanceIds: []string{id}}

	var err error
	switch state {
	case types.WaitRunning:
		err = ec2.NewInstanceRunningWaiter(p.ec2).Wait(ctx, input, p.waitTimeout)
	case types.WaitTerminated:
		err = ec2.NewInstanceTerminatedWaiter(p.ec2).Wait(ctx, input, p.waitTimeout)
	default:
		return fmt.Errorf("wait: unsupported state %q", state)
	}
	if err != nil {
		return classify("wait-"+string(state), types.NodeComputeInstance, id, err)
	}
	return nil
}
