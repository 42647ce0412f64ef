package aws

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/yairfalse/stackline/types"
)

var ec2ResourceTypes = map[ec2types.ResourceType]types.NodeType{
	ec2types.ResourceTypeVpc:             types.NodeNetwork,
	ec2types.ResourceTypeInternetGateway: types.NodeGateway,
	ec2types.ResourceTypeSubnet:          types.NodeSubnet,
	ec2types.ResourceTypeRouteTable:      types.NodeRouteTable,
	ec2types.ResourceTypeSecurityGroup:   types.NodeSecurityGroup,
	ec2types.ResourceTypeInstance:        types.NodeComputeInstance,
}

func nodeTypeForEC2(rt ec2types.ResourceType) (types.NodeType, bool) {
	t, ok := ec2ResourceTypes[rt]
	return t, ok
}

// tagSpec builds the TagSpecifications that tag a resource in its create call.
func tagSpec(rt ec2types.ResourceType, tags types.Tags) []ec2types.TagSpecification {
	return []ec2types.TagSpecification{{ResourceType: rt, Tags: ec2Tags(tags)}}
}

func ec2Tags(tags types.Tags) []ec2types.Tag {
	var out []ec2types.Tag
	for _, k := range tagKeys(tags) {
		out = append(out, ec2types.Tag{Key: aws.String(k), Value: aws.String(tags.Get(k))})
	}
	return out
}

func fromEC2Tags(tags []ec2types.Tag) types.Tags {
	m := make(map[string]string, len(tags))
	for _, tag := range tags {
		m[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return types.TagsFromMap(m)
}

func iamTags(tags types.Tags) []iamtypes.Tag {
	var out []iamtypes.Tag
	for _, k := range tagKeys(tags) {
		out = append(out, iamtypes.Tag{Key: aws.String(k), Value: aws.String(tags.Get(k))})
	}
	return out
}

func fromIAMTags(tags []iamtypes.Tag) types.Tags {
	m := make(map[string]string, len(tags))
	for _, tag := range tags {
		m[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return types.TagsFromMap(m)
}

func ssmTags(tags types.Tags) []ssmtypes.Tag {
	var out []ssmtypes.Tag
	for _, k := range tagKeys(tags) {
		out = append(out, ssmtypes.Tag{Key: aws.String(k), Value: aws.String(tags.Get(k))})
	}
	return out
}

func fromSSMTags(tags []ssmtypes.Tag) types.Tags {
	m := make(map[string]string, len(tags))
	for _, tag := range tags {
		m[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return types.TagsFromMap(m)
}

// tagKeys lists the keys set on tags in a stable order.
func tagKeys(tags types.Tags) []string {
	var keys []string
	for _, k := range []string{types.TagProject, types.TagDeployID, types.TagName} {
		if tags.Get(k) != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
