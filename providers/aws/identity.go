package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/stackline/providers"
	"github.com/yairfalse/stackline/types"
)

const (
	ssmCorePolicyARN    = "arn:aws:iam::aws:policy/AmazonSSMManagedInstanceCore"
	parameterPolicyName = "parameter-read"
)

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Effect    string            `json:"Effect"`
	Action    []string          `json:"Action"`
	Resource  string            `json:"Resource,omitempty"`
	Principal map[string]string `json:"Principal,omitempty"`
}

func assumeRolePolicy() (string, error) {
	doc := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Effect:    "Allow",
			Action:    []string{"sts:AssumeRole"},
			Principal: map[string]string{"Service": "ec2.amazonaws.com"},
		}},
	}
	data, err := json.Marshal(doc)
	return string(data), err
}

// parameterReadPolicy scopes parameter reads to the project prefix.
func parameterReadPolicy(prefix string) (string, error) {
	doc := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Effect:   "Allow",
			Action:   []string{"ssm:GetParameter", "ssm:GetParameters", "ssm:GetParametersByPath"},
			Resource: "arn:aws:ssm:*:*:parameter" + prefix + "*",
		}},
	}
	data, err := json.Marshal(doc)
	return string(data), err
}

func (p *Provider) createRole(ctx context.Context, req types.CreateRequest) (string, error) {
	assume, err := assumeRolePolicy()
	if err != nil {
		return "", fmt.Errorf("render assume role policy: %w", err)
	}

	_, err = p.iam.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(req.Name),
		AssumeRolePolicyDocument: aws.String(assume),
		Tags:                     iamTags(req.Tags),
	})
	if err != nil {
		return "", classify("create", types.NodeIAMRole, req.Name, err)
	}
	return req.Name, nil
}

// configureRole attaches the managed core policy and writes the inline
// parameter policy. Both calls overwrite, so a reused role gets them too.
func (p *Provider) configureRole(ctx context.Context, name string, req types.CreateRequest) error {
	_, err := p.iam.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  aws.String(name),
		PolicyArn: aws.String(ssmCorePolicyARN),
	})
	if err != nil {
		return classify("attach-policy", types.NodeIAMRole, name, err)
	}

	if req.SecretPrefix == "" {
		return nil
	}
	doc, err := parameterReadPolicy(req.SecretPrefix)
	if err != nil {
		return fmt.Errorf("render parameter policy: %w", err)
	}
	_, err = p.iam.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(name),
		PolicyName:     aws.String(parameterPolicyName),
		PolicyDocument: aws.String(doc),
	})
	return classify("put-policy", types.NodeIAMRole, name, err)
}

func (p *Provider) lookupRole(ctx context.Context, name string) (string, error) {
	out, err := p.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
	if err != nil {
		return "", classify("lookup", types.NodeIAMRole, name, err)
	}
	return aws.ToString(out.Role.RoleName), nil
}

func (p *Provider) roleTags(ctx context.Context, name string) (types.Tags, error) {
	out, err := p.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
	if err != nil {
		return types.Tags{}, classify("describe", types.NodeIAMRole, name, err)
	}
	return fromIAMTags(out.Role.Tags), nil
}

// deleteRole strips attached and inline policies and profile memberships;
// IAM refuses to delete a role that still has any of them.
func (p *Provider) deleteRole(ctx context.Context, name string) error {
	attached, err := p.iam.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(name)})
	if err != nil {
		return classify("list-policies", types.NodeIAMRole, name, err)
	}
	for _, policy := range attached.AttachedPolicies {
		_, err := p.iam.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  aws.String(name),
			PolicyArn: policy.PolicyArn,
		})
		if err != nil {
			return classify("detach-policy", types.NodeIAMRole, name, err)
		}
	}

	inline, err := p.iam.ListRolePolicies(ctx, &iam.ListRolePoliciesInput{RoleName: aws.String(name)})
	if err != nil {
		return classify("list-policies", types.NodeIAMRole, name, err)
	}
	for _, policyName := range inline.PolicyNames {
		_, err := p.iam.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
			RoleName:   aws.String(name),
			PolicyName: aws.String(policyName),
		})
		if err != nil {
			return classify("delete-policy", types.NodeIAMRole, name, err)
		}
	}

	profiles, err := p.iam.ListInstanceProfilesForRole(ctx, &iam.ListInstanceProfilesForRoleInput{RoleName: aws.String(name)})
	if err != nil {
		return classify("list-profiles", types.NodeIAMRole, name, err)
	}
	for _, profile := range profiles.InstanceProfiles {
		log.Warn().
			Str("role", name).
			Str("instance_profile", aws.ToString(profile.InstanceProfileName)).
			Msg("role still attached to instance profile, removing")
		_, err := p.iam.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
			RoleName:            aws.String(name),
			InstanceProfileName: profile.InstanceProfileName,
		})
		if err != nil {
			return classify("remove-role", types.NodeIAMRole, name, err)
		}
	}

	_, err = p.iam.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(name)})
	return classify("delete", types.NodeIAMRole, name, err)
}

func (p *Provider) createInstanceProfile(ctx context.Context, req types.CreateRequest) (string, error) {
	_, err := p.iam.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
		InstanceProfileName: aws.String(req.Name),
		Tags:                iamTags(req.Tags),
	})
	if err != nil {
		return "", classify("create", types.NodeInstanceProfile, req.Name, err)
	}
	return req.Name, nil
}

// configureInstanceProfile adds the role unless the profile already holds
// it. A profile takes a single role, so a different one is an error.
func (p *Provider) configureInstanceProfile(ctx context.Context, name string, req types.CreateRequest) error {
	out, err := p.iam.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: aws.String(name)})
	if err != nil {
		return classify("describe", types.NodeInstanceProfile, name, err)
	}
	for _, role := range out.InstanceProfile.Roles {
		if aws.ToString(role.RoleName) == req.Deps.IAMRole {
			return nil
		}
		return providers.Permanent("add-role", types.NodeInstanceProfile, name,
			fmt.Errorf("profile already holds role %s", aws.ToString(role.RoleName)))
	}

	_, err = p.iam.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
		InstanceProfileName: aws.String(name),
		RoleName:            aws.String(req.Deps.IAMRole),
	})
	return classify("add-role", types.NodeInstanceProfile, name, err)
}

func (p *Provider) lookupInstanceProfile(ctx context.Context, name string) (string, error) {
	out, err := p.iam.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: aws.String(name)})
	if err != nil {
		return "", classify("lookup", types.NodeInstanceProfile, name, err)
	}
	return aws.ToString(out.InstanceProfile.InstanceProfileName), nil
}

func (p *Provider) instanceProfileTags(ctx context.Context, name string) (types.Tags, error) {
	out, err := p.iam.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: aws.String(name)})
	if err != nil {
		return types.Tags{}, classify("describe", types.NodeInstanceProfile, name, err)
	}
	return fromIAMTags(out.InstanceProfile.Tags), nil
}

func (p *Provider) deleteInstanceProfile(ctx context.Context, name string) error {
	out, err := p.iam.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: aws.String(name)})
	if err != nil {
		return classify("describe", types.NodeInstanceProfile, name, err)
	}

	for _, role := range out.InstanceProfile.Roles {
		_, err := p.iam.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
			InstanceProfileName: aws.String(name),
			RoleName:            role.RoleName,
		})
		if err != nil {
			return classify("remove-role", types.NodeInstanceProfile, name, err)
		}
	}

	_, err = p.iam.DeleteInstanceProfile(ctx, &iam.DeleteInstanceProfileInput{InstanceProfileName: aws.String(name)})
	return classify("delete", types.NodeInstanceProfile, name, err)
}

// findIdentitiesByTag walks the account's roles and instance profiles. IAM
// has no tag query and its list calls omit tags, so only names with the
// project suffixes are described.
func (p *Provider) findIdentitiesByTag(ctx context.Context, key, value string) ([]types.TaggedResource, error) {
	var found []types.TaggedResource
	keep := func(nodeType types.NodeType, name string) error {
		tags, err := p.Tags(ctx, nodeType, name)
		if providers.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if tags.Get(key) == value {
			found = append(found, types.TaggedResource{Type: nodeType, ID: name, Tags: tags})
		}
		return nil
	}

	roles := iam.NewListRolesPaginator(p.iam, &iam.ListRolesInput{})
	for roles.HasMorePages() {
		output, err := roles.NextPage(ctx)
		if err != nil {
			return nil, classify("list", types.NodeIAMRole, "", err)
		}
		for _, role := range output.Roles {
			name := aws.ToString(role.RoleName)
			if !strings.HasSuffix(name, types.RoleSuffix) {
				continue
			}
			if err := keep(types.NodeIAMRole, name); err != nil {
				return nil, err
			}
		}
	}

	profiles := iam.NewListInstanceProfilesPaginator(p.iam, &iam.ListInstanceProfilesInput{})
	for profiles.HasMorePages() {
		output, err := profiles.NextPage(ctx)
		if err != nil {
			return nil, classify("list", types.NodeInstanceProfile, "", err)
		}
		for _, profile := range output.InstanceProfiles {
			name := aws.ToString(profile.InstanceProfileName)
			if !strings.HasSuffix(name, types.InstanceProfileSuffix) {
				continue
			}
			if err := keep(types.NodeInstanceProfile, name); err != nil {
				return nil, err
			}
		}
	}
	return found, nil
}
