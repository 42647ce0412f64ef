package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/stackline/providers"
	"github.com/yairfalse/stackline/types"
)

const anywhereCIDR = "0.0.0.0/0"

func (p *Provider) createVPC(ctx context.Context, req types.CreateRequest) (string, error) {
	out, err := p.ec2.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock:         aws.String(req.CIDR),
		TagSpecifications: tagSpec(ec2types.ResourceTypeVpc, req.Tags),
	})
	if err != nil {
		return "", classify("create", types.NodeNetwork, "", err)
	}
	return aws.ToString(out.Vpc.VpcId), nil
}

func (p *Provider) configureVPC(ctx context.Context, id string) error {
	_, err := p.ec2.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
		VpcId:              aws.String(id),
		EnableDnsHostnames: &ec2types.AttributeBooleanValue{Value: aws.Bool(true)},
	})
	return classify("enable-dns-hostnames", types.NodeNetwork, id, err)
}

func (p *Provider) deleteVPC(ctx context.Context, id string) error {
	_, err := p.ec2.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(id)})
	return classify("delete", types.NodeNetwork, id, err)
}

func (p *Provider) vpcTags(ctx context.Context, id string) (types.Tags, error) {
	out, err := p.ec2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{id}})
	if err != nil {
		return types.Tags{}, classify("describe", types.NodeNetwork, id, err)
	}
	if len(out.Vpcs) == 0 {
		return types.Tags{}, notFound(types.NodeNetwork, id)
	}
	return fromEC2Tags(out.Vpcs[0].Tags), nil
}

func (p *Provider) createGateway(ctx context.Context, req types.CreateRequest) (string, error) {
	out, err := p.ec2.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{
		TagSpecifications: tagSpec(ec2types.ResourceTypeInternetGateway, req.Tags),
	})
	if err != nil {
		return "", classify("create", types.NodeGateway, "", err)
	}
	return aws.ToString(out.InternetGateway.InternetGatewayId), nil
}

// configureGateway attaches the gateway to the network unless it already is.
func (p *Provider) configureGateway(ctx context.Context, id string, req types.CreateRequest) error {
	out, err := p.ec2.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{
		InternetGatewayIds: []string{id},
	})
	if err != nil {
		return classify("describe", types.NodeGateway, id, err)
	}
	if len(out.InternetGateways) == 0 {
		return notFound(types.NodeGateway, id)
	}
	for _, att := range out.InternetGateways[0].Attachments {
		if aws.ToString(att.VpcId) == req.Deps.Network {
			return nil
		}
	}

	_, err = p.ec2.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
		InternetGatewayId: aws.String(id),
		VpcId:             aws.String(req.Deps.Network),
	})
	return classify("attach", types.NodeGateway, id, err)
}

// deleteGateway detaches the gateway from every VPC before deleting it.
func (p *Provider) deleteGateway(ctx context.Context, id string) error {
	out, err := p.ec2.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{
		InternetGatewayIds: []string{id},
	})
	if err != nil {
		return classify("describe", types.NodeGateway, id, err)
	}
	if len(out.InternetGateways) == 0 {
		return notFound(types.NodeGateway, id)
	}

	for _, att := range out.InternetGateways[0].Attachments {
		_, err := p.ec2.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
			InternetGatewayId: aws.String(id),
			VpcId:             att.VpcId,
		})
		if err != nil {
			return classify("detach", types.NodeGateway, id, err)
		}
	}

	_, err = p.ec2.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{InternetGatewayId: aws.String(id)})
	return classify("delete", types.NodeGateway, id, err)
}

func (p *Provider) gatewayTags(ctx context.Context, id string) (types.Tags, error) {
	out, err := p.ec2.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{
		InternetGatewayIds: []string{id},
	})
	if err != nil {
		return types.Tags{}, classify("describe", types.NodeGateway, id, err)
	}
	if len(out.InternetGateways) == 0 {
		return types.Tags{}, notFound(types.NodeGateway, id)
	}
	return fromEC2Tags(out.InternetGateways[0].Tags), nil
}

func (p *Provider) createSubnet(ctx context.Context, req types.CreateRequest) (string, error) {
	out, err := p.ec2.CreateSubnet(ctx, &ec2.CreateSubnetInput{
		VpcId:             aws.String(req.Deps.Network),
		CidrBlock:         aws.String(req.CIDR),
		TagSpecifications: tagSpec(ec2types.ResourceTypeSubnet, req.Tags),
	})
	if err != nil {
		return "", classify("create", types.NodeSubnet, "", err)
	}
	return aws.ToString(out.Subnet.SubnetId), nil
}

func (p *Provider) configureSubnet(ctx context.Context, id string) error {
	_, err := p.ec2.ModifySubnetAttribute(ctx, &ec2.ModifySubnetAttributeInput{
		SubnetId:            aws.String(id),
		MapPublicIpOnLaunch: &ec2types.AttributeBooleanValue{Value: aws.Bool(true)},
	})
	return classify("map-public-ip", types.NodeSubnet, id, err)
}

func (p *Provider) deleteSubnet(ctx context.Context, id string) error {
	_, err := p.ec2.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: aws.String(id)})
	return classify("delete", types.NodeSubnet, id, err)
}

func (p *Provider) subnetTags(ctx context.Context, id string) (types.Tags, error) {
	out, err := p.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{SubnetIds: []string{id}})
	if err != nil {
		return types.Tags{}, classify("describe", types.NodeSubnet, id, err)
	}
	if len(out.Subnets) == 0 {
		return types.Tags{}, notFound(types.NodeSubnet, id)
	}
	return fromEC2Tags(out.Subnets[0].Tags), nil
}

func (p *Provider) createRouteTable(ctx context.Context, req types.CreateRequest) (string, error) {
	out, err := p.ec2.CreateRouteTable(ctx, &ec2.CreateRouteTableInput{
		VpcId:             aws.String(req.Deps.Network),
		TagSpecifications: tagSpec(ec2types.ResourceTypeRouteTable, req.Tags),
	})
	if err != nil {
		return "", classify("create", types.NodeRouteTable, "", err)
	}
	return aws.ToString(out.RouteTable.RouteTableId), nil
}

// configureRouteTable adds the default route through the gateway and
// associates the table with the subnet, skipping whichever is already there.
func (p *Provider) configureRouteTable(ctx context.Context, id string, req types.CreateRequest) error {
	out, err := p.ec2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{RouteTableIds: []string{id}})
	if err != nil {
		return classify("describe", types.NodeRouteTable, id, err)
	}
	if len(out.RouteTables) == 0 {
		return notFound(types.NodeRouteTable, id)
	}
	table := out.RouteTables[0]

	hasRoute := false
	for _, route := range table.Routes {
		if aws.ToString(route.DestinationCidrBlock) == anywhereCIDR && aws.ToString(route.GatewayId) == req.Deps.Gateway {
			hasRoute = true
			break
		}
	}
	if !hasRoute {
		_, err = p.ec2.CreateRoute(ctx, &ec2.CreateRouteInput{
			RouteTableId:         aws.String(id),
			DestinationCidrBlock: aws.String(anywhereCIDR),
			GatewayId:            aws.String(req.Deps.Gateway),
		})
		if err != nil {
			return classify("create-route", types.NodeRouteTable, id, err)
		}
	}

	for _, assoc := range table.Associations {
		if aws.ToString(assoc.SubnetId) == req.Deps.Subnet {
			return nil
		}
	}
	_, err = p.ec2.AssociateRouteTable(ctx, &ec2.AssociateRouteTableInput{
		RouteTableId: aws.String(id),
		SubnetId:     aws.String(req.Deps.Subnet),
	})
	return classify("associate", types.NodeRouteTable, id, err)
}

// deleteRouteTable drops explicit subnet associations first; the main
// association belongs to the VPC and goes with it.
func (p *Provider) deleteRouteTable(ctx context.Context, id string) error {
	out, err := p.ec2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{RouteTableIds: []string{id}})
	if err != nil {
		return classify("describe", types.NodeRouteTable, id, err)
	}
	if len(out.RouteTables) == 0 {
		return notFound(types.NodeRouteTable, id)
	}

	for _, assoc := range out.RouteTables[0].Associations {
		if aws.ToBool(assoc.Main) {
			continue
		}
		_, err := p.ec2.DisassociateRouteTable(ctx, &ec2.DisassociateRouteTableInput{
			AssociationId: assoc.RouteTableAssociationId,
		})
		if cerr := classify("disassociate", types.NodeRouteTable, id, err); cerr != nil && !providers.IsNotFound(cerr) {
			return cerr
		}
	}

	_, err = p.ec2.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{RouteTableId: aws.String(id)})
	return classify("delete", types.NodeRouteTable, id, err)
}

func (p *Provider) routeTableTags(ctx context.Context, id string) (types.Tags, error) {
	out, err := p.ec2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{RouteTableIds: []string{id}})
	if err != nil {
		return types.Tags{}, classify("describe", types.NodeRouteTable, id, err)
	}
	if len(out.RouteTables) == 0 {
		return types.Tags{}, notFound(types.NodeRouteTable, id)
	}
	return fromEC2Tags(out.RouteTables[0].Tags), nil
}

// createSecurityGroup creates a group with no ingress rules; the instance is
// reached through SSM only.
func (p *Provider) createSecurityGroup(ctx context.Context, req types.CreateRequest) (string, error) {
	name := req.Name
	if name == "" {
		name = req.Tags.Name
	}
	out, err := p.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:         aws.String(name),
		Description:       aws.String(fmt.Sprintf("deployment %s", req.Tags.DeployID)),
		VpcId:             aws.String(req.Deps.Network),
		TagSpecifications: tagSpec(ec2types.ResourceTypeSecurityGroup, req.Tags),
	})
	if err != nil {
		return "", classify("create", types.NodeSecurityGroup, "", err)
	}
	return aws.ToString(out.GroupId), nil
}

func (p *Provider) deleteSecurityGroup(ctx context.Context, id string) error {
	_, err := p.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(id)})
	return classify("delete", types.NodeSecurityGroup, id, err)
}

func (p *Provider) securityGroupTags(ctx context.Context, id string) (types.Tags, error) {
	out, err := p.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{GroupIds: []string{id}})
	if err != nil {
		return types.Tags{}, classify("describe", types.NodeSecurityGroup, id, err)
	}
	if len(out.SecurityGroups) == 0 {
		return types.Tags{}, notFound(types.NodeSecurityGroup, id)
	}
	return fromEC2Tags(out.SecurityGroups[0].Tags), nil
}

func notFound(nodeType types.NodeType, id string) error {
	return providers.Permanent("describe", nodeType, id, providers.ErrNotFound)
}
