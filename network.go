package main

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/cloudwatch"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ec2"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

type network struct {
	vpc     *ec2.Vpc
	subnets map[subnetTier][]*ec2.Subnet

	sgService  *ec2.SecurityGroup
	sgDatabase *ec2.SecurityGroup
	sgCache    *ec2.SecurityGroup
	sgLambda   *ec2.SecurityGroup
}

func (n *network) subnetIDs(tier subnetTier) pulumi.StringArray {
	ids := pulumi.StringArray{}
	for _, s := range n.subnets[tier] {
		ids = append(ids, s.ID().ToStringOutput())
	}
	return ids
}

func newNetwork(ctx *pulumi.Context, env environment, tags pulumi.StringMap) (*network, error) {
	plan, err := env.subnetPlan()
	if err != nil {
		return nil, err
	}

	vpc, err := ec2.NewVpc(ctx, "vpc-"+env.Name, &ec2.VpcArgs{
		CidrBlock:          pulumi.String(env.Network.CIDR),
		EnableDnsHostnames: pulumi.Bool(true),
		EnableDnsSupport:   pulumi.Bool(true),
		Tags:               tags,
	})
	if err != nil {
		return nil, fmt.Errorf("creating vpc: %w", err)
	}

	n := &network{
		vpc:     vpc,
		subnets: make(map[subnetTier][]*ec2.Subnet),
	}

	// Subnets
	for i, subnet := range plan {
		name := fmt.Sprintf("subnet-%s-%s-%d", env.Name, subnet.Tier, i)
		sbnt, err := ec2.NewSubnet(ctx, name, &ec2.SubnetArgs{
			CidrBlock:           pulumi.String(subnet.CIDR),
			AvailabilityZone:    pulumi.String(subnet.AZ),
			MapPublicIpOnLaunch: pulumi.Bool(subnet.Tier == _subnetTierPublic),
			VpcId:               vpc.ID(),
			Tags:                tags,
		}, pulumi.Parent(vpc))
		if err != nil {
			return nil, fmt.Errorf("creating vpc subnet [%s]: %w", name, err)
		}

		n.subnets[subnet.Tier] = append(n.subnets[subnet.Tier], sbnt)
	}

	// Internet Gateway
	igw, err := ec2.NewInternetGateway(ctx, "igw-"+env.Name, &ec2.InternetGatewayArgs{
		VpcId: vpc.ID(),
		Tags:  tags,
	}, pulumi.Parent(vpc))
	if err != nil {
		return nil, fmt.Errorf("creating internet gateway: %w", err)
	}

	// NAT Gateways, one per AZ up to the configured count
	var nats []*ec2.NatGateway
	for i := 0; i < env.Network.NatGateways; i++ {
		eip, err := ec2.NewEip(ctx, fmt.Sprintf("eip-%s-%d", env.Name, i), &ec2.EipArgs{
			Domain: pulumi.String("vpc"),
			Tags:   tags,
		}, pulumi.DependsOn([]pulumi.Resource{igw}))
		if err != nil {
			return nil, fmt.Errorf("creating elastic ip: %w", err)
		}

		nat, err := ec2.NewNatGateway(ctx, fmt.Sprintf("nat-%s-%d", env.Name, i), &ec2.NatGatewayArgs{
			AllocationId: eip.ID(),
			SubnetId:     n.subnets[_subnetTierPublic][i].ID(),
			Tags:         tags,
		}, pulumi.Parent(vpc))
		if err != nil {
			return nil, fmt.Errorf("creating nat gateway: %w", err)
		}

		nats = append(nats, nat)
	}

	// Route tables
	for _, tier := range _subnetTiers {
		for i, subnet := range n.subnets[tier] {
			routeTableName := fmt.Sprintf("rt-%s-%s-%d", env.Name, tier, i)
			rt, err := ec2.NewRouteTable(ctx, routeTableName, &ec2.RouteTableArgs{
				VpcId: vpc.ID(),
				Tags:  tags,
			}, pulumi.Parent(vpc))
			if err != nil {
				return nil, fmt.Errorf("creating route table [%s]: %w", routeTableName, err)
			}

			// Default Route. Isolated subnets keep only the local route.
			var routeArgs *ec2.RouteArgs
			switch {
			case tier == _subnetTierPublic:
				routeArgs = &ec2.RouteArgs{
					RouteTableId:         rt.ID(),
					DestinationCidrBlock: pulumi.String("0.0.0.0/0"),
					GatewayId:            igw.ID(),
				}
			case tier == _subnetTierPrivate && len(nats) > 0:
				routeArgs = &ec2.RouteArgs{
					RouteTableId:         rt.ID(),
					DestinationCidrBlock: pulumi.String("0.0.0.0/0"),
					NatGatewayId:         nats[i%len(nats)].ID(),
				}
			}

			if routeArgs != nil {
				routeName := fmt.Sprintf("route-default-%s-%s-%d", env.Name, tier, i)
				_, err = ec2.NewRoute(ctx, routeName, routeArgs, pulumi.Parent(rt))
				if err != nil {
					return nil, fmt.Errorf("creating default route [%s]: %w", routeName, err)
				}
			}

			routeAssocName := fmt.Sprintf("rt-assoc-%s-%s-%d", env.Name, tier, i)
			_, err = ec2.NewRouteTableAssociation(ctx, routeAssocName, &ec2.RouteTableAssociationArgs{
				RouteTableId: rt.ID(),
				SubnetId:     subnet.ID(),
			}, pulumi.Parent(rt))
			if err != nil {
				return nil, fmt.Errorf("creating route table association [%s]: %w", routeAssocName, err)
			}
		}
	}

	if env.Network.FlowLogs {
		if err := newFlowLogs(ctx, env, vpc, tags); err != nil {
			return nil, err
		}
	}

	if err := n.newSecurityGroups(ctx, env, tags); err != nil {
		return nil, err
	}

	return n, nil
}

func newFlowLogs(ctx *pulumi.Context, env environment, vpc *ec2.Vpc, tags pulumi.StringMap) error {
	logGroup, err := cloudwatch.NewLogGroup(ctx, "log-group-flow-logs-"+env.Name, &cloudwatch.LogGroupArgs{
		Name:            pulumi.Sprintf("/vpc/%s/flow-logs", env.Name),
		RetentionInDays: pulumi.Int(30),
		Tags:            tags,
	}, pulumi.Parent(vpc))
	if err != nil {
		return fmt.Errorf("creating flow logs log group: %w", err)
	}

	role, err := iam.NewRole(ctx, "role-flow-logs-"+env.Name, &iam.RoleArgs{
		Name:             pulumi.Sprintf("%s-vpc-flow-logs", env.Name),
		AssumeRolePolicy: pulumi.String(assumeRolePolicy("vpc-flow-logs.amazonaws.com")),
		Tags:             tags,
	}, pulumi.Parent(vpc))
	if err != nil {
		return fmt.Errorf("creating flow logs role: %w", err)
	}

	_, err = iam.NewRolePolicy(ctx, "policy-flow-logs-"+env.Name, &iam.RolePolicyArgs{
		Role: role.ID(),
		Policy: logGroup.Arn.ApplyT(func(arn string) string {
			return policyDocument(map[string]interface{}{
				"Effect":   "Allow",
				"Action":   []string{"logs:CreateLogStream", "logs:PutLogEvents", "logs:DescribeLogGroups", "logs:DescribeLogStreams"},
				"Resource": []string{arn, arn + ":*"},
			})
		}).(pulumi.StringOutput),
	}, pulumi.Parent(role))
	if err != nil {
		return fmt.Errorf("creating flow logs role policy: %w", err)
	}

	_, err = ec2.NewFlowLog(ctx, "flow-log-"+env.Name, &ec2.FlowLogArgs{
		VpcId:          vpc.ID(),
		TrafficType:    pulumi.String("ALL"),
		IamRoleArn:     role.Arn,
		LogDestination: logGroup.Arn,
		Tags:           tags,
	}, pulumi.Parent(vpc))
	if err != nil {
		return fmt.Errorf("creating flow log: %w", err)
	}

	return nil
}

func (n *network) newSecurityGroups(ctx *pulumi.Context, env environment, tags pulumi.StringMap) error {
	newGroup := func(suffix, description string) (*ec2.SecurityGroup, error) {
		sg, err := ec2.NewSecurityGroup(ctx, fmt.Sprintf("sg-%s-%s", suffix, env.Name), &ec2.SecurityGroupArgs{
			Name:        pulumi.Sprintf("%s-%s", env.Name, suffix),
			Description: pulumi.String(description),
			VpcId:       n.vpc.ID(),
			Tags:        tags,
		}, pulumi.Parent(n.vpc))
		if err != nil {
			return nil, fmt.Errorf("creating security group [%s]: %w", suffix, err)
		}
		return sg, nil
	}

	var err error
	if n.sgService, err = newGroup("service", fmt.Sprintf("MindsDB tasks for %s", env.Name)); err != nil {
		return err
	}
	if n.sgLambda, err = newGroup("lambda", fmt.Sprintf("Lambda functions for %s", env.Name)); err != nil {
		return err
	}
	if n.sgDatabase, err = newGroup("database", fmt.Sprintf("Aurora PostgreSQL for %s", env.Name)); err != nil {
		return err
	}
	if n.sgCache, err = newGroup("cache", fmt.Sprintf("ElastiCache Redis for %s", env.Name)); err != nil {
		return err
	}

	type sgRule struct {
		name     string
		egress   bool
		target   *ec2.SecurityGroup
		source   *ec2.SecurityGroup
		cidr     string
		protocol string
		port     int
		desc     string
	}

	rules := []sgRule{
		// ip targets see the NLB's own VPC addresses as the source
		{name: "service-from-vpc", target: n.sgService, cidr: env.Network.CIDR, port: env.Service.ContainerPort, desc: "NLB and VPC link"},
		{name: "service-from-lambda", target: n.sgService, source: n.sgLambda, port: env.Service.ContainerPort, desc: "Lambda functions"},
		{name: "db-from-service", target: n.sgDatabase, source: n.sgService, port: 5432, desc: "MindsDB tasks"},
		{name: "db-from-lambda", target: n.sgDatabase, source: n.sgLambda, port: 5432, desc: "Lambda functions"},
		{name: "cache-from-service", target: n.sgCache, source: n.sgService, port: 6379, desc: "MindsDB tasks"},
		{name: "cache-from-lambda", target: n.sgCache, source: n.sgLambda, port: 6379, desc: "Lambda functions"},
	}

	groups := []struct {
		name string
		sg   *ec2.SecurityGroup
	}{
		{"service", n.sgService},
		{"lambda", n.sgLambda},
		{"database", n.sgDatabase},
		{"cache", n.sgCache},
	}
	for _, g := range groups {
		rules = append(rules, sgRule{
			name:     g.name + "-egress-all",
			egress:   true,
			target:   g.sg,
			cidr:     "0.0.0.0/0",
			protocol: "-1",
			desc:     "Outbound traffic to any",
		})
	}

	for _, r := range rules {
		args := &ec2.SecurityGroupRuleArgs{
			Type:            pulumi.String("ingress"),
			SecurityGroupId: r.target.ID(),
			Protocol:        pulumi.String("tcp"),
			FromPort:        pulumi.Int(r.port),
			ToPort:          pulumi.Int(r.port),
			Description:     pulumi.String(r.desc),
		}

		if r.egress {
			args.Type = pulumi.String("egress")
			args.Protocol = pulumi.String(r.protocol)
		}

		if r.source != nil {
			args.SourceSecurityGroupId = r.source.ID()
		} else {
			args.CidrBlocks = pulumi.StringArray{pulumi.String(r.cidr)}
		}

		_, err := ec2.NewSecurityGroupRule(ctx, fmt.Sprintf("sg-rule-%s-%s", r.name, env.Name), args, pulumi.Parent(r.target))
		if err != nil {
			return fmt.Errorf("creating security group rule [%s]: %w", r.name, err)
		}
	}

	return nil
}
