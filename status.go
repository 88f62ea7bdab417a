package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// Narrow client interfaces so status lookups can run against fakes.

type stsClient interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

type rdsClient interface {
	DescribeDBClusters(ctx context.Context, params *rds.DescribeDBClustersInput, optFns ...func(*rds.Options)) (*rds.DescribeDBClustersOutput, error)
}

type alarmState struct {
	Name   string `json:"name" yaml:"name"`
	State  string `json:"state" yaml:"state"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

type databaseStatus struct {
	Identifier  string  `json:"identifier" yaml:"identifier"`
	Status      string  `json:"status" yaml:"status"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	MinCapacity float64 `json:"min_capacity" yaml:"min_capacity"`
	MaxCapacity float64 `json:"max_capacity" yaml:"max_capacity"`
}

// environmentStatus is the live state of an environment as AWS reports it.
type environmentStatus struct {
	Name     string          `json:"name" yaml:"name"`
	Account  string          `json:"account" yaml:"account"`
	Region   string          `json:"region" yaml:"region"`
	Alarms   []alarmState    `json:"alarms" yaml:"alarms"`
	Firing   int             `json:"firing" yaml:"firing"`
	Database *databaseStatus `json:"database,omitempty" yaml:"database,omitempty"`
}

type statusReader interface {
	Status(ctx context.Context, name string, cred credentials) (environmentStatus, error)
}

type awsClients struct {
	region     string
	sts        stsClient
	cloudwatch cloudwatch.DescribeAlarmsAPIClient
	rds        rdsClient
}

type clientFactory func(ctx context.Context, cred credentials) (*awsClients, error)

// awsStatus reads environment status with clients built per request from
// the caller's credentials.
type awsStatus struct {
	factory clientFactory
}

func newAWSStatus() *awsStatus {
	return &awsStatus{factory: newAWSClients}
}

func newAWSClients(ctx context.Context, cred credentials) (*awsClients, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cred.AWSRegion),
	}

	if cred.AWSAccessKeyID != "" {
		static := aws.Credentials{
			AccessKeyID:     cred.AWSAccessKeyID,
			SecretAccessKey: cred.AWSSecretAccessKey,
			Source:          "environment request",
		}
		opts = append(opts, awsconfig.WithCredentialsProvider(aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return static, nil
		})))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &awsClients{
		region:     cfg.Region,
		sts:        sts.NewFromConfig(cfg),
		cloudwatch: cloudwatch.NewFromConfig(cfg),
		rds:        rds.NewFromConfig(cfg),
	}, nil
}

func (a *awsStatus) Status(ctx context.Context, name string, cred credentials) (environmentStatus, error) {
	status := environmentStatus{Name: name, Alarms: []alarmState{}}

	clients, err := a.factory(ctx, cred)
	if err != nil {
		return status, err
	}
	status.Region = clients.region

	identity, err := clients.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return status, fmt.Errorf("STS GetCallerIdentity: %w", err)
	}
	status.Account = aws.ToString(identity.Account)

	alarms, err := environmentAlarms(ctx, clients.cloudwatch, name)
	if err != nil {
		return status, err
	}
	status.Alarms = alarms

	for _, alarm := range alarms {
		if alarm.State == "ALARM" {
			status.Firing++
		}
	}

	db, err := environmentDatabase(ctx, clients.rds, environment{Name: name}.names().DBCluster)
	if err != nil {
		return status, err
	}
	status.Database = db

	return status, nil
}

// environmentAlarms lists the metric alarms the stack declares for the
// environment. The name prefix also matches environments named <name>-*,
// so results are kept only when they are one of ours.
func environmentAlarms(ctx context.Context, client cloudwatch.DescribeAlarmsAPIClient, name string) ([]alarmState, error) {
	alarms := []alarmState{}

	known := map[string]bool{}
	for _, spec := range alarmSpecs(environment{Name: name}, "") {
		known[spec.name(name)] = true
	}

	paginator := cloudwatch.NewDescribeAlarmsPaginator(client, &cloudwatch.DescribeAlarmsInput{
		AlarmNamePrefix: aws.String(name + "-"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("CloudWatch DescribeAlarms: %w", err)
		}

		for _, a := range page.MetricAlarms {
			if !known[aws.ToString(a.AlarmName)] {
				continue
			}
			alarms = append(alarms, alarmState{
				Name:   aws.ToString(a.AlarmName),
				State:  string(a.StateValue),
				Reason: aws.ToString(a.StateReason),
			})
		}
	}

	sort.Slice(alarms, func(i, j int) bool { return alarms[i].Name < alarms[j].Name })

	return alarms, nil
}

// environmentDatabase returns nil when the cluster does not exist (yet).
func environmentDatabase(ctx context.Context, client rdsClient, identifier string) (*databaseStatus, error) {
	out, err := client.DescribeDBClusters(ctx, &rds.DescribeDBClustersInput{
		DBClusterIdentifier: aws.String(identifier),
	})
	if err != nil {
		var notFound *rdstypes.DBClusterNotFoundFault
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("RDS DescribeDBClusters: %w", err)
	}

	if len(out.DBClusters) == 0 {
		return nil, nil
	}

	c := out.DBClusters[0]
	db := &databaseStatus{
		Identifier: aws.ToString(c.DBClusterIdentifier),
		Status:     aws.ToString(c.Status),
		Endpoint:   aws.ToString(c.Endpoint),
	}

	if c.ServerlessV2ScalingConfiguration != nil {
		db.MinCapacity = aws.ToFloat64(c.ServerlessV2ScalingConfiguration.MinCapacity)
		db.MaxCapacity = aws.ToFloat64(c.ServerlessV2ScalingConfiguration.MaxCapacity)
	}

	return db, nil
}
