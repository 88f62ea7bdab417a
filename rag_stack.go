package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/appautoscaling"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/cloudwatch"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ecs"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/elasticache"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/kms"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/lb"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/rds"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/secretsmanager"
	"github.com/pulumi/pulumi-random/sdk/v4/go/random"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

const _mindsdbContainer = "mindsdb"

// ragStack is the MindsDB service with its Aurora and Redis backing stores.
type ragStack struct {
	kmsKey *kms.Key

	dbCluster   *rds.Cluster
	dbInstances []*rds.ClusterInstance
	dbSecret    *secretsmanager.Secret
	redis       *elasticache.ReplicationGroup

	cluster     *ecs.Cluster
	service     *ecs.Service
	nlb         *lb.LoadBalancer
	targetGroup *lb.TargetGroup

	// mindsdbURL is the in-VPC base URL of the MindsDB HTTP API.
	mindsdbURL pulumi.StringOutput
	redisURL   pulumi.StringOutput
}

type containerDefinition struct {
	Name             string                `json:"name"`
	Image            string                `json:"image"`
	Essential        bool                  `json:"essential"`
	PortMappings     []portMapping         `json:"portMappings"`
	Environment      []keyValuePair        `json:"environment"`
	Secrets          []containerSecret     `json:"secrets"`
	LogConfiguration containerLogConfig    `json:"logConfiguration"`
	HealthCheck      *containerHealthCheck `json:"healthCheck,omitempty"`
	Ulimits          []ulimit              `json:"ulimits,omitempty"`
}

type portMapping struct {
	ContainerPort int    `json:"containerPort"`
	HostPort      int    `json:"hostPort"`
	Protocol      string `json:"protocol"`
}

type keyValuePair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type containerSecret struct {
	Name      string `json:"name"`
	ValueFrom string `json:"valueFrom"`
}

type containerLogConfig struct {
	LogDriver string            `json:"logDriver"`
	Options   map[string]string `json:"options"`
}

type containerHealthCheck struct {
	Command     []string `json:"command"`
	Interval    int      `json:"interval"`
	Timeout     int      `json:"timeout"`
	Retries     int      `json:"retries"`
	StartPeriod int      `json:"startPeriod"`
}

type ulimit struct {
	Name      string `json:"name"`
	SoftLimit int    `json:"softLimit"`
	HardLimit int    `json:"hardLimit"`
}

// mindsdbContainerDefinitions renders the task's container definitions.
func mindsdbContainerDefinitions(env environment, region, logGroup, secretArn, redisURL string) (string, error) {
	svc := env.Service
	def := containerDefinition{
		Name:      _mindsdbContainer,
		Image:     svc.Image,
		Essential: true,
		PortMappings: []portMapping{
			{ContainerPort: svc.ContainerPort, HostPort: svc.ContainerPort, Protocol: "tcp"},
		},
		Environment: []keyValuePair{
			{Name: "MINDSDB_APIS", Value: "http"},
			{Name: "MINDSDB_HTTP_PORT", Value: strconv.Itoa(svc.ContainerPort)},
			{Name: "MINDSDB_PROJECT", Value: svc.Project},
			{Name: "REDIS_URL", Value: redisURL},
			{Name: "RAG_ENV", Value: env.Name},
			{Name: "AWS_REGION", Value: region},
		},
		Secrets: []containerSecret{
			{Name: "MINDSDB_DB_CON", ValueFrom: secretArn + ":connection_string::"},
		},
		LogConfiguration: containerLogConfig{
			LogDriver: "awslogs",
			Options: map[string]string{
				"awslogs-group":         logGroup,
				"awslogs-region":        region,
				"awslogs-stream-prefix": _mindsdbContainer,
			},
		},
		HealthCheck: &containerHealthCheck{
			Command:     []string{"CMD-SHELL", fmt.Sprintf("curl -fs http://localhost:%d%s || exit 1", svc.ContainerPort, svc.HealthCheckPath)},
			Interval:    30,
			Timeout:     5,
			Retries:     3,
			StartPeriod: 120,
		},
		Ulimits: []ulimit{
			{Name: "nofile", SoftLimit: 65536, HardLimit: 65536},
		},
	}

	b, err := json.Marshal([]containerDefinition{def})
	if err != nil {
		return "", fmt.Errorf("marshal container definitions: %w", err)
	}

	return string(b), nil
}

// dbSecretString is the JSON stored in the database credentials secret.
func dbSecretString(username, password, host string, port int, dbname string) (string, error) {
	conn := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(username, password),
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/" + dbname,
	}

	b, err := json.Marshal(map[string]interface{}{
		"engine":            "postgres",
		"username":          username,
		"password":          password,
		"host":              host,
		"port":              port,
		"dbname":            dbname,
		"connection_string": conn.String(),
	})
	if err != nil {
		return "", err
	}

	return string(b), nil
}

func newRAGStack(ctx *pulumi.Context, env environment, cred credentials, net *network, tags pulumi.StringMap) (*ragStack, error) {
	s := &ragStack{}

	// Data encryption key
	key, err := kms.NewKey(ctx, "kms-key-"+env.Name, &kms.KeyArgs{
		Description:          pulumi.Sprintf("RAG data encryption for %s", env.Name),
		EnableKeyRotation:    pulumi.Bool(true),
		DeletionWindowInDays: pulumi.Int(30),
		Tags:                 tags,
	})
	if err != nil {
		return nil, fmt.Errorf("creating kms key: %w", err)
	}
	s.kmsKey = key

	_, err = kms.NewAlias(ctx, "kms-alias-"+env.Name, &kms.AliasArgs{
		Name:        pulumi.Sprintf("alias/%s-rag", env.Name),
		TargetKeyId: key.KeyId,
	}, pulumi.Parent(key))
	if err != nil {
		return nil, fmt.Errorf("creating kms alias: %w", err)
	}

	if err := s.newDatabase(ctx, env, cred, net, tags); err != nil {
		return nil, err
	}

	if err := s.newCache(ctx, env, net, tags); err != nil {
		return nil, err
	}

	if err := s.newService(ctx, env, cred, net, tags); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *ragStack) newDatabase(ctx *pulumi.Context, env environment, cred credentials, net *network, tags pulumi.StringMap) error {
	db := env.Database

	masterPasswordGenerated, err := random.NewRandomPassword(ctx, "password-db-master-user-password-"+env.Name, &random.RandomPasswordArgs{
		Length:  pulumi.Int(32),
		Lower:   pulumi.Bool(true),
		Upper:   pulumi.Bool(true),
		Numeric: pulumi.Bool(true),
		Special: pulumi.Bool(false),
	})
	if err != nil {
		return fmt.Errorf("creating db master user password: %w", err)
	}

	masterPassword := masterPasswordGenerated.Result.ApplyT(func(result string) string {
		if cred.DBMasterPassword != "" {
			return cred.DBMasterPassword
		}
		return result
	}).(pulumi.StringOutput)

	subnetGroup, err := rds.NewSubnetGroup(ctx, "db-subnet-group-"+env.Name, &rds.SubnetGroupArgs{
		Name:        pulumi.String(resourceName(env.Name, "aurora")),
		Description: pulumi.Sprintf("Aurora subnets for %s", env.Name),
		SubnetIds:   net.subnetIDs(_subnetTierIsolated),
		Tags:        tags,
	})
	if err != nil {
		return fmt.Errorf("creating db subnet group: %w", err)
	}

	cluster, err := rds.NewCluster(ctx, "db-cluster-"+env.Name, &rds.ClusterArgs{
		ClusterIdentifier:       pulumi.String(env.names().DBCluster),
		Engine:                  pulumi.String("aurora-postgresql"),
		EngineMode:              pulumi.String("provisioned"),
		EngineVersion:           pulumi.String(db.EngineVersion),
		DatabaseName:            pulumi.String(db.DatabaseName),
		MasterUsername:          pulumi.String(db.MasterUsername),
		MasterPassword:          pulumi.ToSecret(masterPassword).(pulumi.StringOutput),
		DbSubnetGroupName:       subnetGroup.Name,
		VpcSecurityGroupIds:     pulumi.StringArray{net.sgDatabase.ID()},
		StorageEncrypted:        pulumi.Bool(true),
		KmsKeyId:                s.kmsKey.Arn,
		BackupRetentionPeriod:   pulumi.Int(db.BackupRetentionDays),
		PreferredBackupWindow:   pulumi.String("02:00-03:00"),
		CopyTagsToSnapshot:      pulumi.Bool(true),
		DeletionProtection:      pulumi.Bool(db.DeletionProtection),
		SkipFinalSnapshot:       pulumi.Bool(!db.DeletionProtection),
		FinalSnapshotIdentifier: pulumi.String(resourceName(env.Name, "aurora-final")),
		EnabledCloudwatchLogsExports: pulumi.StringArray{
			pulumi.String("postgresql"),
		},
		Serverlessv2ScalingConfiguration: &rds.ClusterServerlessv2ScalingConfigurationArgs{
			MinCapacity: pulumi.Float64(db.MinCapacity),
			MaxCapacity: pulumi.Float64(db.MaxCapacity),
		},
		Tags: tags,
	}, pulumi.Parent(subnetGroup))
	if err != nil {
		return fmt.Errorf("creating db cluster: %w", err)
	}
	s.dbCluster = cluster

	for i := 0; i < db.Instances; i++ {
		inst, err := rds.NewClusterInstance(ctx, fmt.Sprintf("db-instance-%s-%d", env.Name, i), &rds.ClusterInstanceArgs{
			Identifier:                 pulumi.Sprintf("%s-%d", resourceName(env.Name, "aurora"), i),
			ClusterIdentifier:          cluster.ID(),
			InstanceClass:              pulumi.String("db.serverless"),
			Engine:                     cluster.Engine,
			EngineVersion:              cluster.EngineVersion,
			DbSubnetGroupName:          subnetGroup.Name,
			PubliclyAccessible:         pulumi.Bool(false),
			PerformanceInsightsEnabled: pulumi.Bool(true),
			Tags:                       tags,
		}, pulumi.Parent(cluster))
		if err != nil {
			return fmt.Errorf("creating db instance [%d]: %w", i, err)
		}
		s.dbInstances = append(s.dbInstances, inst)
	}

	secret, err := secretsmanager.NewSecret(ctx, "secret-db-"+env.Name, &secretsmanager.SecretArgs{
		Name:                 pulumi.Sprintf("%s/rag/database", env.Name),
		Description:          pulumi.Sprintf("Aurora credentials for %s", env.Name),
		KmsKeyId:             s.kmsKey.Arn,
		RecoveryWindowInDays: pulumi.Int(7),
		Tags:                 tags,
	})
	if err != nil {
		return fmt.Errorf("creating db secret: %w", err)
	}
	s.dbSecret = secret

	secretString := pulumi.All(masterPassword, cluster.Endpoint, cluster.Port).ApplyT(func(args []interface{}) (string, error) {
		return dbSecretString(db.MasterUsername, args[0].(string), args[1].(string), args[2].(int), db.DatabaseName)
	}).(pulumi.StringOutput)

	_, err = secretsmanager.NewSecretVersion(ctx, "secret-version-db-"+env.Name, &secretsmanager.SecretVersionArgs{
		SecretId:     secret.ID(),
		SecretString: pulumi.ToSecret(secretString).(pulumi.StringOutput),
	}, pulumi.Parent(secret))
	if err != nil {
		return fmt.Errorf("creating db secret version: %w", err)
	}

	return nil
}

func (s *ragStack) newCache(ctx *pulumi.Context, env environment, net *network, tags pulumi.StringMap) error {
	cache := env.Cache

	paramGroup, err := elasticache.NewParameterGroup(ctx, "elc-params-"+env.Name, &elasticache.ParameterGroupArgs{
		Name:        pulumi.String(resourceName(env.Name, "redis")),
		Family:      pulumi.String("redis7"),
		Description: pulumi.Sprintf("Redis parameters for %s", env.Name),
		Parameters: elasticache.ParameterGroupParameterArray{
			elasticache.ParameterGroupParameterArgs{
				Name:  pulumi.String("maxmemory-policy"),
				Value: pulumi.String(cache.MaxMemoryPolicy),
			},
		},
		Tags: tags,
	})
	if err != nil {
		return fmt.Errorf("creating elastic parameter group: %w", err)
	}

	// Elastic subnet group
	subnetGroup, err := elasticache.NewSubnetGroup(ctx, "elc-subnet-group-"+env.Name, &elasticache.SubnetGroupArgs{
		Name:        pulumi.String(resourceName(env.Name, "redis")),
		Description: pulumi.String(env.Name),
		SubnetIds:   net.subnetIDs(_subnetTierIsolated),
		Tags:        tags,
	})
	if err != nil {
		return fmt.Errorf("creating elastic subnet group: %w", err)
	}

	failover := cache.Replicas > 0
	rg, err := elasticache.NewReplicationGroup(ctx, "elc-replication-group-"+env.Name, &elasticache.ReplicationGroupArgs{
		ReplicationGroupId:       pulumi.String(env.names().Redis),
		Description:              pulumi.Sprintf("Semantic and session cache for %s", env.Name),
		Engine:                   pulumi.String("redis"),
		EngineVersion:            pulumi.String(cache.EngineVersion),
		NodeType:                 pulumi.String(cache.NodeType),
		NumCacheClusters:         pulumi.Int(cache.Replicas + 1),
		Port:                     pulumi.Int(6379),
		ParameterGroupName:       paramGroup.Name,
		SubnetGroupName:          subnetGroup.Name,
		SecurityGroupIds:         pulumi.StringArray{net.sgCache.ID()},
		AutomaticFailoverEnabled: pulumi.Bool(failover),
		MultiAzEnabled:           pulumi.Bool(failover),
		AtRestEncryptionEnabled:  pulumi.Bool(true),
		TransitEncryptionEnabled: pulumi.Bool(true),
		KmsKeyId:                 s.kmsKey.Arn,
		SnapshotRetentionLimit:   pulumi.Int(3),
		MaintenanceWindow:        pulumi.String("sat:23:00-sun:01:30"),
		Tags:                     tags,
	})
	if err != nil {
		return fmt.Errorf("creating elastic replication group: %w", err)
	}
	s.redis = rg

	s.redisURL = pulumi.Sprintf("rediss://%s:6379", rg.PrimaryEndpointAddress)

	return nil
}

func (s *ragStack) newService(ctx *pulumi.Context, env environment, cred credentials, net *network, tags pulumi.StringMap) error {
	svc := env.Service

	// ECS Cluster
	cluster, err := ecs.NewCluster(ctx, "ecs-cluster-"+env.Name, &ecs.ClusterArgs{
		Name: pulumi.String(env.names().ECSCluster),
		Settings: ecs.ClusterSettingArray{
			ecs.ClusterSettingArgs{
				Name:  pulumi.String("containerInsights"),
				Value: pulumi.String("enabled"),
			},
		},
		Tags: tags,
	})
	if err != nil {
		return fmt.Errorf("creating ecs cluster: %w", err)
	}
	s.cluster = cluster

	logGroup, err := cloudwatch.NewLogGroup(ctx, "log-group-mindsdb-"+env.Name, &cloudwatch.LogGroupArgs{
		Name:            pulumi.Sprintf("/ecs/%s/mindsdb", env.Name),
		RetentionInDays: pulumi.Int(svc.LogRetention),
		Tags:            tags,
	}, pulumi.Parent(cluster))
	if err != nil {
		return fmt.Errorf("creating mindsdb log group: %w", err)
	}

	roleExecution, err := iam.NewRole(ctx, "role-ecs-execution-"+env.Name, &iam.RoleArgs{
		Name:             pulumi.Sprintf("%s_ecsTaskExecutionRole", env.Name),
		Description:      pulumi.Sprintf("MindsDB task execution for %s", env.Name),
		Path:             pulumi.String("/service-role/"),
		AssumeRolePolicy: pulumi.String(assumeRolePolicy("ecs-tasks.amazonaws.com")),
		Tags:             tags,
	})
	if err != nil {
		return fmt.Errorf("creating role task exec ecs cluster: %w", err)
	}

	_, err = iam.NewRolePolicyAttachment(ctx, "role-ecs-execution-managed-"+env.Name, &iam.RolePolicyAttachmentArgs{
		Role:      roleExecution.Name,
		PolicyArn: pulumi.String("arn:aws:iam::aws:policy/service-role/AmazonECSTaskExecutionRolePolicy"),
	}, pulumi.Parent(roleExecution))
	if err != nil {
		return fmt.Errorf("attaching task exec managed policy: %w", err)
	}

	secretReadPolicy := pulumi.All(s.dbSecret.Arn, s.kmsKey.Arn).ApplyT(func(args []interface{}) string {
		return policyDocument(
			map[string]interface{}{
				"Effect":   "Allow",
				"Action":   []string{"secretsmanager:GetSecretValue"},
				"Resource": args[0].(string),
			},
			map[string]interface{}{
				"Effect":   "Allow",
				"Action":   []string{"kms:Decrypt"},
				"Resource": args[1].(string),
			},
		)
	}).(pulumi.StringOutput)

	_, err = iam.NewRolePolicy(ctx, "role-ecs-execution-secrets-"+env.Name, &iam.RolePolicyArgs{
		Role:   roleExecution.ID(),
		Policy: secretReadPolicy,
	}, pulumi.Parent(roleExecution))
	if err != nil {
		return fmt.Errorf("creating task exec secrets policy: %w", err)
	}

	roleTask, err := iam.NewRole(ctx, "role-ecs-task-"+env.Name, &iam.RoleArgs{
		Name:             pulumi.Sprintf("%s_mindsdbTaskRole", env.Name),
		Description:      pulumi.Sprintf("MindsDB task for %s", env.Name),
		AssumeRolePolicy: pulumi.String(assumeRolePolicy("ecs-tasks.amazonaws.com")),
		Tags:             tags,
	})
	if err != nil {
		return fmt.Errorf("creating role task ecs cluster: %w", err)
	}

	_, err = iam.NewRolePolicy(ctx, "role-ecs-task-policy-"+env.Name, &iam.RolePolicyArgs{
		Role: roleTask.ID(),
		Policy: pulumi.String(policyDocument(
			map[string]interface{}{
				"Effect":   "Allow",
				"Action":   []string{"bedrock:InvokeModel", "bedrock:InvokeModelWithResponseStream"},
				"Resource": fmt.Sprintf("arn:aws:bedrock:%s::foundation-model/*", cred.AWSRegion),
			},
			map[string]interface{}{
				"Effect":   "Allow",
				"Action":   []string{"ssmmessages:CreateControlChannel", "ssmmessages:CreateDataChannel", "ssmmessages:OpenControlChannel", "ssmmessages:OpenDataChannel"},
				"Resource": "*",
			},
		)),
	}, pulumi.Parent(roleTask))
	if err != nil {
		return fmt.Errorf("creating task role policy: %w", err)
	}

	containerDefinitions := pulumi.All(logGroup.Name, s.dbSecret.Arn, s.redisURL).ApplyT(func(args []interface{}) (string, error) {
		return mindsdbContainerDefinitions(env, cred.AWSRegion, args[0].(string), args[1].(string), args[2].(string))
	}).(pulumi.StringOutput)

	taskDef, err := ecs.NewTaskDefinition(ctx, "task-def-mindsdb-"+env.Name, &ecs.TaskDefinitionArgs{
		ContainerDefinitions: containerDefinitions,
		Family:               pulumi.Sprintf("%s-mindsdb", env.Name),
		ExecutionRoleArn:     roleExecution.Arn,
		TaskRoleArn:          roleTask.Arn,
		NetworkMode:          pulumi.String("awsvpc"),
		Cpu:                  pulumi.String(strconv.Itoa(svc.CPU)),
		Memory:               pulumi.String(strconv.Itoa(svc.Memory)),
		RequiresCompatibilities: pulumi.StringArray{
			pulumi.String("FARGATE"),
		},
		RuntimePlatform: &ecs.TaskDefinitionRuntimePlatformArgs{
			OperatingSystemFamily: pulumi.String("LINUX"),
			CpuArchitecture:       pulumi.String("X86_64"),
		},
		EphemeralStorage: &ecs.TaskDefinitionEphemeralStorageArgs{
			SizeInGib: pulumi.Int(50),
		},
		Tags: tags,
	})
	if err != nil {
		return fmt.Errorf("creating task definition: %w", err)
	}

	// Internal network load balancer fronting MindsDB for the API GW VPC link
	nlb, err := lb.NewLoadBalancer(ctx, "lb-network-mindsdb-"+env.Name, &lb.LoadBalancerArgs{
		Name:                         pulumi.Sprintf("%s-mindsdb", env.Name),
		LoadBalancerType:             pulumi.String("network"),
		Internal:                     pulumi.Bool(true),
		Subnets:                      net.subnetIDs(_subnetTierPrivate),
		EnableCrossZoneLoadBalancing: pulumi.Bool(true),
		Tags:                         tags,
	})
	if err != nil {
		return fmt.Errorf("creating network load balancer: %w", err)
	}
	s.nlb = nlb

	tg, err := lb.NewTargetGroup(ctx, "nlb-tcp-mindsdb-"+env.Name, &lb.TargetGroupArgs{
		Name:                pulumi.Sprintf("%s-mindsdb-tg", env.Name),
		TargetType:          pulumi.String("ip"),
		Protocol:            pulumi.String("TCP"),
		Port:                pulumi.Int(svc.ContainerPort),
		VpcId:               net.vpc.ID(),
		DeregistrationDelay: pulumi.Int(30),
		HealthCheck: &lb.TargetGroupHealthCheckArgs{
			Enabled:            pulumi.Bool(true),
			Protocol:           pulumi.String("HTTP"),
			Path:               pulumi.String(svc.HealthCheckPath),
			Port:               pulumi.String("traffic-port"),
			Matcher:            pulumi.String("200-399"),
			Interval:           pulumi.Int(30),
			HealthyThreshold:   pulumi.Int(3),
			UnhealthyThreshold: pulumi.Int(3),
		},
		Tags: tags,
	}, pulumi.Parent(nlb))
	if err != nil {
		return fmt.Errorf("creating nlb target group: %w", err)
	}
	s.targetGroup = tg

	listener, err := lb.NewListener(ctx, "nlb-listener-mindsdb-"+env.Name, &lb.ListenerArgs{
		LoadBalancerArn: nlb.Arn,
		Protocol:        pulumi.String("TCP"),
		Port:            pulumi.Int(svc.ContainerPort),
		DefaultActions: lb.ListenerDefaultActionArray{
			lb.ListenerDefaultActionArgs{
				Type:           pulumi.String("forward"),
				TargetGroupArn: tg.Arn,
			},
		},
	}, pulumi.Parent(nlb))
	if err != nil {
		return fmt.Errorf("creating nlb listener: %w", err)
	}

	s.mindsdbURL = pulumi.Sprintf("http://%s:%d", nlb.DnsName, svc.ContainerPort)

	service, err := ecs.NewService(ctx, "ecs-service-mindsdb-"+env.Name, &ecs.ServiceArgs{
		Name:                          pulumi.String(_mindsdbContainer),
		Cluster:                       cluster.Arn,
		LaunchType:                    pulumi.String("FARGATE"),
		PlatformVersion:               pulumi.String("LATEST"),
		TaskDefinition:                taskDef.Arn,
		DesiredCount:                  pulumi.Int(svc.DesiredCount),
		HealthCheckGracePeriodSeconds: pulumi.Int(180),
		EnableExecuteCommand:          pulumi.Bool(true),
		PropagateTags:                 pulumi.String("SERVICE"),
		LoadBalancers: ecs.ServiceLoadBalancerArray{
			ecs.ServiceLoadBalancerArgs{
				TargetGroupArn: tg.Arn,
				ContainerName:  pulumi.String(_mindsdbContainer),
				ContainerPort:  pulumi.Int(svc.ContainerPort),
			},
		},
		NetworkConfiguration: &ecs.ServiceNetworkConfigurationArgs{
			Subnets:        net.subnetIDs(_subnetTierPrivate),
			SecurityGroups: pulumi.StringArray{net.sgService.ID()},
			AssignPublicIp: pulumi.Bool(false),
		},
		DeploymentCircuitBreaker: &ecs.ServiceDeploymentCircuitBreakerArgs{
			Enable:   pulumi.Bool(true),
			Rollback: pulumi.Bool(true),
		},
		Tags: tags,
	}, pulumi.Parent(cluster), pulumi.DependsOn([]pulumi.Resource{listener}), pulumi.IgnoreChanges([]string{"desiredCount"}))
	if err != nil {
		return fmt.Errorf("creating ecs service: %w", err)
	}
	s.service = service

	return s.newAutoscaling(ctx, env, cluster, service)
}

func (s *ragStack) newAutoscaling(ctx *pulumi.Context, env environment, cluster *ecs.Cluster, service *ecs.Service) error {
	svc := env.Service

	target, err := appautoscaling.NewTarget(ctx, "autoscaling-target-mindsdb-"+env.Name, &appautoscaling.TargetArgs{
		MinCapacity:       pulumi.Int(svc.MinCount),
		MaxCapacity:       pulumi.Int(svc.MaxCount),
		ResourceId:        pulumi.Sprintf("service/%s/%s", cluster.Name, service.Name),
		ScalableDimension: pulumi.String("ecs:service:DesiredCount"),
		ServiceNamespace:  pulumi.String("ecs"),
	}, pulumi.Parent(service))
	if err != nil {
		return fmt.Errorf("creating autoscaling target: %w", err)
	}

	policies := []struct {
		name   string
		metric string
		target int
	}{
		{name: "cpu", metric: "ECSServiceAverageCPUUtilization", target: svc.CPUTarget},
		{name: "memory", metric: "ECSServiceAverageMemoryUtilization", target: svc.MemoryTarget},
	}

	for _, p := range policies {
		_, err := appautoscaling.NewPolicy(ctx, fmt.Sprintf("autoscaling-policy-%s-%s", p.name, env.Name), &appautoscaling.PolicyArgs{
			Name:              pulumi.Sprintf("%s-mindsdb-%s", env.Name, p.name),
			PolicyType:        pulumi.String("TargetTrackingScaling"),
			ResourceId:        target.ResourceId,
			ScalableDimension: target.ScalableDimension,
			ServiceNamespace:  target.ServiceNamespace,
			TargetTrackingScalingPolicyConfiguration: &appautoscaling.PolicyTargetTrackingScalingPolicyConfigurationArgs{
				TargetValue:      pulumi.Float64(float64(p.target)),
				ScaleInCooldown:  pulumi.Int(300),
				ScaleOutCooldown: pulumi.Int(60),
				PredefinedMetricSpecification: &appautoscaling.PolicyTargetTrackingScalingPolicyConfigurationPredefinedMetricSpecificationArgs{
					PredefinedMetricType: pulumi.String(p.metric),
				},
			},
		}, pulumi.Parent(target))
		if err != nil {
			return fmt.Errorf("creating autoscaling policy [%s]: %w", p.name, err)
		}
	}

	return nil
}
