package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/cloudwatch"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/lambda"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

const (
	_fnHealth    = "health"
	_fnSessions  = "sessions"
	_fnCheckout  = "checkout"
	_fnKnowledge = "knowledge"
)

type lambdaFunctions struct {
	role      *iam.Role
	functions map[string]*lambda.Function
}

// names returns the function keys in a stable order.
func (l *lambdaFunctions) names() []string {
	names := make([]string, 0, len(l.functions))
	for name := range l.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// lambdaCode returns the deployment package for fn: the configured S3
// artifact if any, otherwise the inline handler.
func lambdaCode(props LambdaProps, fn string) (pulumi.Archive, string) {
	if props.CodeBucket != "" {
		return nil, fn + ".handler"
	}

	return pulumi.NewAssetArchive(map[string]interface{}{
		"common.py": pulumi.NewStringAsset(strings.TrimLeft(_lambdaCommonSource, "\n")),
		"index.py":  pulumi.NewStringAsset(strings.TrimLeft(_lambdaSources[fn], "\n")),
	}), "index.handler"
}

func newLambdaFunctionsStack(ctx *pulumi.Context, env environment, net *network, rag *ragStack, tags pulumi.StringMap) (*lambdaFunctions, error) {
	role, err := iam.NewRole(ctx, "role-lambda-"+env.Name, &iam.RoleArgs{
		Name:             pulumi.Sprintf("%s_ragLambdaRole", env.Name),
		Description:      pulumi.Sprintf("RAG API functions for %s", env.Name),
		AssumeRolePolicy: pulumi.String(assumeRolePolicy("lambda.amazonaws.com")),
		Tags:             tags,
	})
	if err != nil {
		return nil, fmt.Errorf("creating lambda role: %w", err)
	}

	for _, policyArn := range []string{
		"arn:aws:iam::aws:policy/service-role/AWSLambdaBasicExecutionRole",
		"arn:aws:iam::aws:policy/service-role/AWSLambdaVPCAccessExecutionRole",
		"arn:aws:iam::aws:policy/AWSXRayDaemonWriteAccess",
	} {
		short := policyArn[strings.LastIndex(policyArn, "/")+1:]
		_, err := iam.NewRolePolicyAttachment(ctx, fmt.Sprintf("role-lambda-%s-%s", strings.ToLower(short), env.Name), &iam.RolePolicyAttachmentArgs{
			Role:      role.Name,
			PolicyArn: pulumi.String(policyArn),
		}, pulumi.Parent(role))
		if err != nil {
			return nil, fmt.Errorf("attaching lambda policy [%s]: %w", short, err)
		}
	}

	_, err = iam.NewRolePolicy(ctx, "role-lambda-secrets-"+env.Name, &iam.RolePolicyArgs{
		Role: role.ID(),
		Policy: pulumi.All(rag.dbSecret.Arn, rag.kmsKey.Arn).ApplyT(func(args []interface{}) string {
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
		}).(pulumi.StringOutput),
	}, pulumi.Parent(role))
	if err != nil {
		return nil, fmt.Errorf("creating lambda secrets policy: %w", err)
	}

	variables := pulumi.StringMap{
		"RAG_ENV":             pulumi.String(env.Name),
		"MINDSDB_URL":         rag.mindsdbURL,
		"MINDSDB_PROJECT":     pulumi.String(env.Service.Project),
		"MINDSDB_AGENT":       pulumi.String(env.Service.Agent),
		"MINDSDB_HEALTH_PATH": pulumi.String(env.Service.HealthCheckPath),
		"REDIS_URL":           rag.redisURL,
		"DB_SECRET_ARN":       rag.dbSecret.Arn,
		"CORS_ORIGINS":        pulumi.String(strings.Join(env.API.CORSOrigins, ",")),
	}

	fns := &lambdaFunctions{
		role:      role,
		functions: make(map[string]*lambda.Function),
	}

	for _, fn := range []string{_fnHealth, _fnSessions, _fnCheckout, _fnKnowledge} {
		functionName := env.lambdaName(fn)

		logGroup, err := cloudwatch.NewLogGroup(ctx, fmt.Sprintf("log-group-lambda-%s-%s", fn, env.Name), &cloudwatch.LogGroupArgs{
			Name:            pulumi.Sprintf("/aws/lambda/%s", functionName),
			RetentionInDays: pulumi.Int(env.Service.LogRetention),
			Tags:            tags,
		})
		if err != nil {
			return nil, fmt.Errorf("creating lambda log group [%s]: %w", fn, err)
		}

		code, handler := lambdaCode(env.Lambda, fn)
		args := &lambda.FunctionArgs{
			Name:       pulumi.String(functionName),
			Runtime:    pulumi.String(env.Lambda.Runtime),
			Handler:    pulumi.String(handler),
			Role:       role.Arn,
			MemorySize: pulumi.Int(env.Lambda.Memory),
			Timeout:    pulumi.Int(env.Lambda.Timeout),
			Environment: &lambda.FunctionEnvironmentArgs{
				Variables: variables,
			},
			VpcConfig: &lambda.FunctionVpcConfigArgs{
				SubnetIds:        net.subnetIDs(_subnetTierPrivate),
				SecurityGroupIds: pulumi.StringArray{net.sgLambda.ID()},
			},
			TracingConfig: &lambda.FunctionTracingConfigArgs{
				Mode: pulumi.String("Active"),
			},
			LoggingConfig: &lambda.FunctionLoggingConfigArgs{
				LogFormat: pulumi.String("JSON"),
				LogGroup:  logGroup.Name,
			},
			Tags: tags,
		}

		if code != nil {
			args.Code = code
		} else {
			args.S3Bucket = pulumi.String(env.Lambda.CodeBucket)
			args.S3Key = pulumi.String(env.Lambda.CodeKey)
		}

		// the knowledge function waits on agent completions
		if fn == _fnKnowledge && env.Lambda.Timeout < 30 {
			args.Timeout = pulumi.Int(30)
		}

		function, err := lambda.NewFunction(ctx, fmt.Sprintf("lambda-%s-%s", fn, env.Name), args, pulumi.DependsOn([]pulumi.Resource{logGroup}))
		if err != nil {
			return nil, fmt.Errorf("creating lambda function [%s]: %w", fn, err)
		}

		fns.functions[fn] = function
	}

	return fns, nil
}
