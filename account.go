package main

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/apigateway"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// Account settings are shared by every environment of a region and are
// deployed from their own project.
const _accountProjectName = "rag-assistant-account"

func accountStackName(region string) string {
	return "account-" + region
}

// apiGatewayLogsRoleName carries the region: IAM names are global, API
// Gateway account settings are not.
func apiGatewayLogsRoleName(region string) string {
	return fmt.Sprintf("%s-apigw-logs-%s", _projectName, region)
}

// accountInfra declares the API Gateway account settings stage access logs
// depend on.
func accountInfra(region string) pulumi.RunFunc {
	return func(ctx *pulumi.Context) error {
		role, err := iam.NewRole(ctx, "role-apigw-logs", &iam.RoleArgs{
			Name:             pulumi.String(apiGatewayLogsRoleName(region)),
			Description:      pulumi.Sprintf("API Gateway access logs for %s environments in %s", _projectName, region),
			AssumeRolePolicy: pulumi.String(assumeRolePolicy("apigateway.amazonaws.com")),
			Tags: pulumi.StringMap{
				"Project": pulumi.String(_projectName),
			},
		})
		if err != nil {
			return fmt.Errorf("creating api gw logs role: %w", err)
		}

		_, err = iam.NewRolePolicyAttachment(ctx, "role-apigw-logs-managed", &iam.RolePolicyAttachmentArgs{
			Role:      role.Name,
			PolicyArn: pulumi.String("arn:aws:iam::aws:policy/service-role/AmazonAPIGatewayPushToCloudWatchLogs"),
		}, pulumi.Parent(role))
		if err != nil {
			return fmt.Errorf("attaching api gw logs policy: %w", err)
		}

		_, err = apigateway.NewAccount(ctx, "api-gw-account", &apigateway.AccountArgs{
			CloudwatchRoleArn: role.Arn,
		})
		if err != nil {
			return fmt.Errorf("creating api gw account settings: %w", err)
		}

		ctx.Export("api_gateway_logs_role_arn", role.Arn)

		return nil
	}
}
