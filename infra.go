package main

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/resourcegroups"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

func infra(env environment, cred credentials) pulumi.RunFunc {
	return func(ctx *pulumi.Context) error {
		region := cred.AWSRegion

		// Tags
		tags := envTags(env)

		// Resource Group
		_, err := resourcegroups.NewGroup(ctx, "rg-"+env.Name, &resourcegroups.GroupArgs{
			Name:        pulumi.String(env.Name),
			Description: pulumi.String("Everything tagged " + env.Name),
			ResourceQuery: &resourcegroups.GroupResourceQueryArgs{
				Query: pulumi.Sprintf("{\"ResourceTypeFilters\": [\"AWS::AllSupported\"], \"TagFilters\": [{\"Key\": \"RAG_ENV\", \"Values\": [\"%s\"]}]}", env.Name),
			},
			Tags: tags,
		})
		if err != nil {
			return fmt.Errorf("creating resource group: %w", err)
		}

		net, err := newNetwork(ctx, env, tags)
		if err != nil {
			return err
		}

		auth, err := newAuthSecurityStack(ctx, env, tags)
		if err != nil {
			return err
		}

		rag, err := newRAGStack(ctx, env, cred, net, tags)
		if err != nil {
			return err
		}

		lambdas, err := newLambdaFunctionsStack(ctx, env, net, rag, tags)
		if err != nil {
			return err
		}

		api, err := newAPIGatewayIntegrationStack(ctx, env, apiGatewayDeps{
			auth:    auth,
			rag:     rag,
			lambdas: lambdas,
		}, tags)
		if err != nil {
			return err
		}

		bedrockAgentID := pulumi.String("").ToStringOutput()
		if env.Bedrock.Enabled {
			agent, err := newBedrockAgentStack(ctx, env, region, lambdas.functions[_fnKnowledge], tags)
			if err != nil {
				return err
			}
			bedrockAgentID = agent.agent.AgentId
		}

		monitored := []pulumi.Resource{rag.service, rag.dbCluster, rag.redis, api.stage, auth.webACL}
		for _, name := range lambdas.names() {
			monitored = append(monitored, lambdas.functions[name])
		}

		mon, err := newMonitoringAlertingStack(ctx, env, region, monitored, tags)
		if err != nil {
			return err
		}

		widgetDomain := pulumi.String("").ToStringOutput()
		if env.WidgetCDN.Enabled {
			widget, err := newWidgetCdnStack(ctx, env, widgetSettings{
				APIURL:           api.url,
				APIKey:           api.apiKey.Value,
				UserPoolID:       auth.userPool.ID().ToStringOutput(),
				UserPoolClientID: auth.userPoolClient.ID().ToStringOutput(),
			}, tags)
			if err != nil {
				return err
			}
			widgetDomain = widget.distribution.DomainName
		}

		ctx.Export("result", pulumi.Map{
			"name":                pulumi.String(env.Name),
			"domain":              pulumi.String(env.Domain),
			"slack_webhook":       pulumi.String(env.SlackWebHook),
			"api_url":             api.url,
			"user_pool_id":        auth.userPool.ID(),
			"user_pool_client_id": auth.userPoolClient.ID(),
			"cluster_name":        rag.cluster.Name,
			"service_name":        rag.service.Name,
			"db_cluster_id":       rag.dbCluster.ClusterIdentifier,
			"db_endpoint":         rag.dbCluster.Endpoint,
			"redis_endpoint":      rag.redis.PrimaryEndpointAddress,
			"dashboard_name":      mon.dashboard.DashboardName,
			"alarm_topic_arn":     mon.topic.Arn,
			"alarm_names":         pulumi.ToStringArray(mon.alarmNames),
			"widget_cdn_domain":   widgetDomain,
			"bedrock_agent_id":    bedrockAgentID,
		})

		return nil
	}
}
