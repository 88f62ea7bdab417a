package main

import (
	"fmt"
	"strings"

	"github.com/lithammer/dedent"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/bedrock"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/lambda"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// _knowledgeSchema is the OpenAPI contract between the agent and the
// knowledge function.
var _knowledgeSchema = strings.TrimLeft(dedent.Dedent(`
	openapi: 3.0.0
	info:
	  title: RAG knowledge base
	  version: 1.0.0
	  description: Answers product questions from the MindsDB knowledge base.
	paths:
	  /knowledge:
	    post:
	      operationId: askKnowledgeBase
	      description: Ask the knowledge base a question and return its answer.
	      parameters:
	        - name: question
	          in: query
	          required: true
	          description: The user question, in natural language.
	          schema:
	            type: string
	      responses:
	        "200":
	          description: Answer from the knowledge base.
	          content:
	            application/json:
	              schema:
	                type: object
`), "\n")

type bedrockAgent struct {
	agent *bedrock.AgentAgent
	alias *bedrock.AgentAgentAlias
}

func foundationModelArn(region, model string) string {
	return fmt.Sprintf("arn:aws:bedrock:%s::foundation-model/%s", region, model)
}

func newBedrockAgentStack(ctx *pulumi.Context, env environment, region string, knowledge *lambda.Function, tags pulumi.StringMap) (*bedrockAgent, error) {
	role, err := iam.NewRole(ctx, "role-bedrock-agent-"+env.Name, &iam.RoleArgs{
		// Bedrock requires the AmazonBedrockExecutionRoleForAgents_ prefix
		Name:             pulumi.Sprintf("AmazonBedrockExecutionRoleForAgents_%s", env.Name),
		AssumeRolePolicy: pulumi.String(assumeRolePolicy("bedrock.amazonaws.com")),
		Tags:             tags,
	})
	if err != nil {
		return nil, fmt.Errorf("creating bedrock agent role: %w", err)
	}

	_, err = iam.NewRolePolicy(ctx, "role-bedrock-agent-model-"+env.Name, &iam.RolePolicyArgs{
		Role: role.ID(),
		Policy: pulumi.String(policyDocument(map[string]interface{}{
			"Effect":   "Allow",
			"Action":   []string{"bedrock:InvokeModel"},
			"Resource": foundationModelArn(region, env.Bedrock.FoundationModel),
		})),
	}, pulumi.Parent(role))
	if err != nil {
		return nil, fmt.Errorf("creating bedrock agent model policy: %w", err)
	}

	agent, err := bedrock.NewAgentAgent(ctx, "bedrock-agent-"+env.Name, &bedrock.AgentAgentArgs{
		AgentName:               pulumi.String(resourceName(env.Name, "rag-assistant")),
		AgentResourceRoleArn:    role.Arn,
		FoundationModel:         pulumi.String(env.Bedrock.FoundationModel),
		Instruction:             pulumi.String(env.Bedrock.Instruction),
		IdleSessionTtlInSeconds: pulumi.Int(env.Bedrock.IdleSessionTTL),
		Description:             pulumi.Sprintf("RAG assistant agent for %s", env.Name),
		Tags:                    tags,
	})
	if err != nil {
		return nil, fmt.Errorf("creating bedrock agent: %w", err)
	}

	permission, err := lambda.NewPermission(ctx, "lambda-permission-bedrock-"+env.Name, &lambda.PermissionArgs{
		Action:    pulumi.String("lambda:InvokeFunction"),
		Function:  knowledge.Name,
		Principal: pulumi.String("bedrock.amazonaws.com"),
		SourceArn: agent.AgentArn,
	}, pulumi.Parent(agent))
	if err != nil {
		return nil, fmt.Errorf("creating lambda permission for bedrock: %w", err)
	}

	group, err := bedrock.NewAgentAgentActionGroup(ctx, "bedrock-agent-action-group-"+env.Name, &bedrock.AgentAgentActionGroupArgs{
		ActionGroupName: pulumi.String("knowledge"),
		AgentId:         agent.AgentId,
		AgentVersion:    pulumi.String("DRAFT"),
		Description:     pulumi.String("Looks up answers in the MindsDB knowledge base"),
		ActionGroupExecutor: &bedrock.AgentAgentActionGroupActionGroupExecutorArgs{
			Lambda: knowledge.Arn,
		},
		ApiSchema: &bedrock.AgentAgentActionGroupApiSchemaArgs{
			Payload: pulumi.String(_knowledgeSchema),
		},
		SkipResourceInUseCheck: pulumi.Bool(true),
	}, pulumi.Parent(agent), pulumi.DependsOn([]pulumi.Resource{permission}))
	if err != nil {
		return nil, fmt.Errorf("creating bedrock agent action group: %w", err)
	}

	alias, err := bedrock.NewAgentAgentAlias(ctx, "bedrock-agent-alias-"+env.Name, &bedrock.AgentAgentAliasArgs{
		AgentAliasName: pulumi.String(env.Name),
		AgentId:        agent.AgentId,
		Description:    pulumi.Sprintf("Live alias for %s", env.Name),
		Tags:           tags,
	}, pulumi.Parent(agent), pulumi.DependsOn([]pulumi.Resource{group}))
	if err != nil {
		return nil, fmt.Errorf("creating bedrock agent alias: %w", err)
	}

	return &bedrockAgent{agent: agent, alias: alias}, nil
}
