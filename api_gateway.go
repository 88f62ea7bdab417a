package main

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/apigateway"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/cloudwatch"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/lambda"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/wafv2"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// _targetMindsDB routes a method to the MindsDB agent over the VPC link
// instead of a Lambda function.
const _targetMindsDB = "mindsdb"

type apiRoute struct {
	Path   string
	Method string
	Target string
	Auth   bool
}

// _apiRoutes are relative to the stage, whose name prefixes them in the
// invoke URL (/v1/chat with the default stage).
var _apiRoutes = []apiRoute{
	{Path: "/chat", Method: "POST", Target: _targetMindsDB, Auth: true},
	{Path: "/checkout", Method: "POST", Target: _fnCheckout, Auth: true},
	{Path: "/sessions/{id}", Method: "GET", Target: _fnSessions, Auth: true},
	{Path: "/health", Method: "GET", Target: _fnHealth, Auth: false},
}

// mindsdbCompletionsPath is the agent endpoint /chat proxies to.
func mindsdbCompletionsPath(svc RAGServiceProps) string {
	return fmt.Sprintf("/api/projects/%s/agents/%s/completions", svc.Project, svc.Agent)
}

// routesFingerprint changes whenever the route table, the CORS origins or
// an integration target does, forcing a new deployment of the stage.
// targets are the resolved integration URIs and connections.
func routesFingerprint(routes []apiRoute, origins []string, targets []string) string {
	h := sha1.New()
	for _, r := range routes {
		fmt.Fprintf(h, "%s %s %s %t\n", r.Method, r.Path, r.Target, r.Auth)
	}
	fmt.Fprintf(h, "cors %s\n", strings.Join(origins, ","))
	for _, t := range targets {
		fmt.Fprintf(h, "target %s\n", t)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// corsPreflight returns the static Access-Control-Allow-Origin value of the
// OPTIONS mock integration and, for several origins, the response template
// echoing the request Origin when it is allowed.
func corsPreflight(origins []string) (string, string) {
	if len(origins) == 1 {
		return fmt.Sprintf("'%s'", origins[0]), ""
	}

	quoted := make([]string, 0, len(origins))
	for _, o := range origins {
		quoted = append(quoted, fmt.Sprintf("%q", o))
	}

	template := fmt.Sprintf(`#set($origin = $input.params("Origin"))
#if([%s].contains($origin))
#set($context.responseOverride.header.Access-Control-Allow-Origin = $origin)
#end`, strings.Join(quoted, ", "))

	return "", template
}

type apiGatewayStack struct {
	api     *apigateway.RestApi
	stage   *apigateway.Stage
	vpcLink *apigateway.VpcLink
	apiKey  *apigateway.ApiKey
	url     pulumi.StringOutput
}

type apiGatewayDeps struct {
	auth    *authSecurityStack
	rag     *ragStack
	lambdas *lambdaFunctions
}

func newAPIGatewayIntegrationStack(ctx *pulumi.Context, env environment, deps apiGatewayDeps, tags pulumi.StringMap) (*apiGatewayStack, error) {
	s := &apiGatewayStack{}

	// API GW
	api, err := apigateway.NewRestApi(ctx, "api-gw-"+env.Name, &apigateway.RestApiArgs{
		Name:        pulumi.String(env.names().RestAPI),
		Description: pulumi.Sprintf("RAG assistant API for %s", env.Name),
		EndpointConfiguration: &apigateway.RestApiEndpointConfigurationArgs{
			Types: pulumi.String("REGIONAL"),
		},
		Tags: tags,
	})
	if err != nil {
		return nil, fmt.Errorf("creating rest api gw: %w", err)
	}
	s.api = api

	vpcLink, err := apigateway.NewVpcLink(ctx, "vpc-link-mindsdb-"+env.Name, &apigateway.VpcLinkArgs{
		Name:      pulumi.Sprintf("%s-mindsdb", env.Name),
		TargetArn: deps.rag.nlb.Arn,
		Tags:      tags,
	})
	if err != nil {
		return nil, fmt.Errorf("creating vpc link: %w", err)
	}
	s.vpcLink = vpcLink

	authorizer, err := apigateway.NewAuthorizer(ctx, "api-gw-authorizer-"+env.Name, &apigateway.AuthorizerArgs{
		Name:           pulumi.Sprintf("%s-cognito", env.Name),
		RestApi:        api.ID(),
		Type:           pulumi.String("COGNITO_USER_POOLS"),
		IdentitySource: pulumi.String("method.request.header.Authorization"),
		ProviderArns:   pulumi.StringArray{deps.auth.userPool.Arn},
	}, pulumi.Parent(api))
	if err != nil {
		return nil, fmt.Errorf("creating rest api gw authorizer: %w", err)
	}

	resources := map[string]*apigateway.Resource{}
	resourceFor := func(path string) (*apigateway.Resource, error) {
		parts := strings.Split(strings.Trim(path, "/"), "/")
		var parent *apigateway.Resource
		for i := range parts {
			sub := "/" + strings.Join(parts[:i+1], "/")
			if res, ok := resources[sub]; ok {
				parent = res
				continue
			}

			parentID := api.RootResourceId
			if parent != nil {
				parentID = parent.ID().ToStringOutput()
			}

			name := "api-gw-res" + strings.NewReplacer("/", "-", "{", "", "}", "").Replace(sub) + "-" + env.Name
			res, err := apigateway.NewResource(ctx, name, &apigateway.ResourceArgs{
				RestApi:  api.ID(),
				ParentId: parentID,
				PathPart: pulumi.String(parts[i]),
			}, pulumi.Parent(api))
			if err != nil {
				return nil, fmt.Errorf("creating rest api gw resource [%s]: %w", sub, err)
			}

			resources[sub] = res
			parent = res
		}
		return parent, nil
	}

	var (
		integrations []pulumi.Resource
		targets      = []interface{}{vpcLink.ID()}
	)
	for _, route := range _apiRoutes {
		res, err := resourceFor(route.Path)
		if err != nil {
			return nil, err
		}

		routeName := strings.ToLower(route.Method) + strings.NewReplacer("/", "-", "{", "", "}", "").Replace(route.Path)

		methodArgs := &apigateway.MethodArgs{
			RestApi:        api.ID(),
			ResourceId:     res.ID(),
			HttpMethod:     pulumi.String(route.Method),
			Authorization:  pulumi.String("NONE"),
			ApiKeyRequired: pulumi.Bool(route.Auth),
		}

		if route.Auth {
			methodArgs.Authorization = pulumi.String("COGNITO_USER_POOLS")
			methodArgs.AuthorizerId = authorizer.ID()
		}

		if strings.Contains(route.Path, "{id}") {
			methodArgs.RequestParameters = pulumi.BoolMap{
				"method.request.path.id": pulumi.Bool(true),
			}
		}

		method, err := apigateway.NewMethod(ctx, "api-gw-method-"+routeName+"-"+env.Name, methodArgs, pulumi.Parent(res))
		if err != nil {
			return nil, fmt.Errorf("creating rest api gw method [%s]: %w", routeName, err)
		}

		integArgs := &apigateway.IntegrationArgs{
			RestApi:               api.ID(),
			ResourceId:            res.ID(),
			HttpMethod:            method.HttpMethod,
			IntegrationHttpMethod: pulumi.String("POST"),
			PassthroughBehavior:   pulumi.String("WHEN_NO_MATCH"),
		}

		if route.Target == _targetMindsDB {
			integArgs.Type = pulumi.String("HTTP_PROXY")
			integArgs.IntegrationHttpMethod = pulumi.String(route.Method)
			integArgs.ConnectionType = pulumi.String("VPC_LINK")
			integArgs.ConnectionId = vpcLink.ID()
			integArgs.TimeoutMilliseconds = pulumi.Int(29000)
			uri := pulumi.Sprintf("%s%s", deps.rag.mindsdbURL, mindsdbCompletionsPath(env.Service))
			integArgs.Uri = uri
			targets = append(targets, uri)
		} else {
			fn := deps.lambdas.functions[route.Target]
			integArgs.Type = pulumi.String("AWS_PROXY")
			integArgs.Uri = fn.InvokeArn
			targets = append(targets, fn.InvokeArn)
		}

		integ, err := apigateway.NewIntegration(ctx, "api-gw-integ-"+routeName+"-"+env.Name, integArgs, pulumi.Parent(method))
		if err != nil {
			return nil, fmt.Errorf("creating rest api gw integration [%s]: %w", routeName, err)
		}
		integrations = append(integrations, integ)

		cors, err := newCORSPreflight(ctx, env, api, res, routeName, route.Method)
		if err != nil {
			return nil, err
		}
		integrations = append(integrations, cors...)
	}

	for _, fnName := range []string{_fnHealth, _fnSessions, _fnCheckout} {
		_, err := lambda.NewPermission(ctx, fmt.Sprintf("lambda-permission-apigw-%s-%s", fnName, env.Name), &lambda.PermissionArgs{
			Action:    pulumi.String("lambda:InvokeFunction"),
			Function:  deps.lambdas.functions[fnName].Name,
			Principal: pulumi.String("apigateway.amazonaws.com"),
			SourceArn: pulumi.Sprintf("%s/*/*", api.ExecutionArn),
		}, pulumi.Parent(deps.lambdas.functions[fnName]))
		if err != nil {
			return nil, fmt.Errorf("creating lambda permission [%s]: %w", fnName, err)
		}
	}

	if err := s.newStage(ctx, env, integrations, targets, tags); err != nil {
		return nil, err
	}

	if err := s.newUsagePlan(ctx, env, tags); err != nil {
		return nil, err
	}

	_, err = wafv2.NewWebAclAssociation(ctx, "waf-assoc-api-"+env.Name, &wafv2.WebAclAssociationArgs{
		ResourceArn: s.stage.Arn,
		WebAclArn:   deps.auth.webACL.Arn,
	}, pulumi.Parent(s.stage))
	if err != nil {
		return nil, fmt.Errorf("creating waf association: %w", err)
	}

	s.url = s.stage.InvokeUrl
	if env.Domain != "" {
		url, err := newAPIDomain(ctx, env, api, s.stage, tags)
		if err != nil {
			return nil, err
		}
		s.url = url
	}

	return s, nil
}

func newCORSPreflight(ctx *pulumi.Context, env environment, api *apigateway.RestApi, res *apigateway.Resource, routeName, method string) ([]pulumi.Resource, error) {
	name := fmt.Sprintf("%s-%s", routeName, env.Name)

	options, err := apigateway.NewMethod(ctx, "api-gw-method-options-"+name, &apigateway.MethodArgs{
		RestApi:       api.ID(),
		ResourceId:    res.ID(),
		HttpMethod:    pulumi.String("OPTIONS"),
		Authorization: pulumi.String("NONE"),
	}, pulumi.Parent(res))
	if err != nil {
		return nil, fmt.Errorf("creating rest api gw cors method [%s]: %w", routeName, err)
	}

	allowOrigin, template := corsPreflight(env.API.CORSOrigins)

	integ, err := apigateway.NewIntegration(ctx, "api-gw-integ-options-"+name, &apigateway.IntegrationArgs{
		RestApi:    api.ID(),
		ResourceId: res.ID(),
		HttpMethod: options.HttpMethod,
		Type:       pulumi.String("MOCK"),
		RequestTemplates: pulumi.StringMap{
			"application/json": pulumi.String(`{"statusCode": 200}`),
		},
	}, pulumi.Parent(options))
	if err != nil {
		return nil, fmt.Errorf("creating rest api gw cors integration [%s]: %w", routeName, err)
	}

	methodResponse, err := apigateway.NewMethodResponse(ctx, "api-gw-method-response-options-"+name, &apigateway.MethodResponseArgs{
		RestApi:    api.ID(),
		ResourceId: res.ID(),
		HttpMethod: options.HttpMethod,
		StatusCode: pulumi.String("200"),
		ResponseParameters: pulumi.BoolMap{
			"method.response.header.Access-Control-Allow-Headers": pulumi.Bool(true),
			"method.response.header.Access-Control-Allow-Methods": pulumi.Bool(true),
			"method.response.header.Access-Control-Allow-Origin":  pulumi.Bool(true),
			"method.response.header.Vary":                         pulumi.Bool(true),
		},
	}, pulumi.Parent(options))
	if err != nil {
		return nil, fmt.Errorf("creating rest api gw cors method response [%s]: %w", routeName, err)
	}

	params := pulumi.StringMap{
		"method.response.header.Access-Control-Allow-Headers": pulumi.String("'Content-Type,Authorization,X-Api-Key'"),
		"method.response.header.Access-Control-Allow-Methods": pulumi.Sprintf("'OPTIONS,%s'", method),
		"method.response.header.Vary":                         pulumi.String("'Origin'"),
	}

	responseArgs := &apigateway.IntegrationResponseArgs{
		RestApi:            api.ID(),
		ResourceId:         res.ID(),
		HttpMethod:         options.HttpMethod,
		StatusCode:         methodResponse.StatusCode,
		ResponseParameters: params,
	}

	if allowOrigin != "" {
		params["method.response.header.Access-Control-Allow-Origin"] = pulumi.String(allowOrigin)
	} else {
		responseArgs.ResponseTemplates = pulumi.StringMap{
			"application/json": pulumi.String(template),
		}
	}

	integResponse, err := apigateway.NewIntegrationResponse(ctx, "api-gw-integ-response-options-"+name, responseArgs, pulumi.Parent(options), pulumi.DependsOn([]pulumi.Resource{integ}))
	if err != nil {
		return nil, fmt.Errorf("creating rest api gw cors integration response [%s]: %w", routeName, err)
	}

	return []pulumi.Resource{integ, integResponse}, nil
}

// newStage deploys the API. Access logging needs the region's account
// settings stack (accountInfra) to be up.
func (s *apiGatewayStack) newStage(ctx *pulumi.Context, env environment, integrations []pulumi.Resource, targets []interface{}, tags pulumi.StringMap) error {
	accessLogs, err := cloudwatch.NewLogGroup(ctx, "log-group-apigw-"+env.Name, &cloudwatch.LogGroupArgs{
		Name:            pulumi.Sprintf("/apigateway/%s/access", env.Name),
		RetentionInDays: pulumi.Int(env.Service.LogRetention),
		Tags:            tags,
	}, pulumi.Parent(s.api))
	if err != nil {
		return fmt.Errorf("creating api gw access log group: %w", err)
	}

	deployment, err := apigateway.NewDeployment(ctx, "api-gw-deployment-"+env.Name, &apigateway.DeploymentArgs{
		RestApi:     s.api.ID(),
		Description: pulumi.Sprintf("RAG API for %s", env.Name),
		Triggers: pulumi.StringMap{
			"redeployment": pulumi.All(targets...).ApplyT(func(values []interface{}) string {
				resolved := make([]string, 0, len(values))
				for _, v := range values {
					resolved = append(resolved, fmt.Sprint(v))
				}
				return routesFingerprint(_apiRoutes, env.API.CORSOrigins, resolved)
			}).(pulumi.StringOutput),
		},
	}, pulumi.Parent(s.api), pulumi.DependsOn(integrations))
	if err != nil {
		return fmt.Errorf("creating rest api gw deployment: %w", err)
	}

	stage, err := apigateway.NewStage(ctx, "api-gw-stage-"+env.Name, &apigateway.StageArgs{
		RestApi:            s.api.ID(),
		Deployment:         deployment.ID(),
		StageName:          pulumi.String(env.API.StageName),
		XrayTracingEnabled: pulumi.Bool(true),
		AccessLogSettings: &apigateway.StageAccessLogSettingsArgs{
			DestinationArn: accessLogs.Arn,
			Format:         pulumi.String(`{"requestId":"$context.requestId","ip":"$context.identity.sourceIp","method":"$context.httpMethod","path":"$context.resourcePath","status":"$context.status","latency":"$context.responseLatency","integrationLatency":"$context.integrationLatency","user":"$context.authorizer.claims.sub"}`),
		},
		Tags: tags,
	}, pulumi.Parent(s.api))
	if err != nil {
		return fmt.Errorf("creating rest api gw stage: %w", err)
	}
	s.stage = stage

	_, err = apigateway.NewMethodSettings(ctx, "api-gw-method-settings-"+env.Name, &apigateway.MethodSettingsArgs{
		RestApi:    s.api.ID(),
		StageName:  stage.StageName,
		MethodPath: pulumi.String("*/*"),
		Settings: &apigateway.MethodSettingsSettingsArgs{
			MetricsEnabled:       pulumi.Bool(true),
			LoggingLevel:         pulumi.String("INFO"),
			DataTraceEnabled:     pulumi.Bool(false),
			ThrottlingRateLimit:  pulumi.Float64(env.API.ThrottleRate),
			ThrottlingBurstLimit: pulumi.Int(env.API.ThrottleBurst),
		},
	}, pulumi.Parent(stage))
	if err != nil {
		return fmt.Errorf("creating rest api gw method settings: %w", err)
	}

	return nil
}

func (s *apiGatewayStack) newUsagePlan(ctx *pulumi.Context, env environment, tags pulumi.StringMap) error {
	plan, err := apigateway.NewUsagePlan(ctx, "api-gw-usage-plan-"+env.Name, &apigateway.UsagePlanArgs{
		Name:        pulumi.Sprintf("%s-widget", env.Name),
		Description: pulumi.Sprintf("Widget and partner access for %s", env.Name),
		ApiStages: apigateway.UsagePlanApiStageArray{
			apigateway.UsagePlanApiStageArgs{
				ApiId: s.api.ID(),
				Stage: s.stage.StageName,
			},
		},
		ThrottleSettings: &apigateway.UsagePlanThrottleSettingsArgs{
			RateLimit:  pulumi.Float64(env.API.ThrottleRate),
			BurstLimit: pulumi.Int(env.API.ThrottleBurst),
		},
		QuotaSettings: &apigateway.UsagePlanQuotaSettingsArgs{
			Limit:  pulumi.Int(env.API.QuotaPerDay),
			Period: pulumi.String("DAY"),
		},
		Tags: tags,
	}, pulumi.Parent(s.stage))
	if err != nil {
		return fmt.Errorf("creating rest api gw usage plan: %w", err)
	}

	key, err := apigateway.NewApiKey(ctx, "api-gw-key-widget-"+env.Name, &apigateway.ApiKeyArgs{
		Name:    pulumi.Sprintf("%s-widget", env.Name),
		Enabled: pulumi.Bool(true),
		Tags:    tags,
	}, pulumi.Parent(plan))
	if err != nil {
		return fmt.Errorf("creating rest api gw key: %w", err)
	}
	s.apiKey = key

	_, err = apigateway.NewUsagePlanKey(ctx, "api-gw-usage-plan-key-"+env.Name, &apigateway.UsagePlanKeyArgs{
		KeyId:       key.ID(),
		KeyType:     pulumi.String("API_KEY"),
		UsagePlanId: plan.ID(),
	}, pulumi.Parent(plan))
	if err != nil {
		return fmt.Errorf("creating rest api gw usage plan key: %w", err)
	}

	return nil
}
