package main

import (
	"strings"
	"sync"
	"testing"

	"github.com/pulumi/pulumi/sdk/v3/go/common/resource"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// mocks echoes inputs back as outputs and records every registered
// resource by type token.
type mocks struct {
	mu        sync.Mutex
	resources map[string][]resource.PropertyMap
}

func newMocks() *mocks {
	return &mocks{resources: map[string][]resource.PropertyMap{}}
}

func (m *mocks) NewResource(args pulumi.MockResourceArgs) (string, resource.PropertyMap, error) {
	outputs := args.Inputs.Copy()
	outputs["arn"] = resource.NewStringProperty("arn:aws:mock:eu-west-1:123456789012:" + args.Name)
	if _, ok := outputs["endpoint"]; !ok {
		outputs["endpoint"] = resource.NewStringProperty(args.Name + ".mock.local")
	}

	if args.TypeToken == "aws:acm/certificate:Certificate" {
		outputs["domainValidationOptions"] = resource.NewArrayProperty([]resource.PropertyValue{
			resource.NewObjectProperty(resource.PropertyMap{
				"domainName":          args.Inputs["domainName"],
				"resourceRecordName":  resource.NewStringProperty("_x." + args.Inputs["domainName"].StringValue()),
				"resourceRecordType":  resource.NewStringProperty("CNAME"),
				"resourceRecordValue": resource.NewStringProperty("_y.acm-validations.aws"),
			}),
		})
	}

	m.mu.Lock()
	m.resources[args.TypeToken] = append(m.resources[args.TypeToken], args.Inputs)
	m.mu.Unlock()

	return args.Name + "_id", outputs, nil
}

func (m *mocks) Call(args pulumi.MockCallArgs) (resource.PropertyMap, error) {
	return args.Args, nil
}

func (m *mocks) count(typ string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resources[typ])
}

func (m *mocks) inputs(typ string) []resource.PropertyMap {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resources[typ]
}

func runInfra(t *testing.T, env environment) *mocks {
	t.Helper()

	m := newMocks()
	err := pulumi.RunErr(infra(env, credentials{AWSRegion: "eu-west-1"}), pulumi.WithMocks(_projectName, env.Name, m))
	require.NoError(t, err)

	return m
}

func TestInfra(t *testing.T) {
	m := runInfra(t, defaultedEnvironment("acme"))

	cases := []struct {
		typ   string
		count int
	}{
		{typ: "aws:resourcegroups/group:Group", count: 1},
		{typ: "aws:ec2/vpc:Vpc", count: 1},
		{typ: "aws:ec2/subnet:Subnet", count: 6},
		{typ: "aws:ec2/natGateway:NatGateway", count: 1},
		{typ: "aws:ec2/route:Route", count: 4},
		{typ: "aws:ec2/routeTableAssociation:RouteTableAssociation", count: 6},
		{typ: "aws:ec2/securityGroup:SecurityGroup", count: 4},
		{typ: "aws:ec2/securityGroupRule:SecurityGroupRule", count: 10},
		{typ: "aws:apigateway/account:Account", count: 0},
		{typ: "aws:rds/cluster:Cluster", count: 1},
		{typ: "aws:rds/clusterInstance:ClusterInstance", count: 2},
		{typ: "aws:elasticache/replicationGroup:ReplicationGroup", count: 1},
		{typ: "aws:ecs/service:Service", count: 1},
		{typ: "aws:lambda/function:Function", count: 4},
		{typ: "aws:apigateway/restApi:RestApi", count: 1},
		{typ: "aws:apigateway/stage:Stage", count: 1},
		{typ: "aws:wafv2/webAcl:WebAcl", count: 1},
		{typ: "aws:wafv2/webAclAssociation:WebAclAssociation", count: 1},
		{typ: "aws:cognito/userPool:UserPool", count: 1},
		{typ: "aws:cloudwatch/metricAlarm:MetricAlarm", count: 13},
		{typ: "aws:cloudwatch/dashboard:Dashboard", count: 1},
		{typ: "aws:bedrock/agentAgent:AgentAgent", count: 0},
		{typ: "aws:cloudfront/distribution:Distribution", count: 0},
		{typ: "aws:apigateway/domainName:DomainName", count: 0},
	}

	for _, tt := range cases {
		t.Run(tt.typ, func(t *testing.T) {
			assert.Equal(t, tt.count, m.count(tt.typ))
		})
	}

	for _, sg := range m.inputs("aws:ec2/securityGroup:SecurityGroup") {
		assert.NotContains(t, sg, resource.PropertyKey("egress"))
		assert.NotContains(t, sg, resource.PropertyKey("ingress"))
	}
}

func TestInfraPhysicalNames(t *testing.T) {
	m := runInfra(t, defaultedEnvironment("acme"))

	cluster := m.inputs("aws:rds/cluster:Cluster")[0]
	assert.Equal(t, "acme-aurora", cluster["clusterIdentifier"].StringValue())
	assert.True(t, cluster["storageEncrypted"].BoolValue())

	redis := m.inputs("aws:elasticache/replicationGroup:ReplicationGroup")[0]
	assert.Equal(t, "acme-redis", redis["replicationGroupId"].StringValue())

	acl := m.inputs("aws:wafv2/webAcl:WebAcl")[0]
	assert.Equal(t, "acme-api-acl", acl["name"].StringValue())
	assert.Equal(t, "REGIONAL", acl["scope"].StringValue())

	specs := alarmSpecs(defaultedEnvironment("acme"), "eu-west-1")
	waf := specs[len(specs)-1]
	require.Equal(t, "WebACL", waf.Dimensions[0].Name)
	assert.Equal(t, waf.Dimensions[0].Value, acl["visibilityConfig"].ObjectValue()["metricName"].StringValue())

	names := map[string]bool{}
	for _, fn := range m.inputs("aws:lambda/function:Function") {
		names[fn["name"].StringValue()] = true
	}
	assert.Equal(t, map[string]bool{
		"acme-rag-health":    true,
		"acme-rag-sessions":  true,
		"acme-rag-checkout":  true,
		"acme-rag-knowledge": true,
	}, names)

	board := m.inputs("aws:cloudwatch/dashboard:Dashboard")[0]
	assert.Equal(t, "acme-rag", board["dashboardName"].StringValue())
	assert.Len(t, gjson.Get(board["dashboardBody"].StringValue(), "widgets").Array(), 13)
}

func TestInfraOptionalStacks(t *testing.T) {
	env := defaultedEnvironment("acme")
	env.Domain = "example.com"
	env.DNSZoneID = "Z123"
	env.Bedrock.Enabled = true
	env.WidgetCDN.Enabled = true
	env.WidgetCDN.GithubRepository = "rag-widget"
	env.Monitoring.AlarmEmails = []string{"ops@example.com", "oncall@example.com"}
	env.Network.NatGateways = 2
	require.NoError(t, env.Validate())

	m := runInfra(t, env)

	assert.Equal(t, 1, m.count("aws:bedrock/agentAgent:AgentAgent"))
	assert.Equal(t, 1, m.count("aws:bedrock/agentAgentActionGroup:AgentAgentActionGroup"))
	assert.Equal(t, 1, m.count("aws:bedrock/agentAgentAlias:AgentAgentAlias"))
	assert.Equal(t, 1, m.count("aws:cloudfront/distribution:Distribution"))
	assert.Equal(t, 1, m.count("aws:s3/bucketV2:BucketV2"))
	assert.Equal(t, 1, m.count("github:index/repositoryEnvironment:RepositoryEnvironment"))
	assert.Equal(t, 6, m.count("github:index/actionsEnvironmentSecret:ActionsEnvironmentSecret"))
	assert.Equal(t, 1, m.count("aws:apigateway/domainName:DomainName"))
	assert.Equal(t, 1, m.count("aws:acm/certificateValidation:CertificateValidation"))
	assert.Equal(t, 2, m.count("aws:sns/topicSubscription:TopicSubscription"))
	assert.Equal(t, 2, m.count("aws:ec2/natGateway:NatGateway"))

	secrets := map[string]bool{}
	for _, s := range m.inputs("github:index/actionsEnvironmentSecret:ActionsEnvironmentSecret") {
		secrets[s["secretName"].StringValue()] = true
		assert.Equal(t, "rag-widget", s["repository"].StringValue())
	}
	assert.True(t, secrets["API_URL"])
	assert.True(t, secrets["CDN_DOMAIN"])
}

func TestInfraCORSOrigins(t *testing.T) {
	cases := []struct {
		name         string
		origins      []string
		expectOrigin string
	}{
		{name: "wildcard", origins: []string{"*"}, expectOrigin: "'*'"},
		{name: "several origins", origins: []string{"https://a.example.com", "https://b.example.com"}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			env := defaultedEnvironment("acme")
			env.API.CORSOrigins = tt.origins
			require.NoError(t, env.Validate())

			m := runInfra(t, env)

			responses := m.inputs("aws:apigateway/integrationResponse:IntegrationResponse")
			require.Len(t, responses, len(_apiRoutes))

			for _, r := range responses {
				params := r["responseParameters"].ObjectValue()
				origin, static := params["method.response.header.Access-Control-Allow-Origin"]

				if tt.expectOrigin != "" {
					require.True(t, static)
					assert.Equal(t, tt.expectOrigin, origin.StringValue())
					continue
				}

				assert.False(t, static)
				template := r["responseTemplates"].ObjectValue()["application/json"].StringValue()
				assert.Contains(t, template, `"https://b.example.com"`)
			}

			for _, fn := range m.inputs("aws:lambda/function:Function") {
				vars := fn["environment"].ObjectValue()["variables"].ObjectValue()
				assert.Equal(t, strings.Join(tt.origins, ","), vars["CORS_ORIGINS"].StringValue())
			}
		})
	}
}

func TestInfraRejectsBadNetwork(t *testing.T) {
	env := defaultedEnvironment("acme")
	env.Network.CIDR = "10.0.0.0/8"

	err := pulumi.RunErr(infra(env, credentials{AWSRegion: "eu-west-1"}), pulumi.WithMocks(_projectName, env.Name, newMocks()))
	assert.ErrorContains(t, err, `vpc cidr "10.0.0.0/8" must be between /16 and /24`)
}
