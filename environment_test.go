package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultedEnvironment(name string) environment {
	env := environment{Name: name}
	env.SetDefaults(config{}, "eu-west-1")
	return env
}

func TestEnvironmentDefaults(t *testing.T) {
	env := environment{Name: "acme"}
	env.SetDefaults(config{DNSDomain: "example.com", DNSZoneID: "Z123", SlackWebHook: "https://hooks.slack.test/x"}, "us-east-1")

	assert.Equal(t, "example.com", env.Domain)
	assert.Equal(t, "Z123", env.DNSZoneID)
	assert.Equal(t, "https://hooks.slack.test/x", env.SlackWebHook)
	assert.Equal(t, []string{"us-east-1a", "us-east-1b"}, env.Network.AvailabilityZones)
	assert.Equal(t, 1, env.Service.DesiredCount)
	assert.Equal(t, 47334, env.Service.ContainerPort)
	assert.Equal(t, "allkeys-lru", env.Cache.MaxMemoryPolicy)
	assert.Equal(t, "acme-rag-auth", env.Auth.DomainPrefix)
	assert.True(t, *env.Auth.RequireSymbols)
	assert.Equal(t, _defaultManagedRules, env.WAF.ManagedRules)
	assert.Equal(t, 5000.0, env.Monitoring.Thresholds.APILatencyMS)
	assert.NoError(t, env.Validate())
}

func TestEnvironmentDefaultsKeepExplicitValues(t *testing.T) {
	off := false
	env := environment{
		Name:    "acme",
		Service: RAGServiceProps{CPU: 4096, Memory: 16384, MinCount: 2, DesiredCount: 3, MaxCount: 6},
		Auth:    AuthProps{RequireSymbols: &off, MFA: "ON"},
		Cache:   CacheProps{MaxMemoryPolicy: "volatile-lru"},
	}
	env.SetDefaults(config{}, "eu-west-1")

	assert.Equal(t, 4096, env.Service.CPU)
	assert.Equal(t, 3, env.Service.DesiredCount)
	assert.False(t, *env.Auth.RequireSymbols)
	assert.Equal(t, "ON", env.Auth.MFA)
	assert.Equal(t, "volatile-lru", env.Cache.MaxMemoryPolicy)
}

func TestEnvironmentDefaultsDontSplitDomain(t *testing.T) {
	env := environment{Name: "acme", Domain: "other.com"}
	env.SetDefaults(config{DNSDomain: "example.com", DNSZoneID: "Z123"}, "eu-west-1")

	assert.Equal(t, "other.com", env.Domain)
	assert.Empty(t, env.DNSZoneID)
	assert.EqualError(t, env.Validate(), "domain and dns_zone_id must be set together")
}

func TestEnvironmentValidate(t *testing.T) {
	cases := []struct {
		name      string
		mutate    func(e *environment)
		expectErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(e *environment) {},
		},
		{
			name:      "upper case name",
			mutate:    func(e *environment) { e.Name = "Acme" },
			expectErr: "environment name must be 2-16 lower case letters, digits or dashes and start with a letter",
		},
		{
			name:      "name ending with dash",
			mutate:    func(e *environment) { e.Name = "acme-" },
			expectErr: "environment name must be 2-16 lower case letters, digits or dashes and start with a letter",
		},
		{
			name:      "too many nat gateways",
			mutate:    func(e *environment) { e.Network.NatGateways = 3 },
			expectErr: "nat_gateways must be between 1 and 2",
		},
		{
			name:      "no nat gateway",
			mutate:    func(e *environment) { e.Network.NatGateways = -1 },
			expectErr: "nat_gateways must be between 1 and 2",
		},
		{
			name:      "invalid fargate cpu",
			mutate:    func(e *environment) { e.Service.CPU = 3000 },
			expectErr: "service cpu 3000 is not a valid fargate cpu value",
		},
		{
			name:      "memory too small for cpu",
			mutate:    func(e *environment) { e.Service.Memory = 2048 },
			expectErr: "service memory 2048 is not a valid fargate size for cpu 2048",
		},
		{
			name:      "memory above fargate maximum",
			mutate:    func(e *environment) { e.Service.CPU, e.Service.Memory = 4096, 32768 },
			expectErr: "service memory 32768 is not a valid fargate size for cpu 4096",
		},
		{
			name:      "memory off the increment",
			mutate:    func(e *environment) { e.Service.CPU, e.Service.Memory = 1024, 3000 },
			expectErr: "service memory 3000 is not a valid fargate size for cpu 1024",
		},
		{
			name:   "largest task size",
			mutate: func(e *environment) { e.Service.CPU, e.Service.Memory = 16384, 122880 },
		},
		{
			name:      "desired above max",
			mutate:    func(e *environment) { e.Service.DesiredCount = 5 },
			expectErr: "service counts must satisfy 1 <= min_count <= desired_count <= max_count",
		},
		{
			name:      "scaling target too high",
			mutate:    func(e *environment) { e.Service.CPUTarget = 99 },
			expectErr: "service scaling targets must be between 10 and 95 percent",
		},
		{
			name:      "relative health path",
			mutate:    func(e *environment) { e.Service.HealthCheckPath = "api/status" },
			expectErr: "service health_check_path must start with /",
		},
		{
			name:      "inverted database capacity",
			mutate:    func(e *environment) { e.Database.MinCapacity = 16 },
			expectErr: "database capacity must satisfy 0.5 <= min_capacity <= max_capacity <= 128",
		},
		{
			name:      "too many cache replicas",
			mutate:    func(e *environment) { e.Cache.Replicas = 6 },
			expectErr: "cache replicas must be between 0 and 5",
		},
		{
			name:      "unknown mfa mode",
			mutate:    func(e *environment) { e.Auth.MFA = "SOMETIMES" },
			expectErr: `auth mfa must be one of OFF, OPTIONAL, ON, got "SOMETIMES"`,
		},
		{
			name:      "waf rate limit below minimum",
			mutate:    func(e *environment) { e.WAF.RateLimit = 50 },
			expectErr: "waf rate_limit must be at least 100 requests per 5 minutes",
		},
		{
			name: "duplicate waf managed rule",
			mutate: func(e *environment) {
				e.WAF.ManagedRules = []string{"AWSManagedRulesCommonRuleSet", "AWSManagedRulesCommonRuleSet"}
			},
			expectErr: `waf managed rule "AWSManagedRulesCommonRuleSet" is listed twice`,
		},
		{
			name:   "several cors origins",
			mutate: func(e *environment) { e.API.CORSOrigins = []string{"https://a.example.com", "https://b.example.com"} },
		},
		{
			name:      "wildcard mixed with origins",
			mutate:    func(e *environment) { e.API.CORSOrigins = []string{"*", "https://a.example.com"} },
			expectErr: `api cors_origins can't mix "*" with explicit origins`,
		},
		{
			name:      "cors origin without scheme",
			mutate:    func(e *environment) { e.API.CORSOrigins = []string{"a.example.com"} },
			expectErr: `api cors origin "a.example.com" must be "*" or an http(s) origin`,
		},
		{
			name:      "code bucket without key",
			mutate:    func(e *environment) { e.Lambda.CodeBucket = "artifacts" },
			expectErr: "lambda code_key is required when code_bucket is set",
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			env := defaultedEnvironment("acme")
			tt.mutate(&env)

			err := env.Validate()
			if tt.expectErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.expectErr)
		})
	}
}

func TestSubnetPlan(t *testing.T) {
	env := defaultedEnvironment("acme")

	specs, err := env.subnetPlan()
	require.NoError(t, err)
	require.Len(t, specs, 6)

	assert.Equal(t, subnetSpec{Tier: _subnetTierPublic, CIDR: "10.40.0.0/20", AZ: "eu-west-1a"}, specs[0])
	assert.Equal(t, subnetSpec{Tier: _subnetTierPublic, CIDR: "10.40.16.0/20", AZ: "eu-west-1b"}, specs[1])
	assert.Equal(t, subnetSpec{Tier: _subnetTierPrivate, CIDR: "10.40.32.0/20", AZ: "eu-west-1a"}, specs[2])
	assert.Equal(t, subnetSpec{Tier: _subnetTierIsolated, CIDR: "10.40.80.0/20", AZ: "eu-west-1b"}, specs[5])
}

func TestSubnetPlanSmallVPC(t *testing.T) {
	env := defaultedEnvironment("acme")
	env.Network.CIDR = "192.168.4.0/24"
	env.Network.AvailabilityZones = []string{"eu-west-1a", "eu-west-1b", "eu-west-1c"}

	specs, err := env.subnetPlan()
	require.NoError(t, err)
	require.Len(t, specs, 9)

	assert.Equal(t, "192.168.4.0/28", specs[0].CIDR)
	assert.Equal(t, "192.168.4.128/28", specs[8].CIDR)
}

func TestValidFargateSize(t *testing.T) {
	cases := []struct {
		cpu, memory int
		valid       bool
	}{
		{cpu: 256, memory: 512, valid: true},
		{cpu: 256, memory: 1536},
		{cpu: 256, memory: 2048, valid: true},
		{cpu: 512, memory: 4096, valid: true},
		{cpu: 1024, memory: 1024},
		{cpu: 2048, memory: 16384, valid: true},
		{cpu: 4096, memory: 30720, valid: true},
		{cpu: 4096, memory: 31744},
		{cpu: 8192, memory: 20480, valid: true},
		{cpu: 8192, memory: 17408},
		{cpu: 16384, memory: 40960, valid: true},
		{cpu: 3000, memory: 8192},
	}

	for _, tt := range cases {
		t.Run(fmt.Sprintf("%d/%d", tt.cpu, tt.memory), func(t *testing.T) {
			assert.Equal(t, tt.valid, validFargateSize(tt.cpu, tt.memory))
		})
	}
}

func TestSubnetPlanErrors(t *testing.T) {
	cases := []struct {
		name      string
		cidr      string
		azs       []string
		expectErr string
	}{
		{name: "not a cidr", cidr: "10.0.0.0", azs: []string{"a", "b"}, expectErr: `invalid vpc cidr "10.0.0.0": invalid CIDR address: 10.0.0.0`},
		{name: "ipv6", cidr: "fd00::/56", azs: []string{"a", "b"}, expectErr: `vpc cidr "fd00::/56" must be IPv4`},
		{name: "too large", cidr: "10.0.0.0/8", azs: []string{"a", "b"}, expectErr: `vpc cidr "10.0.0.0/8" must be between /16 and /24`},
		{name: "host bits", cidr: "10.0.0.1/16", azs: []string{"a", "b"}, expectErr: `vpc cidr "10.0.0.1/16" has host bits set`},
		{name: "single az", cidr: "10.0.0.0/16", azs: []string{"a"}, expectErr: "between 2 and 4 availability zones are required"},
		{name: "duplicate az", cidr: "10.0.0.0/16", azs: []string{"a", "a"}, expectErr: `duplicate availability zone "a"`},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			env := environment{Network: NetworkProps{CIDR: tt.cidr, AvailabilityZones: tt.azs}}

			_, err := env.subnetPlan()
			assert.EqualError(t, err, tt.expectErr)
		})
	}
}

func TestLoadEnvironmentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: staging
domain: example.com
dns_zone_id: Z123
service:
  cpu: 1024
  memory: 4096
  max_count: 2
cache:
  replicas: 1
monitoring:
  alarm_emails: [ops@example.com]
widget_cdn:
  enabled: true
  github_repository: rag-widget
`), 0o600))

	env, err := loadEnvironmentFile(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", env.Name)
	assert.Equal(t, 1024, env.Service.CPU)
	assert.Equal(t, 1, env.Cache.Replicas)
	assert.Equal(t, []string{"ops@example.com"}, env.Monitoring.AlarmEmails)
	assert.True(t, env.WidgetCDN.Enabled)

	env.SetDefaults(config{}, "eu-west-1")
	assert.NoError(t, env.Validate())
}

func TestEnvironmentNames(t *testing.T) {
	names := environment{Name: "acme"}.names()

	assert.Equal(t, "acme-aurora", names.DBCluster)
	assert.Equal(t, "acme-redis", names.Redis)
	assert.Equal(t, "acme-api-acl", names.WebACL)
	assert.Equal(t, "acme-rag-health", environment{Name: "acme"}.lambdaName(_fnHealth))
}
