package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/apparentlymart/go-cidr/cidr"
	"gopkg.in/yaml.v3"
)

var (
	_envNameRe = regexp.MustCompile(`^[a-z][a-z0-9-]{0,14}[a-z0-9]$`)
	_mfaModes  = map[string]bool{"OFF": true, "OPTIONAL": true, "ON": true}
)

type memoryRange struct {
	min, max, step int
}

// _fargateMemory lists the memory sizes (MiB) Fargate accepts per task cpu.
var _fargateMemory = map[int][]memoryRange{
	256:   {{512, 512, 512}, {1024, 2048, 1024}},
	512:   {{1024, 4096, 1024}},
	1024:  {{2048, 8192, 1024}},
	2048:  {{4096, 16384, 1024}},
	4096:  {{8192, 30720, 1024}},
	8192:  {{16384, 61440, 4096}},
	16384: {{32768, 122880, 8192}},
}

// validFargateSize reports whether cpu and memory form a task size Fargate
// supports.
func validFargateSize(cpu, memory int) bool {
	for _, r := range _fargateMemory[cpu] {
		if memory >= r.min && memory <= r.max && (memory-r.min)%r.step == 0 {
			return true
		}
	}
	return false
}

var _defaultManagedRules = []string{
	"AWSManagedRulesCommonRuleSet",
	"AWSManagedRulesKnownBadInputsRuleSet",
	"AWSManagedRulesSQLiRuleSet",
	"AWSManagedRulesAmazonIpReputationList",
}

type environment struct {
	Name         string            `json:"name" yaml:"name" binding:"required"`
	SlackWebHook string            `json:"slack_webhook" yaml:"slack_webhook"`
	Domain       string            `json:"domain" yaml:"domain"`
	DNSZoneID    string            `json:"dns_zone_id" yaml:"dns_zone_id"`
	Tags         map[string]string `json:"tags" yaml:"tags"`

	Network    NetworkProps    `json:"network" yaml:"network"`
	Service    RAGServiceProps `json:"service" yaml:"service"`
	Database   DatabaseProps   `json:"database" yaml:"database"`
	Cache      CacheProps      `json:"cache" yaml:"cache"`
	Auth       AuthProps       `json:"auth" yaml:"auth"`
	WAF        WAFProps        `json:"waf" yaml:"waf"`
	API        APIProps        `json:"api" yaml:"api"`
	Lambda     LambdaProps     `json:"lambda" yaml:"lambda"`
	Bedrock    BedrockProps    `json:"bedrock" yaml:"bedrock"`
	Monitoring MonitoringProps `json:"monitoring" yaml:"monitoring"`
	WidgetCDN  WidgetCDNProps  `json:"widget_cdn" yaml:"widget_cdn"`
}

// loadEnvironmentFile reads an environment definition from a YAML (or JSON)
// file.
func loadEnvironmentFile(path string) (environment, error) {
	var env environment

	b, err := os.ReadFile(path)
	if err != nil {
		return env, fmt.Errorf("read environment file: %w", err)
	}

	if err := yaml.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("parse environment file: %w", err)
	}

	return env, nil
}

func (e environment) Validate() error {
	if !_envNameRe.MatchString(e.Name) {
		return errors.New("environment name must be 2-16 lower case letters, digits or dashes and start with a letter")
	}

	if _, err := e.subnetPlan(); err != nil {
		return err
	}

	// the private tier pulls images and reaches AWS APIs through NAT
	if e.Network.NatGateways < 1 || e.Network.NatGateways > len(e.Network.AvailabilityZones) {
		return fmt.Errorf("nat_gateways must be between 1 and %d", len(e.Network.AvailabilityZones))
	}

	svc := e.Service
	if _, ok := _fargateMemory[svc.CPU]; !ok {
		return fmt.Errorf("service cpu %d is not a valid fargate cpu value", svc.CPU)
	}

	if !validFargateSize(svc.CPU, svc.Memory) {
		return fmt.Errorf("service memory %d is not a valid fargate size for cpu %d", svc.Memory, svc.CPU)
	}

	if svc.MinCount < 1 || svc.MinCount > svc.DesiredCount || svc.DesiredCount > svc.MaxCount {
		return errors.New("service counts must satisfy 1 <= min_count <= desired_count <= max_count")
	}

	if svc.CPUTarget < 10 || svc.CPUTarget > 95 || svc.MemoryTarget < 10 || svc.MemoryTarget > 95 {
		return errors.New("service scaling targets must be between 10 and 95 percent")
	}

	if !strings.HasPrefix(svc.HealthCheckPath, "/") {
		return errors.New("service health_check_path must start with /")
	}

	db := e.Database
	if db.MinCapacity < 0.5 || db.MaxCapacity > 128 || db.MinCapacity > db.MaxCapacity {
		return errors.New("database capacity must satisfy 0.5 <= min_capacity <= max_capacity <= 128")
	}

	if db.Instances < 1 || db.Instances > 15 {
		return errors.New("database instances must be between 1 and 15")
	}

	if db.BackupRetentionDays < 1 || db.BackupRetentionDays > 35 {
		return errors.New("database backup_retention_days must be between 1 and 35")
	}

	if e.Cache.Replicas < 0 || e.Cache.Replicas > 5 {
		return errors.New("cache replicas must be between 0 and 5")
	}

	if e.Auth.MinLength < 8 || e.Auth.MinLength > 99 {
		return errors.New("auth min_length must be between 8 and 99")
	}

	if !_mfaModes[e.Auth.MFA] {
		return fmt.Errorf("auth mfa must be one of OFF, OPTIONAL, ON, got %q", e.Auth.MFA)
	}

	if e.WAF.RateLimit < 100 {
		return errors.New("waf rate_limit must be at least 100 requests per 5 minutes")
	}

	rules := map[string]bool{}
	for _, rule := range e.WAF.ManagedRules {
		if rules[rule] {
			return fmt.Errorf("waf managed rule %q is listed twice", rule)
		}
		rules[rule] = true
	}

	for _, origin := range e.API.CORSOrigins {
		if origin == "*" && len(e.API.CORSOrigins) > 1 {
			return errors.New(`api cors_origins can't mix "*" with explicit origins`)
		}
		if origin != "*" && !strings.HasPrefix(origin, "https://") && !strings.HasPrefix(origin, "http://") {
			return fmt.Errorf("api cors origin %q must be \"*\" or an http(s) origin", origin)
		}
	}

	if (e.Domain == "") != (e.DNSZoneID == "") {
		return errors.New("domain and dns_zone_id must be set together")
	}

	if e.Lambda.CodeBucket != "" && e.Lambda.CodeKey == "" {
		return errors.New("lambda code_key is required when code_bucket is set")
	}

	return nil
}

func (e *environment) SetDefaults(cfg config, region string) {
	if e.Domain == "" && e.DNSZoneID == "" {
		e.Domain = cfg.DNSDomain
		e.DNSZoneID = cfg.DNSZoneID
	}

	if e.SlackWebHook == "" {
		e.SlackWebHook = cfg.SlackWebHook
	}

	// Network
	if e.Network.CIDR == "" {
		e.Network.CIDR = "10.40.0.0/16"
	}

	if len(e.Network.AvailabilityZones) == 0 {
		e.Network.AvailabilityZones = []string{region + "a", region + "b"}
	}

	if e.Network.NatGateways == 0 {
		e.Network.NatGateways = 1
	}

	// Service
	if e.Service.Image == "" {
		e.Service.Image = "mindsdb/mindsdb:latest"
	}

	if e.Service.CPU == 0 {
		e.Service.CPU = 2048
	}

	if e.Service.Memory == 0 {
		e.Service.Memory = 8192
	}

	if e.Service.MinCount == 0 {
		e.Service.MinCount = 1
	}

	if e.Service.DesiredCount == 0 {
		e.Service.DesiredCount = e.Service.MinCount
	}

	if e.Service.MaxCount == 0 {
		e.Service.MaxCount = 4
	}

	if e.Service.CPUTarget == 0 {
		e.Service.CPUTarget = 60
	}

	if e.Service.MemoryTarget == 0 {
		e.Service.MemoryTarget = 70
	}

	if e.Service.ContainerPort == 0 {
		e.Service.ContainerPort = 47334
	}

	if e.Service.HealthCheckPath == "" {
		e.Service.HealthCheckPath = "/api/status"
	}

	if e.Service.Project == "" {
		e.Service.Project = "mindsdb"
	}

	if e.Service.Agent == "" {
		e.Service.Agent = "rag_assistant"
	}

	if e.Service.LogRetention == 0 {
		e.Service.LogRetention = 30
	}

	// Database
	if e.Database.EngineVersion == "" {
		e.Database.EngineVersion = "15.4"
	}

	if e.Database.DatabaseName == "" {
		e.Database.DatabaseName = "mindsdb"
	}

	if e.Database.MasterUsername == "" {
		e.Database.MasterUsername = "mindsdb_admin"
	}

	if e.Database.MinCapacity == 0 {
		e.Database.MinCapacity = 0.5
	}

	if e.Database.MaxCapacity == 0 {
		e.Database.MaxCapacity = 8
	}

	if e.Database.Instances == 0 {
		e.Database.Instances = 2
	}

	if e.Database.BackupRetentionDays == 0 {
		e.Database.BackupRetentionDays = 7
	}

	// Cache
	if e.Cache.NodeType == "" {
		e.Cache.NodeType = "cache.t4g.small"
	}

	if e.Cache.EngineVersion == "" {
		e.Cache.EngineVersion = "7.1"
	}

	if e.Cache.MaxMemoryPolicy == "" {
		e.Cache.MaxMemoryPolicy = "allkeys-lru"
	}

	// Auth
	if e.Auth.MinLength == 0 {
		e.Auth.MinLength = 12
	}

	for _, req := range []**bool{&e.Auth.RequireLowercase, &e.Auth.RequireUppercase, &e.Auth.RequireNumbers, &e.Auth.RequireSymbols} {
		if *req == nil {
			t := true
			*req = &t
		}
	}

	if e.Auth.TemporaryPasswordValidity == 0 {
		e.Auth.TemporaryPasswordValidity = 3
	}

	if e.Auth.MFA == "" {
		e.Auth.MFA = "OPTIONAL"
	}

	if e.Auth.DomainPrefix == "" {
		e.Auth.DomainPrefix = e.Name + "-rag-auth"
	}

	if len(e.Auth.CallbackURLs) == 0 {
		e.Auth.CallbackURLs = []string{"http://localhost:3000/callback"}
	}

	if len(e.Auth.LogoutURLs) == 0 {
		e.Auth.LogoutURLs = []string{"http://localhost:3000/"}
	}

	if e.Auth.AccessTokenHours == 0 {
		e.Auth.AccessTokenHours = 1
	}

	if e.Auth.RefreshTokenDays == 0 {
		e.Auth.RefreshTokenDays = 30
	}

	// WAF
	if e.WAF.RateLimit == 0 {
		e.WAF.RateLimit = 2000
	}

	if len(e.WAF.ManagedRules) == 0 {
		e.WAF.ManagedRules = append([]string(nil), _defaultManagedRules...)
	}

	// API
	if e.API.StageName == "" {
		e.API.StageName = "v1"
	}

	if e.API.ThrottleRate == 0 {
		e.API.ThrottleRate = 50
	}

	if e.API.ThrottleBurst == 0 {
		e.API.ThrottleBurst = 100
	}

	if e.API.QuotaPerDay == 0 {
		e.API.QuotaPerDay = 50000
	}

	if len(e.API.CORSOrigins) == 0 {
		e.API.CORSOrigins = []string{"*"}
	}

	// Lambda
	if e.Lambda.Runtime == "" {
		e.Lambda.Runtime = "python3.12"
	}

	if e.Lambda.Memory == 0 {
		e.Lambda.Memory = 256
	}

	if e.Lambda.Timeout == 0 {
		e.Lambda.Timeout = 15
	}

	// Bedrock
	if e.Bedrock.FoundationModel == "" {
		e.Bedrock.FoundationModel = "anthropic.claude-3-haiku-20240307-v1:0"
	}

	if e.Bedrock.Instruction == "" {
		e.Bedrock.Instruction = "You are a product assistant. Answer customer questions using the knowledge base action group and say so when the answer is not in the retrieved documents."
	}

	if e.Bedrock.IdleSessionTTL == 0 {
		e.Bedrock.IdleSessionTTL = 600
	}

	// Monitoring
	th := &e.Monitoring.Thresholds
	setFloat(&th.ECSCPU, 80)
	setFloat(&th.ECSMemory, 85)
	setFloat(&th.DBCPU, 80)
	setFloat(&th.DBConnections, 200)
	setFloat(&th.RedisCPU, 75)
	setFloat(&th.RedisMemory, 85)
	setFloat(&th.API5XX, 10)
	setFloat(&th.APILatencyMS, 5000)
	setFloat(&th.LambdaErrors, 5)
	setFloat(&th.WAFBlocked, 500)

	// Widget CDN
	if e.WidgetCDN.PriceClass == "" {
		e.WidgetCDN.PriceClass = "PriceClass_100"
	}
}

func setFloat(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}

type subnetTier string

const (
	_subnetTierPublic   subnetTier = "public"
	_subnetTierPrivate  subnetTier = "private"
	_subnetTierIsolated subnetTier = "isolated"
)

var _subnetTiers = []subnetTier{_subnetTierPublic, _subnetTierPrivate, _subnetTierIsolated}

type subnetSpec struct {
	Tier subnetTier
	CIDR string
	AZ   string
}

// subnetPlan carves the VPC CIDR into one subnet per tier and availability
// zone. Each subnet is 1/16th of the VPC, so a /16 yields /20 subnets.
func (e environment) subnetPlan() ([]subnetSpec, error) {
	ip, vpc, err := net.ParseCIDR(e.Network.CIDR)
	if err != nil {
		return nil, fmt.Errorf("invalid vpc cidr %q: %w", e.Network.CIDR, err)
	}

	if ip.To4() == nil {
		return nil, fmt.Errorf("vpc cidr %q must be IPv4", e.Network.CIDR)
	}

	bits, _ := vpc.Mask.Size()
	if bits < 16 || bits > 24 {
		return nil, fmt.Errorf("vpc cidr %q must be between /16 and /24", e.Network.CIDR)
	}

	if !ip.Equal(vpc.IP) {
		return nil, fmt.Errorf("vpc cidr %q has host bits set", e.Network.CIDR)
	}

	azs := e.Network.AvailabilityZones
	if len(azs) < 2 || len(azs) > 4 {
		return nil, errors.New("between 2 and 4 availability zones are required")
	}

	seen := map[string]bool{}
	for _, az := range azs {
		if seen[az] {
			return nil, fmt.Errorf("duplicate availability zone %q", az)
		}
		seen[az] = true
	}

	var (
		specs   []subnetSpec
		subnets []*net.IPNet
	)
	for _, tier := range _subnetTiers {
		for _, az := range azs {
			subnet, err := cidr.Subnet(vpc, 4, len(subnets))
			if err != nil {
				return nil, fmt.Errorf("carving %s subnet in %s: %w", tier, az, err)
			}

			subnets = append(subnets, subnet)
			specs = append(specs, subnetSpec{
				Tier: tier,
				CIDR: subnet.String(),
				AZ:   az,
			})
		}
	}

	if err := cidr.VerifyNoOverlap(subnets, vpc); err != nil {
		return nil, fmt.Errorf("subnet plan of %q: %w", e.Network.CIDR, err)
	}

	return specs, nil
}

// resourceNames are the physical names the stack gives to resources that
// monitoring and status lookups address by name.
type resourceNames struct {
	ECSCluster string
	ECSService string
	DBCluster  string
	Redis      string
	RestAPI    string
	WebACL     string
	Dashboard  string
}

func (e environment) names() resourceNames {
	return resourceNames{
		ECSCluster: resourceName(e.Name, "rag"),
		ECSService: _mindsdbContainer,
		DBCluster:  resourceName(e.Name, "aurora"),
		Redis:      resourceName(e.Name, "redis"),
		RestAPI:    resourceName(e.Name, "rag-api"),
		WebACL:     resourceName(e.Name, "api-acl"),
		Dashboard:  resourceName(e.Name, "rag"),
	}
}

// lambdaName is the function name of the fn handler.
func (e environment) lambdaName(fn string) string {
	return fmt.Sprintf("%s-rag-%s", e.Name, fn)
}
