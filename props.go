package main

type NetworkProps struct {
	CIDR              string   `json:"cidr" yaml:"cidr"`
	AvailabilityZones []string `json:"availability_zones" yaml:"availability_zones"`
	NatGateways       int      `json:"nat_gateways" yaml:"nat_gateways"`
	FlowLogs          bool     `json:"flow_logs" yaml:"flow_logs"`
}

type RAGServiceProps struct {
	Image           string `json:"image" yaml:"image"`
	CPU             int    `json:"cpu" yaml:"cpu"`
	Memory          int    `json:"memory" yaml:"memory"`
	DesiredCount    int    `json:"desired_count" yaml:"desired_count"`
	MinCount        int    `json:"min_count" yaml:"min_count"`
	MaxCount        int    `json:"max_count" yaml:"max_count"`
	CPUTarget       int    `json:"cpu_target" yaml:"cpu_target"`
	MemoryTarget    int    `json:"memory_target" yaml:"memory_target"`
	ContainerPort   int    `json:"container_port" yaml:"container_port"`
	HealthCheckPath string `json:"health_check_path" yaml:"health_check_path"`
	Project         string `json:"project" yaml:"project"`
	Agent           string `json:"agent" yaml:"agent"`
	LogRetention    int    `json:"log_retention" yaml:"log_retention"`
}

type DatabaseProps struct {
	EngineVersion       string  `json:"engine_version" yaml:"engine_version"`
	DatabaseName        string  `json:"database_name" yaml:"database_name"`
	MasterUsername      string  `json:"master_username" yaml:"master_username"`
	MinCapacity         float64 `json:"min_capacity" yaml:"min_capacity"`
	MaxCapacity         float64 `json:"max_capacity" yaml:"max_capacity"`
	Instances           int     `json:"instances" yaml:"instances"`
	BackupRetentionDays int     `json:"backup_retention_days" yaml:"backup_retention_days"`
	DeletionProtection  bool    `json:"deletion_protection" yaml:"deletion_protection"`
}

type CacheProps struct {
	NodeType        string `json:"node_type" yaml:"node_type"`
	EngineVersion   string `json:"engine_version" yaml:"engine_version"`
	Replicas        int    `json:"replicas" yaml:"replicas"`
	MaxMemoryPolicy string `json:"maxmemory_policy" yaml:"maxmemory_policy"`
}

type AuthProps struct {
	MinLength                 int      `json:"min_length" yaml:"min_length"`
	RequireLowercase          *bool    `json:"require_lowercase" yaml:"require_lowercase"`
	RequireUppercase          *bool    `json:"require_uppercase" yaml:"require_uppercase"`
	RequireNumbers            *bool    `json:"require_numbers" yaml:"require_numbers"`
	RequireSymbols            *bool    `json:"require_symbols" yaml:"require_symbols"`
	TemporaryPasswordValidity int      `json:"temporary_password_validity" yaml:"temporary_password_validity"`
	MFA                       string   `json:"mfa" yaml:"mfa"`
	CallbackURLs              []string `json:"callback_urls" yaml:"callback_urls"`
	LogoutURLs                []string `json:"logout_urls" yaml:"logout_urls"`
	DomainPrefix              string   `json:"domain_prefix" yaml:"domain_prefix"`
	AccessTokenHours          int      `json:"access_token_hours" yaml:"access_token_hours"`
	RefreshTokenDays          int      `json:"refresh_token_days" yaml:"refresh_token_days"`
}

type WAFProps struct {
	RateLimit    int      `json:"rate_limit" yaml:"rate_limit"`
	ManagedRules []string `json:"managed_rules" yaml:"managed_rules"`
}

type APIProps struct {
	StageName     string   `json:"stage_name" yaml:"stage_name"`
	ThrottleRate  float64  `json:"throttle_rate" yaml:"throttle_rate"`
	ThrottleBurst int      `json:"throttle_burst" yaml:"throttle_burst"`
	QuotaPerDay   int      `json:"quota_per_day" yaml:"quota_per_day"`
	CORSOrigins   []string `json:"cors_origins" yaml:"cors_origins"`
}

type LambdaProps struct {
	Runtime    string `json:"runtime" yaml:"runtime"`
	Memory     int    `json:"memory" yaml:"memory"`
	Timeout    int    `json:"timeout" yaml:"timeout"`
	CodeBucket string `json:"code_bucket" yaml:"code_bucket"`
	CodeKey    string `json:"code_key" yaml:"code_key"`
}

type BedrockProps struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	FoundationModel string `json:"foundation_model" yaml:"foundation_model"`
	Instruction     string `json:"instruction" yaml:"instruction"`
	IdleSessionTTL  int    `json:"idle_session_ttl" yaml:"idle_session_ttl"`
}

type MonitoringProps struct {
	AlarmEmails []string            `json:"alarm_emails" yaml:"alarm_emails"`
	Thresholds  MonitoringThreshold `json:"thresholds" yaml:"thresholds"`
}

type MonitoringThreshold struct {
	ECSCPU        float64 `json:"ecs_cpu" yaml:"ecs_cpu"`
	ECSMemory     float64 `json:"ecs_memory" yaml:"ecs_memory"`
	DBCPU         float64 `json:"db_cpu" yaml:"db_cpu"`
	DBConnections float64 `json:"db_connections" yaml:"db_connections"`
	RedisCPU      float64 `json:"redis_cpu" yaml:"redis_cpu"`
	RedisMemory   float64 `json:"redis_memory" yaml:"redis_memory"`
	API5XX        float64 `json:"api_5xx" yaml:"api_5xx"`
	APILatencyMS  float64 `json:"api_latency_ms" yaml:"api_latency_ms"`
	LambdaErrors  float64 `json:"lambda_errors" yaml:"lambda_errors"`
	WAFBlocked    float64 `json:"waf_blocked" yaml:"waf_blocked"`
}

type WidgetCDNProps struct {
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	PriceClass       string `json:"price_class" yaml:"price_class"`
	GithubRepository string `json:"github_repository" yaml:"github_repository"`
}
