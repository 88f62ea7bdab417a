package main

type credentials struct {
	AWSAccessKeyID     string `json:"aws_access_key_id" yaml:"aws_access_key_id"`
	AWSSecretAccessKey string `json:"aws_secret_access_key" yaml:"aws_secret_access_key"`
	AWSRegion          string `json:"aws_region" yaml:"aws_region"`
	GithubAuthToken    string `json:"github_auth_token" yaml:"github_auth_token"`
	GithubOwner        string `json:"github_owner" yaml:"github_owner"`
	DBMasterPassword   string `json:"db_master_password" yaml:"db_master_password"`
}

func (c *credentials) SetDefaults(cfg config) {
	if c.AWSAccessKeyID == "" {
		c.AWSAccessKeyID = cfg.AWSAccessKeyID
	}

	if c.AWSSecretAccessKey == "" {
		c.AWSSecretAccessKey = cfg.AWSSecretAccessKey
	}

	if c.AWSRegion == "" {
		c.AWSRegion = cfg.AWSRegion
	}

	if c.AWSRegion == "" {
		c.AWSRegion = "eu-west-1"
	}

	if c.GithubAuthToken == "" {
		c.GithubAuthToken = cfg.GithubAuthToken
	}

	if c.GithubOwner == "" {
		c.GithubOwner = cfg.GithubOwner
	}
}

// stackConfig is the provider configuration applied to every stack before
// an operation runs. Static keys are only set when present so ambient AWS
// credentials (instance role, profile) keep working.
func (c credentials) stackConfig() map[string]stackConfigValue {
	cfg := map[string]stackConfigValue{
		"aws:region": {Value: c.AWSRegion},
	}

	if c.AWSAccessKeyID != "" {
		cfg["aws:accessKey"] = stackConfigValue{Value: c.AWSAccessKeyID, Secret: true}
	}

	if c.AWSSecretAccessKey != "" {
		cfg["aws:secretKey"] = stackConfigValue{Value: c.AWSSecretAccessKey, Secret: true}
	}

	if c.GithubOwner != "" {
		cfg["github:owner"] = stackConfigValue{Value: c.GithubOwner}
	}

	if c.GithubAuthToken != "" {
		cfg["github:token"] = stackConfigValue{Value: c.GithubAuthToken, Secret: true}
	}

	return cfg
}

type stackConfigValue struct {
	Value  string
	Secret bool
}
