package main

import "strings"

type config struct {
	AWSAccessKeyID     string `envconfig:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `envconfig:"AWS_SECRET_ACCESS_KEY"`
	AWSRegion          string `envconfig:"AWS_REGION" default:"eu-west-1"`
	GithubOwner        string `envconfig:"GITHUB_OWNER"`
	GithubAuthToken    string `envconfig:"GITHUB_TOKEN"`
	DNSDomain          string `envconfig:"DNSDOMAIN"`
	DNSZoneID          string `envconfig:"DNSZONEID"`
	BackendURL         string `envconfig:"BACKEND_URL" required:"true"`
	SlackWebHook       string `envconfig:"SLACK_WEBHOOK"`
	Port               int    `envconfig:"PORT" default:"8080"`
	LogLevel           string `envconfig:"LOG_LEVEL" default:"info"`
	ListConcurrency    int    `envconfig:"LIST_CONCURRENCY" default:"4"`
}

// logBucket returns the bucket holding operation logs when the state
// backend is S3, or an empty string otherwise.
func (c config) logBucket() string {
	if !strings.HasPrefix(c.BackendURL, "s3://") {
		return ""
	}

	bucket := strings.TrimPrefix(c.BackendURL, "s3://")
	if i := strings.IndexAny(bucket, "/?"); i >= 0 {
		bucket = bucket[:i]
	}

	return bucket
}
