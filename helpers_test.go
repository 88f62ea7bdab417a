package main

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceName(t *testing.T) {
	assert.Equal(t, "acme-prod-mindsdb", resourceName("acme-prod", "mindsdb"))
	assert.Equal(t, "acme-rag-api", resourceName("acme", "rag-api"))
}

func TestEnvTags(t *testing.T) {
	tags := envTags(environment{
		Name: "acme",
		Tags: map[string]string{"CostCenter": "42", "RAG_ENV": "other"},
	})

	assert.Equal(t, pulumi.String("acme"), tags["RAG_ENV"])
	assert.Equal(t, pulumi.String("42"), tags["CostCenter"])
	assert.Equal(t, pulumi.String("pulumi"), tags["ManagedBy"])
	assert.Equal(t, pulumi.String(_projectName), tags["Product"])
}

func TestAssumeRolePolicy(t *testing.T) {
	assert.JSONEq(t, `{
		"Version": "2012-10-17",
		"Statement": [{"Effect": "Allow", "Principal": {"Service": "lambda.amazonaws.com"}, "Action": "sts:AssumeRole"}]
	}`, assumeRolePolicy("lambda.amazonaws.com"))

	assert.JSONEq(t, `{
		"Version": "2012-10-17",
		"Statement": [{"Effect": "Allow", "Principal": {"Service": ["ecs-tasks.amazonaws.com", "ecs.amazonaws.com"]}, "Action": "sts:AssumeRole"}]
	}`, assumeRolePolicy("ecs-tasks.amazonaws.com", "ecs.amazonaws.com"))
}

func TestSendToSlackWebHook(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, sendToSlackWebHook("environment ready", srv.URL))
	assert.Equal(t, map[string]string{"text": "environment ready"}, got)
}

func TestSendToSlackWebHookErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	assert.EqualError(t, sendToSlackWebHook("hello", srv.URL), "slack webhook answered 403")
	assert.EqualError(t, sendToSlackWebHook("", srv.URL), "message can't be empty")
	assert.NoError(t, sendToSlackWebHook("hello", ""))
}

func TestCreateOverview(t *testing.T) {
	overview := createOverview(map[string]interface{}{
		"name":                "acme",
		"api_url":             "https://api.acme.example.com",
		"user_pool_id":        "eu-west-1_abc",
		"user_pool_client_id": "client",
		"db_endpoint":         "acme-aurora.cluster.local",
		"redis_endpoint":      "acme-redis.cache.local",
		"dashboard_name":      "acme-rag",
		"widget_cdn_domain":   "d111.cloudfront.net",
		"bedrock_agent_id":    "",
		"alarm_names":         []interface{}{"acme-waf-blocked-high", "acme-db-cpu-high"},
	})

	assert.Contains(t, overview, "environment *acme*")
	assert.Contains(t, overview, "*API:* https://api.acme.example.com\n")
	assert.Contains(t, overview, "*Widget CDN:* https://d111.cloudfront.net\n")
	assert.Contains(t, overview, "*User pool:* eu-west-1_abc (client client)\n")
	assert.NotContains(t, overview, "Bedrock agent")
	assert.Contains(t, overview, "• acme-db-cpu-high\n• acme-waf-blocked-high\n")
}

func TestLogKey(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.FixedZone("CET", 3600))

	assert.Equal(t, "logs/acme/update/20240309T130507Z.log.gz", logKey("acme", "update", ts))
}

func TestGzipLog(t *testing.T) {
	r, err := gzipLog([]byte("Updating (acme)\n"))
	require.NoError(t, err)

	zr, err := gzip.NewReader(r)
	require.NoError(t, err)

	b, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "Updating (acme)\n", string(b))
}

func TestConfigLogBucket(t *testing.T) {
	cases := []struct {
		backend string
		bucket  string
	}{
		{backend: "s3://state-bucket", bucket: "state-bucket"},
		{backend: "s3://state-bucket/rag", bucket: "state-bucket"},
		{backend: "s3://state-bucket?region=eu-west-1", bucket: "state-bucket"},
		{backend: "file://~/.pulumi", bucket: ""},
		{backend: "https://api.pulumi.com", bucket: ""},
	}

	for _, tt := range cases {
		t.Run(tt.backend, func(t *testing.T) {
			assert.Equal(t, tt.bucket, config{BackendURL: tt.backend}.logBucket())
		})
	}
}

func TestCredentials(t *testing.T) {
	var cred credentials
	cred.SetDefaults(config{AWSRegion: "", GithubOwner: "acme", GithubAuthToken: "ghp_x"})

	assert.Equal(t, "eu-west-1", cred.AWSRegion)

	cfg := cred.stackConfig()
	assert.Equal(t, stackConfigValue{Value: "eu-west-1"}, cfg["aws:region"])
	assert.Equal(t, stackConfigValue{Value: "acme"}, cfg["github:owner"])
	assert.Equal(t, stackConfigValue{Value: "ghp_x", Secret: true}, cfg["github:token"])
	assert.NotContains(t, cfg, "aws:accessKey")
	assert.NotContains(t, cfg, "aws:secretKey")
}
