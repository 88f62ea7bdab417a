package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/avelino/slugify"
	"github.com/aws/aws-sdk-go/aws"
	awscredentials "github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/gojek/heimdall/v7"
	"github.com/gojek/heimdall/v7/httpclient"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const filenameTimeFormat = "20060102T150405Z"

var _slackClient = httpclient.NewClient(
	httpclient.WithHTTPTimeout(10*time.Second),
	httpclient.WithRetryCount(3),
	httpclient.WithRetrier(heimdall.NewRetrier(heimdall.NewConstantBackoff(500*time.Millisecond, 250*time.Millisecond))),
)

// resourceName builds the physical name prefix used for every named AWS
// resource in an environment, e.g. "acme-prod-mindsdb".
func resourceName(env, name string) string {
	return slugify.Slugify(env + " " + name)
}

// envTags merges the user supplied tags over the ones every resource carries.
func envTags(env environment) pulumi.StringMap {
	tags := map[string]string{
		"RAG_ENV":   env.Name,
		"Name":      env.Name,
		"ManagedBy": "pulumi",
		"Product":   _projectName,
	}

	for k, v := range env.Tags {
		tags[k] = v
	}

	// the resource group selects on RAG_ENV
	tags["RAG_ENV"] = env.Name

	return pulumi.ToStringMap(tags)
}

// policyDocument marshals an IAM policy document. Statement maps are kept
// as-is so Actions/Resources can be single strings or lists.
func policyDocument(statements ...map[string]interface{}) string {
	b, err := json.Marshal(map[string]interface{}{
		"Version":   "2012-10-17",
		"Statement": statements,
	})
	if err != nil {
		// only fixed-shape maps are passed in
		panic(err)
	}

	return string(b)
}

func assumeRolePolicy(services ...string) string {
	var principal interface{} = services[0]
	if len(services) > 1 {
		principal = services
	}

	return policyDocument(map[string]interface{}{
		"Effect":    "Allow",
		"Principal": map[string]interface{}{"Service": principal},
		"Action":    "sts:AssumeRole",
	})
}

func sendToSlackWebHook(message string, hookURL string) error {
	if message == "" {
		log.Error("message can't be empty")
		return errors.New("message can't be empty")
	}

	if hookURL == "" {
		log.Debug("no slack webhook configured, skipping notification")
		return nil
	}

	marshalledMessage, err := json.Marshal(map[string]string{
		"text": message,
	})
	if err != nil {
		log.Errorf("marshal message for slack: %v", err)
		return fmt.Errorf("marshal message for slack: %w", err)
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	resp, err := _slackClient.Post(hookURL, bytes.NewReader(marshalledMessage), headers)
	if err != nil {
		log.Errorf("send request to slack: %v", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		log.Errorf("slack webhook answered %d", resp.StatusCode)
		return fmt.Errorf("slack webhook answered %d", resp.StatusCode)
	}

	log.Debug("Message sent to Slack")
	return nil
}

// createOverview renders the stack "result" output as a Slack message.
func createOverview(result map[string]interface{}) string {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("can't render overview: %v", err)
	}

	doc := gjson.ParseBytes(raw)

	var b strings.Builder
	fmt.Fprintf(&b, "ℹ️ Here is an overview of environment *%s*:\n", doc.Get("name").String())
	fmt.Fprintf(&b, "*API:* %s\n", doc.Get("api_url").String())

	if cdn := doc.Get("widget_cdn_domain").String(); cdn != "" {
		fmt.Fprintf(&b, "*Widget CDN:* https://%s\n", cdn)
	}

	fmt.Fprintf(&b, "*User pool:* %s (client %s)\n", doc.Get("user_pool_id").String(), doc.Get("user_pool_client_id").String())
	fmt.Fprintf(&b, "*Database:* %s\n", doc.Get("db_endpoint").String())
	fmt.Fprintf(&b, "*Redis:* %s\n", doc.Get("redis_endpoint").String())
	fmt.Fprintf(&b, "*Dashboard:* %s\n", doc.Get("dashboard_name").String())

	if agent := doc.Get("bedrock_agent_id").String(); agent != "" {
		fmt.Fprintf(&b, "*Bedrock agent:* %s\n", agent)
	}

	alarms := doc.Get("alarm_names").Array()
	if len(alarms) > 0 {
		names := make([]string, 0, len(alarms))
		for _, a := range alarms {
			names = append(names, a.String())
		}
		sort.Strings(names)

		b.WriteString("\n*Alarms*\n")
		for _, n := range names {
			fmt.Fprintf(&b, "• %s\n", n)
		}
	}

	return b.String()
}

// gzipLog compresses an operation's progress output for upload.
func gzipLog(content []byte) (io.Reader, error) {
	var buf bytes.Buffer

	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(content); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}

	return &buf, nil
}

func logKey(envName, logType string, timeLogged time.Time) string {
	return fmt.Sprintf("logs/%s/%s/%s.log.gz", envName, logType, timeLogged.UTC().Format(filenameTimeFormat))
}

func uploadLogs(ctx context.Context, content io.Reader, envName string, logType string, cfg config, cred credentials, msg, slackWebhookURL string, timeLogged time.Time) error {
	bucket := cfg.logBucket()
	if bucket == "" {
		return sendToSlackWebHook(msg, slackWebhookURL)
	}

	awsCfg := &aws.Config{Region: aws.String(cred.AWSRegion)}
	if cred.AWSAccessKeyID != "" {
		awsCfg.Credentials = awscredentials.NewStaticCredentials(cred.AWSAccessKeyID, cred.AWSSecretAccessKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return fmt.Errorf("create new aws session: %w", err)
	}

	uploader := s3manager.NewUploader(sess)

	result, err := uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(logKey(envName, logType, timeLogged)),
		Body:            content,
		ContentType:     aws.String("text/plain"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("upload logs: %w", err)
	}

	return sendToSlackWebHook(fmt.Sprintf("%s\nView logs: %s", msg, result.Location), slackWebhookURL)
}
