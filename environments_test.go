package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pulumi/pulumi/sdk/v3/go/auto"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optlist"
	"github.com/pulumi/pulumi/sdk/v3/go/common/apitype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatChanges(t *testing.T) {
	cases := []struct {
		name    string
		changes map[apitype.OpType]int
		expect  string
	}{
		{name: "nil", changes: nil, expect: "no changes"},
		{name: "only same", changes: map[apitype.OpType]int{apitype.OpSame: 140}, expect: "no changes"},
		{
			name:    "sorted and skips zero",
			changes: map[apitype.OpType]int{apitype.OpUpdate: 2, apitype.OpCreate: 3, apitype.OpDelete: 0, apitype.OpSame: 90},
			expect:  "3 create, 2 update",
		},
		{name: "replace", changes: map[apitype.OpType]int{apitype.OpReplace: 1}, expect: "1 replace"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, formatChanges(tt.changes))
		})
	}
}

func TestHumanizeUpdate(t *testing.T) {
	assert.Equal(t, "never", humanizeUpdate(""))
	assert.Equal(t, "not a date", humanizeUpdate("not a date"))
	assert.Equal(t, "3 hours ago", humanizeUpdate(time.Now().Add(-3*time.Hour).UTC().Format(time.RFC3339)))
}

func TestErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusConflict, errorStatus(fmt.Errorf("%w: %q", errEnvironmentExists, "acme")))
	assert.Equal(t, http.StatusNotFound, errorStatus(fmt.Errorf("%w: %q", errEnvironmentNotFound, "acme")))
	assert.Equal(t, http.StatusInternalServerError, errorStatus(errNoResult))
}

// slackRecorder collects the messages posted to a webhook.
type slackRecorder struct {
	mu       sync.Mutex
	messages []string
}

func (s *slackRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	s.messages = append(s.messages, body["text"])
	s.mu.Unlock()
}

func TestExecuteReportsToSlack(t *testing.T) {
	slack := &slackRecorder{}
	srv := httptest.NewServer(slack)
	defer srv.Close()

	var out bytes.Buffer
	m := &stackManager{out: &out}

	err := m.dispatch(operation{
		kind:    "update",
		envName: "acme",
		hook:    srv.URL,
		run: func(ctx context.Context, w io.Writer) (string, error) {
			fmt.Fprintln(w, "Updating (acme)")
			return `Updated environment "acme" (succeeded)`, nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "Updating (acme)\n", out.String())
	require.Len(t, slack.messages, 1)
	assert.Equal(t, `Updated environment "acme" (succeeded) in 0s`, slack.messages[0])
}

func TestExecuteReportsFailure(t *testing.T) {
	slack := &slackRecorder{}
	srv := httptest.NewServer(slack)
	defer srv.Close()

	m := &stackManager{out: io.Discard}

	err := m.dispatch(operation{
		kind:    "destroy",
		envName: "acme",
		hook:    srv.URL,
		run: func(ctx context.Context, w io.Writer) (string, error) {
			return "", errors.New("resource is protected")
		},
	})
	assert.EqualError(t, err, "resource is protected")

	require.Len(t, slack.messages, 1)
	assert.Equal(t, `Error occurred during destroy of environment "acme"`, slack.messages[0])
}

type fakeOutputs struct {
	result map[string]interface{}
	err    error
}

func (f fakeOutputs) Outputs(context.Context, string, credentials) (map[string]interface{}, error) {
	return f.result, f.err
}

func TestPrintOutputs(t *testing.T) {
	var out bytes.Buffer

	err := printOutputs(context.Background(), &out, fakeOutputs{result: map[string]interface{}{
		"name":        "acme",
		"api_url":     "https://api.acme.example.com",
		"alarm_names": []interface{}{"acme-db-cpu-high", "acme-ecs-cpu-high"},
	}}, "acme", credentials{})
	require.NoError(t, err)

	assert.Equal(t, `alarm_names:
  - acme-db-cpu-high
  - acme-ecs-cpu-high
api_url: https://api.acme.example.com
name: acme
`, out.String())

	err = printOutputs(context.Background(), &out, fakeOutputs{err: errNoResult}, "acme", credentials{})
	assert.ErrorIs(t, err, errNoResult)
}

// fakeWorkspace serves stacks and per-stack outputs.
type fakeWorkspace struct {
	stacks  []auto.StackSummary
	outputs map[string]auto.OutputMap
	listErr error

	mu    sync.Mutex
	asked []string
}

func (f *fakeWorkspace) ListStacks(context.Context, ...optlist.Option) ([]auto.StackSummary, error) {
	return f.stacks, f.listErr
}

func (f *fakeWorkspace) StackOutputs(_ context.Context, name string) (auto.OutputMap, error) {
	f.mu.Lock()
	f.asked = append(f.asked, name)
	f.mu.Unlock()

	outs, ok := f.outputs[name]
	if !ok {
		return nil, fmt.Errorf("stack %q not found in backend", name)
	}
	return outs, nil
}

func TestSummarizeStacks(t *testing.T) {
	count := 120
	ws := &fakeWorkspace{
		stacks: []auto.StackSummary{
			{Name: "acme", ResourceCount: &count},
			{Name: "acme-prod", UpdateInProgress: true},
			{Name: "broken"},
			{Name: "empty"},
		},
		outputs: map[string]auto.OutputMap{
			"acme": {"result": auto.OutputValue{Value: map[string]interface{}{
				"api_url": "https://abc.execute-api.eu-west-1.amazonaws.com/v1",
			}}},
			"acme-prod": {"result": auto.OutputValue{Value: map[string]interface{}{
				"api_url": "https://api.acme-prod.example.com",
				"domain":  "example.com",
			}}},
			"empty": {},
		},
	}

	for _, workers := range []int{0, 1, 4} {
		t.Run(fmt.Sprintf("%d workers", workers), func(t *testing.T) {
			ws.asked = nil

			summaries, err := summarizeStacks(context.Background(), ws, workers)
			require.NoError(t, err)

			assert.Equal(t, []environmentSummary{
				{Name: "acme", LastUpdate: "never", ResourceCount: 120, APIURL: "https://abc.execute-api.eu-west-1.amazonaws.com/v1"},
				{Name: "acme-prod", LastUpdate: "never", UpdateInProgress: true, APIURL: "https://api.acme-prod.example.com", Domain: "example.com"},
				{Name: "broken", LastUpdate: "never"},
				{Name: "empty", LastUpdate: "never"},
			}, summaries)
			assert.ElementsMatch(t, []string{"acme", "acme-prod", "broken", "empty"}, ws.asked)
		})
	}
}

func TestSummarizeStacksErrors(t *testing.T) {
	_, err := summarizeStacks(context.Background(), &fakeWorkspace{listErr: errors.New("backend unreachable")}, 2)
	assert.EqualError(t, err, "list stacks: backend unreachable")

	summaries, err := summarizeStacks(context.Background(), &fakeWorkspace{}, 2)
	require.NoError(t, err)
	assert.Empty(t, summaries)
}
