package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestAlarmSpecs(t *testing.T) {
	env := defaultedEnvironment("acme")
	specs := alarmSpecs(env, "eu-west-1")

	names := map[string]bool{}
	for _, s := range specs {
		name := s.name(env.Name)
		assert.False(t, names[name], "duplicate alarm %s", name)
		names[name] = true
		assert.Contains(t, _dashboardRows, s.Row)
		assert.Positive(t, s.Threshold, name)
	}

	assert.Len(t, specs, 13)
	assert.True(t, names["acme-ecs-cpu-high"])
	assert.True(t, names["acme-lambda-health-errors"])
	assert.True(t, names["acme-waf-blocked-high"])
}

func TestAlarmSpecsUseThresholds(t *testing.T) {
	env := defaultedEnvironment("acme")
	env.Monitoring.Thresholds.DBConnections = 42

	for _, s := range alarmSpecs(env, "eu-west-1") {
		if s.Key == "DbConnectionsHigh" {
			assert.Equal(t, 42.0, s.Threshold)
			assert.Equal(t, []dimension{{"DBClusterIdentifier", "acme-aurora"}}, s.Dimensions)
			return
		}
	}
	t.Fatal("db connections alarm missing")
}

func TestDashboardBody(t *testing.T) {
	env := defaultedEnvironment("acme")
	specs := alarmSpecs(env, "eu-west-1")

	body, err := dashboardBody("eu-west-1", specs)
	require.NoError(t, err)

	// rendering is deterministic
	again, err := dashboardBody("eu-west-1", specs)
	require.NoError(t, err)
	assert.Equal(t, body, again)

	doc := gjson.Parse(body)
	widgets := doc.Get("widgets").Array()
	require.Len(t, widgets, len(specs))

	first := widgets[0]
	assert.Equal(t, "metric", first.Get("type").String())
	assert.Equal(t, int64(0), first.Get("y").Int())
	assert.Equal(t, int64(12), first.Get("width").Int())
	assert.Equal(t, `["AWS/ECS","CPUUtilization","ClusterName","acme-rag","ServiceName","mindsdb"]`, first.Get("properties.metrics.0").Raw)
	assert.Equal(t, 80.0, first.Get("properties.annotations.horizontal.0.value").Float())

	// one row per subsystem, lambda row holds one widget per function
	rows := map[int64]int{}
	for _, w := range widgets {
		rows[w.Get("y").Int()]++
	}
	assert.Len(t, rows, len(_dashboardRows))
	assert.Equal(t, 4, rows[24])
	assert.Equal(t, 1, rows[30])
}

func TestDashboardBodySkipsEmptyRows(t *testing.T) {
	body, err := dashboardBody("eu-west-1", []alarmSpec{
		{Key: "WafBlockedHigh", Row: "WAF", Namespace: "AWS/WAFV2", Metric: "BlockedRequests", Statistic: "Sum", Period: 300},
	})
	require.NoError(t, err)

	doc := gjson.Parse(body)
	assert.Len(t, doc.Get("widgets").Array(), 1)
	assert.Equal(t, int64(0), doc.Get("widgets.0.y").Int())
	assert.Equal(t, int64(24), doc.Get("widgets.0.width").Int())
}
