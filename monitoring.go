package main

import (
	"encoding/json"
	"fmt"

	"github.com/iancoleman/strcase"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/cloudwatch"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/sns"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

type dimension struct {
	Name  string
	Value string
}

// alarmSpec describes one CloudWatch alarm. Row groups alarms into the
// dashboard row of their subsystem.
type alarmSpec struct {
	Key         string
	Row         string
	Namespace   string
	Metric      string
	Statistic   string
	Dimensions  []dimension
	Threshold   float64
	Period      int
	Evaluations int
	Description string
}

func (a alarmSpec) name(env string) string {
	return fmt.Sprintf("%s-%s", env, strcase.ToKebab(a.Key))
}

// Dashboard rows, top to bottom.
var _dashboardRows = []string{"ECS", "Aurora", "Redis", "API", "Lambda", "WAF"}

// alarmSpecs lists every alarm of the environment in a stable order.
func alarmSpecs(env environment, region string) []alarmSpec {
	n := env.names()
	th := env.Monitoring.Thresholds

	ecs := []dimension{{"ClusterName", n.ECSCluster}, {"ServiceName", n.ECSService}}
	db := []dimension{{"DBClusterIdentifier", n.DBCluster}}
	// Alarms on the primary node of the replication group
	redis := []dimension{{"CacheClusterId", n.Redis + "-001"}}
	api := []dimension{{"ApiName", n.RestAPI}, {"Stage", env.API.StageName}}
	waf := []dimension{{"WebACL", n.WebACL}, {"Region", region}, {"Rule", "ALL"}}

	specs := []alarmSpec{
		{Key: "EcsCpuHigh", Row: "ECS", Namespace: "AWS/ECS", Metric: "CPUUtilization", Statistic: "Average", Dimensions: ecs, Threshold: th.ECSCPU, Period: 300, Evaluations: 2, Description: "MindsDB service CPU is high"},
		{Key: "EcsMemoryHigh", Row: "ECS", Namespace: "AWS/ECS", Metric: "MemoryUtilization", Statistic: "Average", Dimensions: ecs, Threshold: th.ECSMemory, Period: 300, Evaluations: 2, Description: "MindsDB service memory is high"},
		{Key: "DbCpuHigh", Row: "Aurora", Namespace: "AWS/RDS", Metric: "CPUUtilization", Statistic: "Average", Dimensions: db, Threshold: th.DBCPU, Period: 300, Evaluations: 2, Description: "Aurora CPU is high"},
		{Key: "DbConnectionsHigh", Row: "Aurora", Namespace: "AWS/RDS", Metric: "DatabaseConnections", Statistic: "Maximum", Dimensions: db, Threshold: th.DBConnections, Period: 300, Evaluations: 1, Description: "Aurora connection count is high"},
		{Key: "RedisCpuHigh", Row: "Redis", Namespace: "AWS/ElastiCache", Metric: "EngineCPUUtilization", Statistic: "Average", Dimensions: redis, Threshold: th.RedisCPU, Period: 300, Evaluations: 2, Description: "Redis engine CPU is high"},
		{Key: "RedisMemoryHigh", Row: "Redis", Namespace: "AWS/ElastiCache", Metric: "DatabaseMemoryUsagePercentage", Statistic: "Average", Dimensions: redis, Threshold: th.RedisMemory, Period: 300, Evaluations: 2, Description: "Redis memory usage is high"},
		{Key: "ApiServerErrors", Row: "API", Namespace: "AWS/ApiGateway", Metric: "5XXError", Statistic: "Sum", Dimensions: api, Threshold: th.API5XX, Period: 60, Evaluations: 5, Description: "API is returning 5XX errors"},
		{Key: "ApiLatencyHigh", Row: "API", Namespace: "AWS/ApiGateway", Metric: "Latency", Statistic: "Average", Dimensions: api, Threshold: th.APILatencyMS, Period: 60, Evaluations: 5, Description: "API latency is high"},
	}

	for _, fn := range []string{_fnCheckout, _fnHealth, _fnKnowledge, _fnSessions} {
		specs = append(specs, alarmSpec{
			Key:         "Lambda_" + fn + "_Errors",
			Row:         "Lambda",
			Namespace:   "AWS/Lambda",
			Metric:      "Errors",
			Statistic:   "Sum",
			Dimensions:  []dimension{{"FunctionName", env.lambdaName(fn)}},
			Threshold:   th.LambdaErrors,
			Period:      300,
			Evaluations: 1,
			Description: fmt.Sprintf("Lambda %s is failing", fn),
		})
	}

	specs = append(specs, alarmSpec{Key: "WafBlockedHigh", Row: "WAF", Namespace: "AWS/WAFV2", Metric: "BlockedRequests", Statistic: "Sum", Dimensions: waf, Threshold: th.WAFBlocked, Period: 300, Evaluations: 1, Description: "WAF is blocking many requests"})

	return specs
}

type dashboard struct {
	Widgets []dashboardWidget `json:"widgets"`
}

type dashboardWidget struct {
	Type       string           `json:"type"`
	X          int              `json:"x"`
	Y          int              `json:"y"`
	Width      int              `json:"width"`
	Height     int              `json:"height"`
	Properties widgetProperties `json:"properties"`
}

type widgetProperties struct {
	Title   string          `json:"title"`
	Region  string          `json:"region"`
	View    string          `json:"view"`
	Stat    string          `json:"stat"`
	Period  int             `json:"period"`
	Metrics [][]interface{} `json:"metrics"`
	// Annotations carries the alarm threshold line.
	Annotations *widgetAnnotations `json:"annotations,omitempty"`
}

type widgetAnnotations struct {
	Horizontal []widgetAnnotation `json:"horizontal"`
}

type widgetAnnotation struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

const (
	_dashboardWidth     = 24
	_dashboardRowHeight = 6
)

// dashboardBody renders one row per subsystem with one graph per alarm.
func dashboardBody(region string, specs []alarmSpec) (string, error) {
	board := dashboard{Widgets: []dashboardWidget{}}

	y := 0
	for _, row := range _dashboardRows {
		var rowSpecs []alarmSpec
		for _, s := range specs {
			if s.Row == row {
				rowSpecs = append(rowSpecs, s)
			}
		}
		if len(rowSpecs) == 0 {
			continue
		}

		width := _dashboardWidth / len(rowSpecs)
		for i, s := range rowSpecs {
			metric := []interface{}{s.Namespace, s.Metric}
			for _, d := range s.Dimensions {
				metric = append(metric, d.Name, d.Value)
			}

			board.Widgets = append(board.Widgets, dashboardWidget{
				Type:   "metric",
				X:      i * width,
				Y:      y,
				Width:  width,
				Height: _dashboardRowHeight,
				Properties: widgetProperties{
					Title:   fmt.Sprintf("%s %s", row, s.Metric),
					Region:  region,
					View:    "timeSeries",
					Stat:    s.Statistic,
					Period:  s.Period,
					Metrics: [][]interface{}{metric},
					Annotations: &widgetAnnotations{
						Horizontal: []widgetAnnotation{{Label: "alarm", Value: s.Threshold}},
					},
				},
			})
		}
		y += _dashboardRowHeight
	}

	b, err := json.Marshal(board)
	if err != nil {
		return "", fmt.Errorf("marshaling dashboard: %w", err)
	}

	return string(b), nil
}

type monitoring struct {
	topic      *sns.Topic
	dashboard  *cloudwatch.Dashboard
	alarmNames []string
}

func newMonitoringAlertingStack(ctx *pulumi.Context, env environment, region string, dependsOn []pulumi.Resource, tags pulumi.StringMap) (*monitoring, error) {
	m := &monitoring{}

	topic, err := sns.NewTopic(ctx, "sns-alarms-"+env.Name, &sns.TopicArgs{
		Name: pulumi.String(resourceName(env.Name, "rag-alarms")),
		Tags: tags,
	})
	if err != nil {
		return nil, fmt.Errorf("creating alarm topic: %w", err)
	}
	m.topic = topic

	for i, email := range env.Monitoring.AlarmEmails {
		_, err := sns.NewTopicSubscription(ctx, fmt.Sprintf("sns-alarms-email-%s-%d", env.Name, i), &sns.TopicSubscriptionArgs{
			Topic:    topic.Arn,
			Protocol: pulumi.String("email"),
			Endpoint: pulumi.String(email),
		}, pulumi.Parent(topic))
		if err != nil {
			return nil, fmt.Errorf("creating alarm subscription [%s]: %w", email, err)
		}
	}

	specs := alarmSpecs(env, region)
	for _, s := range specs {
		dims := pulumi.StringMap{}
		for _, d := range s.Dimensions {
			dims[d.Name] = pulumi.String(d.Value)
		}

		name := s.name(env.Name)
		_, err := cloudwatch.NewMetricAlarm(ctx, "alarm-"+name, &cloudwatch.MetricAlarmArgs{
			Name:               pulumi.String(name),
			AlarmDescription:   pulumi.String(s.Description),
			Namespace:          pulumi.String(s.Namespace),
			MetricName:         pulumi.String(s.Metric),
			Statistic:          pulumi.String(s.Statistic),
			Dimensions:         dims,
			Period:             pulumi.Int(s.Period),
			EvaluationPeriods:  pulumi.Int(s.Evaluations),
			Threshold:          pulumi.Float64(s.Threshold),
			ComparisonOperator: pulumi.String("GreaterThanOrEqualToThreshold"),
			TreatMissingData:   pulumi.String("notBreaching"),
			AlarmActions:       pulumi.Array{topic.Arn},
			OkActions:          pulumi.Array{topic.Arn},
			Tags:               tags,
		}, pulumi.Parent(topic), pulumi.DependsOn(dependsOn))
		if err != nil {
			return nil, fmt.Errorf("creating alarm [%s]: %w", name, err)
		}

		m.alarmNames = append(m.alarmNames, name)
	}

	body, err := dashboardBody(region, specs)
	if err != nil {
		return nil, err
	}

	board, err := cloudwatch.NewDashboard(ctx, "dashboard-"+env.Name, &cloudwatch.DashboardArgs{
		DashboardName: pulumi.String(env.names().Dashboard),
		DashboardBody: pulumi.String(body),
	})
	if err != nil {
		return nil, fmt.Errorf("creating dashboard: %w", err)
	}
	m.dashboard = board

	return m, nil
}
