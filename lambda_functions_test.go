package main

import (
	"strings"
	"testing"

	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLambdaCodeInline(t *testing.T) {
	for _, fn := range []string{_fnHealth, _fnSessions, _fnCheckout, _fnKnowledge} {
		t.Run(fn, func(t *testing.T) {
			archive, handler := lambdaCode(LambdaProps{}, fn)
			require.NotNil(t, archive)
			assert.Equal(t, "index.handler", handler)

			assets := archive.Assets()
			require.Contains(t, assets, "index.py")
			require.Contains(t, assets, "common.py")

			index := assets["index.py"].(pulumi.Asset).Text()
			assert.Contains(t, index, "def handler(event, context):")
			assert.NotRegexp(t, `^\s`, index)
		})
	}
}

func TestLambdaCodeFromBucket(t *testing.T) {
	archive, handler := lambdaCode(LambdaProps{CodeBucket: "artifacts", CodeKey: "rag/lambdas.zip"}, _fnCheckout)

	assert.Nil(t, archive)
	assert.Equal(t, "checkout.handler", handler)
}

func TestAPIRoutesFingerprint(t *testing.T) {
	targets := []string{"vpclink-1", "http://mindsdb.internal:47334/api/projects/mindsdb/agents/rag_assistant/completions"}

	base := routesFingerprint(_apiRoutes, []string{"*"}, targets)
	assert.Len(t, base, 40)
	assert.Equal(t, base, routesFingerprint(_apiRoutes, []string{"*"}, targets))

	cases := []struct {
		name    string
		routes  []apiRoute
		origins []string
		targets []string
	}{
		{name: "cors origins", routes: _apiRoutes, origins: []string{"https://shop.example.com"}, targets: targets},
		{name: "route removed", routes: _apiRoutes[:3], origins: []string{"*"}, targets: targets},
		{name: "integration target", routes: _apiRoutes, origins: []string{"*"}, targets: []string{"vpclink-2", targets[1]}},
		{name: "lambda added", routes: _apiRoutes, origins: []string{"*"}, targets: append(append([]string(nil), targets...), "arn:aws:lambda:eu-west-1:123456789012:function:acme-rag-health")},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, base, routesFingerprint(tt.routes, tt.origins, tt.targets))
		})
	}

	routes := append([]apiRoute(nil), _apiRoutes...)
	routes[3].Auth = true
	assert.NotEqual(t, base, routesFingerprint(routes, []string{"*"}, targets))
}

func TestAPIRoutesFingerprintFollowsAgent(t *testing.T) {
	fingerprint := func(svc RAGServiceProps) string {
		return routesFingerprint(_apiRoutes, []string{"*"}, []string{"http://nlb:47334" + mindsdbCompletionsPath(svc)})
	}

	base := fingerprint(RAGServiceProps{Project: "mindsdb", Agent: "rag_assistant"})
	assert.NotEqual(t, base, fingerprint(RAGServiceProps{Project: "mindsdb", Agent: "support_agent"}))
	assert.NotEqual(t, base, fingerprint(RAGServiceProps{Project: "shop", Agent: "rag_assistant"}))
}

func TestCORSPreflight(t *testing.T) {
	allow, template := corsPreflight([]string{"*"})
	assert.Equal(t, "'*'", allow)
	assert.Empty(t, template)

	allow, template = corsPreflight([]string{"https://shop.example.com"})
	assert.Equal(t, "'https://shop.example.com'", allow)
	assert.Empty(t, template)

	allow, template = corsPreflight([]string{"https://a.example.com", "https://b.example.com"})
	assert.Empty(t, allow)
	assert.Contains(t, template, `#if(["https://a.example.com", "https://b.example.com"].contains($origin))`)
	assert.Contains(t, template, "$context.responseOverride.header.Access-Control-Allow-Origin = $origin")
	assert.NotContains(t, template, "https://a.example.com,https://b.example.com")
}

func TestLambdaEchoesAllowedOrigin(t *testing.T) {
	assert.Contains(t, _lambdaCommonSource, `os.environ.get("CORS_ORIGINS", "*").split(",")`)
	assert.Contains(t, _lambdaCommonSource, "return origin if origin in CORS_ORIGINS else None")
}

func TestAPIRoutesRelativeToStage(t *testing.T) {
	stage := defaultedEnvironment("acme").API.StageName

	for _, r := range _apiRoutes {
		assert.False(t, strings.HasPrefix(r.Path, "/"+stage+"/"), r.Path)
	}
}

func TestAPIRoutesTargetKnownFunctions(t *testing.T) {
	for _, r := range _apiRoutes {
		if r.Target == _targetMindsDB {
			continue
		}
		assert.Contains(t, _lambdaSources, r.Target, r.Path)
	}
}
