package main

import (
	"testing"

	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountInfra(t *testing.T) {
	m := newMocks()
	err := pulumi.RunErr(accountInfra("eu-west-1"), pulumi.WithMocks(_accountProjectName, accountStackName("eu-west-1"), m))
	require.NoError(t, err)

	assert.Equal(t, 1, m.count("aws:apigateway/account:Account"))

	roles := m.inputs("aws:iam/role:Role")
	require.Len(t, roles, 1)
	assert.Equal(t, "rag-assistant-apigw-logs-eu-west-1", roles[0]["name"].StringValue())
}

func TestAccountStackName(t *testing.T) {
	assert.Equal(t, "account-us-east-1", accountStackName("us-east-1"))
	assert.NotEqual(t, apiGatewayLogsRoleName("eu-west-1"), apiGatewayLogsRoleName("us-east-1"))
}
