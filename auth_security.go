package main

import (
	"fmt"

	"github.com/iancoleman/strcase"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/cloudwatch"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/cognito"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/wafv2"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

type authSecurityStack struct {
	userPool       *cognito.UserPool
	userPoolClient *cognito.UserPoolClient
	userPoolDomain *cognito.UserPoolDomain
	webACL         *wafv2.WebAcl
	webACLName     string
}

// wafRule is a rule of the regional web ACL before it is turned into args.
type wafRule struct {
	Name     string
	Priority int
	// Managed is the AWS managed rule group name; empty for the rate rule.
	Managed   string
	RateLimit int
}

// wafRules lists the web ACL rules in evaluation order.
func wafRules(props WAFProps) []wafRule {
	rules := make([]wafRule, 0, len(props.ManagedRules)+1)

	rules = append(rules, wafRule{
		Name:      "RateLimitPerIP",
		Priority:  0,
		RateLimit: props.RateLimit,
	})

	for i, name := range props.ManagedRules {
		rules = append(rules, wafRule{
			Name:     name,
			Priority: i + 1,
			Managed:  name,
		})
	}

	return rules
}

func metricName(env, name string) string {
	return strcase.ToCamel(env + "_" + name)
}

func newAuthSecurityStack(ctx *pulumi.Context, env environment, tags pulumi.StringMap) (*authSecurityStack, error) {
	s := &authSecurityStack{}

	if err := s.newUserPool(ctx, env, tags); err != nil {
		return nil, err
	}

	if err := s.newWebACL(ctx, env, tags); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *authSecurityStack) newUserPool(ctx *pulumi.Context, env environment, tags pulumi.StringMap) error {
	auth := env.Auth

	deletionProtection := "INACTIVE"
	if env.Database.DeletionProtection {
		deletionProtection = "ACTIVE"
	}

	args := &cognito.UserPoolArgs{
		Name:                   pulumi.String(resourceName(env.Name, "users")),
		UsernameAttributes:     pulumi.StringArray{pulumi.String("email")},
		AutoVerifiedAttributes: pulumi.StringArray{pulumi.String("email")},
		PasswordPolicy: &cognito.UserPoolPasswordPolicyArgs{
			MinimumLength:                 pulumi.Int(auth.MinLength),
			RequireLowercase:              pulumi.Bool(*auth.RequireLowercase),
			RequireUppercase:              pulumi.Bool(*auth.RequireUppercase),
			RequireNumbers:                pulumi.Bool(*auth.RequireNumbers),
			RequireSymbols:                pulumi.Bool(*auth.RequireSymbols),
			TemporaryPasswordValidityDays: pulumi.Int(auth.TemporaryPasswordValidity),
		},
		MfaConfiguration: pulumi.String(auth.MFA),
		AccountRecoverySetting: &cognito.UserPoolAccountRecoverySettingArgs{
			RecoveryMechanisms: cognito.UserPoolAccountRecoverySettingRecoveryMechanismArray{
				cognito.UserPoolAccountRecoverySettingRecoveryMechanismArgs{
					Name:     pulumi.String("verified_email"),
					Priority: pulumi.Int(1),
				},
			},
		},
		UserPoolAddOns: &cognito.UserPoolUserPoolAddOnsArgs{
			AdvancedSecurityMode: pulumi.String("AUDIT"),
		},
		DeletionProtection: pulumi.String(deletionProtection),
		Tags:               tags,
	}

	if auth.MFA != "OFF" {
		args.SoftwareTokenMfaConfiguration = &cognito.UserPoolSoftwareTokenMfaConfigurationArgs{
			Enabled: pulumi.Bool(true),
		}
	}

	pool, err := cognito.NewUserPool(ctx, "user-pool-"+env.Name, args)
	if err != nil {
		return fmt.Errorf("creating user pool: %w", err)
	}
	s.userPool = pool

	client, err := cognito.NewUserPoolClient(ctx, "user-pool-client-"+env.Name, &cognito.UserPoolClientArgs{
		Name:                            pulumi.Sprintf("%s-widget", env.Name),
		UserPoolId:                      pool.ID(),
		GenerateSecret:                  pulumi.Bool(false),
		AllowedOauthFlowsUserPoolClient: pulumi.Bool(true),
		AllowedOauthFlows:               pulumi.ToStringArray([]string{"code"}),
		AllowedOauthScopes:              pulumi.ToStringArray([]string{"openid", "email", "profile"}),
		ExplicitAuthFlows:               pulumi.ToStringArray([]string{"ALLOW_USER_SRP_AUTH", "ALLOW_REFRESH_TOKEN_AUTH"}),
		SupportedIdentityProviders:      pulumi.ToStringArray([]string{"COGNITO"}),
		CallbackUrls:                    pulumi.ToStringArray(auth.CallbackURLs),
		LogoutUrls:                      pulumi.ToStringArray(auth.LogoutURLs),
		PreventUserExistenceErrors:      pulumi.String("ENABLED"),
		AccessTokenValidity:             pulumi.Int(auth.AccessTokenHours),
		IdTokenValidity:                 pulumi.Int(auth.AccessTokenHours),
		RefreshTokenValidity:            pulumi.Int(auth.RefreshTokenDays),
		TokenValidityUnits: &cognito.UserPoolClientTokenValidityUnitsArgs{
			AccessToken:  pulumi.String("hours"),
			IdToken:      pulumi.String("hours"),
			RefreshToken: pulumi.String("days"),
		},
	}, pulumi.Parent(pool))
	if err != nil {
		return fmt.Errorf("creating user pool client: %w", err)
	}
	s.userPoolClient = client

	domain, err := cognito.NewUserPoolDomain(ctx, "user-pool-domain-"+env.Name, &cognito.UserPoolDomainArgs{
		Domain:     pulumi.String(auth.DomainPrefix),
		UserPoolId: pool.ID(),
	}, pulumi.Parent(pool))
	if err != nil {
		return fmt.Errorf("creating user pool domain: %w", err)
	}
	s.userPoolDomain = domain

	return nil
}

func (s *authSecurityStack) newWebACL(ctx *pulumi.Context, env environment, tags pulumi.StringMap) error {
	rules := wafv2.WebAclRuleArray{}
	for _, r := range wafRules(env.WAF) {
		visibility := &wafv2.WebAclRuleVisibilityConfigArgs{
			CloudwatchMetricsEnabled: pulumi.Bool(true),
			MetricName:               pulumi.String(metricName(env.Name, r.Name)),
			SampledRequestsEnabled:   pulumi.Bool(true),
		}

		if r.Managed == "" {
			rules = append(rules, wafv2.WebAclRuleArgs{
				Name:     pulumi.String(r.Name),
				Priority: pulumi.Int(r.Priority),
				Action: &wafv2.WebAclRuleActionArgs{
					Block: &wafv2.WebAclRuleActionBlockArgs{},
				},
				Statement: &wafv2.WebAclRuleStatementArgs{
					RateBasedStatement: &wafv2.WebAclRuleStatementRateBasedStatementArgs{
						Limit:            pulumi.Int(r.RateLimit),
						AggregateKeyType: pulumi.String("IP"),
					},
				},
				VisibilityConfig: visibility,
			})
			continue
		}

		rules = append(rules, wafv2.WebAclRuleArgs{
			Name:     pulumi.String(r.Name),
			Priority: pulumi.Int(r.Priority),
			OverrideAction: &wafv2.WebAclRuleOverrideActionArgs{
				None: &wafv2.WebAclRuleOverrideActionNoneArgs{},
			},
			Statement: &wafv2.WebAclRuleStatementArgs{
				ManagedRuleGroupStatement: &wafv2.WebAclRuleStatementManagedRuleGroupStatementArgs{
					Name:       pulumi.String(r.Managed),
					VendorName: pulumi.String("AWS"),
				},
			},
			VisibilityConfig: visibility,
		})
	}

	s.webACLName = env.names().WebACL

	acl, err := wafv2.NewWebAcl(ctx, "waf-acl-"+env.Name, &wafv2.WebAclArgs{
		Name:        pulumi.String(s.webACLName),
		Description: pulumi.Sprintf("API protection for %s", env.Name),
		Scope:       pulumi.String("REGIONAL"),
		DefaultAction: &wafv2.WebAclDefaultActionArgs{
			Allow: &wafv2.WebAclDefaultActionAllowArgs{},
		},
		Rules: rules,
		VisibilityConfig: &wafv2.WebAclVisibilityConfigArgs{
			CloudwatchMetricsEnabled: pulumi.Bool(true),
			// the WebACL dimension of the WAF metrics is this name
			MetricName:               pulumi.String(s.webACLName),
			SampledRequestsEnabled:   pulumi.Bool(true),
		},
		Tags: tags,
	})
	if err != nil {
		return fmt.Errorf("creating waf web acl: %w", err)
	}
	s.webACL = acl

	// WAF only accepts log groups prefixed with aws-waf-logs-
	logGroup, err := cloudwatch.NewLogGroup(ctx, "log-group-waf-"+env.Name, &cloudwatch.LogGroupArgs{
		Name:            pulumi.Sprintf("aws-waf-logs-%s", env.Name),
		RetentionInDays: pulumi.Int(30),
		Tags:            tags,
	}, pulumi.Parent(acl))
	if err != nil {
		return fmt.Errorf("creating waf log group: %w", err)
	}

	_, err = wafv2.NewWebAclLoggingConfiguration(ctx, "waf-logging-"+env.Name, &wafv2.WebAclLoggingConfigurationArgs{
		ResourceArn:           acl.Arn,
		LogDestinationConfigs: pulumi.StringArray{logGroup.Arn},
	}, pulumi.Parent(acl))
	if err != nil {
		return fmt.Errorf("creating waf logging configuration: %w", err)
	}

	return nil
}
