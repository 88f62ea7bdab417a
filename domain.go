package main

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/acm"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/apigateway"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/route53"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// apiHostname is the custom hostname of the API when a domain is set.
func apiHostname(env environment) string {
	return fmt.Sprintf("api.%s.%s", env.Name, env.Domain)
}

// newValidatedCertificate requests a DNS validated certificate for domain
// and waits for it to be issued.
func newValidatedCertificate(ctx *pulumi.Context, name, domain string, env environment, tags pulumi.StringMap) (pulumi.StringOutput, error) {
	cert, err := acm.NewCertificate(ctx, "cert-"+name+"-"+env.Name, &acm.CertificateArgs{
		DomainName:       pulumi.String(domain),
		ValidationMethod: pulumi.String("DNS"),
		Tags:             tags,
	})
	if err != nil {
		return pulumi.StringOutput{}, fmt.Errorf("creating cert for %s: %w", name, err)
	}

	// Validation CNAME record
	record, err := route53.NewRecord(ctx, "record-cert-"+name+"-validation-"+env.Name, &route53.RecordArgs{
		Name: cert.DomainValidationOptions.Index(pulumi.Int(0)).ResourceRecordName().Elem(),
		Type: cert.DomainValidationOptions.Index(pulumi.Int(0)).ResourceRecordType().Elem(),
		Records: pulumi.StringArray{
			cert.DomainValidationOptions.Index(pulumi.Int(0)).ResourceRecordValue().Elem(),
		},
		ZoneId:         pulumi.String(env.DNSZoneID),
		Ttl:            pulumi.Int(300),
		AllowOverwrite: pulumi.Bool(true),
	}, pulumi.Parent(cert))
	if err != nil {
		return pulumi.StringOutput{}, fmt.Errorf("creating record for cert validation for %s: %w", name, err)
	}

	validation, err := acm.NewCertificateValidation(ctx, "cert-"+name+"-validation-"+env.Name, &acm.CertificateValidationArgs{
		CertificateArn: cert.Arn,
		ValidationRecordFqdns: pulumi.StringArray{
			record.Fqdn,
		},
	}, pulumi.Parent(cert))
	if err != nil {
		return pulumi.StringOutput{}, fmt.Errorf("creating cert validation for %s: %w", name, err)
	}

	return validation.CertificateArn, nil
}

// newAPIDomain maps api.<env>.<domain> onto the stage and returns its base URL.
func newAPIDomain(ctx *pulumi.Context, env environment, api *apigateway.RestApi, stage *apigateway.Stage, tags pulumi.StringMap) (pulumi.StringOutput, error) {
	hostname := apiHostname(env)

	certArn, err := newValidatedCertificate(ctx, "api", hostname, env, tags)
	if err != nil {
		return pulumi.StringOutput{}, err
	}

	domain, err := apigateway.NewDomainName(ctx, "api-gw-domain-"+env.Name, &apigateway.DomainNameArgs{
		DomainName: pulumi.String(hostname),
		EndpointConfiguration: &apigateway.DomainNameEndpointConfigurationArgs{
			Types: pulumi.String("REGIONAL"),
		},
		RegionalCertificateArn: certArn,
		SecurityPolicy:         pulumi.String("TLS_1_2"),
		Tags:                   tags,
	}, pulumi.Parent(api))
	if err != nil {
		return pulumi.StringOutput{}, fmt.Errorf("creating rest api gw domain: %w", err)
	}

	_, err = route53.NewRecord(ctx, "record-api-gw-"+env.Name, &route53.RecordArgs{
		Name: domain.DomainName,
		Type: pulumi.String("CNAME"),
		Records: pulumi.StringArray{
			domain.RegionalDomainName,
		},
		ZoneId: pulumi.String(env.DNSZoneID),
		Ttl:    pulumi.Int(300),
	}, pulumi.Parent(domain))
	if err != nil {
		return pulumi.StringOutput{}, fmt.Errorf("creating record for api gw domain: %w", err)
	}

	_, err = apigateway.NewBasePathMapping(ctx, "api-gw-path-"+env.Name, &apigateway.BasePathMappingArgs{
		DomainName: domain.DomainName,
		RestApi:    api.ID(),
		StageName:  stage.StageName,
	}, pulumi.Parent(domain))
	if err != nil {
		return pulumi.StringOutput{}, fmt.Errorf("creating rest api gw base path mapping: %w", err)
	}

	return pulumi.Sprintf("https://%s", domain.DomainName), nil
}
