// Package awssts vends temporary credentials through AWS STS AssumeRole.
// It implements gate.Vendor; the IP-restriction flag becomes an inline
// session policy conditioned on aws:SourceIp.
package awssts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"rolegate.org/internal/gate"
)

// API is the STS surface the vendor uses; satisfied by *sts.Client.
type API interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Vendor assumes roles on behalf of brokered identities.
type Vendor struct {
	client   API
	duration time.Duration
}

var _ gate.Vendor = (*Vendor)(nil)

// New loads the default AWS config and returns a Vendor with the given
// session duration.
func New(ctx context.Context, duration time.Duration) (*Vendor, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("awssts: load config: %w", err)
	}
	return NewWithClient(sts.NewFromConfig(cfg), duration), nil
}

// NewWithClient wires an explicit client (tests).
func NewWithClient(client API, duration time.Duration) *Vendor {
	if duration <= 0 {
		duration = time.Hour
	}
	return &Vendor{client: client, duration: duration}
}

// Vend calls AssumeRole with a session name derived from the brokered
// identity so CloudTrail entries correlate back to the human, not the
// broker.
func (v *Vendor) Vend(ctx context.Context, req gate.VendRequest) (gate.Bundle, error) {
	input := &sts.AssumeRoleInput{
		RoleArn:         aws.String(req.RoleARN),
		RoleSessionName: aws.String(sessionName(req.Identity)),
		DurationSeconds: aws.Int32(int32(v.duration.Seconds())),
		SourceIdentity:  aws.String(sessionName(req.Identity)),
	}

	policy, err := sessionPolicy(req)
	if err != nil {
		return gate.Bundle{}, err
	}
	if policy != "" {
		input.Policy = aws.String(policy)
	}

	resp, err := v.client.AssumeRole(ctx, input)
	if err != nil {
		return gate.Bundle{}, fmt.Errorf("awssts: assume role %s: %w", req.RoleARN, err)
	}

	bundle := gate.Bundle{
		AccessKeyID:     aws.ToString(resp.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(resp.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(resp.Credentials.SessionToken),
		Expiration:      aws.ToTime(resp.Credentials.Expiration),
	}
	if resp.AssumedRoleUser != nil {
		bundle.AssumedRoleARN = aws.ToString(resp.AssumedRoleUser.Arn)
		bundle.AssumedRoleID = aws.ToString(resp.AssumedRoleUser.AssumedRoleId)
	}
	if resp.PackedPolicySize != nil {
		bundle.PackedPolicySize = int(*resp.PackedPolicySize)
	}
	return bundle, nil
}

// sessionPolicy builds the inline policy enforcing source-IP conditions.
// Deny-all-outside-CIDR composes with the role's own policy, so it can
// only narrow, never widen.
func sessionPolicy(req gate.VendRequest) (string, error) {
	var cidrs []string
	if req.EnforceIPRestriction && req.RequesterIP != "" {
		cidrs = append(cidrs, req.RequesterIP+"/32")
	}
	cidrs = append(cidrs, req.CustomIPRestrictions...)

	var statements []map[string]any
	if len(cidrs) > 0 {
		statements = append(statements, map[string]any{
			"Effect":   "Deny",
			"Action":   "*",
			"Resource": "*",
			"Condition": map[string]any{
				"NotIpAddress": map[string]any{"aws:SourceIp": cidrs},
			},
		})
	}
	if req.ReadOnly {
		statements = append(statements, map[string]any{
			"Effect":   "Deny",
			"Resource": "*",
			"Action": []string{
				"iam:*", "s3:Put*", "s3:Delete*", "ec2:Terminate*", "ec2:Run*",
			},
		})
	}
	if len(statements) == 0 {
		return "", nil
	}
	doc, err := json.Marshal(map[string]any{
		"Version":   "2012-10-17",
		"Statement": statements,
	})
	if err != nil {
		return "", fmt.Errorf("awssts: encode session policy: %w", err)
	}
	return string(doc), nil
}

// sessionName sanitizes the identity into the character set AssumeRole
// accepts for RoleSessionName and SourceIdentity.
func sessionName(identity string) string {
	var b strings.Builder
	for _, r := range identity {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '@' || r == '.' || r == '_' || r == '-' || r == '=' || r == ',':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	name := b.String()
	if name == "" {
		name = "rolegate"
	}
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}
