package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	smithy "github.com/aws/smithy-go"
)

// AWSLocator implements Locator for AWS EC2.
type AWSLocator struct {
	client *ec2.Client
	logger *slog.Logger
}

// NewAWSLocator creates an EC2 locator for one region. endpoint may be empty.
func NewAWSLocator(accessKeyID, secretAccessKey, region, endpoint string, logger *slog.Logger) *AWSLocator {
	opts := ec2.Options{
		Region:      region,
		Credentials: credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
	}
	if endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
	}
	return &AWSLocator{
		client: ec2.New(opts),
		logger: logger.With("provider", "aws"),
	}
}

// Address looks the instance up by ID ("i-...") or by its Name tag.
func (p *AWSLocator) Address(ctx context.Context, nameOrID string) (string, error) {
	input := &ec2.DescribeInstancesInput{}
	if strings.HasPrefix(nameOrID, "i-") {
		input.InstanceIds = []string{nameOrID}
	} else {
		input.Filters = []ec2types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{nameOrID}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running"}},
		}
	}

	out, err := p.client.DescribeInstances(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && strings.HasPrefix(apiErr.ErrorCode(), "InvalidInstanceID.") {
			return "", fmt.Errorf("%w: %s", ErrInstanceNotFound, nameOrID)
		}
		return "", fmt.Errorf("failed to describe instances: %w", err)
	}

	found := false
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			found = true
			if ip := aws.ToString(inst.PublicIpAddress); ip != "" {
				p.logger.Debug("resolved instance", "instance_id", aws.ToString(inst.InstanceId), "address", ip)
				return ip, nil
			}
		}
	}
	if !found {
		return "", fmt.Errorf("%w: %s", ErrInstanceNotFound, nameOrID)
	}
	return "", fmt.Errorf("%w: %s", ErrNoPublicAddress, nameOrID)
}
