package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/sirupsen/logrus"

	"github.com/cloudlease/go-instance-lease-system/shared/models"
)

// EC2Provider implements Provider against AWS EC2. Tenant ownership is
// carried by an instance tag.
type EC2Provider struct {
	client    ec2iface.EC2API
	tenantTag string
	log       *logrus.Entry
}

// NewEC2Provider creates an EC2-backed provider for the given region
func NewEC2Provider(region, tenantTag string) (*EC2Provider, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return &EC2Provider{
		client:    ec2.New(sess),
		tenantTag: tenantTag,
		log:       logrus.WithField("component", "ec2"),
	}, nil
}

// NewEC2ProviderWithClient creates a provider with an injected EC2 client
func NewEC2ProviderWithClient(client ec2iface.EC2API, tenantTag string) *EC2Provider {
	return &EC2Provider{
		client:    client,
		tenantTag: tenantTag,
		log:       logrus.WithField("component", "ec2"),
	}
}

// List returns the tenant's non-terminated instances
func (p *EC2Provider) List(ctx context.Context, tenantID string) ([]models.LiveInstance, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []*ec2.Filter{
			{
				Name:   aws.String("tag:" + p.tenantTag),
				Values: []*string{aws.String(tenantID)},
			},
			{
				Name: aws.String("instance-state-name"),
				Values: []*string{
					aws.String("pending"), aws.String("running"),
					aws.String("stopping"), aws.String("stopped"),
				},
			},
		},
	}

	var instances []models.LiveInstance
	err := p.client.DescribeInstancesPagesWithContext(ctx, input,
		func(page *ec2.DescribeInstancesOutput, lastPage bool) bool {
			for _, reservation := range page.Reservations {
				for _, inst := range reservation.Instances {
					live := models.LiveInstance{
						InstanceID: aws.StringValue(inst.InstanceId),
						TenantID:   tenantID,
					}
					if inst.LaunchTime != nil {
						live.CreatedAt = *inst.LaunchTime
					}
					instances = append(instances, live)
				}
			}
			return true
		})
	if err != nil {
		return nil, fmt.Errorf("failed to describe instances for tenant %s: %w", tenantID, err)
	}
	return instances, nil
}

// Act terminates or stops each instance, reporting a per-instance outcome
func (p *EC2Provider) Act(ctx context.Context, instanceIDs []string, action models.Action) (map[string]Outcome, error) {
	result := make(map[string]Outcome, len(instanceIDs))
	for _, id := range instanceIDs {
		var err error
		if action == models.ActionDelete {
			p.log.Infof("Terminating instance %s", id)
			_, err = p.client.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
				InstanceIds: []*string{aws.String(id)},
			})
		} else {
			p.log.Infof("Stopping instance %s", id)
			_, err = p.client.StopInstancesWithContext(ctx, &ec2.StopInstancesInput{
				InstanceIds: []*string{aws.String(id)},
			})
		}
		result[id] = p.classifyError(id, err)
	}
	return result, nil
}

func (p *EC2Provider) classifyError(instanceID string, err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		switch awsErr.Code() {
		case "InvalidInstanceID.NotFound", "InvalidInstanceID.Malformed":
			return OutcomeNotFound
		case "IncorrectInstanceState":
			// Stopping an already stopped instance counts as success.
			return OutcomeOK
		}
	}
	p.log.Errorf("Error acting on instance %s: %v", instanceID, err)
	return OutcomeUnknown
}
