package notify

import (
	"context"
	"fmt"

	"subsidy-workflow/internal/common/logger"
	"subsidy-workflow/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SESService is the subset of the SES client used for email.
type SESService interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SNSService is the subset of the SNS client used for topics and SMS.
type SNSService interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// ContactDirectory resolves user ids to delivery addresses.
type ContactDirectory interface {
	ContactOf(ctx context.Context, userID string) (*models.Contact, error)
}

// AWSConfig selects the channels of AWSNotifier.
type AWSConfig struct {
	FromEmail      string
	RoleTopics     map[models.Role]string
	EmailEnabled   bool
	SMSEnabled     bool
	SMSMinPriority int
}

// AWSNotifier publishes role notifications to one SNS topic per role and
// delivers user notifications by SES email, plus SMS for urgent applications.
type AWSNotifier struct {
	cfg       AWSConfig
	ses       SESService
	sns       SNSService
	directory ContactDirectory
	logger    logger.Logger
}

func NewAWSNotifier(cfg AWSConfig, sesClient SESService, snsClient SNSService, dir ContactDirectory, log logger.Logger) *AWSNotifier {
	if cfg.SMSMinPriority <= 0 {
		cfg.SMSMinPriority = 4
	}
	return &AWSNotifier{
		cfg:       cfg,
		ses:       sesClient,
		sns:       snsClient,
		directory: dir,
		logger:    logger.ForComponent(log, "aws-notifier"),
	}
}

func (n *AWSNotifier) Dispatch(ctx context.Context, req models.NotificationRequest) error {
	if req.Recipient.UserID != "" {
		return n.dispatchToUser(ctx, req)
	}
	return n.publishToRole(ctx, req)
}

func (n *AWSNotifier) publishToRole(ctx context.Context, req models.NotificationRequest) error {
	topic, ok := n.cfg.RoleTopics[req.Recipient.Role]
	if !ok || topic == "" {
		return newNoRouteError(req.Recipient)
	}

	_, err := n.sns.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(topic),
		Subject:  aws.String(truncate(req.Title, 100)),
		Message:  aws.String(req.Message),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"category":      stringAttribute(req.Category),
			"applicationId": stringAttribute(req.ApplicationID),
			"toState":       stringAttribute(string(req.ToState)),
		},
	})
	if err != nil {
		return fmt.Errorf("publish to topic %s: %w", topic, err)
	}
	return nil
}

func (n *AWSNotifier) dispatchToUser(ctx context.Context, req models.NotificationRequest) error {
	contact, err := n.directory.ContactOf(ctx, req.Recipient.UserID)
	if err != nil {
		return fmt.Errorf("resolve contact: %w", err)
	}
	if contact == nil {
		n.logger.Warn("recipient not found", map[string]interface{}{
			"recipientId":   req.Recipient.UserID,
			"applicationId": req.ApplicationID,
		})
		return newNoRouteError(req.Recipient)
	}

	sent := false
	if n.cfg.EmailEnabled && contact.Email != "" {
		if err := n.sendEmail(ctx, contact.Email, req); err != nil {
			return err
		}
		sent = true
	}
	if n.cfg.SMSEnabled && contact.Phone != "" && req.Priority >= n.cfg.SMSMinPriority {
		if err := n.sendSMS(ctx, contact.Phone, req); err != nil {
			return err
		}
		sent = true
	}
	if !sent {
		return newNoRouteError(req.Recipient)
	}
	return nil
}

func (n *AWSNotifier) sendEmail(ctx context.Context, to string, req models.NotificationRequest) error {
	_, err := n.ses.SendEmail(ctx, &ses.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(req.Title)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(req.Message)},
			},
		},
		Source: aws.String(n.cfg.FromEmail),
	})
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func (n *AWSNotifier) sendSMS(ctx context.Context, phone string, req models.NotificationRequest) error {
	_, err := n.sns.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(phone),
		Message:     aws.String(req.Title + ". " + req.Message),
	})
	if err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	return nil
}

func stringAttribute(v string) snstypes.MessageAttributeValue {
	return snstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

// truncate keeps SNS subjects within the 100 character limit.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
