package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/phi-mailer/internal/pkg/phi"
)

// SESAPI is the subset of the SES v2 client used by SES.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// ClientFactory builds an SES client for an "accessKey:secretKey" credential.
type ClientFactory func(ctx context.Context, accessKey, secretKey string) (SESAPI, error)

// SES sends through Amazon SES v2. Domains whose credential is an
// "accessKey:secretKey" pair get their own client; any other credential
// uses the default client built from the ambient AWS configuration.
type SES struct {
	def     SESAPI
	factory ClientFactory

	mu      sync.Mutex
	clients map[string]SESAPI
}

// NewSES creates an SES provider. factory may be nil, in which case only
// the default client is used.
func NewSES(def SESAPI, factory ClientFactory) *SES {
	return &SES{def: def, factory: factory, clients: make(map[string]SESAPI)}
}

// StaticClientFactory returns a ClientFactory that loads the default AWS
// config for region with static credentials.
func StaticClientFactory(region string) ClientFactory {
	if region == "" {
		region = "us-east-1"
	}
	return func(ctx context.Context, accessKey, secretKey string) (SESAPI, error) {
		cfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return sesv2.NewFromConfig(cfg), nil
	}
}

func (s *SES) client(ctx context.Context, credential string) (SESAPI, error) {
	ak, sk, ok := strings.Cut(credential, ":")
	if !ok || ak == "" || sk == "" || s.factory == nil {
		if s.def == nil {
			return nil, fmt.Errorf("ses client not initialized")
		}
		return s.def, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[ak]; ok {
		return c, nil
	}
	c, err := s.factory(ctx, ak, sk)
	if err != nil {
		return nil, err
	}
	s.clients[ak] = c
	return c, nil
}

// Send delivers msg with SendEmail.
func (s *SES) Send(ctx context.Context, credential string, msg Message) (string, error) {
	client, err := s.client(ctx, credential)
	if err != nil {
		return "", fmt.Errorf("%w: ses: %v", ErrProvider, err)
	}

	body := &types.Body{}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
	}
	keys := make([]string, 0, len(msg.Tags))
	for k := range msg.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		input.EmailTags = append(input.EmailTags, types.MessageTag{Name: aws.String(k), Value: aws.String(msg.Tags[k])})
	}

	out, err := client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("%w: ses: %s", ErrProvider, phi.SanitizeErrorMessage(err))
	}
	return aws.ToString(out.MessageId), nil
}
