// Package sns publishes xnotify messages to Amazon SNS topics.
//
// Transport name: "sns". The topic is the SNS topic ARN. SNS owns
// subscriptions (email, SMS, queues), so Subscribe is not supported.
// After a successful publish Message.ID holds the SNS MessageId; the id the
// bus assigned travels as the message attribute AttrBusID.
package sns

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/smithy-go"

	"github.com/trickstertwo/xnotify"
	"github.com/trickstertwo/xnotify/policy"
)

const TransportName = "sns"

// Message attribute names.
const (
	AttrBusID     = "xnotify-id"
	AttrEventName = "xnotify-event"

	// MetaSubject is the metadata key mapped onto the SNS Subject.
	MetaSubject = "subject"
	// MetaGroupID sets MessageGroupId on FIFO topics.
	MetaGroupID = "group"
)

// maxBatch is the SNS PublishBatch entry limit.
const maxBatch = 10

func init() {
	if err := xnotify.RegisterTransport(TransportName, func(cfg map[string]any) (xnotify.Transport, error) {
		t, err := NewTransport(context.Background(), ConfigFromMap(cfg))
		if err != nil {
			return nil, err
		}
		return t, nil
	}); err != nil {
		panic(fmt.Errorf("xnotify: failed to register transport %q: %w", TransportName, err))
	}
}

// API is the part of the SNS client the transport uses.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	PublishBatch(ctx context.Context, params *sns.PublishBatchInput, optFns ...func(*sns.Options)) (*sns.PublishBatchOutput, error)
}

var _ API = (*sns.Client)(nil)

type Config struct {
	Region string
	// Endpoint overrides the service endpoint (e.g. LocalStack).
	Endpoint string
	// DefaultGroupID is used for FIFO topics when a message has no "group"
	// metadata.
	DefaultGroupID string
}

func ConfigFromMap(m map[string]any) Config {
	c := Config{DefaultGroupID: "xnotify"}
	if v, ok := m["region"].(string); ok {
		c.Region = v
	}
	if v, ok := m["endpoint"].(string); ok {
		c.Endpoint = v
	}
	if v, ok := m["default_group_id"].(string); ok && v != "" {
		c.DefaultGroupID = v
	}
	return c
}

// Transport implements xnotify.Transport on SNS.
type Transport struct {
	cfg    Config
	client API
	closed atomic.Bool

	published atomic.Uint64
	failed    atomic.Uint64
}

var _ xnotify.Transport = (*Transport)(nil)

// NewTransport loads AWS credentials from the default chain.
func NewTransport(ctx context.Context, cfg Config) (*Transport, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sns: load aws config: %w", err)
	}
	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client API, cfg Config) *Transport {
	if cfg.DefaultGroupID == "" {
		cfg.DefaultGroupID = "xnotify"
	}
	return &Transport{cfg: cfg, client: client}
}

// Publish sends msgs to the topic ARN. A single message uses Publish,
// several use PublishBatch in chunks of ten. A batch fails as a whole if
// any entry is rejected; entries already accepted keep their SNS ids.
func (t *Transport) Publish(ctx context.Context, topic string, msgs ...*xnotify.Message) error {
	if t.closed.Load() {
		return fmt.Errorf("%w: sns transport closed", xnotify.ErrUnavailable)
	}
	if !policy.Concrete(topic) {
		return fmt.Errorf("%w: topic %q is not a concrete identifier", xnotify.ErrMalformed, topic)
	}
	for _, m := range msgs {
		if m == nil {
			return xnotify.ErrInvalidPayload
		}
		if !utf8.Valid(m.Payload) {
			return fmt.Errorf("%w: sns payload must be utf-8 text", xnotify.ErrMalformed)
		}
	}

	switch len(msgs) {
	case 0:
		return nil
	case 1:
		return t.publishOne(ctx, topic, msgs[0])
	}
	for start := 0; start < len(msgs); start += maxBatch {
		end := min(start+maxBatch, len(msgs))
		if err := t.publishBatch(ctx, topic, msgs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) publishOne(ctx context.Context, topic string, m *xnotify.Message) error {
	in := &sns.PublishInput{
		TopicArn:          aws.String(topic),
		Message:           aws.String(string(m.Payload)),
		MessageAttributes: attributes(m),
	}
	if s := m.Metadata[MetaSubject]; validSubject(s) {
		in.Subject = aws.String(s)
	}
	if isFIFO(topic) {
		in.MessageGroupId = aws.String(t.groupID(m))
		in.MessageDeduplicationId = aws.String(m.ID)
	}

	out, err := t.client.Publish(ctx, in)
	if err != nil {
		t.failed.Add(1)
		return classify(err)
	}
	if id := aws.ToString(out.MessageId); id != "" {
		m.ID = id
	}
	t.published.Add(1)
	return nil
}

func (t *Transport) publishBatch(ctx context.Context, topic string, msgs []*xnotify.Message) error {
	entries := make([]types.PublishBatchRequestEntry, len(msgs))
	for i, m := range msgs {
		e := types.PublishBatchRequestEntry{
			Id:                aws.String(strconv.Itoa(i)),
			Message:           aws.String(string(m.Payload)),
			MessageAttributes: attributes(m),
		}
		if s := m.Metadata[MetaSubject]; validSubject(s) {
			e.Subject = aws.String(s)
		}
		if isFIFO(topic) {
			e.MessageGroupId = aws.String(t.groupID(m))
			e.MessageDeduplicationId = aws.String(m.ID)
		}
		entries[i] = e
	}

	out, err := t.client.PublishBatch(ctx, &sns.PublishBatchInput{
		TopicArn:                   aws.String(topic),
		PublishBatchRequestEntries: entries,
	})
	if err != nil {
		t.failed.Add(uint64(len(msgs)))
		return classify(err)
	}
	for _, ok := range out.Successful {
		i, err := strconv.Atoi(aws.ToString(ok.Id))
		if err != nil || i < 0 || i >= len(msgs) {
			continue
		}
		if id := aws.ToString(ok.MessageId); id != "" {
			msgs[i].ID = id
		}
		t.published.Add(1)
	}
	if len(out.Failed) > 0 {
		t.failed.Add(uint64(len(out.Failed)))
		f := out.Failed[0]
		cause := fmt.Errorf("sns: %d of %d entries rejected, first: %s: %s",
			len(out.Failed), len(msgs), aws.ToString(f.Code), aws.ToString(f.Message))
		switch aws.ToString(f.Code) {
		case "AuthorizationError", "KMSAccessDenied":
			return fmt.Errorf("%w: %w", xnotify.ErrUnauthorized, cause)
		case "InvalidParameter", "InvalidParameterValue", "NotFound":
			return fmt.Errorf("%w: %w", xnotify.ErrMalformed, cause)
		}
		return fmt.Errorf("%w: %w", xnotify.ErrUnavailable, cause)
	}
	return nil
}

// Subscribe is not supported: SNS subscriptions are provisioned outside.
func (t *Transport) Subscribe(context.Context, string, string, func(xnotify.Delivery)) (xnotify.Subscription, error) {
	return nil, xnotify.ErrSubscribeUnsupported
}

func (t *Transport) Close(context.Context) error {
	t.closed.Store(true)
	return nil
}

// Stats reports accepted and failed message counts.
func (t *Transport) Stats() (published, failed uint64) {
	return t.published.Load(), t.failed.Load()
}

func (t *Transport) groupID(m *xnotify.Message) string {
	if g := m.Metadata[MetaGroupID]; g != "" {
		return g
	}
	return t.cfg.DefaultGroupID
}

func attributes(m *xnotify.Message) map[string]types.MessageAttributeValue {
	attrs := map[string]types.MessageAttributeValue{
		AttrBusID:     {DataType: aws.String("String"), StringValue: aws.String(m.ID)},
		AttrEventName: {DataType: aws.String("String"), StringValue: aws.String(m.Name)},
	}
	for k, v := range m.Metadata {
		if k == MetaSubject || k == MetaGroupID || v == "" || len(attrs) >= 10 {
			continue
		}
		attrs[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	return attrs
}

// validSubject applies SNS rules: 1-100 printable ASCII characters, no
// line breaks.
func validSubject(s string) bool {
	if s == "" || len(s) > 100 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

func isFIFO(topic string) bool {
	return len(topic) > 5 && topic[len(topic)-5:] == ".fifo"
}

// classify maps SNS errors onto the xnotify taxonomy.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var (
		authz    *types.AuthorizationErrorException
		kmsDeny  *types.KMSAccessDeniedException
		notFound *types.NotFoundException
		badParam *types.InvalidParameterException
		badValue *types.InvalidParameterValueException
	)
	switch {
	case errors.As(err, &authz), errors.As(err, &kmsDeny):
		return fmt.Errorf("%w: %w", xnotify.ErrUnauthorized, err)
	case errors.As(err, &notFound), errors.As(err, &badParam), errors.As(err, &badValue):
		return fmt.Errorf("%w: %w", xnotify.ErrMalformed, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "AccessDeniedException", "UnrecognizedClientException", "InvalidClientTokenId":
			return fmt.Errorf("%w: %w", xnotify.ErrUnauthorized, err)
		}
	}
	return fmt.Errorf("%w: %w", xnotify.ErrUnavailable, err)
}
