package escalate

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/smithy-go"

	"github.com/trickstertwo/xnotify"
)

// LambdaAPI is the part of the Lambda client the invoker uses.
type LambdaAPI interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

var _ LambdaAPI = (*lambda.Client)(nil)

// LambdaInvoker invokes a function asynchronously (InvocationType Event).
// Success means Lambda queued the event, not that the handler ran.
type LambdaInvoker struct {
	Client LambdaAPI
}

var _ Invoker = LambdaInvoker{}

// NewLambdaInvoker builds an invoker from an AWS config.
func NewLambdaInvoker(cfg aws.Config) LambdaInvoker {
	return LambdaInvoker{Client: lambda.NewFromConfig(cfg)}
}

func (l LambdaInvoker) Invoke(ctx context.Context, target string, payload []byte) error {
	out, err := l.Client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(target),
		InvocationType: types.InvocationTypeEvent,
		Payload:        payload,
	})
	if err != nil {
		return classifyAWS(err)
	}
	// Event invocations answer 202 Accepted.
	if out.StatusCode != 0 && out.StatusCode != 202 {
		return fmt.Errorf("%w: lambda status %d", xnotify.ErrUnavailable, out.StatusCode)
	}
	if out.FunctionError != nil {
		return fmt.Errorf("%w: lambda function error %s", xnotify.ErrUnavailable, aws.ToString(out.FunctionError))
	}
	return nil
}

func classifyAWS(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var (
		notFound *types.ResourceNotFoundException
		badBody  *types.InvalidRequestContentException
	)
	switch {
	case errors.As(err, &notFound):
		return fmt.Errorf("%w: %w", xnotify.ErrMalformed, err)
	case errors.As(err, &badBody):
		return fmt.Errorf("%w: %w", xnotify.ErrMalformed, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "AccessDenied", "AuthorizationError":
			return fmt.Errorf("%w: %w", xnotify.ErrUnauthorized, err)
		}
	}
	return fmt.Errorf("%w: %w", xnotify.ErrUnavailable, err)
}
