package bedrock

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/require"

	"goa.design/parley/runtime/interaction/model"
)

type errorRuntimeClient struct {
	converseErr error
}

func (e *errorRuntimeClient) Converse(
	_ context.Context,
	_ *bedrockruntime.ConverseInput,
	_ ...func(*bedrockruntime.Options),
) (*bedrockruntime.ConverseOutput, error) {
	return nil, e.converseErr
}

func TestIsRateLimited_IdempotentOnSentinel(t *testing.T) {
	err := model.ErrRateLimited
	require.True(t, isRateLimited(err))

	wrapped := fmt.Errorf("provider: %w", err)
	require.True(t, isRateLimited(wrapped))
}

func TestIsRateLimited_ThrottlingException(t *testing.T) {
	err := &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}
	require.True(t, isRateLimited(err))
	require.False(t, isRateLimited(&smithy.GenericAPIError{Code: "ValidationException"}))
	require.False(t, isRateLimited(nil))
}

func TestIsRateLimited_HTTP429(t *testing.T) {
	err := &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusTooManyRequests}},
		Err:      errors.New("throttled"),
	}
	require.True(t, isRateLimited(err))
}

func TestComplete_WrapsRateLimitedErrors(t *testing.T) {
	client := &Client{
		runtime:      &errorRuntimeClient{converseErr: &smithy.GenericAPIError{Code: "ThrottlingException"}},
		defaultModel: "test-model",
		maxTok:       10,
		temp:         0.5,
	}
	_, err := client.Complete(context.Background(), &model.Request{Messages: []model.Message{model.UserMessage("hello")}})
	require.Error(t, err)
	require.ErrorIs(t, err, model.ErrRateLimited)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, http.StatusTooManyRequests, pe.HTTPStatus())
}

func TestComplete_ClassifiesValidationErrors(t *testing.T) {
	respErr := &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusBadRequest}},
		Err:      &smithy.GenericAPIError{Code: "ValidationException", Message: "bad model"},
	}
	client := &Client{runtime: &errorRuntimeClient{converseErr: respErr}, defaultModel: "test-model"}
	_, err := client.Complete(context.Background(), &model.Request{Messages: []model.Message{model.UserMessage("hello")}})
	require.Error(t, err)
	require.NotErrorIs(t, err, model.ErrRateLimited)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, model.ProviderErrorKindInvalidRequest, pe.Kind())
	require.Equal(t, "ValidationException", pe.Code())
	require.False(t, pe.Retryable())
}
