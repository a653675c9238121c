package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// fakeSSMClient records GetParameters calls and answers from a fixed value map.
type fakeSSMClient struct {
	values  map[string]string
	err     error
	batches [][]string
	// decrypt records the WithDecryption flag of each call.
	decrypt []bool
}

func (f *fakeSSMClient) GetParameters(_ context.Context, in *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	f.batches = append(f.batches, in.Names)
	f.decrypt = append(f.decrypt, aws.ToBool(in.WithDecryption))
	if f.err != nil {
		return nil, f.err
	}

	out := &ssm.GetParametersOutput{}
	for _, name := range in.Names {
		if val, ok := f.values[name]; ok {
			out.Parameters = append(out.Parameters, ssmtypes.Parameter{
				Name:  aws.String(name),
				Value: aws.String(val),
			})
		} else {
			out.InvalidParameters = append(out.InvalidParameters, name)
		}
	}
	return out, nil
}

func TestSSMProviderSatisfiesSecretProvider(t *testing.T) {
	var _ SecretProvider = (*SSMProvider)(nil)
	var _ SecretProvider = NewSSMProvider("us-east-1")
}

func TestNewSSMProviderStoresRegion(t *testing.T) {
	provider := NewSSMProvider("eu-west-1")
	if provider.region != "eu-west-1" {
		t.Errorf("provider.region = %q, want %q", provider.region, "eu-west-1")
	}
}

func TestSSMProviderResolvesWithDecryption(t *testing.T) {
	client := &fakeSSMClient{values: map[string]string{
		"/dev/salesflow/database/url":       "postgres://u:p@db:5432/salesflow",
		"/dev/salesflow/whatsapp/api_token": "wa-secret",
	}}
	provider := newSSMProviderWithClient("us-east-1", client)

	result, err := provider.GetParametersBatch(context.Background(),
		[]string{"/dev/salesflow/database/url", "/dev/salesflow/whatsapp/api_token"})
	if err != nil {
		t.Fatalf("GetParametersBatch returned error: %v", err)
	}

	if got := result["/dev/salesflow/database/url"]; got != "postgres://u:p@db:5432/salesflow" {
		t.Errorf("database url = %q, want resolved value", got)
	}
	if got := result["/dev/salesflow/whatsapp/api_token"]; got != "wa-secret" {
		t.Errorf("whatsapp token = %q, want %q", got, "wa-secret")
	}

	if len(client.batches) != 1 {
		t.Fatalf("expected 1 API call for 2 keys, got %d", len(client.batches))
	}
	if !client.decrypt[0] {
		t.Error("expected WithDecryption=true")
	}
}

func TestSSMProviderSplitsLargeBatches(t *testing.T) {
	values := make(map[string]string)
	var keys []string
	for i := 0; i < ssmMaxBatchSize+3; i++ {
		key := fmt.Sprintf("/dev/salesflow/param_%d", i)
		values[key] = fmt.Sprintf("value_%d", i)
		keys = append(keys, key)
	}

	client := &fakeSSMClient{values: values}
	provider := newSSMProviderWithClient("us-east-1", client)

	result, err := provider.GetParametersBatch(context.Background(), keys)
	if err != nil {
		t.Fatalf("GetParametersBatch returned error: %v", err)
	}
	if len(result) != len(keys) {
		t.Errorf("resolved %d of %d keys", len(result), len(keys))
	}

	if len(client.batches) != 2 {
		t.Fatalf("expected 2 API calls for %d keys, got %d", len(keys), len(client.batches))
	}
	if len(client.batches[0]) != ssmMaxBatchSize {
		t.Errorf("first batch size = %d, want %d", len(client.batches[0]), ssmMaxBatchSize)
	}
	if len(client.batches[1]) != 3 {
		t.Errorf("second batch size = %d, want 3", len(client.batches[1]))
	}
}

func TestSSMProviderInvalidParameterFails(t *testing.T) {
	// Only one of the two keys exists; startup must fail rather than run
	// half-configured.
	client := &fakeSSMClient{values: map[string]string{
		"/dev/salesflow/database/url": "postgres://u:p@db:5432/salesflow",
	}}
	provider := newSSMProviderWithClient("us-east-1", client)

	_, err := provider.GetParametersBatch(context.Background(),
		[]string{"/dev/salesflow/database/url", "/dev/salesflow/missing"})
	if err == nil {
		t.Fatal("expected error for invalid parameter, got nil")
	}
	if !strings.Contains(err.Error(), "/dev/salesflow/missing") {
		t.Errorf("error should name the missing parameter, got: %v", err)
	}
}

func TestSSMProviderAPIErrorPropagates(t *testing.T) {
	client := &fakeSSMClient{err: errors.New("throttled")}
	provider := newSSMProviderWithClient("us-east-1", client)

	_, err := provider.GetParametersBatch(context.Background(), []string{"/dev/salesflow/test"})
	if err == nil {
		t.Fatal("expected error from failing client, got nil")
	}
	if !strings.Contains(err.Error(), "throttled") {
		t.Errorf("expected wrapped API error, got: %v", err)
	}
}

func TestSSMProviderEmptyKeysReturnsEmptyMap(t *testing.T) {
	// No client needed: the provider must short-circuit before touching AWS.
	provider := NewSSMProvider("us-east-1")
	result, err := provider.GetParametersBatch(context.Background(), []string{})
	if err != nil {
		t.Fatalf("GetParametersBatch with empty keys returned unexpected error: %v", err)
	}
	if result == nil {
		t.Error("expected non-nil map, got nil")
	}
	if len(result) != 0 {
		t.Errorf("expected empty result for empty keys, got %v", result)
	}
}

func TestSSMProviderNilKeysReturnsEmptyMap(t *testing.T) {
	provider := NewSSMProvider("us-east-1")
	result, err := provider.GetParametersBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("GetParametersBatch with nil keys returned unexpected error: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("expected empty result for nil keys, got %v", result)
	}
}

func TestSSMProviderContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &fakeSSMClient{values: map[string]string{}}
	provider := newSSMProviderWithClient("us-east-1", client)

	_, err := provider.GetParametersBatch(ctx, []string{"/dev/salesflow/test"})
	if err == nil {
		t.Fatal("expected error with cancelled context, got nil")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got: %v", err)
	}
	if len(client.batches) != 0 {
		t.Errorf("expected no API calls after cancellation, got %d", len(client.batches))
	}
}
