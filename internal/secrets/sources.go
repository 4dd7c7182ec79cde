package secrets

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// EnvSource reads secrets from process environment variables.
type EnvSource struct{}

func (EnvSource) Lookup(_ context.Context, names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, n := range names {
		if v, ok := os.LookupEnv(n); ok && v != "" {
			out[n] = v
		}
	}
	return out, nil
}

type ssmAPI interface {
	GetParameters(ctx context.Context, params *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// SSMSource reads SecureString parameters from AWS SSM Parameter Store.
type SSMSource struct {
	client ssmAPI
}

func NewSSMSource(client *ssm.Client) *SSMSource {
	return &SSMSource{client: client}
}

func (s *SSMSource) Lookup(ctx context.Context, names []string) (map[string]string, error) {
	out, err := s.client.GetParameters(ctx, &ssm.GetParametersInput{
		Names:          names,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("ssm get parameters: %w", err)
	}
	values := make(map[string]string, len(out.Parameters))
	for _, p := range out.Parameters {
		values[aws.ToString(p.Name)] = aws.ToString(p.Value)
	}
	return values, nil
}
