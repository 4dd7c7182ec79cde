package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	values map[string]string
	calls  int
}

func (c *countingSource) Lookup(_ context.Context, names []string) (map[string]string, error) {
	c.calls++
	out := map[string]string{}
	for _, n := range names {
		if v, ok := c.values[n]; ok {
			out[n] = v
		}
	}
	return out, nil
}

func TestResolverCachesUntilTTL(t *testing.T) {
	src := &countingSource{values: map[string]string{
		"/p/client_id":                   "id",
		"/p/client_secret":               "secret",
		"/p/channels/main/refresh_token": "refresh",
	}}
	r := NewResolver(src, PathNaming("/p/"), time.Minute)
	now := time.Now()
	r.now = func() time.Time { return now }

	creds, err := r.ChannelCredentials(context.Background(), "main")
	require.NoError(t, err)
	require.Equal(t, Credentials{ClientID: "id", ClientSecret: "secret", RefreshToken: "refresh"}, creds)

	_, err = r.ChannelCredentials(context.Background(), "main")
	require.NoError(t, err)
	require.Equal(t, 1, src.calls)

	now = now.Add(2 * time.Minute)
	_, err = r.ChannelCredentials(context.Background(), "main")
	require.NoError(t, err)
	require.Equal(t, 2, src.calls)

	r.Invalidate("main")
	_, err = r.ChannelCredentials(context.Background(), "main")
	require.NoError(t, err)
	require.Equal(t, 3, src.calls)
}

func TestResolverMissingCredentials(t *testing.T) {
	r := NewResolver(&countingSource{values: map[string]string{}}, PathNaming("/p"), time.Minute)
	_, err := r.ChannelCredentials(context.Background(), "main")
	var missing *MissingError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "main", missing.Channel)
}

func TestEnvSource(t *testing.T) {
	t.Setenv("PLATFORM_CLIENT_ID", "cid")
	t.Setenv("PLATFORM_CLIENT_SECRET", "csecret")
	t.Setenv("PLATFORM_REFRESH_TOKEN_BRAND_SHORTS", "rt")

	creds, err := NewResolver(EnvSource{}, EnvNaming, time.Minute).ChannelCredentials(context.Background(), "brand-shorts")
	require.NoError(t, err)
	require.Equal(t, "rt", creds.RefreshToken)
}

type fakeSSM struct {
	params []types.Parameter
	err    error
	input  *ssm.GetParametersInput
}

func (f *fakeSSM) GetParameters(_ context.Context, in *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParametersOutput{Parameters: f.params}, nil
}

func TestSSMSource(t *testing.T) {
	f := &fakeSSM{params: []types.Parameter{{Name: aws.String("/a"), Value: aws.String("1")}}}
	src := &SSMSource{client: f}
	got, err := src.Lookup(context.Background(), []string{"/a", "/b"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"/a": "1"}, got)
	require.True(t, aws.ToBool(f.input.WithDecryption))

	f.err = errors.New("throttled")
	_, err = src.Lookup(context.Background(), []string{"/a"})
	require.Error(t, err)
}
