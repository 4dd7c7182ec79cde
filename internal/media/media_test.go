package media

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"

	"content-publisher/internal/policy"
)

type fakeS3 struct {
	length      int64
	contentType string
	headErr     error
	gotBucket   string
	gotKey      string
	gotExpires  time.Duration
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.gotBucket, f.gotKey = aws.ToString(in.Bucket), aws.ToString(in.Key)
	if f.headErr != nil {
		return nil, f.headErr
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(f.length), ContentType: aws.String(f.contentType)}, nil
}

func (f *fakeS3) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	f.gotExpires = opts.Expires
	return &v4.PresignedHTTPRequest{URL: "https://signed.example/" + aws.ToString(in.Key) + "?sig=1", Method: http.MethodGet}, nil
}

func newFakeResolver(f *fakeS3) *S3Resolver {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &S3Resolver{head: f, presign: f, bucket: "media", ttl: time.Hour, now: func() time.Time { return now }}
}

func TestParseLocator(t *testing.T) {
	bucket, key, err := ParseLocator("s3://other/videos/a.mp4", "media")
	require.NoError(t, err)
	require.Equal(t, "other", bucket)
	require.Equal(t, "videos/a.mp4", key)

	bucket, key, err = ParseLocator("/videos/b.mp4", "media")
	require.NoError(t, err)
	require.Equal(t, "media", bucket)
	require.Equal(t, "videos/b.mp4", key)

	for _, bad := range []string{"", "s3://bucket", "s3:///key"} {
		_, _, err := ParseLocator(bad, "media")
		var verr *policy.ValidationError
		require.ErrorAs(t, err, &verr, bad)
	}
}

func TestS3ResolverSignsObject(t *testing.T) {
	f := &fakeS3{length: 42 << 20, contentType: "video/quicktime"}
	desc, err := newFakeResolver(f).GetSignedMedia(context.Background(), "videos/a.mov")
	require.NoError(t, err)
	require.Equal(t, "media", f.gotBucket)
	require.Equal(t, "videos/a.mov", f.gotKey)
	require.Equal(t, time.Hour, f.gotExpires)
	require.Equal(t, int64(42<<20), desc.ContentLength)
	require.Equal(t, "video/quicktime", desc.ContentType)
	require.Contains(t, desc.URL, "sig=1")
	require.Equal(t, time.Date(2026, 1, 2, 4, 4, 5, 0, time.UTC), desc.ExpiresAt)
}

func TestS3ResolverErrors(t *testing.T) {
	_, err := newFakeResolver(&fakeS3{length: 0}).GetSignedMedia(context.Background(), "a.mp4")
	require.Equal(t, policy.Terminal, policy.Classify(err).Class)

	_, err = newFakeResolver(&fakeS3{headErr: &types.NotFound{}}).GetSignedMedia(context.Background(), "a.mp4")
	require.Equal(t, policy.Terminal, policy.Classify(err).Class)

	_, err = newFakeResolver(&fakeS3{headErr: errors.New("throttled")}).GetSignedMedia(context.Background(), "a.mp4")
	require.Equal(t, policy.Retryable, policy.Classify(err).Class)
}

func TestHTTPResolverAndMux(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", "1024")
	}))
	defer srv.Close()

	m := Mux{HTTP: NewHTTPResolver(srv.Client(), time.Minute), Object: newFakeResolver(&fakeS3{length: 7, contentType: "video/mp4"})}

	desc, err := m.GetSignedMedia(context.Background(), srv.URL+"/clip.mp4")
	require.NoError(t, err)
	require.Equal(t, int64(1024), desc.ContentLength)
	require.Equal(t, srv.URL+"/clip.mp4", desc.URL)

	_, err = m.GetSignedMedia(context.Background(), srv.URL+"/missing")
	require.Equal(t, policy.Terminal, policy.Classify(err).Class)

	desc, err = m.GetSignedMedia(context.Background(), "s3://media/clip.mp4")
	require.NoError(t, err)
	require.Equal(t, int64(7), desc.ContentLength)
}
