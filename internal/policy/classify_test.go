package policy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"content-publisher/internal/models"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		class  Class
		status models.Status
	}{
		{"validation", Invalid("channel_key", "required"), Terminal, models.StatusError},
		{"wrapped validation", fmt.Errorf("resolve media: %w", Invalid("media", "missing")), Terminal, models.StatusError},
		{"precondition", &PreconditionError{Reason: "scheduled_at passed"}, Terminal, models.StatusSkipped},
		{"auth", &AuthError{Status: 400, Reason: "invalid_grant"}, Terminal, models.StatusError},
		{"protocol", &ProtocolError{Reason: "overrun"}, Terminal, models.StatusError},
		{"platform 400", &PlatformError{Status: 400}, Terminal, models.StatusError},
		{"platform 404", &PlatformError{Status: 404}, Terminal, models.StatusError},
		{"platform 408", &PlatformError{Status: 408}, Retryable, ""},
		{"platform 429", &PlatformError{Status: 429}, Retryable, ""},
		{"platform 500", &PlatformError{Status: 500}, Retryable, ""},
		{"platform 503", &PlatformError{Status: 503}, Retryable, ""},
		{"platform transport", &PlatformError{Op: "put", Cause: errors.New("EOF")}, Retryable, ""},
		{"storage", Storage("write back", errors.New("conn reset")), Retryable, ""},
		{"quota", fmt.Errorf("channel main: %w", ErrQuotaExhausted), Retryable, ""},
		{"deadline", context.DeadlineExceeded, Retryable, ""},
		{"net", &net.OpError{Op: "dial", Err: errors.New("refused")}, Retryable, ""},
		{"unknown", errors.New("something odd"), Retryable, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Classify(tc.err)
			require.Equal(t, tc.class, d.Class)
			require.Equal(t, tc.status, d.Status)
			require.NotEmpty(t, d.Reason)
		})
	}
}

func TestPlatformErrorCarriesRange(t *testing.T) {
	err := &PlatformError{Op: "put chunk", Status: 400, Range: "bytes 0-8388607/209715200", Body: "bad"}
	require.Contains(t, err.Error(), "bytes 0-8388607/209715200")
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "short", Truncate("  short "))

	long := strings.Repeat("é", maxErrorLen+50)
	got := Truncate(long)
	require.Equal(t, maxErrorLen, utf8.RuneCountInString(got))
	require.True(t, strings.HasSuffix(got, "…"))
}
