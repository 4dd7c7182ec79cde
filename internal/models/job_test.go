package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusPending, StatusQueued},
		{StatusQueued, StatusScheduling},
		{StatusScheduling, StatusScheduled},
		{StatusScheduling, StatusPosted},
		{StatusScheduling, StatusError},
		{StatusScheduling, StatusSkipped},
		{StatusScheduling, StatusQueued},
		{StatusScheduled, StatusPosted},
		{StatusPosted, StatusPosted},
	}
	for _, tc := range allowed {
		require.Truef(t, CanTransition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}

	denied := [][2]Status{
		{StatusPending, StatusScheduling},
		{StatusQueued, StatusPosted},
		{StatusScheduled, StatusQueued},
		{StatusScheduled, StatusError},
		{StatusPosted, StatusScheduled},
		{StatusError, StatusQueued},
		{StatusSkipped, StatusScheduling},
	}
	for _, tc := range denied {
		require.Falsef(t, CanTransition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []Status{StatusPosted, StatusError, StatusSkipped} {
		require.True(t, s.IsTerminal())
		for _, next := range []Status{StatusPending, StatusQueued, StatusScheduling, StatusScheduled} {
			require.False(t, CanTransition(s, next))
		}
	}
	require.False(t, StatusScheduled.IsTerminal())
	require.False(t, Status("bogus").Valid())
}

func TestMediaDescriptorExpired(t *testing.T) {
	now := time.Now()
	require.False(t, MediaDescriptor{}.Expired(now))
	require.False(t, MediaDescriptor{ExpiresAt: now.Add(time.Minute)}.Expired(now))
	require.True(t, MediaDescriptor{ExpiresAt: now}.Expired(now))
}

func TestPredecessors(t *testing.T) {
	require.ElementsMatch(t, []Status{StatusPosted, StatusScheduling, StatusScheduled}, Predecessors(StatusPosted))
	require.ElementsMatch(t, []Status{StatusQueued, StatusPending, StatusScheduling}, Predecessors(StatusQueued))
	require.ElementsMatch(t, []Status{StatusError, StatusScheduling}, Predecessors(StatusError))
}
