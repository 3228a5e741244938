package delivery

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyd/internal/notify"
	logx "notifyd/pkg/logx"
)

func TestIsRetriable(t *testing.T) {
	t.Parallel()

	bad := errors.New("mailbox does not exist")
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unclassified", errors.New("connection reset"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"retriable", Retriable(bad), true},
		{"permanent", Permanent(bad), false},
		{"wrapped permanent", fmt.Errorf("smtp: %w", Permanent(bad)), false},
		{"no gateway", fmt.Errorf("%w %q", ErrNoGateway, "fax"), false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, IsRetriable(tc.err))
		})
	}
	assert.ErrorIs(t, Permanent(bad), bad)
}

func TestRegistryRoutesByChannel(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var got []notify.Channel
	r.Register(notify.ChannelEmail, GatewayFunc(func(_ context.Context, j notify.Job) error {
		got = append(got, j.Channel)
		return nil
	}))
	r.Register(notify.ChannelPush, LogGateway{Log: logx.Nop()})

	require.NoError(t, r.Send(context.Background(), notify.Job{ID: "1", Channel: notify.ChannelEmail}))
	require.NoError(t, r.Send(context.Background(), notify.Job{ID: "2", Channel: notify.ChannelPush}))
	err := r.Send(context.Background(), notify.Job{ID: "3", Channel: notify.ChannelSMS})
	assert.ErrorIs(t, err, ErrNoGateway)
	assert.Equal(t, []notify.Channel{notify.ChannelEmail}, got)
}
