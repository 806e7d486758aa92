package systemd

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotify_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	ok, err := Ready()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNotify_SendsState(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	require.NoError(t, err)
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", sock)

	read := func() string {
		t.Helper()
		buf := make([]byte, 256)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, err := conn.Read(buf)
		require.NoError(t, err)
		return string(buf[:n])
	}

	ok, err := Ready()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "READY=1", read())

	_, err = Status("polling")
	require.NoError(t, err)
	assert.Equal(t, "STATUS=polling", read())

	_, err = Stopping()
	require.NoError(t, err)
	assert.Equal(t, "STOPPING=1", read())
}

func TestWatchdogInterval(t *testing.T) {
	tests := []struct {
		name string
		usec string
		want time.Duration
	}{
		{"unset", "", 0},
		{"two seconds", "2000000", time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("WATCHDOG_PID", "")
			t.Setenv("WATCHDOG_USEC", tt.usec)
			got, err := WatchdogInterval()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
