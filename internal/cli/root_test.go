package cli

import (
	"bufio"
	"bytes"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommands(t *testing.T) {
	assert.Equal(t, "broadcastd", rootCmd.Name())

	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"start", "send", "status"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
	assert.NotNil(t, startCmd.Flags().Lookup("headless"))
	assert.NotNil(t, rootCmd.PersistentFlags().ShorthandLookup("c"))
}

// fakeDaemon answers the handshake and one command per connection.
func fakeDaemon(t *testing.T, reply func(cmd string) string) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			nc, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer nc.Close()
				r := bufio.NewReader(nc)
				hs, err := r.ReadString('\n')
				if err != nil {
					return
				}
				enc := strings.TrimSpace(strings.TrimPrefix(hs, "ENCODING:"))
				nc.Write([]byte("Server encoding set to: " + enc + "\n"))
				cmd, err := r.ReadString('\n')
				if err != nil {
					return
				}
				nc.Write([]byte(`{"type":"timer","streamTime":1,"recordingTime":0}` + "\n"))
				nc.Write([]byte(reply(strings.TrimSpace(cmd)) + "\n"))
			}()
		}
	}()
	return l.Addr().String()
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSend_PrintsResponse(t *testing.T) {
	addr := fakeDaemon(t, func(cmd string) string { return "got " + cmd })

	out, err := run(t, "send", "--addr", addr, "--encoding", "utf-8", "save-settings:{}")
	require.NoError(t, err)
	assert.Equal(t, "got save-settings:{}\n", out)
}

func TestStatus_SkipsPushedEvents(t *testing.T) {
	addr := fakeDaemon(t, func(cmd string) string {
		if cmd == "status" {
			return "Stream: ON | Recording: OFF"
		}
		return "Unknown command."
	})

	out, err := run(t, "status", "--addr", addr)
	require.NoError(t, err)
	assert.Equal(t, "Stream: ON | Recording: OFF\n", out)
}

func TestSend_DaemonDown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	_, err = run(t, "send", "--addr", addr, "--encoding", "utf-8", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted")
}
