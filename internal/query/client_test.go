package query

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gamewarden/internal/config"
	"gamewarden/internal/events"
)

const testSecret = "hunter2"

// fakeAPI serves the HTTP query API with basic-auth enforcement.
func fakeAPI(t *testing.T, players []Player, calls *atomic.Int64, delay time.Duration) (host string, port int) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/api/players", func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != testSecret {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		_ = json.NewEncoder(w).Encode(map[string][]Player{"players": players})
	})
	mux.HandleFunc("/v1/api/save", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return splitAddr(t, srv.Listener.Addr().String())
}

// fakeConsole accepts connections, checks the LOGIN line, and replies to
// commands with canned text.
func fakeConsole(t *testing.T, authReply string, respond func(cmd string) string) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				login, err := reader.ReadString('\n')
				if err != nil {
					return
				}
				if strings.TrimSpace(login) != "LOGIN "+testSecret {
					fmt.Fprint(conn, "DENIED\n")
					return
				}
				fmt.Fprint(conn, authReply+"\n")
				if authReply != "OK" {
					return
				}
				cmd, err := reader.ReadString('\n')
				if err != nil {
					return
				}
				fmt.Fprint(conn, respond(strings.TrimSpace(cmd)))
			}(conn)
		}
	}()
	return splitAddr(t, ln.Addr().String())
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func testClient(t *testing.T, cfg *config.QueryConfig) *Client {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	c, err := NewClient(cfg, testSecret, zap.NewNop(), bus)
	require.NoError(t, err)
	return c
}

func baseConfig(apiHost string, apiPort, consolePort int) *config.QueryConfig {
	return &config.QueryConfig{
		APIHost:          apiHost,
		APIPort:          apiPort,
		ConsolePort:      consolePort,
		Timeout:          config.Duration(2 * time.Second),
		FailThreshold:    3,
		SuccessThreshold: 2,
		ReprobeInterval:  config.Duration(time.Millisecond),
	}
}

func TestNewClient_EmptySecretRejected(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	_, err := NewClient(baseConfig("127.0.0.1", 1, 2), "", zap.NewNop(), bus)
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestQueryStatus_Primary(t *testing.T) {
	host, port := fakeAPI(t, []Player{{Name: "alice"}, {Name: "bob"}}, nil, 0)
	c := testClient(t, baseConfig(host, port, 1))

	status, err := c.QueryStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Reachable)
	assert.Equal(t, SourcePrimary, status.Source)
	assert.Equal(t, 2, status.PlayerCount)
	assert.Equal(t, []string{"alice", "bob"}, status.PlayerNames)
	assert.False(t, status.SampledAt.IsZero())
	assert.Equal(t, status, c.LastStatus())
}

func TestQueryStatus_UnreachableIsNotAnError(t *testing.T) {
	// Nothing listens on the API port.
	c := testClient(t, baseConfig("127.0.0.1", reservePort(t), 1))

	status, err := c.QueryStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Reachable)
	assert.Equal(t, SourceNone, status.Source)
	assert.Zero(t, status.PlayerCount)
}

func TestQueryStatus_BadCredentialsSurface(t *testing.T) {
	host, port := fakeAPI(t, nil, nil, 0)
	bus := events.NewBus()
	defer bus.Close()
	c, err := NewClient(baseConfig(host, port, 1), "wrong-secret", zap.NewNop(), bus)
	require.NoError(t, err)

	_, err = c.QueryStatus(context.Background())
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestHysteresis_SwitchToFallbackAfterExactlyN(t *testing.T) {
	consoleHost, consolePort := fakeConsole(t, "OK", func(cmd string) string {
		require.Equal(t, "ShowPlayers", cmd)
		return "name,playeruid,steamid\ncarol,123,steam_1\n"
	})
	cfg := baseConfig(consoleHost, reservePort(t), consolePort)
	c := testClient(t, cfg)
	ctx := context.Background()

	// The first N-1 failures stay on primary.
	for i := 0; i < cfg.FailThreshold-1; i++ {
		status, err := c.QueryStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, SourceNone, status.Source)
		assert.False(t, c.onFallback)
	}

	// Failure N flips the preference; that sample still reports unreachable.
	status, err := c.QueryStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceNone, status.Source)
	assert.True(t, c.onFallback)

	// Subsequent samples come from the console.
	status, err = c.QueryStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.Reachable)
	assert.Equal(t, SourceFallback, status.Source)
	assert.Equal(t, []string{"carol"}, status.PlayerNames)
}

func TestHysteresis_SwitchBackAfterExactlyM(t *testing.T) {
	apiHost, apiPort := fakeAPI(t, []Player{{Name: "dave"}}, nil, 0)
	consoleHost, consolePort := fakeConsole(t, "OK", func(string) string {
		return "name,playeruid,steamid\ndave,1,s1\n"
	})
	require.Equal(t, apiHost, consoleHost)

	cfg := baseConfig(apiHost, apiPort, consolePort)
	c := testClient(t, cfg)
	c.onFallback = true
	ctx := context.Background()

	// First re-probe succeeds but is below the success threshold: the
	// sample is still served by the console.
	time.Sleep(2 * time.Millisecond) // let the re-probe limiter refill
	status, err := c.QueryStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, status.Source)
	assert.True(t, c.onFallback)

	// Second consecutive success crosses the threshold and switches back.
	time.Sleep(2 * time.Millisecond)
	status, err = c.QueryStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourcePrimary, status.Source)
	assert.False(t, c.onFallback)
}

func TestHysteresis_ReprobeFailureResetsSuccessStreak(t *testing.T) {
	consoleHost, consolePort := fakeConsole(t, "OK", func(string) string {
		return "name,playeruid,steamid\neve,1,s1\n"
	})
	cfg := baseConfig(consoleHost, reservePort(t), consolePort)
	c := testClient(t, cfg)
	c.onFallback = true
	c.primarySuccesses = 1

	time.Sleep(2 * time.Millisecond)
	status, err := c.QueryStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, status.Source)
	assert.Equal(t, 0, c.primarySuccesses)
	assert.True(t, c.onFallback)
}

func TestQueryStatus_SingleInFlight(t *testing.T) {
	var calls atomic.Int64
	host, port := fakeAPI(t, []Player{{Name: "frank"}}, &calls, 300*time.Millisecond)
	c := testClient(t, baseConfig(host, port, 1))
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*ServerStatus, 5)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = c.QueryStatus(ctx)
	}()
	time.Sleep(50 * time.Millisecond) // first query is now in flight

	for i := 1; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.QueryStatus(ctx)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "overlapping queries must share one network call")
	for i := 1; i < 5; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestTriggerSave_Primary(t *testing.T) {
	host, port := fakeAPI(t, nil, nil, 0)
	c := testClient(t, baseConfig(host, port, 1))
	require.NoError(t, c.TriggerSave(context.Background()))
}

func TestTriggerSave_FallbackConsole(t *testing.T) {
	var saved atomic.Bool
	consoleHost, consolePort := fakeConsole(t, "OK", func(cmd string) string {
		if cmd == "Save" {
			saved.Store(true)
		}
		return "Complete Save\n"
	})
	cfg := baseConfig(consoleHost, reservePort(t), consolePort)
	c := testClient(t, cfg)
	c.onFallback = true

	require.NoError(t, c.TriggerSave(context.Background()))
	assert.True(t, saved.Load())
}

func TestConsole_DeniedAuth(t *testing.T) {
	host, port := fakeConsole(t, "DENIED", nil)
	cc := newConsoleClient(host, port, testSecret, time.Second, zap.NewNop())
	_, err := cc.Players(context.Background())
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestAnnounce_UsesConsoleOnFallback(t *testing.T) {
	var got atomic.Value
	consoleHost, consolePort := fakeConsole(t, "OK", func(cmd string) string {
		got.Store(cmd)
		return "Broadcasted\n"
	})
	cfg := baseConfig(consoleHost, reservePort(t), consolePort)
	c := testClient(t, cfg)
	c.onFallback = true

	require.NoError(t, c.Announce(context.Background(), "maintenance in 5 minutes"))
	assert.Equal(t, "Broadcast maintenance in 5 minutes", got.Load())
}

func TestParsePlayerTable(t *testing.T) {
	players := parsePlayerTable("name,playeruid,steamid\nalice,42,steam_a\nbob,43,steam_b\n\n")
	require.Len(t, players, 2)
	assert.Equal(t, Player{Name: "alice", UserID: "42", AccountID: "steam_a"}, players[0])
	assert.Equal(t, Player{Name: "bob", UserID: "43", AccountID: "steam_b"}, players[1])

	assert.Empty(t, parsePlayerTable("name,playeruid,steamid\n"))
	assert.Empty(t, parsePlayerTable(""))
}

// reservePort returns a port that was just released, so connections to it
// are refused.
func reservePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port := splitAddr(t, ln.Addr().String())
	require.NoError(t, ln.Close())
	return port
}
