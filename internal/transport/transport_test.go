package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRingNeighbours(t *testing.T) {
	assert.Equal(t, 1, Next(0, 3))
	assert.Equal(t, 0, Next(2, 3))
	assert.Equal(t, 2, Prev(0, 3))
	assert.Equal(t, 0, Prev(0, 1))
}

func TestLocalClusterPerSourceFIFO(t *testing.T) {
	groups, err := NewLocalCluster(3)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, groups[1].Isend(ctx, 0, TagMigration, []byte{byte(i)}).Wait(ctx))
		require.NoError(t, groups[2].Isend(ctx, 0, TagMigration, []byte{byte(10 + i)}).Wait(ctx))
	}
	for i := 0; i < 5; i++ {
		got, err := groups[0].Recv(ctx, 2, TagMigration)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(10 + i)}, got)
	}
	for i := 0; i < 5; i++ {
		got, err := groups[0].Recv(ctx, 1, TagMigration)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, got)
	}
}

func TestLocalClusterTagsAreSeparate(t *testing.T) {
	groups, err := NewLocalCluster(2)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, groups[1].Isend(ctx, 0, TagGather, []byte("g")).Wait(ctx))
	require.NoError(t, groups[1].Isend(ctx, 0, TagMigration, []byte("m")).Wait(ctx))

	got, err := groups[0].Recv(ctx, 1, TagMigration)
	require.NoError(t, err)
	assert.Equal(t, "m", string(got))

	msg, err := groups[0].RecvAny(ctx, TagGather)
	require.NoError(t, err)
	assert.Equal(t, 1, msg.Source)
	assert.Equal(t, "g", string(msg.Payload))
}

func TestLocalClusterRecvBlocksUntilDelivery(t *testing.T) {
	groups, err := NewLocalCluster(2)
	require.NoError(t, err)
	ctx := context.Background()

	done := make(chan []byte)
	go func() {
		payload, err := groups[0].Recv(ctx, 1, TagMigration)
		if err != nil {
			close(done)
			return
		}
		done <- payload
	}()

	select {
	case <-done:
		t.Fatal("recv returned before any send")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, groups[1].Isend(ctx, 0, TagMigration, []byte("late")).Wait(ctx))
	assert.Equal(t, "late", string(<-done))
}

func TestLocalClusterRecvHonoursContext(t *testing.T) {
	groups, err := NewLocalCluster(2)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = groups[0].Recv(ctx, 1, TagMigration)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalClusterCloseFailsReceivers(t *testing.T) {
	groups, err := NewLocalCluster(2)
	require.NoError(t, err)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := groups[0].RecvAny(ctx, TagGather)
		errCh <- err
	}()
	require.NoError(t, groups[0].Close())
	require.ErrorIs(t, <-errCh, ErrClosed)

	err = groups[1].Isend(ctx, 0, TagGather, nil).Wait(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestLocalClusterRejectsBadRanks(t *testing.T) {
	_, err := NewLocalCluster(0)
	require.ErrorIs(t, err, ErrGroupMismatch)

	groups, err := NewLocalCluster(2)
	require.NoError(t, err)
	ctx := context.Background()
	require.ErrorIs(t, groups[0].Isend(ctx, 2, TagMigration, nil).Wait(ctx), ErrInvalidRank)
	_, err = groups[0].Recv(ctx, -1, TagMigration)
	require.ErrorIs(t, err, ErrInvalidRank)
}

func TestMailboxCopiesPayload(t *testing.T) {
	box := newMailbox()
	payload := []byte("abc")
	require.NoError(t, box.deliver(Message{Source: 0, Tag: "t", Payload: payload}))
	payload[0] = 'z'
	msg, err := box.take(context.Background(), "t", 0)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(msg.Payload))
	assert.Zero(t, box.pending())
}

func TestRetryPolicyStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := RetryPolicy{InitialBackoff: time.Millisecond}.retry(context.Background(), func(context.Context) error {
		calls++
		return permanentError{err: errors.New("bad request")}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := RetryPolicy{InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}.retry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyMaxAttempts(t *testing.T) {
	calls := 0
	err := RetryPolicy{InitialBackoff: time.Millisecond, MaxAttempts: 2}.retry(context.Background(), func(context.Context) error {
		calls++
		return errors.New("down")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestNormalizeRetryPolicy(t *testing.T) {
	p := normalizeRetryPolicy(RetryPolicy{InitialBackoff: time.Second, MaxBackoff: time.Millisecond, BackoffFactor: 0.5})
	assert.Equal(t, time.Second, p.MaxBackoff)
	assert.Equal(t, 2.0, p.BackoffFactor)
}

// startHTTPCluster runs size HTTP ranks on loopback listeners.
func startHTTPCluster(t *testing.T, size int) []*HTTPGroup {
	t.Helper()
	listeners := make([]net.Listener, size)
	peers := make([]string, size)
	for i := range listeners {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = ln
		peers[i] = "http://" + ln.Addr().String()
	}
	groups := make([]*HTTPGroup, size)
	for i := range groups {
		g, err := NewHTTPGroup(HTTPConfig{
			Rank:  i,
			Peers: peers,
			Retry: RetryPolicy{InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond},
		})
		require.NoError(t, err)
		g.Start(listeners[i])
		groups[i] = g
	}
	t.Cleanup(func() {
		for _, g := range groups {
			_ = g.Close()
		}
	})
	return groups
}

func handshakeAll(t *testing.T, ctx context.Context, groups []*HTTPGroup) {
	t.Helper()
	eg, ctx := errgroup.WithContext(ctx)
	for _, g := range groups {
		eg.Go(func() error { return g.Handshake(ctx) })
	}
	require.NoError(t, eg.Wait())
}

func TestHTTPGroupRingExchange(t *testing.T) {
	groups := startHTTPCluster(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handshakeAll(t, ctx, groups)

	reqs := make([]Request, len(groups))
	for i, g := range groups {
		reqs[i] = g.Isend(ctx, Next(i, 3), TagMigration, []byte(fmt.Sprintf("from-%d", i)))
	}
	for i, g := range groups {
		payload, err := g.Recv(ctx, Prev(i, 3), TagMigration)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("from-%d", Prev(i, 3)), string(payload))
	}
	for _, r := range reqs {
		require.NoError(t, r.Wait(ctx))
	}
}

func TestHTTPGroupGatherWithRecvAny(t *testing.T) {
	groups := startHTTPCluster(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, g := range groups[1:] {
		require.NoError(t, g.Isend(ctx, 0, TagGather, []byte{byte(g.Rank())}).Wait(ctx))
	}
	seen := map[int]bool{}
	for i := 0; i < 2; i++ {
		msg, err := groups[0].RecvAny(ctx, TagGather)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(msg.Source)}, msg.Payload)
		seen[msg.Source] = true
	}
	assert.Equal(t, map[int]bool{1: true, 2: true}, seen)
}

func TestHTTPGroupHandshakeDetectsMismatch(t *testing.T) {
	ln0, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln1, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr0 := "http://" + ln0.Addr().String()
	addr1 := "http://" + ln1.Addr().String()

	// rank 1 believes the group has three members
	g0, err := NewHTTPGroup(HTTPConfig{Rank: 0, Peers: []string{addr0, addr1}})
	require.NoError(t, err)
	g1, err := NewHTTPGroup(HTTPConfig{Rank: 1, Peers: []string{addr0, addr1, "http://127.0.0.1:1"}})
	require.NoError(t, err)
	g0.Start(ln0)
	g1.Start(ln1)
	t.Cleanup(func() {
		_ = g0.Close()
		_ = g1.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.ErrorIs(t, g0.Handshake(ctx), ErrGroupMismatch)

	err = g1.Isend(ctx, 0, TagMigration, []byte("x")).Wait(ctx)
	require.ErrorIs(t, err, ErrGroupMismatch)
}

func TestHTTPGroupSendTimeout(t *testing.T) {
	g, err := NewHTTPGroup(HTTPConfig{
		Rank:        0,
		Peers:       []string{"http://127.0.0.1:1", "http://127.0.0.1:1"},
		Retry:       RetryPolicy{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		SendTimeout: 30 * time.Millisecond,
	})
	require.NoError(t, err)
	err = g.Isend(context.Background(), 1, TagMigration, []byte("x")).Wait(context.Background())
	require.Error(t, err)
}

func TestHTTPGroupHandlerValidation(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "archipelago_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	g, err := NewHTTPGroup(HTTPConfig{Rank: 0, Peers: []string{"http://a", "http://b"}, Gatherer: reg, MaxPayloadBytes: 64})
	require.NoError(t, err)
	h := g.Handler()

	cases := []struct {
		name     string
		source   string
		size     string
		instance string
		seq      string
		body     string
		want     int
	}{
		{name: "ok", source: "1", size: "2", want: http.StatusAccepted},
		{name: "bad source", source: "5", size: "2", want: http.StatusBadRequest},
		{name: "missing source", source: "", size: "2", want: http.StatusBadRequest},
		{name: "size mismatch", source: "1", size: "3", want: http.StatusConflict},
		{name: "bad sequence", source: "1", size: "2", instance: "a", seq: "x", want: http.StatusBadRequest},
		{name: "sequenced", source: "1", size: "2", instance: "a", seq: "0", want: http.StatusAccepted},
		{name: "repeated sequence", source: "1", size: "2", instance: "a", seq: "0", want: http.StatusAccepted},
		{name: "new instance", source: "1", size: "2", instance: "b", seq: "0", want: http.StatusAccepted},
		{name: "too large", source: "1", size: "2", body: strings.Repeat("x", 65), want: http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := tc.body
			if body == "" {
				body = "{}"
			}
			req := httptest.NewRequest(http.MethodPost, "/v1/messages/migration", strings.NewReader(body))
			req.Header.Set(headerSource, tc.source)
			req.Header.Set(headerGroupSize, tc.size)
			if tc.instance != "" {
				req.Header.Set(headerInstance, tc.instance)
				req.Header.Set(headerSeq, tc.seq)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
		})
	}
	assert.Equal(t, 3, g.box.pending())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/group", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"rank":0,"size":2}`, w.Body.String())

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "archipelago_test_total 1")
}

func TestNewHTTPGroupValidation(t *testing.T) {
	_, err := NewHTTPGroup(HTTPConfig{})
	require.ErrorIs(t, err, ErrGroupMismatch)
	_, err = NewHTTPGroup(HTTPConfig{Rank: 2, Peers: []string{"http://a"}})
	require.ErrorIs(t, err, ErrInvalidRank)
	_, err = NewHTTPGroup(HTTPConfig{Rank: 0, Peers: []string{""}})
	require.Error(t, err)
}

// failAfterDelivery lets the first request reach the server and then
// reports a transport error, the way a connection reset after the peer
// accepted the body looks to the client.
type failAfterDelivery struct {
	base   http.RoundTripper
	failed atomic.Bool
}

func (f *failAfterDelivery) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := f.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if f.failed.CompareAndSwap(false, true) {
		_ = resp.Body.Close()
		return nil, errors.New("connection reset by peer")
	}
	return resp, nil
}

func TestHTTPGroupRetryDeliversOnce(t *testing.T) {
	ln0, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln1, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	peers := []string{"http://" + ln0.Addr().String(), "http://" + ln1.Addr().String()}
	retry := RetryPolicy{InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond}

	flaky := &failAfterDelivery{base: http.DefaultTransport}
	g0, err := NewHTTPGroup(HTTPConfig{Rank: 0, Peers: peers, Retry: retry, Client: &http.Client{Transport: flaky}})
	require.NoError(t, err)
	g1, err := NewHTTPGroup(HTTPConfig{Rank: 1, Peers: peers, Retry: retry})
	require.NoError(t, err)
	g0.Start(ln0)
	g1.Start(ln1)
	t.Cleanup(func() {
		_ = g0.Close()
		_ = g1.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, g0.Isend(ctx, 1, TagMigration, []byte("round-0")).Wait(ctx))
	require.NoError(t, g0.Isend(ctx, 1, TagMigration, []byte("round-1")).Wait(ctx))
	require.True(t, flaky.failed.Load())

	first, err := g1.Recv(ctx, 0, TagMigration)
	require.NoError(t, err)
	second, err := g1.Recv(ctx, 0, TagMigration)
	require.NoError(t, err)
	assert.Equal(t, "round-0", string(first))
	assert.Equal(t, "round-1", string(second))
	assert.Equal(t, 0, g1.box.pending())
}

func TestSeqTrackerOutOfOrder(t *testing.T) {
	tr := newSeqTracker()
	key := seqKey{instance: "a", source: 1, tag: TagGather}
	assert.True(t, tr.first(key, 1))
	assert.True(t, tr.first(key, 0))
	assert.False(t, tr.first(key, 1))
	assert.False(t, tr.first(key, 0))
	assert.True(t, tr.first(key, 3))
	assert.True(t, tr.first(key, 2))
	assert.False(t, tr.first(key, 3))
	assert.True(t, tr.first(seqKey{instance: "a", source: 1, tag: TagMigration}, 0))
	assert.Empty(t, tr.windows[key].ahead)
	assert.Equal(t, uint64(4), tr.windows[key].next)
}

func TestHTTPGroupHandshakeToleratesStaggeredStart(t *testing.T) {
	ln0, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln1, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr1 := ln1.Addr().String()
	// rank 1 is down while rank 0 begins its handshake
	require.NoError(t, ln1.Close())
	peers := []string{"http://" + ln0.Addr().String(), "http://" + addr1}
	retry := RetryPolicy{InitialBackoff: time.Millisecond, MaxBackoff: 20 * time.Millisecond, MaxAttempts: 2}

	g0, err := NewHTTPGroup(HTTPConfig{Rank: 0, Peers: peers, Retry: retry})
	require.NoError(t, err)
	g0.Start(ln0)
	t.Cleanup(func() { _ = g0.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- g0.Handshake(ctx) }()

	time.Sleep(150 * time.Millisecond)
	ln1, err = net.Listen("tcp", addr1)
	require.NoError(t, err)
	g1, err := NewHTTPGroup(HTTPConfig{Rank: 1, Peers: peers, Retry: retry})
	require.NoError(t, err)
	g1.Start(ln1)

	// rank 1 finishes its whole job and leaves before rank 0 looks again
	require.NoError(t, g1.Handshake(ctx))
	require.NoError(t, g1.Isend(ctx, 0, TagGather, []byte("done")).Wait(ctx))
	require.NoError(t, g1.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("rank 0 handshake did not finish")
	}
	payload, err := g0.Recv(ctx, 1, TagGather)
	require.NoError(t, err)
	assert.Equal(t, "done", string(payload))
}

func TestHTTPGroupOversizedPayloadIsPermanent(t *testing.T) {
	ln0, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln1, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	peers := []string{"http://" + ln0.Addr().String(), "http://" + ln1.Addr().String()}

	g0, err := NewHTTPGroup(HTTPConfig{Rank: 0, Peers: peers})
	require.NoError(t, err)
	g1, err := NewHTTPGroup(HTTPConfig{Rank: 1, Peers: peers, MaxPayloadBytes: 16})
	require.NoError(t, err)
	g0.Start(ln0)
	g1.Start(ln1)
	t.Cleanup(func() {
		_ = g0.Close()
		_ = g1.Close()
	})

	// without a permanent error the unlimited retry would run into the deadline
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = g0.Isend(ctx, 1, TagMigration, make([]byte, 17)).Wait(ctx)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	require.NoError(t, ctx.Err())

	require.NoError(t, g0.Isend(ctx, 1, TagMigration, make([]byte, 16)).Wait(ctx))
	assert.Equal(t, 1, g1.box.pending())
}
