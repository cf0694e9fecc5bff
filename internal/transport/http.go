package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	headerSource    = "X-Archipelago-Source"
	headerGroupSize = "X-Archipelago-Group-Size"
	headerInstance  = "X-Archipelago-Instance"
	headerSeq       = "X-Archipelago-Seq"

	defaultMaxPayloadBytes = 64 << 20
)

type HTTPConfig struct {
	Rank int
	// Peers holds the base URL of every rank, indexed by rank.
	Peers []string
	Retry RetryPolicy
	// SendTimeout bounds one Isend including retries. Zero waits for the
	// caller's context.
	SendTimeout time.Duration
	Client      *http.Client
	// MaxPayloadBytes caps an accepted message body. Larger posts are
	// answered with 413 and fail the sender without retry.
	MaxPayloadBytes int64
	Gatherer        prometheus.Gatherer
	Logger          *slog.Logger
}

// GroupInfo is what a rank reports about itself during the handshake.
type GroupInfo struct {
	Rank int `json:"rank"`
	Size int `json:"size"`
}

// HTTPGroup is a Group whose ranks are separate processes. Each rank runs
// a small HTTP server that deposits posted messages in its mailbox.
type HTTPGroup struct {
	cfg    HTTPConfig
	box    *mailbox
	engine *gin.Engine
	logger *slog.Logger

	// instance tells this process's sequence numbers apart from those of
	// an earlier process that held the same rank.
	instance string
	seqMu    sync.Mutex
	sendSeq  map[sendKey]uint64
	seen     *seqTracker

	mu       sync.Mutex
	server   *http.Server
	serveErr chan error
}

func NewHTTPGroup(cfg HTTPConfig) (*HTTPGroup, error) {
	if len(cfg.Peers) == 0 {
		return nil, fmt.Errorf("%w: peer list is empty", ErrGroupMismatch)
	}
	if err := checkRank(cfg.Rank, len(cfg.Peers)); err != nil {
		return nil, err
	}
	cfg.Peers = append([]string(nil), cfg.Peers...)
	for i, peer := range cfg.Peers {
		if peer == "" {
			return nil, fmt.Errorf("peer %d has no address", i)
		}
		cfg.Peers[i] = strings.TrimRight(peer, "/")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	cfg.Retry = normalizeRetryPolicy(cfg.Retry)
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g := &HTTPGroup{
		cfg:      cfg,
		box:      newMailbox(),
		logger:   logger,
		instance: uuid.NewString(),
		sendSeq:  make(map[sendKey]uint64),
		seen:     newSeqTracker(),
	}
	g.engine = g.routes()
	return g, nil
}

func (g *HTTPGroup) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/v1/group", func(c *gin.Context) {
		c.JSON(http.StatusOK, GroupInfo{Rank: g.Rank(), Size: g.Size()})
	})
	r.POST("/v1/messages/:tag", g.handleMessage)
	if g.cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(g.cfg.Gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

func (g *HTTPGroup) handleMessage(c *gin.Context) {
	source, err := strconv.Atoi(c.GetHeader(headerSource))
	if err != nil || checkRank(source, g.Size()) != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid source rank"})
		return
	}
	if size, err := strconv.Atoi(c.GetHeader(headerGroupSize)); err != nil || size != g.Size() {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("group size mismatch: receiver has %d", g.Size())})
		return
	}
	limit := g.cfg.MaxPayloadBytes
	if c.Request.ContentLength > limit {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("payload exceeds %d bytes", limit)})
		return
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if int64(len(payload)) > limit {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("payload exceeds %d bytes", limit)})
		return
	}
	tag := c.Param("tag")
	if instance := c.GetHeader(headerInstance); instance != "" {
		seq, err := strconv.ParseUint(c.GetHeader(headerSeq), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sequence number"})
			return
		}
		if !g.seen.first(seqKey{instance: instance, source: source, tag: tag}, seq) {
			// A retry of a post that already reached the mailbox.
			c.Status(http.StatusAccepted)
			return
		}
	}
	if err := g.box.deliver(Message{Source: source, Tag: tag, Payload: payload}); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

// Handler exposes the rank's HTTP surface.
func (g *HTTPGroup) Handler() http.Handler {
	return g.engine
}

// Start serves on ln in the background until Close.
func (g *HTTPGroup) Start(ln net.Listener) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.server = &http.Server{Handler: g.engine, ReadHeaderTimeout: 10 * time.Second}
	g.serveErr = make(chan error, 1)
	server := g.server
	errCh := g.serveErr
	go func() {
		err := server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
}

func (g *HTTPGroup) Rank() int {
	return g.cfg.Rank
}

func (g *HTTPGroup) Size() int {
	return len(g.cfg.Peers)
}

// Isend posts payload from a background goroutine. Two sends to the same
// peer are only ordered once Wait on the first has returned. Every attempt
// of one send carries the same sequence number, so the receiver delivers
// it once however often it is retried.
func (g *HTTPGroup) Isend(ctx context.Context, dest int, tag string, payload []byte) Request {
	if err := checkRank(dest, g.Size()); err != nil {
		return doneRequest{err: err}
	}
	req := newAsyncRequest()
	body := append([]byte(nil), payload...)
	seq := g.nextSeq(dest, tag)
	go func() {
		sendCtx := ctx
		if g.cfg.SendTimeout > 0 {
			var cancel context.CancelFunc
			sendCtx, cancel = context.WithTimeout(ctx, g.cfg.SendTimeout)
			defer cancel()
		}
		req.finish(g.send(sendCtx, g.cfg.Retry, dest, tag, seq, body))
	}()
	return req
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string {
	return e.err.Error()
}

func (e permanentError) Unwrap() error {
	return e.err
}

type sendKey struct {
	dest int
	tag  string
}

func (g *HTTPGroup) nextSeq(dest int, tag string) uint64 {
	g.seqMu.Lock()
	defer g.seqMu.Unlock()

	key := sendKey{dest: dest, tag: tag}
	seq := g.sendSeq[key]
	g.sendSeq[key] = seq + 1
	return seq
}

func (g *HTTPGroup) send(ctx context.Context, policy RetryPolicy, dest int, tag string, seq uint64, payload []byte) error {
	url := fmt.Sprintf("%s/v1/messages/%s", g.cfg.Peers[dest], tag)
	attempt := 0
	err := policy.retry(ctx, func(ctx context.Context) error {
		attempt++
		err := g.post(ctx, url, seq, payload)
		var perm permanentError
		if err != nil && !errors.As(err, &perm) && attempt > 1 {
			g.logger.Warn("retrying send", "dest", dest, "tag", tag, "attempt", attempt, "error", err)
		}
		return err
	})
	var perm permanentError
	if errors.As(err, &perm) {
		return perm.err
	}
	if err != nil {
		return fmt.Errorf("send %s to rank %d: %w", tag, dest, err)
	}
	return nil
}

func (g *HTTPGroup) post(ctx context.Context, url string, seq uint64, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return permanentError{err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerSource, strconv.Itoa(g.Rank()))
	req.Header.Set(headerGroupSize, strconv.Itoa(g.Size()))
	req.Header.Set(headerInstance, g.instance)
	req.Header.Set(headerSeq, strconv.FormatUint(seq, 10))
	resp, err := g.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return permanentError{err: fmt.Errorf("%w: http %s: %d", ErrGroupMismatch, url, resp.StatusCode)}
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return permanentError{err: fmt.Errorf("%w: http %s: %d", ErrPayloadTooLarge, url, resp.StatusCode)}
	case resp.StatusCode == http.StatusBadRequest:
		return permanentError{err: fmt.Errorf("http %s: %d", url, resp.StatusCode)}
	default:
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
}

func (g *HTTPGroup) Recv(ctx context.Context, source int, tag string) ([]byte, error) {
	if err := checkRank(source, g.Size()); err != nil {
		return nil, err
	}
	msg, err := g.box.take(ctx, tag, source)
	if err != nil {
		return nil, err
	}
	return msg.Payload, nil
}

func (g *HTTPGroup) RecvAny(ctx context.Context, tag string) (Message, error) {
	return g.box.take(ctx, tag, -1)
}

// Handshake is a barrier across the group: every rank posts a hello to
// every peer and waits for one from each. Hellos are buffered by the
// receiving mailbox, so ranks may start in any order. Posts are retried
// until ctx ends whatever the configured attempt limit.
func (g *HTTPGroup) Handshake(ctx context.Context) error {
	hello, err := json.Marshal(GroupInfo{Rank: g.Rank(), Size: g.Size()})
	if err != nil {
		return err
	}
	policy := g.cfg.Retry
	policy.MaxAttempts = 0

	eg, ctx := errgroup.WithContext(ctx)
	for peer := range g.cfg.Peers {
		if peer == g.Rank() {
			continue
		}
		seq := g.nextSeq(peer, TagHello)
		eg.Go(func() error {
			if err := g.send(ctx, policy, peer, TagHello, seq, hello); err != nil {
				return fmt.Errorf("handshake with rank %d: %w", peer, err)
			}
			payload, err := g.Recv(ctx, peer, TagHello)
			if err != nil {
				return fmt.Errorf("handshake with rank %d: %w", peer, err)
			}
			var info GroupInfo
			if err := json.Unmarshal(payload, &info); err != nil {
				return fmt.Errorf("handshake with rank %d: %w", peer, err)
			}
			if info.Size != g.Size() || info.Rank != peer {
				return fmt.Errorf("%w: peer at %s reports rank %d of %d, expected rank %d of %d",
					ErrGroupMismatch, g.cfg.Peers[peer], info.Rank, info.Size, peer, g.Size())
			}
			return nil
		})
	}
	return eg.Wait()
}

// Close stops the server and fails pending receives with ErrClosed.
func (g *HTTPGroup) Close() error {
	g.box.close()

	g.mu.Lock()
	server := g.server
	errCh := g.serveErr
	g.server = nil
	g.mu.Unlock()

	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return err
	}
	return <-errCh
}

type seqKey struct {
	instance string
	source   int
	tag      string
}

// seqWindow holds every sequence number below next plus the ones in ahead.
type seqWindow struct {
	next  uint64
	ahead map[uint64]struct{}
}

// seqTracker records which posts each sender instance has delivered.
type seqTracker struct {
	mu      sync.Mutex
	windows map[seqKey]*seqWindow
}

func newSeqTracker() *seqTracker {
	return &seqTracker{windows: make(map[seqKey]*seqWindow)}
}

// first marks seq as delivered and reports whether it was new.
func (t *seqTracker) first(key seqKey, seq uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.windows[key]
	if w == nil {
		w = &seqWindow{ahead: make(map[uint64]struct{})}
		t.windows[key] = w
	}
	if seq < w.next {
		return false
	}
	if _, ok := w.ahead[seq]; ok {
		return false
	}
	w.ahead[seq] = struct{}{}
	for {
		if _, ok := w.ahead[w.next]; !ok {
			break
		}
		delete(w.ahead, w.next)
		w.next++
	}
	return true
}
