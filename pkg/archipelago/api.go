package archipelago

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"archipelago/internal/config"
	"archipelago/internal/expr"
	"archipelago/internal/fitness"
	"archipelago/internal/logging"
	"archipelago/internal/metrics"
	"archipelago/internal/model"
	"archipelago/internal/platform"
	"archipelago/internal/storage"
	"archipelago/internal/transport"
)

var ErrNoCheckpoint = errors.New("no checkpoint")

type Options struct {
	Config config.Config
	// RunID tags every log record and checkpoint. A random one is drawn when
	// empty.
	RunID     string
	Verbosity int
	AllRanks  bool
	// LoadBase resumes from checkpoints written under this filename base with
	// the configured backend.
	LoadBase  string
	LogOutput io.Writer
	LogFormat logging.Format
	// Registry collects the run's metrics. A fresh registry is used when nil.
	Registry *prometheus.Registry
}

// RankOptions places one process in an HTTP group.
type RankOptions struct {
	Rank   int
	Peers  []string
	Listen string
	// HandshakeTimeout bounds the wait for every peer to come up.
	HandshakeTimeout time.Duration
}

type Summary struct {
	RunID    string
	Islands  int
	Duration time.Duration
	Results  []platform.Result
	// Best is the coordinator's merged archive.
	Best     []model.Individual
	varNames []string
	infix    bool
}

func (o *Options) normalize() error {
	if o.RunID == "" {
		o.RunID = uuid.NewString()
	}
	if o.Registry == nil {
		o.Registry = prometheus.NewRegistry()
	}
	return o.Config.Validate()
}

// RunLocal runs islands ranks as goroutines of this process.
func RunLocal(ctx context.Context, opts Options, islands int) (Summary, error) {
	if islands <= 0 {
		islands = opts.Config.Islands.NumIslands
	}
	if islands <= 0 {
		islands = 1
	}
	if err := opts.normalize(); err != nil {
		return Summary{}, err
	}
	data, err := platform.LoadData(opts.Config)
	if err != nil {
		return Summary{}, stageError(0, err)
	}
	store, resume, err := openStores(ctx, opts, -1)
	if err != nil {
		return Summary{}, stageError(0, err)
	}
	defer closeStores(store, resume)

	groups, err := transport.NewLocalCluster(islands)
	if err != nil {
		return Summary{}, err
	}
	defer func() {
		for _, g := range groups {
			_ = g.Close()
		}
	}()

	opts.LogOutput = logging.SyncWriter(opts.LogOutput)
	started := time.Now()
	results := make([]platform.Result, islands)
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < islands; rank++ {
		rank := rank
		g.Go(func() error {
			logger, err := newLogger(opts, rank)
			if err != nil {
				return err
			}
			defer logger.Close()

			res, err := runIsland(logging.WithLogger(gctx, logger), opts, data, groups[rank], store, resume, logger)
			results[rank] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}
	return newSummary(opts, islands, time.Since(started), results), nil
}

// RunRank runs one rank of a group whose members are separate processes
// talking HTTP. Every rank must be started with the same peer list.
func RunRank(ctx context.Context, opts Options, ropts RankOptions) (Summary, error) {
	if err := opts.normalize(); err != nil {
		return Summary{}, err
	}
	if n := opts.Config.Islands.NumIslands; n != 0 && n != len(ropts.Peers) {
		return Summary{}, &platform.StageError{Rank: ropts.Rank, Stage: platform.StageSetup,
			Err: fmt.Errorf("%w: configured for %d islands, %d peers given", transport.ErrGroupMismatch, n, len(ropts.Peers))}
	}
	logger, err := newLogger(opts, ropts.Rank)
	if err != nil {
		return Summary{}, err
	}
	defer logger.Close()
	ctx = logging.WithLogger(ctx, logger)

	data, err := platform.LoadData(opts.Config)
	if err != nil {
		return Summary{}, stageError(ropts.Rank, err)
	}

	group, err := transport.NewHTTPGroup(transport.HTTPConfig{
		Rank:        ropts.Rank,
		Peers:       ropts.Peers,
		Retry:       transport.RetryPolicy{MaxAttempts: opts.Config.Transport.MaxAttempts},
		SendTimeout: opts.Config.Transport.SendTimeout(),
		Gatherer:    opts.Registry,
		Logger:      logger.Slog(),
	})
	if err != nil {
		return Summary{}, stageError(ropts.Rank, err)
	}
	ln, err := net.Listen("tcp", ropts.Listen)
	if err != nil {
		return Summary{}, stageError(ropts.Rank, fmt.Errorf("listen on %s: %w", ropts.Listen, err))
	}
	group.Start(ln)
	defer group.Close()
	logger.PrintOut(logging.LevelInfoExtra, "rank listening", "addr", ln.Addr().String(), "peers", len(ropts.Peers))

	hctx := ctx
	if ropts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, ropts.HandshakeTimeout)
		defer cancel()
	}
	if err := group.Handshake(hctx); err != nil {
		return Summary{}, stageError(ropts.Rank, err)
	}

	store, resume, err := openStores(ctx, opts, ropts.Rank)
	if err != nil {
		return Summary{}, stageError(ropts.Rank, err)
	}
	defer closeStores(store, resume)

	started := time.Now()
	res, err := runIsland(ctx, opts, data, group, store, resume, logger)
	if err != nil {
		return Summary{}, err
	}
	return newSummary(opts, len(ropts.Peers), time.Since(started), []platform.Result{res}), nil
}

func runIsland(ctx context.Context, opts Options, data fitness.Data, group transport.Group, store, resume storage.CheckpointStore, logger *logging.Logger) (platform.Result, error) {
	tb, err := platform.BuildToolbox(opts.Config, data, logger)
	if err != nil {
		return platform.Result{Rank: group.Rank()}, &platform.StageError{Rank: group.Rank(), Stage: platform.StageSetup, Err: err}
	}
	runner := &platform.Runner{
		Config:  opts.Config,
		Toolbox: tb,
		Group:   group,
		Store:   store,
		Resume:  resume,
		RunID:   opts.RunID,
		Seed:    opts.Config.Seed,
		Logger:  logger,
		Metrics: metrics.New(opts.Registry, group.Rank()),
	}
	return runner.Run(ctx)
}

func newLogger(opts Options, rank int) (*logging.Logger, error) {
	logFile := opts.Config.LogFilename
	if logFile != "" && rank != 0 {
		logFile = fmt.Sprintf("%s.%d", logFile, rank)
	}
	return logging.New(logging.Config{
		Verbosity:   opts.Verbosity,
		AllRanks:    opts.AllRanks,
		Rank:        rank,
		RunID:       opts.RunID,
		Output:      opts.LogOutput,
		Format:      opts.LogFormat,
		LogFile:     logFile,
		VarNames:    opts.Config.InVars,
		PrettyPrint: opts.Config.PrettyPrint,
	})
}

// StoreBase returns the base a backend is opened with. Database backends
// opened by separate rank processes each get their own database; a rank of
// -1 means every rank shares this process.
func StoreBase(backend, base string, rank int) string {
	if rank < 0 || base == "" {
		return base
	}
	switch strings.ToLower(backend) {
	case storage.BackendSQLite, storage.BackendBadger:
		return fmt.Sprintf("%s.rank%d", base, rank)
	default:
		return base
	}
}

func openStores(ctx context.Context, opts Options, rank int) (storage.CheckpointStore, storage.CheckpointStore, error) {
	cfg := opts.Config.Checkpoints
	var store, resume storage.CheckpointStore
	if cfg.Enabled() {
		s, err := openStore(ctx, cfg.Backend, StoreBase(cfg.Backend, cfg.FilenameBase, rank))
		if err != nil {
			return nil, nil, err
		}
		store = s
	}
	if opts.LoadBase != "" {
		if store != nil && opts.LoadBase == cfg.FilenameBase {
			return store, store, nil
		}
		s, err := openStore(ctx, cfg.Backend, StoreBase(cfg.Backend, opts.LoadBase, rank))
		if err != nil {
			closeStores(store, nil)
			return nil, nil, err
		}
		resume = s
	}
	return store, resume, nil
}

func openStore(ctx context.Context, backend, base string) (storage.CheckpointStore, error) {
	store, err := storage.NewCheckpointStore(backend, base)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		_ = storage.CloseIfSupported(store)
		return nil, err
	}
	return store, nil
}

func closeStores(store, resume storage.CheckpointStore) {
	if store != nil {
		_ = storage.CloseIfSupported(store)
	}
	if resume != nil && resume != store {
		_ = storage.CloseIfSupported(resume)
	}
}

func stageError(rank int, err error) error {
	var stageErr *platform.StageError
	if errors.As(err, &stageErr) {
		return err
	}
	return &platform.StageError{Rank: rank, Stage: platform.StageSetup, Err: err}
}

// InspectCheckpoint decodes the checkpoint a rank wrote under base.
// processRank selects the per-rank database of a multi-process run with
// a database backend; pass -1 for a local run.
func InspectCheckpoint(ctx context.Context, backend, base string, rank, processRank int) (model.Checkpoint, error) {
	store, err := openStore(ctx, backend, StoreBase(backend, base, processRank))
	if err != nil {
		return model.Checkpoint{}, err
	}
	defer storage.CloseIfSupported(store)

	cp, ok, err := store.LoadCheckpoint(ctx, rank)
	if err != nil {
		return model.Checkpoint{}, err
	}
	if !ok {
		return model.Checkpoint{}, fmt.Errorf("%w for rank %d at %s", ErrNoCheckpoint, rank, storage.Location(store, rank))
	}
	return cp, nil
}

func newSummary(opts Options, islands int, d time.Duration, results []platform.Result) Summary {
	s := Summary{
		RunID:    opts.RunID,
		Islands:  islands,
		Duration: d,
		Results:  results,
		varNames: opts.Config.InVars,
		infix:    opts.Config.PrettyPrint,
	}
	for _, res := range results {
		if res.Rank == 0 {
			s.Best = res.Archive
		}
	}
	return s
}

// Generations is the number of generations run by the slowest island.
func (s Summary) Generations() int {
	n := 0
	for _, res := range s.Results {
		if res.Progress.Generation > n {
			n = res.Progress.Generation
		}
	}
	return n
}

// Write prints a short human-readable report of the run.
func (s Summary) Write(w io.Writer) error {
	migrations, checkpoints := 0, 0
	for _, res := range s.Results {
		migrations += res.Stats.Migrations
		checkpoints += res.Stats.Checkpoints
	}
	if _, err := fmt.Fprintf(w, "run %s: %d islands, %s generations in %s (%s migration rounds, %s checkpoints)\n",
		s.RunID, s.Islands, humanize.Comma(int64(s.Generations())), s.Duration.Round(time.Millisecond),
		humanize.Comma(int64(migrations)), humanize.Comma(int64(checkpoints))); err != nil {
		return err
	}
	for i, ind := range s.Best {
		fit := "invalid"
		if ind.Fitness.Valid {
			fit = strings.Trim(fmt.Sprint(ind.Fitness.Values), "[]")
		}
		if _, err := fmt.Fprintf(w, "%3s  %-24s %s\n", humanize.Ordinal(i+1), fit, expr.Format(ind.Expr, s.varNames, s.infix)); err != nil {
			return err
		}
	}
	return nil
}

// DescribeCheckpoint prints the header fields of a checkpoint and its
// archive.
func DescribeCheckpoint(w io.Writer, cp model.Checkpoint, varNames []string, infix bool) error {
	_, err := fmt.Fprintf(w, "run:             %s\nrank:            %d of %d\ngeneration:      %s\nmigration round: %d\npopulation:      %s individuals\narchive:         %s (%s items)\nrng state:       %s\n",
		cp.RunID, cp.Rank, cp.GroupSize, humanize.Comma(int64(cp.Generation)), cp.MigrationRound,
		humanize.Comma(int64(len(cp.Population))), cp.Archive.Kind, humanize.Comma(int64(len(cp.Archive.Items))),
		humanize.Bytes(uint64(len(cp.RNGState))))
	if err != nil {
		return err
	}
	for i, ind := range cp.Archive.Items {
		if _, err := fmt.Fprintf(w, "  %3d  %v  %s\n", i, ind.Fitness.Values, expr.Format(ind.Expr, varNames, infix)); err != nil {
			return err
		}
	}
	return nil
}
