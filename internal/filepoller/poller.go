// Package filepoller turns the files of one directory into messages on a
// fixed-rate schedule.
package filepoller

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"github.com/joshlong-attic/leveling-up-kafka/internal/config"
	"github.com/joshlong-attic/leveling-up-kafka/internal/faults"
	"github.com/joshlong-attic/leveling-up-kafka/internal/logger"
	"github.com/joshlong-attic/leveling-up-kafka/internal/message"
	"github.com/joshlong-attic/leveling-up-kafka/internal/metrics"
	"github.com/joshlong-attic/leveling-up-kafka/internal/state"
	"github.com/joshlong-attic/leveling-up-kafka/internal/transform"
)

// Headers set on every file message
const (
	HeaderFileName     = "file_name"
	HeaderOriginalFile = "file_originalFile"
	HeaderFileSize     = "file_size"
)

// Poller errors
var (
	ErrForeignToken = errors.New("token was not issued by the file poller")
	ErrBadPattern   = errors.New("invalid include pattern")
)

// Sink receives each message the poller emits
type Sink interface {
	Route(ctx context.Context, msg message.Message) error
}

// Token identifies one version of one file. A rewritten file gets a new
// token and is emitted again even under dedup.
type Token struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// String implements message.Token
func (t Token) String() string {
	return fmt.Sprintf("%s@%d:%d", t.Path, t.Size, t.ModTime.UnixNano())
}

// Poller lists a directory and emits one message per matching file.
type Poller struct {
	dir      string
	pattern  string
	interval time.Duration
	dedup    config.DedupPolicy

	transformer transform.Transformer
	store       state.Store // nil under DedupNone
	reporter    faults.Reporter
	log         zerolog.Logger

	// the state file and its temp sibling are never emitted
	exclude map[string]struct{}

	cycles  atomic.Uint64
	emitted atomic.Uint64
	skipped atomic.Uint64
	faulted atomic.Uint64
}

// Option is a functional option for configuring the poller
type Option func(*Poller)

// WithStore overrides the dedup store chosen from the policy
func WithStore(s state.Store) Option {
	return func(p *Poller) { p.store = s }
}

// WithTransformer overrides the charset decoder
func WithTransformer(t transform.Transformer) Option {
	return func(p *Poller) { p.transformer = t }
}

// WithReporter sets where per-file and listing faults go
func WithReporter(r faults.Reporter) Option {
	return func(p *Poller) { p.reporter = r }
}

// WithLogger sets the poller logger
func WithLogger(log zerolog.Logger) Option {
	return func(p *Poller) { p.log = log }
}

// New creates a poller for cfg. The directory itself is created lazily on
// the first listing.
func New(cfg config.FilesConfig, opts ...Option) (*Poller, error) {
	if cfg.Dir == "" {
		return nil, errors.New("directory is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", cfg.Interval)
	}

	pattern := cfg.Pattern
	if pattern == "" {
		pattern = "*"
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("%w: %q", ErrBadPattern, pattern)
	}

	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", cfg.Dir, err)
	}

	p := &Poller{
		dir:      dir,
		pattern:  pattern,
		interval: cfg.Interval,
		dedup:    cfg.Dedup,
		log:      logger.WithSource("file_poller", message.SourceFile.String()),
		exclude:  make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.transformer == nil {
		t, err := transform.NewFileToString(cfg.Charset)
		if err != nil {
			return nil, err
		}
		p.transformer = t
	}
	if p.reporter == nil {
		p.reporter = faults.NewLogReporter(p.log)
	}

	if p.store == nil {
		switch cfg.Dedup {
		case config.DedupNone, "":
		case config.DedupMemory:
			p.store = state.NewMemStore()
		case config.DedupPersistent:
			fs, err := state.NewFileStore(cfg.StateFile)
			if err != nil {
				return nil, fmt.Errorf("opening dedup state: %w", err)
			}
			p.store = fs
		default:
			return nil, fmt.Errorf("unknown dedup policy %q", cfg.Dedup)
		}
	}

	if cfg.StateFile != "" {
		if abs, err := filepath.Abs(cfg.StateFile); err == nil {
			p.exclude[abs] = struct{}{}
			p.exclude[abs+".tmp"] = struct{}{}
		}
	}

	return p, nil
}

// Dir returns the absolute directory being polled
func (p *Poller) Dir() string { return p.dir }

// Poll runs one listing cycle lazily. A listing failure yields a single
// error and ends the sequence. A file that cannot be read or decoded
// yields an error for that file and the cycle moves on.
func (p *Poller) Poll(ctx context.Context) iter.Seq2[message.Message, error] {
	return func(yield func(message.Message, error) bool) {
		entries, err := p.list()
		if err != nil {
			yield(message.Message{}, faults.New(faults.ClassListing, message.SourceFile, err))
			return
		}

		for _, entry := range entries {
			if ctx.Err() != nil {
				return
			}

			tok, ok := p.token(entry)
			if !ok {
				continue
			}

			if consumed, err := p.consumed(ctx, tok); err != nil {
				if !yield(message.Message{}, p.fault(faults.ClassListing, tok, err)) {
					return
				}
				continue
			} else if consumed {
				p.skipped.Add(1)
				metrics.FilesSkipped.Inc()
				continue
			}

			msg, err := p.load(tok)
			if err == nil {
				p.emitted.Add(1)
				metrics.FilesEmitted.Inc()
			}
			if !yield(msg, err) {
				return
			}
		}
	}
}

// list returns directory entries in lexical order, creating the directory
// if it is missing.
func (p *Poller) list() ([]os.DirEntry, error) {
	if err := os.MkdirAll(p.dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating %s: %w", p.dir, err)
	}
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", p.dir, err)
	}
	return entries, nil
}

// token stats a matching regular file. Files that vanish between listing
// and stat are silently skipped.
func (p *Poller) token(entry os.DirEntry) (Token, bool) {
	if entry.IsDir() {
		return Token{}, false
	}
	if ok, _ := doublestar.Match(p.pattern, entry.Name()); !ok {
		return Token{}, false
	}

	path := filepath.Join(p.dir, entry.Name())
	if _, skip := p.exclude[path]; skip {
		return Token{}, false
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return Token{}, false
	}
	return Token{Path: path, Size: info.Size(), ModTime: info.ModTime()}, true
}

func (p *Poller) consumed(ctx context.Context, tok Token) (bool, error) {
	if p.store == nil {
		return false, nil
	}
	v, err := p.store.Get(ctx, tok.String())
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// load reads and decodes one file into a message
func (p *Poller) load(tok Token) (message.Message, error) {
	raw, err := os.ReadFile(tok.Path)
	if err != nil {
		return message.Message{}, p.fault(faults.ClassListing, tok, err)
	}

	payload, err := p.transformer.Transform(raw)
	if err != nil {
		return message.Message{}, p.fault(faults.ClassTransform, tok, err)
	}

	headers := message.Headers{}.
		With(HeaderFileName, message.String(filepath.Base(tok.Path))).
		With(HeaderOriginalFile, message.String(tok.Path)).
		With(HeaderFileSize, message.Int(int64(len(raw))))

	return message.New(message.SourceFile, tok, payload, headers)
}

func (p *Poller) fault(class faults.Class, tok Token, err error) *faults.Fault {
	f := faults.New(class, message.SourceFile, err)
	f.Token = tok.String()
	return f
}

// Commit marks a delivered file as consumed under the memory and
// persistent dedup policies. It is a no-op under DedupNone.
func (p *Poller) Commit(ctx context.Context, token message.Token) error {
	tok, ok := token.(Token)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignToken, token)
	}
	if p.store == nil {
		return nil
	}
	return p.store.Set(ctx, tok.String(), []byte(strconv.FormatInt(time.Now().UnixMilli(), 10)))
}

// RunOnce performs a single cycle, delivering each message to sink and
// reporting every fault.
func (p *Poller) RunOnce(ctx context.Context, sink Sink) {
	p.cycles.Add(1)
	status := "ok"

	for msg, err := range p.Poll(ctx) {
		if err != nil {
			var f *faults.Fault
			if errors.As(err, &f) && f.Class == faults.ClassListing && f.Token == "" {
				status = "failed"
			}
			p.faulted.Add(1)
			p.reporter.Report(ctx, err)
			continue
		}

		if err := p.deliver(ctx, sink, msg); err != nil {
			if ctx.Err() != nil {
				break
			}
			p.faulted.Add(1)
			p.reporter.Report(ctx, err)
		}
	}

	metrics.FilePollCycles.WithLabelValues(status).Inc()
}

// deliver hands msg to the sink, converting a panic into an error so one
// bad file cannot kill the scheduler goroutine.
func (p *Poller) deliver(ctx context.Context, sink Sink, msg message.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Str("file", msg.Token().String()).
				Msg("file delivery panic recovered")
			metrics.PanicsRecovered.WithLabelValues("file_poller").Inc()
			err = faults.ForMessage(faults.ClassHandler, msg, fmt.Errorf("panic: %v", r))
		}
	}()
	return sink.Route(ctx, msg)
}

// Run polls at a fixed rate until ctx is cancelled. The first cycle starts
// immediately and cycles never overlap.
func (p *Poller) Run(ctx context.Context, sink Sink) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create poll scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(p.interval),
		gocron.NewTask(func() { p.RunOnce(ctx, sink) }),
		gocron.WithName("file-poller:"+p.dir),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("create poll job: %w", err)
	}

	p.log.Info().
		Str("dir", p.dir).
		Str("pattern", p.pattern).
		Dur("interval", p.interval).
		Str("dedup", string(p.dedup)).
		Msg("file poller started")

	s.Start()
	<-ctx.Done()

	if err := s.Shutdown(); err != nil {
		p.log.Warn().Err(err).Msg("poll scheduler shutdown error")
	}
	p.log.Info().Msg("file poller stopped")
	return nil
}

// Close releases the dedup store
func (p *Poller) Close() error {
	if p.store == nil {
		return nil
	}
	return p.store.Close()
}

// Stats returns poller statistics
func (p *Poller) Stats() Stats {
	return Stats{
		Cycles:  p.cycles.Load(),
		Emitted: p.emitted.Load(),
		Skipped: p.skipped.Load(),
		Faults:  p.faulted.Load(),
	}
}

// Stats holds poller counters
type Stats struct {
	Cycles  uint64 `json:"cycles"`
	Emitted uint64 `json:"emitted"`
	Skipped uint64 `json:"skipped"`
	Faults  uint64 `json:"faults"`
}
