package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lecrunch/lecrunch/internal/acquire"
	"github.com/lecrunch/lecrunch/internal/config"
	"github.com/lecrunch/lecrunch/internal/container"
	"github.com/lecrunch/lecrunch/internal/export"
	"github.com/lecrunch/lecrunch/internal/motion"
	"github.com/lecrunch/lecrunch/internal/scan"
	"github.com/lecrunch/lecrunch/internal/scope"
)

// Service represents the core LeCrunch service interface
type Service interface {
	// Acquisition operations
	Capture(ctx context.Context, name string, opts CaptureOptions) (*acquire.Stats, error)
	Scan(ctx context.Context, name string, opts ScanOptions) (*scan.Result, error)

	// Conversion operations
	Export(name string) (*export.Result, error)

	// Instrument operations
	Channels(ctx context.Context) ([]ChannelInfo, error)
	Display(ctx context.Context, on bool) error

	// Pipeline operations
	RunPipeline(ctx context.Context, name string, steps string, opts CaptureOptions) error

	// Configuration operations
	LoadProfile(profile string) error
	GetConfig() *config.Config

	// Information operations
	GetCaptureInfo(name string) (*CaptureInfo, error)
	GetLastError() string
}

// CaptureOptions are per-run overrides of the configuration.
type CaptureOptions struct {
	// TimeSuffix appends the local time to the capture name.
	TimeSuffix bool
	Quiet      bool
}

// ScanOptions select how a scan starts.
type ScanOptions struct {
	Resume bool
	// Origin, when set, is the absolute stage position the grid is centred on.
	Origin *motion.Position
	Quiet  bool
}

// ChannelInfo describes an active instrument channel.
type ChannelInfo struct {
	ID         scope.ChannelID
	Descriptor scope.ChannelDescriptor
}

// DatasetInfo describes one dataset of a capture container.
type DatasetInfo struct {
	Name    string
	DType   container.DType
	Shape   container.Shape
	Written int
	Attrs   map[string]any
}

// CaptureInfo contains what is stored in a capture container.
type CaptureInfo struct {
	Path     string
	Size     int64
	ModTime  time.Time
	Attrs    map[string]any
	Datasets []DatasetInfo
}

// TimeFormat is the layout of the capture name time suffix.
const TimeFormat = "_02_Jan_2006_15:04:05"

// LeCrunchService is the main service implementation
type LeCrunchService struct {
	cfg        *config.Config
	configFile string
	out        io.Writer
	dial       scope.Dialer
	openStage  func(cfg config.StageConfig) (*motion.Stage, error)
	now        func() time.Time

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// Option customises a service.
type Option func(*LeCrunchService)

// WithDialer replaces the instrument dialer chosen from the configuration.
func WithDialer(d scope.Dialer) Option {
	return func(s *LeCrunchService) { s.dial = d }
}

// WithStage replaces how the motion stage is opened.
func WithStage(open func(cfg config.StageConfig) (*motion.Stage, error)) Option {
	return func(s *LeCrunchService) { s.openStage = open }
}

// New creates a new LeCrunch service instance. out receives progress and
// summaries.
func New(cfg *config.Config, configFile string, out io.Writer, opts ...Option) (Service, error) {
	if out == nil {
		out = io.Discard
	}

	s := &LeCrunchService{
		cfg:        cfg,
		configFile: configFile,
		out:        out,
		openStage:  openSerialStage,
		now:        time.Now,
	}
	if err := s.selectDriver(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *LeCrunchService) selectDriver() error {
	driver, err := scope.ParseDriver(s.cfg.Instrument.Driver)
	if err != nil {
		return err
	}
	slog.Debug("Instrument driver selected", "driver", driver, "address", s.cfg.Instrument.Address)
	s.dial = scope.NewDialer(driver)
	return nil
}

func openSerialStage(cfg config.StageConfig) (*motion.Stage, error) {
	return motion.Open(cfg.Port, motion.Options{
		BaudRate: cfg.BaudRate,
		Timeout:  cfg.Timeout,
		Attempts: cfg.Attempts,
	})
}

func (s *LeCrunchService) session(quiet bool) acquire.Session {
	a := s.cfg.Acquisition
	return acquire.Session{
		Events:          a.Events,
		Sequence:        a.Sequence,
		Timeout:         s.cfg.Instrument.Timeout,
		TriggerTimeout:  s.cfg.Instrument.TriggerTimeout,
		WordSamples:     a.SampleWidth != "byte",
		Quiet:           quiet,
		SuppressDisplay: s.cfg.Instrument.SuppressDisplay,
		MaxRetries:      a.MaxRetries,
		RetryDelay:      a.RetryDelay,
	}
}

func (s *LeCrunchService) storeOptions() (acquire.StoreOptions, error) {
	mode, err := container.ParseMode(s.cfg.Output.StoreMode)
	if err != nil {
		return acquire.StoreOptions{}, err
	}
	pad, err := acquire.ParsePadPolicy(s.cfg.Acquisition.PadPolicy)
	if err != nil {
		return acquire.StoreOptions{}, err
	}
	return acquire.StoreOptions{Mode: mode, Pad: pad}, nil
}

// CapturePath returns where a capture called name is written.
func (s *LeCrunchService) CapturePath(name string, timeSuffix bool) string {
	name = strings.TrimSuffix(name, export.Extension)
	if timeSuffix {
		name += s.now().Format(TimeFormat)
	}
	return export.CapturePath(s.cfg.Output.Directory, name)
}

// Capture records one capture session into <output>/<name>.sqlite.
func (s *LeCrunchService) Capture(ctx context.Context, name string, opts CaptureOptions) (*acquire.Stats, error) {
	s.clearLastError()
	path := s.CapturePath(name, opts.TimeSuffix)
	stats, err := s.capture(ctx, path, opts.Quiet)
	if err != nil {
		s.setLastError(fmt.Sprintf("Capture failed: %v", err))
	}
	return stats, err
}

func (s *LeCrunchService) capture(ctx context.Context, path string, quiet bool) (*acquire.Stats, error) {
	store, err := s.storeOptions()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	loop := &acquire.Loop{
		Session: s.session(quiet),
		Address: s.cfg.Instrument.Address,
		Path:    path,
		Dial:    s.dial,
		Store:   store,
		Out:     s.out,
	}
	slog.Info("Starting capture", "path", path, "address", loop.Address, "events", loop.Session.Events, "sequence", loop.Session.Sequence)
	return loop.Run(ctx)
}

// Export converts a capture into the simple voltage format.
func (s *LeCrunchService) Export(name string) (*export.Result, error) {
	res, err := export.New(s.cfg).Export(name)
	if err != nil {
		s.setLastError(fmt.Sprintf("Export failed: %v", err))
	}
	return res, err
}

// connect opens a short-lived link for instrument queries.
func (s *LeCrunchService) connect(ctx context.Context) (scope.Link, error) {
	timeout := s.cfg.Instrument.Timeout
	if timeout <= 0 {
		timeout = acquire.DefaultTimeout
	}
	link, err := s.dial(ctx, s.cfg.Instrument.Address, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", s.cfg.Instrument.Address, err)
	}
	return link, nil
}

// Channels lists the active channels with their current descriptors.
func (s *LeCrunchService) Channels(ctx context.Context) ([]ChannelInfo, error) {
	link, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer link.Close()

	ids, err := link.Channels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	infos := make([]ChannelInfo, 0, len(ids))
	for _, id := range ids {
		desc, err := link.WaveDescriptor(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s descriptor: %w", id, err)
		}
		infos = append(infos, ChannelInfo{ID: id, Descriptor: desc})
	}
	return infos, nil
}

// Display turns the instrument screen on or off.
func (s *LeCrunchService) Display(ctx context.Context, on bool) error {
	link, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer link.Close()

	command := "DISP OFF"
	if on {
		command = "DISP ON"
	}
	slog.Info("Sending display command", "command", command)
	if err := link.Send(ctx, command); err != nil {
		return fmt.Errorf("failed to send %q: %w", command, err)
	}
	return nil
}

// Scan runs (or resumes) a grid scan named name in the output directory.
func (s *LeCrunchService) Scan(ctx context.Context, name string, opts ScanOptions) (*scan.Result, error) {
	s.clearLastError()
	stage, err := s.openStage(s.cfg.Stage)
	if err != nil {
		s.setLastError(fmt.Sprintf("Stage unavailable: %v", err))
		return nil, err
	}
	defer stage.Close()

	scanner := &scan.Scanner{
		Stage: stage,
		Capture: func(ctx context.Context, path string) (*acquire.Stats, error) {
			return s.capture(ctx, path, opts.Quiet)
		},
		Out: s.out,
	}

	var res *scan.Result
	if opts.Resume {
		res, err = scanner.Resume(ctx, s.cfg.Output.Directory, name, s.cfg.Scan.Settle)
	} else {
		g := s.cfg.Scan
		res, err = scanner.Start(ctx, scan.Plan{
			Name:     name,
			Dir:      s.cfg.Output.Directory,
			Events:   s.cfg.Acquisition.Events,
			Sequence: s.cfg.Acquisition.Sequence,
			Origin:   opts.Origin,
			X:        scan.Axis{Start: g.XStart, End: g.XEnd, Steps: g.XSteps},
			Y:        scan.Axis{Start: g.YStart, End: g.YEnd, Steps: g.YSteps},
			Settle:   g.Settle,
		})
	}
	if err != nil {
		s.setLastError(fmt.Sprintf("Scan failed: %v", err))
	}
	return res, err
}

// RunPipeline executes a sequence of operations (c=capture, e=export)
func (s *LeCrunchService) RunPipeline(ctx context.Context, name string, steps string, opts CaptureOptions) error {
	// the export must find the file the capture wrote
	if opts.TimeSuffix {
		name = s.CapturePath(name, true)
		opts.TimeSuffix = false
	}

	for _, step := range steps {
		switch step {
		case 'c':
			stats, err := s.Capture(ctx, name, opts)
			if err != nil {
				return fmt.Errorf("pipeline capture failed: %w", err)
			}
			if stats.EventsCompleted == 0 {
				return fmt.Errorf("pipeline capture recorded no events")
			}
		case 'e':
			if _, err := s.Export(name); err != nil {
				return fmt.Errorf("pipeline export failed: %w", err)
			}
		default:
			return fmt.Errorf("unknown pipeline step: '%c' (valid: c=capture, e=export)", step)
		}
	}
	return nil
}

// LoadProfile loads a new configuration profile
func (s *LeCrunchService) LoadProfile(profile string) error {
	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}
	old := s.cfg
	s.cfg = newCfg
	if err := s.selectDriver(); err != nil {
		s.cfg = old
		return err
	}
	return nil
}

// GetConfig returns the current configuration
func (s *LeCrunchService) GetConfig() *config.Config {
	return s.cfg
}

// GetCaptureInfo summarizes a capture container.
func (s *LeCrunchService) GetCaptureInfo(name string) (*CaptureInfo, error) {
	path := export.CapturePath(s.cfg.Output.Directory, name)
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("capture not found: %w", err)
	}

	c, err := container.Open(path)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	attrs, err := c.Attrs()
	if err != nil {
		return nil, err
	}
	info := &CaptureInfo{Path: path, Size: st.Size(), ModTime: st.ModTime(), Attrs: attrs}
	for _, name := range c.Datasets() {
		ds, err := c.Dataset(name)
		if err != nil {
			return nil, err
		}
		n, err := ds.Written()
		if err != nil {
			return nil, err
		}
		dsAttrs, err := ds.Attrs()
		if err != nil {
			return nil, err
		}
		info.Datasets = append(info.Datasets, DatasetInfo{
			Name: name, DType: ds.DType(), Shape: ds.Shape(), Written: n, Attrs: dsAttrs,
		})
	}
	return info, nil
}

// GetLastError returns the last error message
func (s *LeCrunchService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

func (s *LeCrunchService) setLastError(msg string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = msg
}

func (s *LeCrunchService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
