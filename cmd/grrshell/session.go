package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"grrshell/internal/events"
	"grrshell/internal/flows"
	"grrshell/internal/grrapi"
	"grrshell/internal/logging"
	"grrshell/internal/metrics"
	"grrshell/internal/model"
	"grrshell/internal/policy"
	"grrshell/internal/storage"
	"grrshell/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const connectionLayerSlug = "connection"

type connectionSettings struct {
	Username    string `glazed.parameter:"username"`
	Password    string `glazed.parameter:"password"`
	Server      string `glazed.parameter:"grr-server"`
	Client      string `glazed.parameter:"client"`
	LocalPath   string `glazed.parameter:"local-path"`
	MaxFileSize string `glazed.parameter:"max-file-size"`
	ConfigPath  string `glazed.parameter:"config"`
	DBPath      string `glazed.parameter:"db"`
	Debug       bool   `glazed.parameter:"debug"`
}

func newConnectionLayer() (layers.ParameterLayer, error) {
	layer, err := layers.NewParameterLayer(connectionLayerSlug, "GRR connection")
	if err != nil {
		return nil, err
	}
	layer.AddFlags(
		parameters.NewParameterDefinition(
			"username",
			parameters.ParameterTypeString,
			parameters.WithHelp("GRR username (defaults to the config file)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"password",
			parameters.ParameterTypeString,
			parameters.WithHelp("GRR password (prompted when omitted)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"grr-server",
			parameters.ParameterTypeString,
			parameters.WithHelp("GRR server URL (defaults to the config file)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"client",
			parameters.ParameterTypeString,
			parameters.WithHelp("Client id or hostname"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"local-path",
			parameters.ParameterTypeString,
			parameters.WithHelp("Directory collected files are written to"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"max-file-size",
			parameters.ParameterTypeString,
			parameters.WithHelp("Largest file to collect, in bytes or as a size such as 100MB"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"config",
			parameters.ParameterTypeString,
			parameters.WithHelp("Path to config file (defaults to .grrshell/config.json)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"db",
			parameters.ParameterTypeString,
			parameters.WithHelp("Path to the flow history SQLite DB"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"debug",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Log at debug level"),
			parameters.WithDefault(false),
		),
	)
	return layer, nil
}

func newConnectionCommandDescription(name string, short string, long string, flags ...*parameters.ParameterDefinition) (*cmds.CommandDescription, error) {
	connectionLayer, err := newConnectionLayer()
	if err != nil {
		return nil, err
	}
	options := []cmds.CommandDescriptionOption{
		cmds.WithShort(short),
		cmds.WithLayersList(connectionLayer),
	}
	if strings.TrimSpace(long) != "" {
		options = append(options, cmds.WithLong(long))
	}
	if len(flags) > 0 {
		options = append(options, cmds.WithFlags(flags...))
	}
	return cmds.NewCommandDescription(name, options...), nil
}

func initializeConnection(parsedLayers *layers.ParsedLayers) (*connectionSettings, error) {
	settings := &connectionSettings{}
	if err := parsedLayers.InitializeStruct(connectionLayerSlug, settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// newTransport is replaced in tests.
var newTransport = func(options grrapi.Options) (flows.Transport, error) {
	client, err := grrapi.NewClient(options)
	if err != nil {
		return nil, err
	}
	return client, nil
}

type sessionOptions struct {
	// Interactive sessions log to the configured file instead of stderr.
	Interactive bool
}

type session struct {
	cfg       policy.Config
	logger    *zap.Logger
	client    model.ClientInfo
	transport flows.Transport
	history   *store.SQLiteStore
	bus       *events.Bus
	recorder  *metrics.Recorder
	manager   *flows.Manager
	cancel    context.CancelFunc
}

// applyConnection overlays command line settings on the loaded config.
func applyConnection(cfg *policy.Config, settings *connectionSettings) {
	if v := strings.TrimSpace(settings.Server); v != "" {
		cfg.Server.URL = v
	}
	if v := strings.TrimSpace(settings.Username); v != "" {
		cfg.Server.Username = v
	}
	if v := strings.TrimSpace(settings.LocalPath); v != "" {
		cfg.Storage.LocalRoot = v
	}
	if v := strings.TrimSpace(settings.DBPath); v != "" {
		cfg.Storage.DBPath = v
	}
	if settings.Debug {
		cfg.Logging.Level = "debug"
	}
}

func parseMaxFileSize(value string, fallback int64) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	size, err := humanize.ParseBytes(value)
	if err != nil || size == 0 || size > 1<<62 {
		return 0, fmt.Errorf("invalid --max-file-size %q: %w", value, model.ErrInvalidArgument)
	}
	return int64(size), nil
}

func resolveClient(ctx context.Context, transport flows.Transport, query string) (model.ClientInfo, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return model.ClientInfo{}, fmt.Errorf("--client is required")
	}
	clients, err := transport.SearchClients(ctx, query)
	if err != nil {
		return model.ClientInfo{}, fmt.Errorf("search clients: %w", err)
	}
	switch len(clients) {
	case 1:
		return clients[0], nil
	case 0:
		return model.ClientInfo{}, fmt.Errorf("no client matches %q: %w", query, model.ErrNotFound)
	}
	return model.ClientInfo{}, fmt.Errorf("%d clients match %q, use the client id: %w", len(clients), query, model.ErrInvalidArgument)
}

func openSession(ctx context.Context, settings *connectionSettings, options sessionOptions) (*session, error) {
	cfg, configPath, err := policy.Load(settings.ConfigPath)
	if err != nil {
		return nil, err
	}
	applyConnection(&cfg, settings)
	if err := policy.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", configPath, err)
	}
	if strings.TrimSpace(cfg.Server.URL) == "" {
		return nil, fmt.Errorf("--grr-server is required")
	}
	if strings.TrimSpace(cfg.Server.Username) == "" {
		return nil, fmt.Errorf("--username is required")
	}
	maxFileSize, err := parseMaxFileSize(settings.MaxFileSize, cfg.Storage.MaxFileSize)
	if err != nil {
		return nil, err
	}

	logOutput := "stderr"
	if options.Interactive && cfg.Logging.Path != "" {
		logOutput = cfg.Logging.Path
	}
	logger, err := logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: logOutput})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	password := settings.Password
	if password == "" {
		if password, err = readPassword(os.Stdin, os.Stderr, cfg.Server.Username); err != nil {
			return nil, err
		}
	}
	transport, err := newTransport(grrapi.Options{
		BaseURL:  cfg.Server.URL,
		Username: cfg.Server.Username,
		Password: password,
		Timeout:  cfg.ServerTimeout(),
	})
	if err != nil {
		return nil, err
	}
	client, err := resolveClient(ctx, transport, settings.Client)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("client_id", client.ClientID))

	s := &session{cfg: cfg, logger: logger, client: client, transport: transport}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if err := s.start(runCtx, maxFileSize); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) start(ctx context.Context, maxFileSize int64) error {
	s.history = store.NewSQLiteStore(s.cfg.Storage.DBPath)
	if err := s.history.Init(); err != nil {
		return fmt.Errorf("open flow history: %w", err)
	}

	bus, err := events.NewBus(events.Config{RedisURL: s.cfg.Events.RedisURL, Stream: s.cfg.Events.Stream}, logging.Watermill(s.logger))
	if err != nil {
		return err
	}
	s.bus = bus

	local := storage.NewLocal(afero.NewOsFs(), s.cfg.Storage.LocalRoot)
	if bucket := strings.TrimSpace(s.cfg.Storage.S3.Bucket); bucket != "" {
		mirror, err := storage.NewS3Mirror(ctx, storage.S3Config{
			Endpoint:  s.cfg.Storage.S3.Endpoint,
			Bucket:    bucket,
			Region:    s.cfg.Storage.S3.Region,
			Prefix:    s.cfg.Storage.S3.Prefix,
			AccessKey: os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		})
		if err != nil {
			return err
		}
		local = local.WithMirror(mirror)
	}

	s.recorder = metrics.NewRecorder()
	if addr := strings.TrimSpace(s.cfg.Metrics.ListenAddr); addr != "" {
		go func() {
			if err := s.recorder.Serve(ctx, addr); err != nil {
				s.logger.Warn("metrics listener stopped", zap.String("addr", addr), zap.Error(err))
			}
		}()
	}

	manager, err := flows.NewManager(flows.Options{
		Client:           s.client,
		SessionID:        uuid.NewString(),
		Creator:          s.cfg.Server.Username,
		Transport:        s.transport,
		History:          s.history,
		Storage:          local,
		Events:           s.bus,
		Metrics:          s.recorder,
		Logger:           s.logger,
		PollInterval:     s.cfg.PollInterval(),
		FastPollInterval: s.cfg.FastPollInterval(),
		Concurrency:      s.cfg.Polling.Concurrency,
		RetryAttempts:    s.cfg.Polling.RetryAttempts,
		RetryBase:        s.cfg.RetryBase(),
		HistoryPageSize:  s.cfg.History.PageSize,
		HistoryCount:     s.cfg.History.DefaultCount,
		MaxFileSize:      maxFileSize,
	})
	if err != nil {
		return err
	}
	s.manager = manager
	s.manager.Start(ctx)
	s.logger.Info("session started", zap.String("session_id", manager.SessionID()),
		zap.String("hostname", s.client.Hostname), zap.String("platform", string(manager.Platform())))
	return nil
}

// Close stops polling and releases the session. It returns the flows still running remotely.
func (s *session) Close() []string {
	var running []string
	if s.manager != nil {
		running = s.manager.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.logger.Warn("close event bus", zap.Error(err))
		}
	}
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			s.logger.Warn("close flow history", zap.Error(err))
		}
	}
	_ = logging.Sync()
	return running
}
