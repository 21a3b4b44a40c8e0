package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/cncnet/cncnet-tunnel/internal/observer"
	"github.com/cncnet/cncnet-tunnel/internal/origin"
	"github.com/cncnet/cncnet-tunnel/internal/registry"
	"github.com/cncnet/cncnet-tunnel/internal/udpproto"
)

const (
	envVarConfigFile = "TUNNEL_CONFIG"

	envVarName                = "TUNNEL_NAME"
	envVarMaxClients          = "TUNNEL_MAX_CLIENTS"
	envVarPassword            = "TUNNEL_PASSWORD"
	envVarPort                = "TUNNEL_PORT"
	envVarBindAddress         = "TUNNEL_BIND_ADDRESS"
	envVarHTTPListenAddr      = "TUNNEL_HTTP_ADDR"
	envVarMasterURL           = "TUNNEL_MASTER_URL"
	envVarMasterPassword      = "TUNNEL_MASTER_PASSWORD"
	envVarNoMaster            = "TUNNEL_NO_MASTER"
	envVarPublicHost          = "TUNNEL_PUBLIC_HOST"
	envVarIPLimit             = "TUNNEL_IP_LIMIT"
	envVarMaintenancePassword = "TUNNEL_MAINTENANCE_PASSWORD"

	// Relay engine knobs.
	envVarIdleTimeout       = "TUNNEL_IDLE_TIMEOUT"
	envVarSweepInterval     = "TUNNEL_SWEEP_INTERVAL"
	envVarMaxDatagramBytes  = "TUNNEL_MAX_DATAGRAM_BYTES"
	envVarBindMatch         = "TUNNEL_BIND_MATCH"
	envVarDropLogsPerSecond = "TUNNEL_DROP_LOGS_PER_SECOND"

	// Master server heartbeat.
	envVarAnnounceInterval = "TUNNEL_ANNOUNCE_INTERVAL"
	envVarAnnounceTimeout  = "TUNNEL_ANNOUNCE_TIMEOUT"

	envVarObserver        = "TUNNEL_OBSERVER"
	envVarAllowedOrigins  = "TUNNEL_ALLOWED_ORIGINS"
	envVarLogFile         = "TUNNEL_LOG_FILE"
	envVarMode            = "TUNNEL_MODE"
	envVarLogFormat       = "TUNNEL_LOG_FORMAT"
	envVarLogLevel        = "TUNNEL_LOG_LEVEL"
	envVarShutdownTimeout = "TUNNEL_SHUTDOWN_TIMEOUT"

	DefaultName             = "Unnamed CnCNet 5a tunnel"
	DefaultMaxClients       = 8
	DefaultPort             = 50000
	DefaultBindAddress      = "0.0.0.0"
	DefaultMasterURL        = "http://cncnet.org/master-announce"
	DefaultGamesPerIP       = 2
	DefaultIdleTimeout      = 60 * time.Second
	DefaultSweepInterval    = time.Second
	DefaultAnnounceInterval = 60 * time.Second
	DefaultAnnounceTimeout  = 10 * time.Second
	DefaultMaxDatagramBytes = udpproto.DefaultMaxDatagram
	DefaultShutdown         = 15 * time.Second
	DefaultMode             = ModeDev

	// MinClients is the smallest useful tunnel: one host and one peer.
	MinClients = 2
	MinPort    = 1024
	MaxPort    = 65535
)

// DefaultIPLimit is the per-IP slot limit used when none is configured:
// enough for DefaultGamesPerIP full-size games.
func DefaultIPLimit(maxClients int) int {
	return DefaultGamesPerIP * maxClients
}

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	Name       string `validate:"required,max=128"`
	MaxClients int    `validate:"min=2,max=65535"`
	Password   string
	Port       int `validate:"min=1024,max=65535"`
	// BindAddress is the local IP for the UDP relay socket.
	BindAddress string `validate:"required,ip"`
	// HTTPListenAddr defaults to BindAddress:Port; the control API shares the
	// relay's port number over TCP.
	HTTPListenAddr string `validate:"required,listen_addr"`

	MasterURL      string `validate:"omitempty,url"`
	MasterPassword string
	NoMaster       bool
	// PublicHost, when set, is announced to the master so it does not have to
	// infer the tunnel address from the heartbeat's source.
	PublicHost string

	// IPLimit bounds the live slots one requesting IP may hold. Zero disables
	// the limit.
	IPLimit             int `validate:"min=0"`
	MaintenancePassword string

	IdleTimeout       time.Duration `validate:"gt=0s"`
	SweepInterval     time.Duration `validate:"gt=0s"`
	MaxDatagramBytes  int           `validate:"min=4,max=65535"`
	BindMatch         registry.BindMatch
	DropLogsPerSecond int `validate:"min=0"`

	AnnounceInterval time.Duration `validate:"gt=0s"`
	AnnounceTimeout  time.Duration `validate:"gt=0s"`

	// Observer enables the GET /events status and log stream.
	Observer       bool
	AllowedOrigins []string
	LogFile        string

	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration `validate:"gt=0s"`

	// ConfigFile is the TOML file the values were layered on, if any.
	ConfigFile string
}

// RelayListenAddr is the UDP address the relay binds.
func (c Config) RelayListenAddr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

// fileValues mirrors the TOML config file. It is pre-filled with the built-in
// defaults so keys missing from the file keep them.
type fileValues struct {
	Name                string        `toml:"name"`
	MaxClients          int           `toml:"max_clients"`
	Password            string        `toml:"password"`
	Port                int           `toml:"port"`
	BindAddress         string        `toml:"bind_address"`
	HTTPListenAddr      string        `toml:"http_addr"`
	MasterURL           string        `toml:"master_url"`
	MasterPassword      string        `toml:"master_password"`
	NoMaster            bool          `toml:"no_master"`
	PublicHost          string        `toml:"public_host"`
	IPLimit             *int          `toml:"ip_limit"`
	MaintenancePassword string        `toml:"maintenance_password"`
	IdleTimeout         time.Duration `toml:"idle_timeout"`
	SweepInterval       time.Duration `toml:"sweep_interval"`
	MaxDatagramBytes    int           `toml:"max_datagram_bytes"`
	BindMatch           string        `toml:"bind_match"`
	DropLogsPerSecond   int           `toml:"drop_logs_per_second"`
	AnnounceInterval    time.Duration `toml:"announce_interval"`
	AnnounceTimeout     time.Duration `toml:"announce_timeout"`
	Observer            bool          `toml:"observer"`
	AllowedOrigins      []string      `toml:"allowed_origins"`
	LogFile             string        `toml:"log_file"`
	Mode                string        `toml:"mode"`
	LogFormat           string        `toml:"log_format"`
	LogLevel            string        `toml:"log_level"`
	ShutdownTimeout     time.Duration `toml:"shutdown_timeout"`
}

func builtinDefaults() fileValues {
	return fileValues{
		Name:             DefaultName,
		MaxClients:       DefaultMaxClients,
		Port:             DefaultPort,
		BindAddress:      DefaultBindAddress,
		MasterURL:        DefaultMasterURL,
		IdleTimeout:      DefaultIdleTimeout,
		SweepInterval:    DefaultSweepInterval,
		MaxDatagramBytes: DefaultMaxDatagramBytes,
		BindMatch:        registry.MatchAddressAndPort.String(),
		AnnounceInterval: DefaultAnnounceInterval,
		AnnounceTimeout:  DefaultAnnounceTimeout,
		Mode:             string(DefaultMode),
		ShutdownTimeout:  DefaultShutdown,
	}
}

func readConfigFile(path string, into *fileValues) error {
	md, err := toml.DecodeFile(path, into)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("config file %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// configFileArg finds -config/--config ahead of flag parsing, because the file
// supplies the flag defaults.
func configFileArg(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			break
		}
		name := strings.TrimLeft(a, "-")
		if name == a {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	configFile := envOrDefault(lookup, envVarConfigFile, "")
	if v := configFileArg(args); v != "" {
		configFile = v
	}

	defaults := builtinDefaults()
	if configFile != "" {
		if err := readConfigFile(configFile, &defaults); err != nil {
			return Config{}, err
		}
	}

	modeDefault := envOrDefault(lookup, envVarMode, defaults.Mode)

	envLogFormat := envOrDefault(lookup, envVarLogFormat, defaults.LogFormat)
	logFormatSet := envLogFormat != ""
	logFormatDefault := envLogFormat
	if !logFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel := envOrDefault(lookup, envVarLogLevel, defaults.LogLevel)
	logLevelSet := envLogLevel != ""
	logLevelDefault := envLogLevel
	if !logLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	name := envOrDefault(lookup, envVarName, defaults.Name)
	password := envOrDefault(lookup, envVarPassword, defaults.Password)
	bindAddress := envOrDefault(lookup, envVarBindAddress, defaults.BindAddress)
	httpListenAddr := envOrDefault(lookup, envVarHTTPListenAddr, defaults.HTTPListenAddr)
	masterURL := envOrDefault(lookup, envVarMasterURL, defaults.MasterURL)
	masterPassword := envOrDefault(lookup, envVarMasterPassword, defaults.MasterPassword)
	publicHost := envOrDefault(lookup, envVarPublicHost, defaults.PublicHost)
	maintenancePassword := envOrDefault(lookup, envVarMaintenancePassword, defaults.MaintenancePassword)
	bindMatchStr := envOrDefault(lookup, envVarBindMatch, defaults.BindMatch)
	logFile := envOrDefault(lookup, envVarLogFile, defaults.LogFile)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, strings.Join(defaults.AllowedOrigins, ","))

	maxClients, err := envIntOrDefault(lookup, envVarMaxClients, defaults.MaxClients)
	if err != nil {
		return Config{}, err
	}
	port, err := envIntOrDefault(lookup, envVarPort, defaults.Port)
	if err != nil {
		return Config{}, err
	}
	ipLimitSet := defaults.IPLimit != nil
	ipLimit := 0
	if ipLimitSet {
		ipLimit = *defaults.IPLimit
	}
	if raw, ok := lookup(envVarIPLimit); ok && strings.TrimSpace(raw) != "" {
		ipLimitSet = true
	}
	ipLimit, err = envIntOrDefault(lookup, envVarIPLimit, ipLimit)
	if err != nil {
		return Config{}, err
	}
	maxDatagramBytes, err := envIntOrDefault(lookup, envVarMaxDatagramBytes, defaults.MaxDatagramBytes)
	if err != nil {
		return Config{}, err
	}
	dropLogsPerSecond, err := envIntOrDefault(lookup, envVarDropLogsPerSecond, defaults.DropLogsPerSecond)
	if err != nil {
		return Config{}, err
	}
	noMaster, err := envBoolOrDefault(lookup, envVarNoMaster, defaults.NoMaster)
	if err != nil {
		return Config{}, err
	}
	observerEnabled, err := envBoolOrDefault(lookup, envVarObserver, defaults.Observer)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, envVarIdleTimeout, defaults.IdleTimeout)
	if err != nil {
		return Config{}, err
	}
	sweepInterval, err := envDurationOrDefault(lookup, envVarSweepInterval, defaults.SweepInterval)
	if err != nil {
		return Config{}, err
	}
	announceInterval, err := envDurationOrDefault(lookup, envVarAnnounceInterval, defaults.AnnounceInterval)
	if err != nil {
		return Config{}, err
	}
	announceTimeout, err := envDurationOrDefault(lookup, envVarAnnounceTimeout, defaults.AnnounceTimeout)
	if err != nil {
		return Config{}, err
	}
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, defaults.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("cncnet-tunnel", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&configFile, "config", configFile, "TOML config file; env and flags override it (env "+envVarConfigFile+")")
	fs.StringVar(&name, "name", name, "Tunnel name shown in the master server list (env "+envVarName+")")
	fs.IntVar(&maxClients, "maxclients", maxClients, "Maximum concurrently allocated slots, at least 2 (env "+envVarMaxClients+")")
	fs.StringVar(&password, "password", password, "Password required to request slots (env "+envVarPassword+")")
	fs.IntVar(&port, "port", port, "UDP relay and HTTP control port, 1024-65535 (env "+envVarPort+")")
	fs.StringVar(&bindAddress, "bindaddress", bindAddress, "Local IP to bind (env "+envVarBindAddress+")")
	fs.StringVar(&httpListenAddr, "http-addr", httpListenAddr, "HTTP listen address (default bindaddress:port; env "+envVarHTTPListenAddr+")")
	fs.StringVar(&masterURL, "master", masterURL, "Master server announce URL (env "+envVarMasterURL+")")
	fs.StringVar(&masterPassword, "masterpw", masterPassword, "Master server password (env "+envVarMasterPassword+")")
	fs.BoolVar(&noMaster, "nomaster", noMaster, "Do not announce to the master server (env "+envVarNoMaster+")")
	fs.StringVar(&publicHost, "public-host", publicHost, "Host announced to the master server (env "+envVarPublicHost+")")
	fs.IntVar(&ipLimit, "iplimit", ipLimit, "Maximum live slots per requesting IP, 0 = unlimited (default "+strconv.Itoa(DefaultGamesPerIP)+" x maxclients; env "+envVarIPLimit+")")
	fs.StringVar(&maintenancePassword, "maintpw", maintenancePassword, "Password for /maintenance; empty disables the route (env "+envVarMaintenancePassword+")")
	fs.DurationVar(&idleTimeout, "idle-timeout", idleTimeout, "Evict slots idle for longer than this (env "+envVarIdleTimeout+")")
	fs.DurationVar(&sweepInterval, "sweep-interval", sweepInterval, "How often idle slots are swept (env "+envVarSweepInterval+")")
	fs.DurationVar(&announceInterval, "announce-interval", announceInterval, "Master heartbeat interval (env "+envVarAnnounceInterval+")")
	fs.DurationVar(&announceTimeout, "announce-timeout", announceTimeout, "Master heartbeat request timeout (env "+envVarAnnounceTimeout+")")
	fs.IntVar(&maxDatagramBytes, "max-datagram-bytes", maxDatagramBytes, "Largest relayed datagram including the 4 byte header (env "+envVarMaxDatagramBytes+")")
	fs.StringVar(&bindMatchStr, "bind-match", bindMatchStr, "Source check for bound slots: address_and_port or address (env "+envVarBindMatch+")")
	fs.IntVar(&dropLogsPerSecond, "drop-logs-per-second", dropLogsPerSecond, "Cap on dropped-datagram log lines per second, 0 = unlimited (env "+envVarDropLogsPerSecond+")")
	fs.BoolVar(&observerEnabled, "observer", observerEnabled, "Serve the status and log stream at /events (env "+envVarObserver+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated browser origins allowed on /events (env "+envVarAllowedOrigins+")")
	fs.StringVar(&logFile, "logfile", logFile, "Append logs to this file as well as stdout (env "+envVarLogFile+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !logFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !logLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	bindMatch, err := registry.ParseBindMatch(bindMatchStr)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	// Out-of-range counts and ports are pulled into range rather than rejected.
	maxClients = max(maxClients, MinClients)
	port = min(max(port, MinPort), MaxPort)
	if !ipLimitSet && !setFlags["iplimit"] {
		ipLimit = DefaultIPLimit(maxClients)
	}

	if strings.TrimSpace(httpListenAddr) == "" {
		httpListenAddr = net.JoinHostPort(bindAddress, strconv.Itoa(port))
	}

	cfg := Config{
		Name:                strings.TrimSpace(name),
		MaxClients:          maxClients,
		Password:            password,
		Port:                port,
		BindAddress:         strings.TrimSpace(bindAddress),
		HTTPListenAddr:      httpListenAddr,
		MasterURL:           strings.TrimSpace(masterURL),
		MasterPassword:      masterPassword,
		NoMaster:            noMaster,
		PublicHost:          strings.TrimSpace(publicHost),
		IPLimit:             ipLimit,
		MaintenancePassword: maintenancePassword,
		IdleTimeout:         idleTimeout,
		SweepInterval:       sweepInterval,
		MaxDatagramBytes:    maxDatagramBytes,
		BindMatch:           bindMatch,
		DropLogsPerSecond:   dropLogsPerSecond,
		AnnounceInterval:    announceInterval,
		AnnounceTimeout:     announceTimeout,
		Observer:            observerEnabled,
		AllowedOrigins:      allowedOrigins,
		LogFile:             logFile,
		Mode:                mode,
		LogFormat:           logFormat,
		LogLevel:            level,
		ShutdownTimeout:     shutdownTimeout,
		ConfigFile:          configFile,
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var structValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// hostname_port rejects IPv6 literals such as [::]:50000.
	_ = v.RegisterValidation("listen_addr", func(fl validator.FieldLevel) bool {
		_, port, err := net.SplitHostPort(fl.Field().String())
		if err != nil {
			return false
		}
		n, err := strconv.Atoi(port)
		return err == nil && n >= 0 && n <= MaxPort
	})
	return v
}

func validate(cfg Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s %v (%s%s)", fe.Field(), fe.Value(), fe.Tag(), paramSuffix(fe.Param()))
		}
		return err
	}
	if !cfg.NoMaster && cfg.MasterURL == "" {
		return fmt.Errorf("master URL is empty (set --master or --nomaster)")
	}
	if cfg.MaxDatagramBytes < udpproto.HeaderLen {
		return fmt.Errorf("invalid MaxDatagramBytes %d (must hold the %d byte header)", cfg.MaxDatagramBytes, udpproto.HeaderLen)
	}
	return nil
}

func paramSuffix(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}

// NewLogger builds the process logger. Records go to stdout, to cfg.LogFile
// when set, and to every extra handler. The returned closer releases the log
// file.
func NewLogger(cfg Config, extra ...slog.Handler) (*slog.Logger, io.Closer, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, f)
		closer = f
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(out, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(out, opts)
	default:
		_ = closer.Close()
		return nil, nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	if len(extra) > 0 {
		handler = observer.Tee(append([]slog.Handler{handler}, extra...)...)
	}
	return slog.New(handler), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}
