// Copyright 2016 TiKV Project Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/AutoMQ/rattle/pkg/util/typeutil"
)

const (
	ModeServer = "server"
	ModeClient = "client"

	TransportWebSocket = "websocket"
	TransportTCP       = "tcp"

	_envPrefix = "RATTLE"

	_defaultMode           = ModeServer
	_defaultTransport      = TransportWebSocket
	_defaultListen         = "127.0.0.1:8080"
	_defaultPath           = "/ws"
	_defaultOriginFormat   = "rattle-%s"
	_defaultChunkSize      = 1 << 20
	_defaultMaxStreamSize  = 64 << 20
	_defaultConnectTimeout = 5 * time.Second
	_defaultWriteTimeout   = 10 * time.Second
	_defaultRetryMin       = 10 * time.Millisecond
	_defaultRetryMax       = time.Second
	_defaultTimerInterval  = time.Second
	_defaultSaveDir        = "uploads"
)

var (
	_defaultConfigFilePaths = []string{".", "$CONFIG_DIR/"}
)

// Config is the configuration of a rattle endpoint, either side of a connection
type Config struct {
	Log *Log

	// Mode is either "server" or "client"
	Mode string
	// Transport is either "websocket" or "tcp"
	Transport string

	// Listen is where a server accepts websocket upgrades (or raw tcp connections)
	Listen string
	// ListenTCP, when set, makes a websocket server also accept raw tcp connections
	ListenTCP string
	// Path is the HTTP path of the websocket endpoint
	Path string
	// Address is what a client dials (default derived from Listen, Path and Transport)
	Address string

	// Origin is sent with every outbound call (default "rattle-${hostname}")
	Origin         string
	AllowedOrigins []string

	ChunkSize      int64
	MaxStreamSize  int64
	LegacyOutbound bool

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	RetryMin       time.Duration
	RetryMax       time.Duration

	// TimerInterval is the period of the server's timer pushes
	TimerInterval time.Duration
	// SaveDir is where a server stores uploaded files
	SaveDir string
	// Upload lists files a client streams after connecting
	Upload []string

	// Debug only lowers the log level to debug
	Debug       bool
	PrintConfig bool

	v  *viper.Viper
	lg *zap.Logger
}

// NewConfig creates a new config.
func NewConfig(arguments []string, errOutput io.Writer) (*Config, error) {
	cfg := &Config{}
	cfg.Log = NewLog()

	v, fs := configure(errOutput)
	cfg.v = v

	// parse from command line
	fs.String("config", "", "configuration file")
	err := fs.Parse(arguments)
	if err != nil {
		return nil, err
	}

	// read configuration from file
	c, _ := fs.GetString("config")
	v.SetConfigFile(c)
	err = v.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read configuration file")
		}
	}

	// set config
	err = v.Unmarshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal configuration")
	}

	// new and set logger (first thing after configuration loaded)
	if cfg.Debug {
		cfg.Log.Level = "DEBUG"
	}
	err = cfg.Log.Adjust()
	if err != nil {
		return nil, errors.Wrap(err, "adjust log config")
	}
	logger, err := cfg.Log.Logger()
	if err != nil {
		return nil, errors.Wrap(err, "create logger")
	}
	cfg.lg = logger

	if configFile := v.ConfigFileUsed(); configFile != "" {
		logger.Debug("load configuration from file", zap.String("file-name", configFile))
	}

	return cfg, nil
}

// Adjust generates default values for some fields (if they are empty)
func (c *Config) Adjust() error {
	c.Mode = strings.ToLower(c.Mode)
	c.Transport = strings.ToLower(c.Transport)
	c.AllowedOrigins = typeutil.Unique(typeutil.FilterZero(c.AllowedOrigins))
	c.Upload = typeutil.FilterZero(c.Upload)
	if c.Path == "" {
		c.Path = _defaultPath
	}
	if !strings.HasPrefix(c.Path, "/") {
		c.Path = "/" + c.Path
	}
	if c.Origin == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return errors.Wrap(err, "get hostname")
		}
		c.Origin = fmt.Sprintf(_defaultOriginFormat, hostname)
	}
	if c.Address == "" {
		switch c.Transport {
		case TransportTCP:
			c.Address = "tcp://" + c.Listen
		default:
			c.Address = (&url.URL{Scheme: "ws", Host: c.Listen, Path: c.Path}).String()
		}
	}
	return nil
}

// Validate checks whether the configuration is valid. It should be called after Adjust
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeServer, ModeClient:
	default:
		return errors.Errorf("invalid mode `%s`, want %s or %s", c.Mode, ModeServer, ModeClient)
	}
	switch c.Transport {
	case TransportWebSocket, TransportTCP:
	default:
		return errors.Errorf("invalid transport `%s`, want %s or %s", c.Transport, TransportWebSocket, TransportTCP)
	}
	if c.Mode == ModeServer && c.Listen == "" {
		return errors.New("listen address is required in server mode")
	}
	if _, err := url.Parse(c.Address); err != nil {
		return errors.Wrapf(err, "invalid address `%s`", c.Address)
	}
	if c.ChunkSize <= 0 {
		return errors.Errorf("invalid chunk size %d", c.ChunkSize)
	}
	if c.MaxStreamSize < 0 {
		return errors.Errorf("invalid max stream size %d", c.MaxStreamSize)
	}
	if c.RetryMin <= 0 || c.RetryMax < c.RetryMin {
		return errors.Errorf("invalid retry backoff [%s, %s]", c.RetryMin, c.RetryMax)
	}
	if c.Mode == ModeServer && c.SaveDir == "" {
		return errors.New("save dir is required in server mode")
	}
	return nil
}

// Logger returns logger generated based on the config
// It can be used after calling NewConfig
func (c *Config) Logger() *zap.Logger {
	if c != nil {
		return c.lg
	}
	return nil
}

type printableZap struct {
	OutputPaths      []string `toml:"outputPaths"`
	ErrorOutputPaths []string `toml:"errorOutputPaths"`
	Encoding         string   `toml:"encoding"`
}

type printableLog struct {
	Level          string       `toml:"level"`
	EnableRotation bool         `toml:"enableRotation"`
	Zap            printableZap `toml:"zap"`
	Rotate         Rotate       `toml:"rotate"`
}

type printable struct {
	Mode           string            `toml:"mode"`
	Transport      string            `toml:"transport"`
	Listen         string            `toml:"listen"`
	ListenTCP      string            `toml:"listenTCP"`
	Path           string            `toml:"path"`
	Address        string            `toml:"address"`
	Origin         string            `toml:"origin"`
	AllowedOrigins []string          `toml:"allowedOrigins"`
	ChunkSize      int64             `toml:"chunkSize"`
	MaxStreamSize  int64             `toml:"maxStreamSize"`
	LegacyOutbound bool              `toml:"legacyOutbound"`
	ConnectTimeout typeutil.Duration `toml:"connectTimeout"`
	WriteTimeout   typeutil.Duration `toml:"writeTimeout"`
	RetryMin       typeutil.Duration `toml:"retryMin"`
	RetryMax       typeutil.Duration `toml:"retryMax"`
	TimerInterval  typeutil.Duration `toml:"timerInterval"`
	SaveDir        string            `toml:"saveDir"`
	Upload         []string          `toml:"upload"`
	Debug          bool              `toml:"debug"`
	Log            printableLog      `toml:"log"`
}

// Dump writes the configuration as TOML which NewConfig accepts back through --config
func (c *Config) Dump(w io.Writer) error {
	p := printable{
		Mode:           c.Mode,
		Transport:      c.Transport,
		Listen:         c.Listen,
		ListenTCP:      c.ListenTCP,
		Path:           c.Path,
		Address:        c.Address,
		Origin:         c.Origin,
		AllowedOrigins: c.AllowedOrigins,
		ChunkSize:      c.ChunkSize,
		MaxStreamSize:  c.MaxStreamSize,
		LegacyOutbound: c.LegacyOutbound,
		ConnectTimeout: typeutil.NewDuration(c.ConnectTimeout),
		WriteTimeout:   typeutil.NewDuration(c.WriteTimeout),
		RetryMin:       typeutil.NewDuration(c.RetryMin),
		RetryMax:       typeutil.NewDuration(c.RetryMax),
		TimerInterval:  typeutil.NewDuration(c.TimerInterval),
		SaveDir:        c.SaveDir,
		Upload:         c.Upload,
		Debug:          c.Debug,
		Log: printableLog{
			Level:          c.Log.Level,
			EnableRotation: c.Log.EnableRotation,
			Zap: printableZap{
				OutputPaths:      c.Log.Zap.OutputPaths,
				ErrorOutputPaths: c.Log.Zap.ErrorOutputPaths,
				Encoding:         c.Log.Zap.Encoding,
			},
			Rotate: c.Log.Rotate,
		},
	}
	return errors.Wrap(toml.NewEncoder(w).Encode(p), "encode configuration")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix(_envPrefix)
	v.AutomaticEnv()
	for _, filePath := range _defaultConfigFilePaths {
		v.AddConfigPath(filePath)
	}
	return v
}

func configure(errOutput io.Writer) (*viper.Viper, *pflag.FlagSet) {
	v := newViper()
	fs := pflag.NewFlagSet("rattle", pflag.ContinueOnError)
	fs.SetOutput(errOutput)

	// endpoint settings
	fs.String("mode", _defaultMode, "run as \"server\" or \"client\"")
	fs.String("transport", _defaultTransport, "message transport, \"websocket\" or \"tcp\"")
	fs.String("listen", _defaultListen, "address the server listens on")
	fs.String("listen-tcp", "", "additional raw tcp listen address of a websocket server")
	fs.String("path", _defaultPath, "HTTP path of the websocket endpoint")
	fs.String("address", "", "address the client dials (default derived from ${listen}, ${path} and ${transport})")
	fs.String("origin", "", "origin sent with every outbound call (default 'rattle-${hostname}')")
	fs.StringSlice("allowed-origins", []string{}, "websocket Origin headers the server accepts, empty means any")
	_ = v.BindPFlag("mode", fs.Lookup("mode"))
	_ = v.BindPFlag("transport", fs.Lookup("transport"))
	_ = v.BindPFlag("listen", fs.Lookup("listen"))
	_ = v.BindPFlag("listenTCP", fs.Lookup("listen-tcp"))
	_ = v.BindPFlag("path", fs.Lookup("path"))
	_ = v.BindPFlag("address", fs.Lookup("address"))
	_ = v.BindPFlag("origin", fs.Lookup("origin"))
	_ = v.BindPFlag("allowedOrigins", fs.Lookup("allowed-origins"))

	// connection settings
	fs.Int64("chunk-size", _defaultChunkSize, "size in bytes of outbound stream chunks")
	fs.Int64("max-stream-size", _defaultMaxStreamSize, "largest inbound stream accepted, in bytes, 0 means no limit")
	fs.Bool("legacy-outbound", false, "send calls in the space-delimited \"route payload\" form")
	fs.Duration("connect-timeout", _defaultConnectTimeout, "timeout of each dial")
	fs.Duration("write-timeout", _defaultWriteTimeout, "timeout of each transport write")
	fs.Duration("retry-min", _defaultRetryMin, "first delay before retrying a write the transport pushed back")
	fs.Duration("retry-max", _defaultRetryMax, "largest delay before retrying a write the transport pushed back")
	_ = v.BindPFlag("chunkSize", fs.Lookup("chunk-size"))
	_ = v.BindPFlag("maxStreamSize", fs.Lookup("max-stream-size"))
	_ = v.BindPFlag("legacyOutbound", fs.Lookup("legacy-outbound"))
	_ = v.BindPFlag("connectTimeout", fs.Lookup("connect-timeout"))
	_ = v.BindPFlag("writeTimeout", fs.Lookup("write-timeout"))
	_ = v.BindPFlag("retryMin", fs.Lookup("retry-min"))
	_ = v.BindPFlag("retryMax", fs.Lookup("retry-max"))

	// demo settings
	fs.Duration("timer-interval", _defaultTimerInterval, "period of the server's timer pushes")
	fs.String("save-dir", _defaultSaveDir, "directory the server stores uploaded files in")
	fs.StringSlice("upload", []string{}, "files the client uploads after connecting")
	fs.Bool("debug", false, "shortcut for --log-level=DEBUG")
	fs.Bool("print-config", false, "print the effective configuration as TOML and exit")
	_ = v.BindPFlag("timerInterval", fs.Lookup("timer-interval"))
	_ = v.BindPFlag("saveDir", fs.Lookup("save-dir"))
	_ = v.BindPFlag("upload", fs.Lookup("upload"))
	_ = v.BindPFlag("debug", fs.Lookup("debug"))
	_ = v.BindPFlag("printConfig", fs.Lookup("print-config"))

	logConfigure(v, fs)
	return v, fs
}
