package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// plain drops auxiliary fields and treats empty slices as nil
func plain(c *Config) Config {
	out := *c
	out.v = nil
	out.lg = nil
	out.Log = nil
	if len(out.AllowedOrigins) == 0 {
		out.AllowedOrigins = nil
	}
	if len(out.Upload) == 0 {
		out.Upload = nil
	}
	return out
}

func defaultConfig() Config {
	return Config{
		Mode:           ModeServer,
		Transport:      TransportWebSocket,
		Listen:         "127.0.0.1:8080",
		Path:           "/ws",
		ChunkSize:      1 << 20,
		MaxStreamSize:  64 << 20,
		ConnectTimeout: 5 * time.Second,
		WriteTimeout:   10 * time.Second,
		RetryMin:       10 * time.Millisecond,
		RetryMax:       time.Second,
		TimerInterval:  time.Second,
		SaveDir:        "uploads",
	}
}

func TestNewConfig(t *testing.T) {
	type args struct {
		arguments []string
	}
	tests := []struct {
		name     string
		args     args
		want     Config
		logLevel string
		wantErr  bool
		errMsg   string
	}{
		{
			name:     "default config",
			args:     args{arguments: []string{}},
			want:     defaultConfig(),
			logLevel: "INFO",
		},
		{
			name: "config from command line",
			args: args{arguments: []string{
				"--mode=client",
				"--transport=tcp",
				"--listen=0.0.0.0:9000",
				"--listen-tcp=0.0.0.0:9001",
				"--path=/rattle",
				"--address=tcp://example.com:9000",
				"--origin=test-origin",
				"--allowed-origins=http://a.example.com,http://b.example.com",
				"--chunk-size=4096",
				"--max-stream-size=1048576",
				"--legacy-outbound",
				"--connect-timeout=3s",
				"--write-timeout=1m1s",
				"--retry-min=5ms",
				"--retry-max=500ms",
				"--timer-interval=2s",
				"--save-dir=test-save-dir",
				"--upload=a.txt,b.txt",
				"--print-config",
				"--log-level=WARN",
			}},
			want: Config{
				Mode:           ModeClient,
				Transport:      TransportTCP,
				Listen:         "0.0.0.0:9000",
				ListenTCP:      "0.0.0.0:9001",
				Path:           "/rattle",
				Address:        "tcp://example.com:9000",
				Origin:         "test-origin",
				AllowedOrigins: []string{"http://a.example.com", "http://b.example.com"},
				ChunkSize:      4096,
				MaxStreamSize:  1048576,
				LegacyOutbound: true,
				ConnectTimeout: 3 * time.Second,
				WriteTimeout:   time.Minute + time.Second,
				RetryMin:       5 * time.Millisecond,
				RetryMax:       500 * time.Millisecond,
				TimerInterval:  2 * time.Second,
				SaveDir:        "test-save-dir",
				Upload:         []string{"a.txt", "b.txt"},
				PrintConfig:    true,
			},
			logLevel: "WARN",
		},
		{
			name: "config from toml file",
			args: args{arguments: []string{
				"--config=./testdata/rattle.toml",
			}},
			want: Config{
				Mode:           ModeClient,
				Transport:      TransportTCP,
				Listen:         "0.0.0.0:9000",
				Path:           "/ws",
				Address:        "tcp://example.com:9000",
				Origin:         "test-origin",
				AllowedOrigins: []string{"http://a.example.com", "http://b.example.com"},
				ChunkSize:      4096,
				MaxStreamSize:  1048576,
				LegacyOutbound: true,
				ConnectTimeout: 3 * time.Second,
				WriteTimeout:   time.Minute + time.Second,
				RetryMin:       5 * time.Millisecond,
				RetryMax:       500 * time.Millisecond,
				TimerInterval:  2 * time.Second,
				SaveDir:        "test-save-dir",
				Upload:         []string{"a.txt", "b.txt"},
			},
			logLevel: "WARN",
		},
		{
			name: "command line overrides file",
			args: args{arguments: []string{
				"--config=./testdata/rattle.toml",
				"--mode=server",
				"--chunk-size=8192",
			}},
			want: func() Config {
				c := Config{
					Mode:           ModeServer,
					Transport:      TransportTCP,
					Listen:         "0.0.0.0:9000",
					Path:           "/ws",
					Address:        "tcp://example.com:9000",
					Origin:         "test-origin",
					AllowedOrigins: []string{"http://a.example.com", "http://b.example.com"},
					ChunkSize:      8192,
					MaxStreamSize:  1048576,
					LegacyOutbound: true,
					ConnectTimeout: 3 * time.Second,
					WriteTimeout:   time.Minute + time.Second,
					RetryMin:       5 * time.Millisecond,
					RetryMax:       500 * time.Millisecond,
					TimerInterval:  2 * time.Second,
					SaveDir:        "test-save-dir",
					Upload:         []string{"a.txt", "b.txt"},
				}
				return c
			}(),
			logLevel: "WARN",
		},
		{
			name: "debug lowers the log level only",
			args: args{arguments: []string{
				"--debug",
			}},
			want: func() Config {
				c := defaultConfig()
				c.Debug = true
				return c
			}(),
			logLevel: "DEBUG",
		},
		{
			name: "help message",
			args: args{arguments: []string{
				"--help",
			}},
			wantErr: true,
			errMsg:  pflag.ErrHelp.Error(),
		},
		{
			name: "parse arguments error",
			args: args{arguments: []string{
				"--origin=test",
				"--mode",
			}},
			wantErr: true,
			errMsg:  "flag needs an argument",
		},
		{
			name: "read configuration file error",
			args: args{arguments: []string{
				"--config=not-exist.toml",
			}},
			wantErr: true,
			errMsg:  "read configuration file",
		},
		{
			name: "unmarshal configuration error",
			args: args{arguments: []string{
				"--config=./testdata/invalid.toml",
			}},
			wantErr: true,
			errMsg:  "unmarshal configuration",
		},
		{
			name: "invalid log level",
			args: args{arguments: []string{
				"--log-level=BAD",
			}},
			wantErr: true,
			errMsg:  "adjust log config",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			config, err := NewConfig(tt.args.arguments, io.Discard)

			if tt.wantErr {
				re.ErrorContains(err, tt.errMsg)
				return
			}
			re.NoError(err)
			re.NotNil(config.Logger())
			re.Equal(tt.logLevel, config.Log.Level)
			level, err := zapcore.ParseLevel(tt.logLevel)
			re.NoError(err)
			re.Equal(level, config.Log.Zap.Level.Level())
			re.Equal(tt.want, plain(config))
		})
	}
}

func TestAdjust(t *testing.T) {
	hostname, e := os.Hostname()
	require.NoError(t, e)

	tests := []struct {
		name string
		in   func(c *Config)
		want func(c *Config)
	}{
		{
			name: "default config",
			in:   func(c *Config) {},
			want: func(c *Config) {
				c.Origin = "rattle-" + hostname
				c.Address = "ws://127.0.0.1:8080/ws"
			},
		},
		{
			name: "tcp address",
			in: func(c *Config) {
				c.Transport = "TCP"
				c.Listen = "10.0.0.1:9000"
			},
			want: func(c *Config) {
				c.Transport = TransportTCP
				c.Listen = "10.0.0.1:9000"
				c.Origin = "rattle-" + hostname
				c.Address = "tcp://10.0.0.1:9000"
			},
		},
		{
			name: "relative path and explicit origin",
			in: func(c *Config) {
				c.Mode = "Client"
				c.Path = "rattle"
				c.Origin = "test-origin"
			},
			want: func(c *Config) {
				c.Mode = ModeClient
				c.Path = "/rattle"
				c.Origin = "test-origin"
				c.Address = "ws://127.0.0.1:8080/rattle"
			},
		},
		{
			name: "drop empty and duplicate entries",
			in: func(c *Config) {
				c.Origin = "test-origin"
				c.Address = "ws://example.com/ws"
				c.AllowedOrigins = []string{"", "http://a", "http://b", "http://a"}
				c.Upload = []string{"a.txt", "", "b.txt"}
			},
			want: func(c *Config) {
				c.Origin = "test-origin"
				c.Address = "ws://example.com/ws"
				c.AllowedOrigins = []string{"http://a", "http://b"}
				c.Upload = []string{"a.txt", "b.txt"}
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			config, err := NewConfig([]string{}, io.Discard)
			re.NoError(err)
			tt.in(config)

			err = config.Adjust()
			re.NoError(err)

			want := defaultConfig()
			tt.want(&want)
			re.Equal(want, plain(config))
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		in      func(c *Config)
		wantErr bool
		errMsg  string
	}{
		{
			name: "default config",
			in:   func(c *Config) {},
		},
		{
			name: "client without listen address",
			in: func(c *Config) {
				c.Mode = ModeClient
				c.Listen = ""
				c.Address = "ws://example.com/ws"
			},
		},
		{
			name:    "invalid mode",
			in:      func(c *Config) { c.Mode = "proxy" },
			wantErr: true,
			errMsg:  "invalid mode",
		},
		{
			name:    "invalid transport",
			in:      func(c *Config) { c.Transport = "udp" },
			wantErr: true,
			errMsg:  "invalid transport",
		},
		{
			name:    "server without listen address",
			in:      func(c *Config) { c.Listen = "" },
			wantErr: true,
			errMsg:  "listen address is required",
		},
		{
			name:    "invalid address",
			in:      func(c *Config) { c.Address = "ws://exa mple.com:port/ws" },
			wantErr: true,
			errMsg:  "invalid address",
		},
		{
			name:    "invalid chunk size",
			in:      func(c *Config) { c.ChunkSize = 0 },
			wantErr: true,
			errMsg:  "invalid chunk size",
		},
		{
			name:    "invalid max stream size",
			in:      func(c *Config) { c.MaxStreamSize = -1 },
			wantErr: true,
			errMsg:  "invalid max stream size",
		},
		{
			name:    "invalid retry backoff",
			in:      func(c *Config) { c.RetryMax = time.Millisecond },
			wantErr: true,
			errMsg:  "invalid retry backoff",
		},
		{
			name:    "server without save dir",
			in:      func(c *Config) { c.SaveDir = "" },
			wantErr: true,
			errMsg:  "save dir is required",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			config, err := NewConfig([]string{}, io.Discard)
			re.NoError(err)
			re.NoError(config.Adjust())
			tt.in(config)

			err = config.Validate()

			if tt.wantErr {
				re.ErrorContains(err, tt.errMsg)
				return
			}
			re.NoError(err)
		})
	}
}

func TestDumpRoundTrip(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	config, err := NewConfig([]string{
		"--mode=client",
		"--allowed-origins=http://a.example.com",
		"--upload=a.txt,b.txt",
		"--write-timeout=1m1s",
		"--log-level=ERROR",
	}, io.Discard)
	re.NoError(err)
	re.NoError(config.Adjust())

	var buf bytes.Buffer
	re.NoError(config.Dump(&buf))
	re.Contains(buf.String(), `writeTimeout = "1m1s"`)
	re.Contains(buf.String(), `mode = "client"`)

	file := filepath.Join(t.TempDir(), "rattle.toml")
	re.NoError(os.WriteFile(file, buf.Bytes(), 0o600))

	loaded, err := NewConfig([]string{"--config=" + file}, io.Discard)
	re.NoError(err)
	re.NoError(loaded.Adjust())

	re.Equal(plain(config), plain(loaded))
	re.Equal(config.Log.Level, loaded.Log.Level)
	re.Equal(config.Log.Zap.OutputPaths, loaded.Log.Zap.OutputPaths)
	re.Equal(config.Log.Zap.Encoding, loaded.Log.Zap.Encoding)
}
