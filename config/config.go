// Package config loads the renderer's TOML configuration.
package config

import (
	"bytes"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
	"github.com/vkngwrapper/core/v3/core1_0"
)

// Duration is a time.Duration written as a Go duration string, such as "1s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type Window struct {
	Title  string `toml:"title"`
	Width  int    `toml:"width"`
	Height int    `toml:"height"`
}

type Engine struct {
	Validation     bool       `toml:"validation"`
	PresentMode    string     `toml:"present_mode"`
	FenceTimeout   Duration   `toml:"fence_timeout"`
	AcquireTimeout Duration   `toml:"acquire_timeout"`
	DepthFormat    string     `toml:"depth_format"`
	ClearColor     [4]float32 `toml:"clear_color"`
}

type Scene struct {
	VertexShader   string `toml:"vertex_shader"`
	FragmentShader string `toml:"fragment_shader"`
	PipelineCache  string `toml:"pipeline_cache"`
}

type Log struct {
	Level string `toml:"level"`
}

type Config struct {
	Window Window `toml:"window"`
	Engine Engine `toml:"engine"`
	Scene  Scene  `toml:"scene"`
	Log    Log    `toml:"log"`
}

func Default() Config {
	return Config{
		Window: Window{Title: "Troglodite", Width: 1920, Height: 1080},
		Engine: Engine{
			Validation:     true,
			PresentMode:    "mailbox",
			FenceTimeout:   Duration(time.Second),
			AcquireTimeout: Duration(time.Second),
			DepthFormat:    "d32",
			ClearColor:     [4]float32{0.321, 0.321, 0.321, 1.0},
		},
		Scene: Scene{
			VertexShader:   "shaders/vert.spv",
			FragmentShader: "shaders/frag.spv",
			PipelineCache:  "pipeline.cache",
		},
		Log: Log{Level: "info"},
	}
}

var depthFormats = map[string]core1_0.Format{
	"d32":   core1_0.FormatD32SignedFloat,
	"d32s8": core1_0.FormatD32SignedFloatS8UnsignedInt,
	"d24s8": core1_0.FormatD24UnsignedNormalizedS8UnsignedInt,
}

var presentModes = map[string]bool{"mailbox": true, "fifo": true, "immediate": true}

// Parse decodes data over the defaults. Unknown keys are an error.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return cfg, errors.Wrapf(err, "line %d column %d", row, col)
		}
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Load reads the file at path. An empty path yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "reading config")
	}
	cfg, err := Parse(data)
	return cfg, errors.Wrapf(err, "config %s", path)
}

func (c Config) Validate() error {
	if c.Window.Width <= 0 || c.Window.Height <= 0 {
		return errors.Newf("window size %dx%d must be positive", c.Window.Width, c.Window.Height)
	}
	if !presentModes[c.Engine.PresentMode] {
		return errors.Newf("unknown present mode %q", c.Engine.PresentMode)
	}
	if c.Engine.FenceTimeout <= 0 {
		return errors.New("fence_timeout must be positive")
	}
	if c.Engine.AcquireTimeout <= 0 {
		return errors.New("acquire_timeout must be positive")
	}
	if _, ok := depthFormats[c.Engine.DepthFormat]; !ok {
		return errors.Newf("unknown depth format %q", c.Engine.DepthFormat)
	}
	for _, v := range c.Engine.ClearColor {
		if v < 0 || v > 1 {
			return errors.Newf("clear color %v must be within [0, 1]", c.Engine.ClearColor)
		}
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// DepthFormatValue is the native format named by DepthFormat.
func (e Engine) DepthFormatValue() core1_0.Format {
	return depthFormats[e.DepthFormat]
}

func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, errors.Newf("unknown log level %q", s)
	}
	return level, nil
}
