package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/troglodite/troglodite/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, core1_0.FormatD32SignedFloat, cfg.Engine.DepthFormatValue())
	assert.Equal(t, config.Duration(time.Second), cfg.Engine.FenceTimeout)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := config.Parse([]byte(`
[window]
width = 1280
height = 720

[engine]
present_mode = "fifo"
fence_timeout = "250ms"
depth_format = "d24s8"
clear_color = [0.0, 0.0, 0.0, 1.0]

[log]
level = "debug"
`))
	require.NoError(t, err)
	assert.Equal(t, 1280, cfg.Window.Width)
	assert.Equal(t, "Troglodite", cfg.Window.Title, "unset keys keep their defaults")
	assert.Equal(t, "fifo", cfg.Engine.PresentMode)
	assert.Equal(t, config.Duration(250*time.Millisecond), cfg.Engine.FenceTimeout)
	assert.Equal(t, config.Duration(time.Second), cfg.Engine.AcquireTimeout)
	assert.Equal(t, core1_0.FormatD24UnsignedNormalizedS8UnsignedInt, cfg.Engine.DepthFormatValue())
	assert.Equal(t, [4]float32{0, 0, 0, 1}, cfg.Engine.ClearColor)
	assert.Equal(t, "shaders/vert.spv", cfg.Scene.VertexShader)

	level, err := config.ParseLevel(cfg.Log.Level)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":        "[engine]\nframes_in_flight = 3\n",
		"bad duration":       "[engine]\nfence_timeout = \"soon\"\n",
		"zero timeout":       "[engine]\nacquire_timeout = \"0s\"\n",
		"negative timeout":   "[engine]\nfence_timeout = \"-1s\"\n",
		"present mode":       "[engine]\npresent_mode = \"vsync\"\n",
		"depth format":       "[engine]\ndepth_format = \"d16\"\n",
		"clear color range":  "[engine]\nclear_color = [2.0, 0.0, 0.0, 1.0]\n",
		"window size":        "[window]\nwidth = 0\n",
		"log level":          "[log]\nlevel = \"verbose\"\n",
		"malformed document": "[window\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	path := filepath.Join(t.TempDir(), "troglodite.toml")
	require.NoError(t, os.WriteFile(path, []byte("[window]\ntitle = \"Cave\"\n"), 0o644))
	cfg, err = config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Cave", cfg.Window.Title)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestDurationText(t *testing.T) {
	text, err := config.Duration(1500 * time.Millisecond).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1.5s", string(text))
}
