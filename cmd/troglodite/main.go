// Command troglodite opens a window and renders a spinning cube through the
// frame engine.
package main

import (
	"flag"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/veandco/go-sdl2/sdl"

	"github.com/troglodite/troglodite/config"
	"github.com/troglodite/troglodite/engine"
	"github.com/troglodite/troglodite/gpu/vulkan"
)

func main() {
	// SDL and the presentation queue expect calls from the thread that
	// created the window.
	runtime.LockOSThread()

	configPath := flag.String("config", "", "path to a TOML configuration file")
	logLevel := flag.String("log-level", "", "overrides [log] level: debug, info, warn or error")
	flag.Parse()

	if err := run(*configPath, *logLevel); err != nil {
		slog.Error("troglodite failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, levelOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if levelOverride != "" {
		cfg.Log.Level = levelOverride
	}
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if err := sdl.Init(sdl.INIT_VIDEO); err != nil {
		return errors.Wrap(err, "initializing sdl")
	}
	defer sdl.Quit()

	window, err := sdl.CreateWindow(cfg.Window.Title, sdl.WINDOWPOS_UNDEFINED, sdl.WINDOWPOS_UNDEFINED,
		int32(cfg.Window.Width), int32(cfg.Window.Height),
		sdl.WINDOW_SHOWN|sdl.WINDOW_VULKAN|sdl.WINDOW_RESIZABLE)
	if err != nil {
		return errors.Wrap(err, "creating window")
	}
	defer window.Destroy()

	dev, err := vulkan.New(window, vulkan.Options{
		AppName:     cfg.Window.Title,
		Validation:  cfg.Engine.Validation,
		PresentMode: cfg.Engine.PresentMode,
		Logger:      log.With("component", "vulkan"),
	})
	if err != nil {
		return err
	}
	defer dev.Close()

	eng, err := engine.New(dev, dev, engine.Options{
		Logger:         log.With("component", "engine"),
		FenceTimeout:   time.Duration(cfg.Engine.FenceTimeout),
		AcquireTimeout: time.Duration(cfg.Engine.AcquireTimeout),
		DepthFormat:    cfg.Engine.DepthFormatValue(),
		ClearColor:     cfg.Engine.ClearColor,
	})
	if err != nil {
		return err
	}

	sc, err := newScene(dev, eng, cfg.Scene, log.With("component", "scene"))
	if err != nil {
		return errors.CombineErrors(err, eng.Close())
	}
	eng.SetScene(sc)
	eng.SetOverlay(newStatsOverlay(eng, log, 5*time.Second))

	loopErr := mainLoop(eng)

	// The scene's pipeline may still be referenced by frames in flight.
	idleErr := dev.WaitIdle()
	sc.destroy()
	return errors.CombineErrors(errors.CombineErrors(loopErr, idleErr), eng.Close())
}

func mainLoop(eng *engine.Engine) error {
	rendering := true
	for {
		for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
			switch e := event.(type) {
			case *sdl.QuitEvent:
				return nil
			case *sdl.WindowEvent:
				switch e.Event {
				case sdl.WINDOWEVENT_MINIMIZED:
					rendering = false
				case sdl.WINDOWEVENT_RESTORED, sdl.WINDOWEVENT_MAXIMIZED:
					rendering = true
					eng.NotifyResize()
				case sdl.WINDOWEVENT_RESIZED, sdl.WINDOWEVENT_SIZE_CHANGED:
					eng.NotifyResize()
				}
			}
		}
		if !rendering {
			sdl.Delay(16)
			continue
		}
		if err := eng.Draw(); err != nil {
			return err
		}
	}
}
