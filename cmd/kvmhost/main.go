// Command kvmhost is a demo host: it wires the build cache, instance
// manager and scheduler together over a directory of library files,
// starting one instance per file found at startup and evicting a file's
// cached builds when it changes (running instances are not restarted). It plays
// the role spec.md §1 leaves external ("CLI wrappers, JSON-RPC glue"),
// exercising the runtime the way a real host embedding it would, without
// attempting the JSON-RPC surface of spec.md §6 itself.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalrt/kvm"
	"github.com/signalrt/kvm/internal/abi"
	"github.com/signalrt/kvm/internal/buildcache"
	"github.com/signalrt/kvm/internal/instance"
	"github.com/signalrt/kvm/internal/iohierarchy"
	"github.com/signalrt/kvm/internal/xdg"
)

var (
	libRoot       = flag.String("libroot", xdg.DataHome, "directory of *.kvm constant-signal files to watch and serve")
	tick          = flag.Duration("tick", 10*time.Millisecond, "scheduler tick interval")
	sweep         = flag.Duration("sweep", time.Second, "stream subject tombstone sweep interval")
	deterministic = flag.Bool("deterministic-build", false, "build with FlagDeterministicBuild set")
	debug         = flag.Bool("debug", false, "format errors with additional detail")
)

func funcmain() error {
	flag.Parse()
	if *libRoot == "" {
		return fmt.Errorf("-libroot is required")
	}

	logger := log.New(os.Stderr, "kvmhost: ", log.LstdFlags)

	lib, err := newLibrary(*libRoot, logger)
	if err != nil {
		return err
	}

	cache := buildcache.New(logger, lib.specialize, *deterministic)
	hierarchy := iohierarchy.NewHierarchyBroadcaster(nil)
	output := instance.NewPipeBuffer()
	env := instance.New(logger, cache, hierarchy, output, nil, *deterministic, *tick, *sweep)

	ctx, canc := kvm.InterruptibleContext()
	defer canc()

	var eg errgroup.Group
	eg.Go(func() error { return cache.Run(ctx) })
	eg.Go(func() error { return env.Scheduler().Run(ctx) })
	eg.Go(func() error { return env.Stream().Run(ctx) })
	eg.Go(func() error { return watchLibrary(ctx, lib, cache, logger) })

	world := abi.NewWorld(env)
	for name, fp := range lib.fingerprints() {
		handle, err := env.Start(world, fp, nil)
		if err != nil {
			logger.Printf("start %q: %v", name, err)
			continue
		}
		logger.Printf("started %q as instance %d", name, handle)
	}

	kvm.RegisterAtExit(func() error {
		env.StopAll(world)
		logPath := xdg.CachePath("pipes", "stdout.log")
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return err
		}
		return output.Flush("stdout", logPath)
	})

	<-ctx.Done()
	logger.Printf("shutting down")
	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		if *debug {
			return fmt.Errorf("%+v", err)
		}
		return err
	}

	return kvm.RunAtExit()
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
