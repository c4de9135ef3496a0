// Copyright 2024 The animdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// animdbctl builds and inspects clip databases.
//
//	animdbctl build -o anims.adb clip1.aclc clip2.aclc ...
//	animdbctl info anims.adb
//	animdbctl stream anims.adb
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bpowers/animdb"
	"github.com/bpowers/animdb/curve"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() error {
	fmt.Fprintf(os.Stderr, "usage: %s {build|info|stream} [flags] [args]\n", os.Args[0])
	return fmt.Errorf("bad usage")
}

func run() error {
	if len(os.Args) < 2 {
		return usage()
	}
	switch os.Args[1] {
	case "build":
		return cmdBuild(os.Args[2:])
	case "info":
		return cmdInfo(os.Args[2:])
	case "stream":
		return cmdStream(os.Args[2:])
	default:
		return usage()
	}
}

func cmdBuild(args []string) error {
	var outPath string
	var stride uint32
	var verbose bool

	flags := pflag.NewFlagSet("build", pflag.ContinueOnError)
	flags.StringVarP(&outPath, "output", "o", "anims.adb", "path for the built database")
	flags.Uint32Var(&stride, "core-stride", curve.DefaultDatabaseSettings().CoreStride, "decimation stride of the inline tier")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log build progress")
	if err := flags.Parse(args); err != nil {
		return err
	}
	clipPaths := flags.Args()
	if len(clipPaths) == 0 {
		return fmt.Errorf("build: no clip files given")
	}

	opts := []animdb.BuilderOption{
		animdb.WithDatabaseSettings(curve.DatabaseSettings{CoreStride: stride}),
	}
	if verbose {
		opts = append(opts, animdb.WithBuilderLogger(slog.New(slog.NewTextHandler(os.Stderr, nil))))
	}
	b, err := animdb.NewBuilder(outPath, opts...)
	if err != nil {
		return err
	}

	for _, path := range clipPaths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		clip, err := curve.ParseClip(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := b.Add(animdb.ClipID(clip.IDHash()), clip.Bytes()); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := b.Finalize(); err != nil {
		return err
	}
	fmt.Printf("built %s from %d clips\n", outPath, len(clipPaths))
	return nil
}

func cmdInfo(args []string) error {
	flags := pflag.NewFlagSet("info", pflag.ContinueOnError)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("info: expected exactly one database path")
	}

	db, err := animdb.Open(flags.Arg(0))
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Printf("%s: %d clips, bulk tier %s\n", flags.Arg(0), db.NumClips(), db.TierState())
	for _, id := range db.Clips() {
		clip, err := db.FindClip(id)
		if err != nil {
			return err
		}
		fmt.Printf("  0x%08x  %3d tracks  %5d samples @ %g Hz  %7d bytes inline (%s)\n",
			uint32(id), clip.NumTracks(), clip.NumSamples(), clip.SampleRate(), clip.Size(), clip.Tag())
	}
	return nil
}

func cmdStream(args []string) error {
	flags := pflag.NewFlagSet("stream", pflag.ContinueOnError)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("stream: expected exactly one database path")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	db, err := animdb.Open(flags.Arg(0), animdb.WithLogger(logger))
	if err != nil {
		return err
	}
	defer db.Close()

	start := time.Now()
	db.StreamIn()
	db.WaitForStreaming()
	fmt.Printf("streamed in after %s (tier %s)\n", time.Since(start).Round(time.Microsecond), db.TierState())

	start = time.Now()
	var poses int
	for _, id := range db.Clips() {
		tracks, err := db.Decompress(id)
		if err != nil {
			return err
		}
		poses += int(tracks.NumSamples)
	}
	fmt.Printf("decompressed %d clips (%d poses) in %s\n",
		db.NumClips(), poses, time.Since(start).Round(time.Microsecond))

	db.StreamOut()
	fmt.Printf("streamed out (tier %s)\n", db.TierState())
	return nil
}
