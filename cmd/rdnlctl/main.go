///usr/bin/true; exec /usr/bin/env go run "$0" "$@"

// rdnlctl is a thin, undocumented-beyond-usage convenience shell around the
// host packages for manual bring-up against a real serial port. It is not a
// product surface (spec §6: "CLI surface: none inherent to the module") —
// scripts and programs are expected to import the host packages directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"rdnl/config"
	"rdnl/host/build"
	"rdnl/host/loader"
	"rdnl/host/marshal"
	"rdnl/host/transport"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: rdnlctl -port <dev> <command> [args]

commands:
  ping                         round-trip a ping frame
  info                         print the device's handshake info
  call <src.c> <func> <args>   load, call with int32 args, print the result, free

flags:
`)
	flag.PrintDefaults()
}

func main() {
	port := flag.String("port", "/dev/ttyACM0", "serial device node")
	baud := flag.Int("baud", 115200, "baud rate")
	timeout := flag.Duration("timeout", 3*time.Second, "per-request timeout")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	f, err := transport.OpenSerial(*port, *baud)
	if err != nil {
		fatal(err)
	}
	defer f.Close()

	client := transport.NewClient(f, 1)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if _, err := client.Handshake(ctx); err != nil {
		fatal(fmt.Errorf("handshake: %w", err))
	}

	switch args[0] {
	case "ping":
		runPing(ctx, client)
	case "info":
		runInfo(ctx, client)
	case "call":
		runCall(ctx, client, args[1:], *debug)
	default:
		usage()
		os.Exit(2)
	}
}

func runPing(ctx context.Context, client *transport.Client) {
	payload := []byte("rdnlctl")
	echo, err := client.Ping(ctx, payload)
	if err != nil {
		fatal(fmt.Errorf("ping: %w", err))
	}
	fmt.Printf("ping ok: echoed %d bytes\n", len(echo))
}

func runInfo(ctx context.Context, client *transport.Client) {
	info, err := client.Handshake(ctx)
	if err != nil {
		fatal(fmt.Errorf("info: %w", err))
	}
	fmt.Printf("protocol %d.%d, %d allocation slots\n", info.ProtocolMajor, info.ProtocolMinor, info.MaxAllocations)

	heap, err := client.HeapInfo(ctx)
	if err != nil {
		fatal(fmt.Errorf("heap-info: %w", err))
	}
	fmt.Printf("heap: %d/%d external bytes free, %d/%d internal bytes free\n",
		heap.FreeExternal, heap.TotalExternal, heap.FreeInternal, heap.TotalInternal)
}

func runCall(ctx context.Context, client *transport.Client, args []string, debug bool) {
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}
	src, funcName, rest := args[0], args[1], args[2:]

	cfg := config.Default()
	pipeline := &build.Pipeline{Config: cfg, Toolchain: build.RealToolchain{}, Debug: debug}
	ldr := &loader.Loader{
		Pipeline: pipeline,
		Client:   client,
		Shadow:   transport.NewShadowTable(),
		Config:   cfg,
	}

	fn, err := ldr.Load(ctx, src, funcName, cfg.DefaultOptimization, cfg.FirmwareArtifactPath != "")
	if err != nil {
		fatal(fmt.Errorf("load: %w", err))
	}
	defer fn.Free(ctx)

	values := make([]marshal.Value, len(rest))
	for i, a := range rest {
		var n int32
		if _, err := fmt.Sscanf(a, "%d", &n); err != nil {
			fatal(fmt.Errorf("argument %d (%q): not an integer", i, a))
		}
		values[i] = marshal.Int32(n)
	}

	result, err := fn.Call(ctx, values...)
	if err != nil {
		fatal(fmt.Errorf("call: %w", err))
	}
	if result.IsVoid() {
		fmt.Println("ok (void)")
		return
	}
	fmt.Printf("result: %s\n", formatResult(result))
}

func formatResult(v marshal.Value) string {
	switch v.Kind() {
	case marshal.KindFloat32:
		return fmt.Sprintf("%g", v.Float32())
	case marshal.KindUint32:
		return fmt.Sprintf("%d", v.Uint32())
	default:
		return fmt.Sprintf("%d", v.Int32())
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "rdnlctl:", err)
	os.Exit(1)
}
