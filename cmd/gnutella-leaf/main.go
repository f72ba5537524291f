// Command gnutella-leaf runs a single Gnutella 0.6 leaf servent
// (spec.md §2): it joins the network through a handful of peers,
// answers searches against the files named with --share, and answers
// a PUSH addressed to it with a GIV line. It does not issue searches
// of its own or serve file contents.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/willabides/kongplete"

	"github.com/gnutellago/leaf/internal/engine"
	"github.com/gnutellago/leaf/internal/logger"
	"github.com/gnutellago/leaf/internal/peers"
)

var l = logger.DefaultLogger

type cli struct {
	Listen            string   `help:"Address to listen on and advertise." default:"0.0.0.0:6346"`
	TargetConnections int      `help:"Number of ESTABLISHED peer sessions to maintain." default:"6"`
	Settings          string   `help:"Path to the peer settings JSON file." default:"gnutella-leaf.json"`
	UserAgent         string   `help:"User-Agent string sent in the handshake." default:"gnutella-leaf/0.1"`
	Share             []string `help:"name:size entries to advertise as shared files (repeatable)." name:"share"`
	BootstrapPeer     []string `help:"ip:port entries to seed the peer directory (repeatable)." name:"bootstrap"`

	InstallCompletions kongplete.InstallCompletions `cmd:"" help:"Install shell completions."`
}

func main() {
	var c cli
	parser := kong.Must(&c,
		kong.Name("gnutella-leaf"),
		kong.Description("A Gnutella 0.6 leaf servent."),
	)
	kongplete.Complete(parser)
	kongCtx, err := parser.Parse(os.Args[1:])
	if err != nil {
		l.Fatalf("parsing command line: %v", err)
	}
	if kongCtx.Command() == "install-completions" {
		if err := kongCtx.Run(); err != nil {
			l.Fatalf("installing completions: %v", err)
		}
		os.Exit(logger.ExitSuccess)
	}

	cfg, err := buildConfig(c)
	if err != nil {
		l.Fatalf("%v", err)
	}

	eng := engine.New(cfg)
	for _, entry := range c.Share {
		name, size, err := parseShareEntry(entry)
		if err != nil {
			l.Fatalf("parsing --share: %v", err)
		}
		eng.AddFile(name, size)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		l.Infoln("shutting down")
		cancel()
	}()

	l.Okf("listening on %s, target %d connections", cfg.ListenAddr, cfg.TargetConnections)
	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		// A locally-originated fatal condition (e.g. listen port in
		// use) surfaces a distinct, non-zero exit code (spec.md §7).
		l.Fatalf("engine stopped: %v", err)
	}
	os.Exit(logger.ExitSuccess)
}

func buildConfig(c cli) (engine.Config, error) {
	host, portStr, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return engine.Config{}, fmt.Errorf("parsing --listen %q: %w", c.Listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return engine.Config{}, fmt.Errorf("parsing --listen port %q: %w", portStr, err)
	}

	var ip [4]byte
	if host != "" && host != "0.0.0.0" {
		parsed := net.ParseIP(host).To4()
		if parsed == nil {
			return engine.Config{}, fmt.Errorf("--listen host %q is not an IPv4 address", host)
		}
		copy(ip[:], parsed)
	}

	cfg := engine.Config{
		ListenAddr:        c.Listen,
		ListenIP:          ip,
		ListenPort:        uint16(port),
		TargetConnections: c.TargetConnections,
		SettingsPath:      c.Settings,
		UserAgent:         c.UserAgent,
		Log:               l,
	}

	for _, b := range c.BootstrapPeer {
		host, portStr, err := net.SplitHostPort(b)
		if err != nil {
			return engine.Config{}, fmt.Errorf("parsing --bootstrap %q: %w", b, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return engine.Config{}, fmt.Errorf("parsing --bootstrap port %q: %w", b, err)
		}
		parsed := net.ParseIP(host).To4()
		if parsed == nil {
			return engine.Config{}, fmt.Errorf("--bootstrap host %q is not an IPv4 address", host)
		}
		var hip [4]byte
		copy(hip[:], parsed)
		cfg.BootstrapPeers = append(cfg.BootstrapPeers, peers.CacheHost{IP: hip, Port: uint16(port)})
	}

	return cfg, nil
}

func parseShareEntry(entry string) (name string, size uint32, err error) {
	idx := strings.LastIndexByte(entry, ':')
	if idx < 0 {
		return "", 0, fmt.Errorf("expected name:size, got %q", entry)
	}
	n, err := strconv.Atoi(entry[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("parsing size in %q: %w", entry, err)
	}
	return entry[:idx], uint32(n), nil
}
