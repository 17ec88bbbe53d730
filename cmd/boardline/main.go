package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/boardline/boardline/internal/parser"
	"github.com/boardline/boardline/internal/parser/registry"
	"github.com/boardline/boardline/internal/watcher"
	"github.com/boardline/boardline/shared/config"
	"github.com/boardline/boardline/shared/domain"
	"github.com/boardline/boardline/shared/logger"
)

func main() {
	var (
		configPath  string
		boardURL    string
		backendName string
		watch       bool
	)
	flag.StringVar(&configPath, "config", "", "path to engine config (yaml)")
	flag.StringVar(&boardURL, "board", "", "board base url")
	flag.StringVar(&backendName, "backend", "", "backend name (empty = auto-detect)")
	flag.BoolVar(&watch, "watch", false, "keep running and report structure changes")
	flag.Parse()

	cfg := config.Default()
	if configPath != "" {
		cfg = config.MustLoad(configPath)
	}
	logger.Initialize(cfg.Log.Level, cfg.Log.JSON)

	if boardURL == "" {
		fmt.Fprintln(os.Stderr, "usage: boardline -board <url> [-backend <name>] [-config <file>]")
		os.Exit(2)
	}

	reg := registry.Default(cfg.UserAgent)
	if cfg.ScriptDir != "" {
		if err := reg.LoadScripts(cfg.ScriptDir); err != nil {
			logger.Log.Error("loading script backends", "error", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		p   parser.Parser
		err error
	)
	if backendName != "" {
		p, err = reg.Create(backendName, boardURL, nil, true)
	} else {
		p, err = reg.Detect(ctx, boardURL)
	}
	if err != nil {
		logger.Log.Error("selecting backend", "board", boardURL, "error", err)
		os.Exit(1)
	}
	logger.Log.Info("using backend", "name", p.Name(), "board", boardURL)

	root, err := p.RootForumList(ctx)
	if err != nil {
		logger.Log.Error("listing forums", "board", boardURL, "error", err)
		os.Exit(1)
	}
	printTree(root, 0)

	if !watch {
		return
	}
	w := watcher.New(p, cfg.RefreshRate, func(prev, curr *domain.Forum) {
		fmt.Println("forum structure changed:")
		printTree(curr, 0)
	})
	w.Start(ctx)
	<-ctx.Done()
}

func printTree(f *domain.Forum, depth int) {
	if !f.IsRoot() {
		fmt.Printf("%s[%s] %s (%s)\n", strings.Repeat("  ", depth), f.Id, f.Name, f.Type)
	}
	for _, child := range f.Forums {
		printTree(child, depth+1)
	}
}
