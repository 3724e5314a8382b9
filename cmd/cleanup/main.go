// cleanup 一次性扫描并删除过期房间，适合由 cron 或运维手动执行
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/isaacncz/Eat-Spin-sub000/internal/bootstrap"
	"github.com/isaacncz/Eat-Spin-sub000/internal/service"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "only report the rooms that would be deleted")
	reapSessions := flag.Bool("reap-sessions", true, "also run on-disconnect cleanup of expired store sessions")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall timeout")
	flag.Parse()

	os.Exit(run(*dryRun, *reapSessions, *timeout))
}

func run(dryRun, reapSessions bool, timeout time.Duration) int {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}
	log := bootstrap.NewLogger(cfg)
	if cfg.StoreBackend == bootstrap.StoreMemory {
		log.Error("cleanup needs a shared store, STORE_BACKEND=memory has nothing to clean")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	backends, err := bootstrap.OpenBackends(cfg)
	if err != nil {
		log.WithError(err).Error("Failed to open store backend")
		return 1
	}
	defer backends.Redis.Close()

	store, err := backends.State.Connect(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to connect to store")
		return 1
	}
	defer store.Close(context.Background())

	report, err := service.NewCleanupService(store, backends.Reaper).Run(ctx, dryRun, reapSessions)
	if err != nil {
		log.WithError(err).Error("Room cleanup failed")
		return 1
	}

	for _, code := range report.Expired {
		fmt.Println(code)
	}
	verb := "deleted"
	if dryRun {
		verb = "would delete"
	}
	fmt.Printf("%s %d expired room(s), reaped %d session(s)\n", verb, len(report.Expired), report.ReapedSessions)
	return 0
}
