// Command legomemd runs one node of the disaggregated memory fabric:
// its PCache, VMA/DistVM router, and P2M/M2M handler set, behind the
// CLI the teacher's runsc binary is built with (google/subcommands).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/wuklab/legomem/internal/config"
	"github.com/wuklab/legomem/pkg/ids"
	"github.com/wuklab/legomem/pkg/kernel"
	"github.com/wuklab/legomem/pkg/pcache"
	"github.com/wuklab/legomem/pkg/transport"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&serveCmd{}, "")

	flag.Parse()
	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}

type serveCmd struct {
	configPath string
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "run one node of the memory fabric" }
func (*serveCmd) Usage() string {
	return "serve [-config path.toml]\n  start pcache/distvm/kernel for this node and block until signalled\n"
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a TOML config file; defaults are used if omitted")
}

func (c *serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := config.Default()
	if c.configPath != "" {
		loaded, err := config.Load(c.configPath)
		if err != nil {
			log.WithError(err).Error("failed to load config")
			return subcommands.ExitFailure
		}
		cfg = loaded
	}

	self := ids.NodeID(cfg.NodeID)
	log = log.WithField("node", self).Logger

	registry := transport.NewRegistry()
	client := transport.NewClient(cfg, self, registry)

	var cache *pcache.Cache
	k := kernel.New(cfg, cache, client, log)
	cache, err := pcache.New(cfg, noopFetcher{}, nil, shootdownVia(k), log)
	if err != nil {
		log.WithError(err).Error("failed to build pcache")
		return subcommands.ExitFailure
	}
	k.Cache = cache

	srv := transport.NewServer(cfg, k)
	registry.Register(srv)

	log.WithFields(logrus.Fields{
		"router":  cfg.VMA.Router,
		"sets":    cfg.PCache.Sets,
		"ways":    cfg.PCache.Ways,
		"evict":   cfg.PCache.Eviction,
		"listen":  cfg.Transport.ListenAddr,
	}).Info("legomemd node ready")

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	log.Info("shutting down")
	return subcommands.ExitSuccess
}

// noopFetcher stands in for the real RDMA remote-fetch path this
// single-process demo has no peer to exercise: every FetchPage fails,
// so only zero-fill faults (spec.md §4.6 "zero fill") can succeed, and
// a real deployment wires transport.Client here.
type noopFetcher struct{}

func (noopFetcher) FetchPage(task pcache.TaskKey, vaddr uintptr) ([pcache.PageSize]byte, error) {
	return [pcache.PageSize]byte{}, fmt.Errorf("legomemd: no remote memory node configured")
}

// shootdownVia returns a ShootdownFunc that, for the single-node demo,
// has only the local task hashtable to invalidate against — a real
// deployment would broadcast to every compute node mapping the page.
func shootdownVia(k *kernel.Kernel) pcache.ShootdownFunc {
	return func(task pcache.TaskKey, vaddr uintptr) {
		k.ShootdownLocal(task, vaddr)
	}
}
