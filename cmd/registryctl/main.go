package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/Pakeating/registryweb/internal/reconcile"
	"github.com/Pakeating/registryweb/internal/server"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "queue":
		doQueue(os.Args[2:])
	case "sync":
		doSync(os.Args[2:])
	case "metrics":
		doMetrics(os.Args[2:])
	case "health":
		doHealth(os.Args[2:])
	case "offline":
		doNetwork(os.Args[2:], "offline", true)
	case "online":
		doNetwork(os.Args[2:], "online", false)
	case "drop-rate":
		doDropRate(os.Args[2:])
	case "upgrade":
		doUpgrade(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`registryctl — offline agent admin client

Commands:
  queue     --addr host:port
  sync      --addr host:port [--tag sync-pending-meals]
  metrics   --addr host:port
  health    --addr host:port --grpc-addr host:port [--service upstream]
  offline   --addr host:port
  online    --addr host:port
  drop-rate --addr host:port --rate R
  upgrade   --addr host:port`)
}

const (
	defaultAddr     = "127.0.0.1:4321"
	defaultGRPCAddr = "127.0.0.1:4322"
)

func newClient(fs *flag.FlagSet, args []string) (*server.Client, context.Context, context.CancelFunc) {
	addr := fs.String("addr", defaultAddr, "")
	grpcAddr := fs.String("grpc-addr", defaultGRPCAddr, "")
	fs.Parse(args)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	return server.NewClient(*addr, *grpcAddr), ctx, cancel
}

func doQueue(args []string) {
	fs := flag.NewFlagSet("queue", flag.ExitOnError)
	client, ctx, cancel := newClient(fs, args)
	defer cancel()

	pending, err := client.Queue(ctx)
	if err != nil {
		log.Fatalf("queue: %v", err)
	}
	if len(pending) == 0 {
		fmt.Println("queue is empty")
		return
	}
	for _, rec := range pending {
		fmt.Printf("  [%d] %s %s (%d bytes, queued %s)\n",
			rec.ID, rec.Method, rec.URL, len(rec.Body), rec.EnqueuedAt.Format(time.RFC3339))
	}
}

func doSync(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	tag := fs.String("tag", reconcile.DefaultTag, "")
	client, ctx, cancel := newClient(fs, args)
	defer cancel()

	rep, err := client.Sync(ctx, *tag)
	if err != nil {
		log.Fatalf("sync: %v", err)
	}
	fmt.Printf("OK sync: pending=%d delivered=%d rejected=%d retained=%d failed=%d\n",
		rep.Pending, rep.Delivered, rep.Rejected, rep.Retained, rep.Failed)
}

func doMetrics(args []string) {
	fs := flag.NewFlagSet("metrics", flag.ExitOnError)
	client, ctx, cancel := newClient(fs, args)
	defer cancel()

	counters, err := client.Metrics(ctx)
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}
	names := make([]string, 0, len(counters))
	for k := range counters {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Printf("  %-35s %d\n", k, counters[k])
	}
}

func doHealth(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	service := fs.String("service", server.UpstreamService, "gRPC health service to check")
	client, ctx, cancel := newClient(fs, args)
	defer cancel()
	defer client.Close()

	h, err := client.Health(ctx)
	if err != nil {
		log.Fatalf("health: %v", err)
	}
	fmt.Printf("Agent: status=%s online=%v forced_offline=%v version=%s upstream=%s\n",
		h.Status, h.Online, h.Offline, h.Version, h.Upstream)

	st, err := client.CheckHealth(ctx, *service)
	if err != nil {
		log.Fatalf("grpc health: %v", err)
	}
	fmt.Printf("gRPC health %q: %s\n", *service, st.String())
}

func doNetwork(args []string, name string, offline bool) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	client, ctx, cancel := newClient(fs, args)
	defer cancel()

	st, err := client.SetNetwork(ctx, server.NetworkRequest{Offline: &offline})
	if err != nil {
		log.Fatalf("%s: %v", name, err)
	}
	fmt.Printf("OK network: offline=%v drop_rate=%.2f\n", st.Offline, st.DropRate)
}

func doDropRate(args []string) {
	fs := flag.NewFlagSet("drop-rate", flag.ExitOnError)
	rate := fs.Float64("rate", 0, "probability in [0,1] that a request is dropped")
	client, ctx, cancel := newClient(fs, args)
	defer cancel()

	st, err := client.SetNetwork(ctx, server.NetworkRequest{DropRate: rate})
	if err != nil {
		log.Fatalf("drop-rate: %v", err)
	}
	fmt.Printf("OK network: offline=%v drop_rate=%.2f\n", st.Offline, st.DropRate)
}

func doUpgrade(args []string) {
	fs := flag.NewFlagSet("upgrade", flag.ExitOnError)
	client, ctx, cancel := newClient(fs, args)
	defer cancel()

	version, err := client.Upgrade(ctx)
	if err != nil {
		log.Fatalf("upgrade: %v", err)
	}
	fmt.Printf("OK upgraded to %s\n", version)
}
