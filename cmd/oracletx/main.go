// Demo binary: runs a few concurrent snapshot updates against a SQLite
// store and dumps the monitor export.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/k0kubun/pp/v3"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/credixa/oracletx"
	"github.com/credixa/oracletx/oracle"
	"github.com/credixa/oracletx/store/sqlstore"
)

func main() {
	var (
		dbPath  = flag.String("db", "oracletx.db", "sqlite database path")
		memory  = flag.Bool("memory", false, "run against an in-memory database")
		signer  = flag.String("signer", "0xfeedsigner", "signer address")
		address = flag.String("oracle", "0xoracle", "oracle contract address")
		rounds  = flag.Int("rounds", 3, "number of concurrent update rounds")
	)
	flag.Parse()

	if err := run(*dbPath, *memory, *signer, *address, *rounds); err != nil {
		fmt.Fprintln(os.Stderr, "oracletx:", err)
		os.Exit(1)
	}
}

func run(dbPath string, memory bool, signer, address string, rounds int) error {
	ctx := context.Background()
	logger := oracletx.NewDefaultLogger()

	storeOpts := []sqlstore.Option{sqlstore.WithLogger(logger)}
	if memory {
		storeOpts = append(storeOpts, sqlstore.WithMemory())
	} else {
		storeOpts = append(storeOpts, sqlstore.WithFilePath(dbPath))
	}
	st, err := sqlstore.New(ctx, storeOpts...)
	if err != nil {
		return err
	}
	defer st.Close()

	monitor := oracletx.NewMonitorService(oracletx.WithMonitorLogger(logger))
	bus := oracle.NewMemoryBus()

	svc, err := oracle.NewService(oracle.Config{
		SignerAddress:      signer,
		OracleAddress:      address,
		MaxRetries:         3,
		RetryDelay:         100 * time.Millisecond,
		ExponentialBackoff: true,
		MaxBackoff:         2 * time.Second,
		UpdateTimeout:      5 * time.Second,
	}, st,
		oracle.WithHooks(monitor.CreateHooks()),
		oracle.WithEventBus(bus),
		oracle.WithServiceLogger(logger),
	)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < rounds; i++ {
		round := i
		g.Go(func() error {
			_, err := svc.UpdateSnapshot(gctx, oracle.UpdateRequest{
				Source: fmt.Sprintf("demo-round-%d", round),
				Feeds: []oracle.FeedUpdate{
					{Symbol: "BTC-USD", Price: 64000.25 + float64(round)},
					{Symbol: "ETH-USD", Price: 3150.10 + float64(round)},
				},
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	feeds, err := svc.LatestFeeds(ctx, []string{"BTC-USD", "ETH-USD"})
	if err != nil {
		return err
	}

	pp.Println(feeds)
	pp.Println(monitor.ExportMetrics().Statistics)
	fmt.Printf("published %d domain events\n", len(bus.Events()))
	return nil
}
