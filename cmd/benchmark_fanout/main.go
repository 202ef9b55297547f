package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/delaneyj/tendril"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
)

// fanoutTestConfig describes one scenario: subscribers effects watching a
// single source, written iterations times, optionally inside one batch per
// round of writesPerRound.
type fanoutTestConfig struct {
	name           string
	subscribers    int
	writesPerRound int64
	rounds         int64
	batched        bool
}

func main() {
	log.Print("Starting fan-out benchmark, please wait...")
	defer log.Print("Finished fan-out benchmark")

	cfgs := []fanoutTestConfig{
		{name: "narrow unbatched", subscribers: 10, writesPerRound: 1, rounds: 100_000},
		{name: "narrow batched", subscribers: 10, writesPerRound: 100, rounds: 1_000, batched: true},
		{name: "wide unbatched", subscribers: 1_000, writesPerRound: 1, rounds: 1_000},
		{name: "wide batched", subscribers: 1_000, writesPerRound: 100, rounds: 10, batched: true},
		{name: "very wide", subscribers: 100_000, writesPerRound: 10, rounds: 10, batched: true},
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{
		"test", "subscribers", "writes", "effect runs", "runs/write", "time",
	})

	for _, cfg := range cfgs {
		runs, writes, elapsed := runFanout(cfg)
		table.Append([]string{
			cfg.name,
			humanize.Comma(int64(cfg.subscribers)),
			humanize.Comma(writes),
			humanize.Comma(runs),
			fmt.Sprintf("%.3f", float64(runs)/float64(writes)),
			elapsed.Round(time.Microsecond).String(),
		})
	}

	table.Render()
}

func runFanout(cfg fanoutTestConfig) (runs, writes int64, elapsed time.Duration) {
	ctx := tendril.NewContext(tendril.WithOnError(func(from tendril.SignalAware, err error) {
		log.Panic(err)
	}))
	src := tendril.Signal(int64(0))

	ctx.Run(func() {
		for i := 0; i < cfg.subscribers; i++ {
			defer tendril.Effect(ctx, func() error {
				src.Value()
				runs++
				return nil
			})()
		}
		runs = 0

		start := time.Now()
		next := int64(1)
		for r := int64(0); r < cfg.rounds; r++ {
			if cfg.batched {
				ctx.Batch(func() {
					for w := int64(0); w < cfg.writesPerRound; w++ {
						src.SetValue(next)
						next++
						writes++
					}
				})
			} else {
				for w := int64(0); w < cfg.writesPerRound; w++ {
					src.SetValue(next)
					next++
					writes++
				}
			}
		}
		elapsed = time.Since(start)
	})

	return runs, writes, elapsed
}
