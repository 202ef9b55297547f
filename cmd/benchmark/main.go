package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime/pprof"
	"time"

	"github.com/delaneyj/tendril"
	"github.com/jamiealquiza/tachymeter"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v3"
)

const (
	itersKey   = "iters"
	profileKey = "profile"
)

func main() {
	cmd := &cli.Command{
		Name:  "benchmark",
		Usage: "Measure propagation latency through signal grids",
		Flags: []cli.Flag{
			&cli.UintFlag{
				Name:  itersKey,
				Usage: "writes measured per grid size",
				Value: 100,
			},
			&cli.StringFlag{
				Name:  profileKey,
				Usage: "write a CPU profile to this path",
			},
		},
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

var (
	ww = []int{1, 10, 100, 1_000}
	hh = []int{1, 10, 100, 1_000}
)

func run(_ context.Context, cmd *cli.Command) error {
	if path := cmd.String(profileKey); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
	}

	log.Print("warming up")
	benchmarkPropagate(false, 10)

	benchmarkPropagate(true, int(cmd.Uint(itersKey)))
	return nil
}

// benchmarkPropagate builds w independent chains of h computeds off one
// source, each chain capped by an effect, then measures end-to-end write
// latency.
func benchmarkPropagate(shouldRender bool, iters int) {
	tbl := table.NewWriter()
	tbl.SetTitle("Tendril Signals")
	tbl.SetOutputMirror(os.Stdout)
	tbl.AppendHeader(table.Row{"benchmark", "avg", "min", "p75", "p99", "max"})

	for _, w := range ww {
		for _, h := range hh {
			tach := tachymeter.New(&tachymeter.Config{Size: iters})

			ctx := tendril.NewContext(tendril.WithOnError(func(from tendril.SignalAware, err error) {
				log.Panic(err)
			}))
			src := tendril.Signal(1)

			ctx.Run(func() {
				for i := 0; i < w; i++ {
					last := func() int { return src.Value() + 1 }
					for j := 0; j < h; j++ {
						prev := last
						next := tendril.Computed(ctx, func() (int, error) {
							return prev() + 1, nil
						})
						last = func() int {
							v, err := next.Value()
							if err != nil {
								log.Panic(err)
							}
							return v
						}
					}

					leaf := last
					defer tendril.Effect(ctx, func() error {
						leaf()
						return nil
					})()
				}

				for i := 0; i < iters; i++ {
					start := time.Now()
					src.SetValue(src.Value() + 1)
					tach.AddTime(time.Since(start))
				}
			})

			calc := tach.Calc()
			tbl.AppendRows([]table.Row{
				{
					fmt.Sprintf("propagate: %d * %d", w, h),
					calc.Time.Avg,
					calc.Time.Min,
					calc.Time.P75,
					calc.Time.P99,
					calc.Time.Max,
				},
			})
		}
	}

	if shouldRender {
		tbl.Render()
	}
}
