// Command chronosdemo is the three-concurrent chronos scenario from
// spec.md §8's test 4, ported from original_source/examples/chronos.cpp's
// example3/scheduleAction.
package main

import (
	"fmt"
	"time"

	"github.com/gridem/replob/config"
	"github.com/gridem/replob/journey"
	"github.com/gridem/replob/runtime"
)

const (
	concurrent = 3
	amount     = 50
	interval   = 3 * time.Second
	demoWindow = 5 * time.Minute
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Println("chronosdemo:", err)
		return
	}
	rt, err := runtime.New(cfg, runtime.Options{})
	if err != nil {
		fmt.Println("chronosdemo:", err)
		return
	}
	rt.Start()

	registerJobs(rt)
	if cfg.NodeID == 1 {
		for i := 0; i < concurrent; i++ {
			scheduleAction(rt, amount-1-i)
		}
	}

	time.Sleep(demoWindow)
	journey.Global().Run()
}

func jobName(i int) string { return fmt.Sprintf("event-%d", i) }

// registerJobs installs one handler per possible event index, identically
// on every node, since a job's name must resolve to the same behavior
// wherever it happens to run (spec.md §9's closure-replacement rule).
func registerJobs(rt *runtime.Runtime) {
	for i := 0; i < amount; i++ {
		i := i
		rt.Chronos.RegisterJob(jobName(i), func() {
			fmt.Println("event:", i)
			time.Sleep(time.Second)
			scheduleAction(rt, i-concurrent)
		})
	}
}

func scheduleAction(rt *runtime.Runtime, i int) {
	if i < 0 {
		return
	}
	rt.Chronos.ScheduleIn(jobName(i), interval)
}
