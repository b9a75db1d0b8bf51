// Command detectordemo runs the failure detector standalone, ported
// from original_source/examples/failure_detector.cpp's starter: every
// node just pulses and watches its peers until the run ends.
package main

import (
	"fmt"
	"time"

	"github.com/gridem/replob/config"
	"github.com/gridem/replob/journey"
	"github.com/gridem/replob/runtime"
)

const demoDuration = 60 * time.Second

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Println("detectordemo:", err)
		return
	}
	rt, err := runtime.New(cfg, runtime.Options{})
	if err != nil {
		fmt.Println("detectordemo:", err)
		return
	}
	rt.Start()

	fmt.Printf("node %d of %d running\n", cfg.NodeID, cfg.NodeCount)
	time.Sleep(demoDuration)
	journey.Global().Run()
}
