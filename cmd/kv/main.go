// Command kv is the key-value smoke scenario from spec.md §8's test 5,
// ported from original_source/examples/kv.cpp's kv() function.
package main

import (
	"fmt"
	"time"

	"github.com/gridem/replob/config"
	"github.com/gridem/replob/journey"
	"github.com/gridem/replob/runtime"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Println("kv:", err)
		return
	}
	rt, err := runtime.New(cfg, runtime.Options{})
	if err != nil {
		fmt.Println("kv:", err)
		return
	}
	rt.Start()

	sched := journey.NewScheduler("kv-demo", 1)
	if cfg.NodeID == 1 {
		journey.Spawn(sched, "kv-demo", func(j *journey.Journey) {
			runDemo(j, rt)
		})
	}

	time.Sleep(time.Second)
	journey.Global().Run()
}

func runDemo(j *journey.Journey, rt *runtime.Runtime) {
	rt.KV.Set(rt.Replob, "hello", "world!")

	world, _, err := rt.KV.GetSync(j, rt.Replob, "hello")
	if err != nil {
		fmt.Println("kv: get failed:", err)
		return
	}
	fmt.Println("world:", world)

	localWorld, _ := rt.KV.GetLocal("hello")
	fmt.Println("localWorld:", localWorld)

	base, ok := rt.KV.GetLocal("hello")
	if !ok {
		base = "world!"
	}
	rt.KV.Set(rt.Replob, "hello", "hello "+base)

	localWorld, _ = rt.KV.GetLocal("hello")
	fmt.Println("localWorld:", localWorld)

	world, _, err = rt.KV.GetSync(j, rt.Replob, "hello")
	if err == nil {
		rt.KV.Set(rt.Replob, "hello", "hello "+world)
	}

	localWorld, _ = rt.KV.GetLocal("hello")
	fmt.Println("localWorld:", localWorld)

	value, _, _ := rt.KV.GetSync(j, rt.Replob, "hello")
	fmt.Println("value length:", len(value))

	size := 0
	rt.KV.ForEach(func(key, value string) { size += len(value) })
	fmt.Println("values size:", size)
}
