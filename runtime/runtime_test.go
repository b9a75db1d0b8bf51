package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridem/replob/config"
)

func TestSingleNodeRuntimeAppliesKVSet(t *testing.T) {
	cfg := config.RuntimeConfig{NodeCount: 1, NodeID: 1}
	require.NoError(t, cfg.Validate())

	rt, err := New(cfg, Options{})
	require.NoError(t, err)
	defer rt.listener.Close()

	rt.KV.Set(rt.Replob, "hello", "world!")

	require.Eventually(t, func() bool {
		v, ok := rt.KV.GetLocal("hello")
		return ok && v == "world!"
	}, time.Second, 5*time.Millisecond)
}

func TestTwoNodeRuntimeReplicatesKVSetOverRealTransport(t *testing.T) {
	cfg1 := config.RuntimeConfig{NodeCount: 2, NodeID: 1}
	cfg2 := config.RuntimeConfig{NodeCount: 2, NodeID: 2}

	rt1, err := New(cfg1, Options{})
	require.NoError(t, err)
	defer rt1.listener.Close()

	rt2, err := New(cfg2, Options{})
	require.NoError(t, err)
	defer rt2.listener.Close()

	rt1.KV.Set(rt1.Replob, "hello", "world!")

	require.Eventually(t, func() bool {
		v1, ok1 := rt1.KV.GetLocal("hello")
		v2, ok2 := rt2.KV.GetLocal("hello")
		return ok1 && ok2 && v1 == "world!" && v2 == "world!"
	}, 3*time.Second, 10*time.Millisecond)
}
