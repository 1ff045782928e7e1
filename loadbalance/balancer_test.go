package loadbalance

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucas-schuermann/pcisph-wasm/registry"
)

var testInstances = []registry.Instance{
	{Addr: ":8001", Weight: 10, Version: "1.0"},
	{Addr: ":8002", Weight: 5, Version: "1.0"},
	{Addr: ":8003", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all instances
	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		inst, err := b.Pick(testInstances)
		require.NoError(t, err)
		results[i] = inst.Addr
	}
	assert.Equal(t, []string{":8001", ":8002", ":8003"}, results)

	// Pick again, should wrap around to first
	inst, err := b.Pick(testInstances)
	require.NoError(t, err)
	assert.Equal(t, results[0], inst.Addr)
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	_, err := b.Pick([]registry.Instance{})
	assert.ErrorIs(t, err, ErrNoInstances)
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick(testInstances)
		require.NoError(t, err)
		counts[inst.Addr]++
	}

	// Weight ratio is 10:5:10, so :8001 and :8003 should be ~2x of :8002
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	assert.InDelta(t, 2.0, ratio, 0.5)
}

func TestWeightedRandomFallsBackToThreads(t *testing.T) {
	b := &WeightedRandomBalancer{}
	instances := []registry.Instance{{Addr: "a", Threads: 8}, {Addr: "b"}}

	counts := map[string]int{}
	for i := 0; i < 9000; i++ {
		inst, err := b.Pick(instances)
		require.NoError(t, err)
		counts[inst.Addr]++
	}
	ratio := float64(counts["a"]) / float64(counts["b"])
	assert.InDelta(t, 8.0, ratio, 2.5)
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()
	_, err := b.Pick("user-123")
	assert.ErrorIs(t, err, ErrNoInstances)

	for i := range testInstances {
		b.Add(&testInstances[i])
	}

	// Same key should always map to the same instance
	inst1, err := b.Pick("user-123")
	require.NoError(t, err)
	inst2, _ := b.Pick("user-123")
	assert.Equal(t, inst1.Addr, inst2.Addr)

	// With 100 different keys and 3 nodes, we should hit at least 2
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, _ := b.Pick(fmt.Sprintf("key-%d", i))
		seen[inst.Addr] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestKeyedBalancerIsSticky(t *testing.T) {
	b := NewConsistentHashBalancer().Keyed("driver-7")
	first, err := b.Pick(testInstances)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		inst, err := b.Pick(testInstances)
		require.NoError(t, err)
		assert.Equal(t, first.Addr, inst.Addr)
	}

	// Removing an unrelated instance keeps the session where it was.
	var rest []registry.Instance
	for _, inst := range testInstances {
		if inst.Addr == first.Addr {
			rest = append(rest, inst)
			continue
		}
		if len(rest) < 2 {
			rest = append(rest, inst)
		}
	}
	inst, err := b.Pick(rest)
	require.NoError(t, err)
	assert.Equal(t, first.Addr, inst.Addr)
}

func TestNew(t *testing.T) {
	for name, want := range map[string]string{
		"":                "RoundRobin",
		"round_robin":     "RoundRobin",
		"weighted_random": "WeightedRandom",
		"consistent_hash": "ConsistentHash(k)",
	} {
		b, err := New(name, "k")
		require.NoError(t, err)
		assert.Equal(t, want, b.Name())
	}
	_, err := New("bogus", "")
	assert.Error(t, err)
}
