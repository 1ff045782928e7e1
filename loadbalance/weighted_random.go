package loadbalance

import (
	"math/rand"

	"github.com/lucas-schuermann/pcisph-wasm/registry"
)

type WeightedRandomBalancer struct{}

// weight 未设置时按线程数分配
func weight(inst registry.Instance) int {
	switch {
	case inst.Weight > 0:
		return inst.Weight
	case inst.Threads > 0:
		return inst.Threads
	}
	return 1
}

func (b *WeightedRandomBalancer) Pick(instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	// 计算总权重
	totalWeight := 0
	for _, v := range instances {
		totalWeight += weight(v)
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.Intn(totalWeight)
	for i := range instances {
		r -= weight(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
