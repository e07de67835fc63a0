package brpc

import (
	"time"

	"github.com/spf13/viper"
)

// Process-level knobs, read once from the environment at global init.
// Per-channel configuration lives in ChannelOptions.
type frameworkConfig struct {
	WorkPoolSize     int           // goroutine pool for framework tasks, <=0 means unbounded
	UsercodeInPool   bool          // run user callbacks in the bounded usercode pool
	UsercodePoolSize int           // capacity of the usercode pool
	TimerTick        time.Duration // timing-wheel resolution
	TimerWheelSize   int64
	EnableRPCZ       bool // create client spans even without a parent span
	PooledConnPerEP  int  // free-list size for CONNECTION_TYPE_POOLED
}

func loadFrameworkConfig() frameworkConfig {
	v := viper.New()
	v.SetEnvPrefix("brpc")
	v.AutomaticEnv()
	v.SetDefault("work_pool_size", 0)
	v.SetDefault("usercode_in_pool", false)
	v.SetDefault("usercode_pool_size", 64)
	v.SetDefault("timer_tick_ms", 1)
	v.SetDefault("timer_wheel_size", 512)
	v.SetDefault("enable_rpcz", false)
	v.SetDefault("pooled_conn_per_endpoint", 32)

	return frameworkConfig{
		WorkPoolSize:     v.GetInt("work_pool_size"),
		UsercodeInPool:   v.GetBool("usercode_in_pool"),
		UsercodePoolSize: v.GetInt("usercode_pool_size"),
		TimerTick:        time.Duration(v.GetInt("timer_tick_ms")) * time.Millisecond,
		TimerWheelSize:   v.GetInt64("timer_wheel_size"),
		EnableRPCZ:       v.GetBool("enable_rpcz"),
		PooledConnPerEP:  v.GetInt("pooled_conn_per_endpoint"),
	}
}
