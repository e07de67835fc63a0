package brpc

import (
	"sync"

	"github.com/panjf2000/ants/v2"
)

// Process-wide machinery: configuration, the timing wheel, the work pools
// and the builtin protocol/balancer/naming registrations. Everything is
// brought up lazily exactly once; every Init calls in here first.

var (
	globalOnce   sync.Once
	globalConfig frameworkConfig

	// framework-internal tasks (naming watchers, rescheduled completions)
	workPool *ants.Pool
	// user completion callbacks when usercode_in_pool is on; bounded so a
	// stuck callback cannot eat the process
	usercodePool *ants.Pool
)

// GlobalInitializeOrDie brings the process-global state up. A failure here
// means the process cannot make any RPC at all, hence the Fatal.
func GlobalInitializeOrDie() {
	globalOnce.Do(func() {
		globalConfig = loadFrameworkConfig()

		var err error
		if workPool, err = ants.NewPool(globalConfig.WorkPoolSize,
			ants.WithNonblocking(true)); err != nil {
			defaultLogger.Fatal("brpc: fail to create work pool: ", err)
		}
		if usercodePool, err = ants.NewPool(globalConfig.UsercodePoolSize,
			ants.WithNonblocking(true)); err != nil {
			defaultLogger.Fatal("brpc: fail to create usercode pool: ", err)
		}

		initTimerService(globalConfig)

		if err := RegisterProtocol(newStdProtocol()); err != nil {
			defaultLogger.Fatal("brpc: ", err)
		}
		if err := RegisterProtocol(newEspProtocol()); err != nil {
			defaultLogger.Fatal("brpc: ", err)
		}
		registerBuiltinLoadBalancers()
		registerBuiltinNamingServices()
	})
}

// TooManyUserCode reports a saturated usercode pool; CallMethod fails fast
// with ELIMIT instead of queueing behind stuck callbacks.
func TooManyUserCode() bool {
	return usercodePool != nil && usercodePool.Free() == 0
}

func submitUserCode(f func()) error {
	pool := workPool
	if globalConfig.UsercodeInPool {
		pool = usercodePool
	}
	if pool == nil {
		return ants.ErrPoolClosed
	}
	return pool.Submit(f)
}
