package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ MandateStore    = (*MemoryMandateStore)(nil)
	_ Catalog         = (*StaticCatalog)(nil)
	_ KeyProvider     = (*MemoryKeyProvider)(nil)
	_ SignerVerifier  = (*Ed25519SignerVerifier)(nil)
	_ SignerVerifier  = (*HMACSignerVerifier)(nil)
	_ SignerVerifier  = (*KeyedSignerVerifier)(nil)
	_ TaskExecutor    = (*Service)(nil)
	_ TaskDispatcher  = InlineDispatcher{}
	_ TaskDispatcher  = (*AsyncDispatcher)(nil)
	_ TaskDispatcher  = QueueDispatcher{}
	_ TaskDispatcher  = ManualDispatcher{}
	_ TaskBackend     = TaskBackendFunc(nil)
	_ Clock           = SystemClock{}
	_ Clock           = ClockFunc(nil)
	_ MetricsRecorder = NopMetricsRecorder{}
	_ LifecycleHook   = lifecycleHookFunc{}

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
