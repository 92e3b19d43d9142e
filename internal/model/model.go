package model

type AppKind string

const (
	AppName = "bmpipe"

	AppKindLeaseIngest  AppKind = "lease-ingest"
	AppKindDiscovery    AppKind = "discovery"
	AppKindProvisioning AppKind = "provisioning"
	AppKindHardening    AppKind = "hardening"
	AppKindMonitoring   AppKind = "monitoring"
	AppKindCallback     AppKind = "callback-api"
	AppKindClient       AppKind = "client"

	LogLevelInfo  = 0
	LogLevelDebug = 1
	LogLevelTrace = 2
)

// AppKinds returns the supported bmpipe process kinds
func AppKinds() []AppKind {
	return []AppKind{
		AppKindLeaseIngest,
		AppKindDiscovery,
		AppKindProvisioning,
		AppKindHardening,
		AppKindMonitoring,
		AppKindCallback,
		AppKindClient,
	}
}

// StageKinds returns the process kinds that run a queue consumption loop.
func StageKinds() []AppKind {
	return []AppKind{AppKindDiscovery, AppKindProvisioning, AppKindHardening}
}

// NeedsInventory returns true when the process kind talks to the inventory service.
func (k AppKind) NeedsInventory() bool {
	switch k {
	case AppKindDiscovery, AppKindProvisioning, AppKindHardening, AppKindMonitoring, AppKindCallback:
		return true
	}

	return false
}

// NeedsBMCCredentials returns true when the process kind logs into device management controllers.
func (k AppKind) NeedsBMCCredentials() bool {
	switch k {
	case AppKindProvisioning, AppKindHardening, AppKindMonitoring:
		return true
	}

	return false
}

// NeedsQueue returns true when the process kind publishes to or consumes from the message queue.
func (k AppKind) NeedsQueue() bool {
	return k != AppKindMonitoring
}
