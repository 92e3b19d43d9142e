package app

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jeremywohl/flatten"
	"github.com/metal-toolbox/bmpipe/internal/model"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

const (
	defaultNatsConnectTimeout  = 60 * time.Second
	defaultNatsConsumeTimeout  = 5 * time.Second
	defaultNatsAckWait         = 15 * time.Minute
	defaultDedupTTL            = 24 * time.Hour
	defaultDuplicateWindow     = 2 * time.Minute
	defaultInventoryTimeout    = 30 * time.Second
	defaultBMCTimeout          = 30 * time.Second
	defaultHardeningTimeout    = 10 * time.Minute
	MaxHardeningTimeout        = time.Hour
	defaultMonitoringInterval  = 5 * time.Minute
	defaultMonitoringBackoff   = time.Minute
	defaultMonitoringWorkers   = 4
	defaultRetryMaxAttempts    = 5
	defaultRetryMinDelay       = 10 * time.Second
	defaultRetryMaxDelay       = 5 * time.Minute
	defaultLeasePollInterval   = 2 * time.Second
	defaultCallbackListen      = "0.0.0.0:5000"
	defaultMetricsListen       = "0.0.0.0:9090"
	defaultLogDir              = "/var/log/bm"
	defaultPlaybook            = "/opt/bm/ansible/bmc_hardening.yml"
	defaultAnsibleBinary       = "ansible-playbook"
	defaultInventoryTenant     = "baremetal-staging"
	defaultBMCUsername         = "Administrator"
	defaultIPPrefixLength      = 24
	defaultLeaseSource         = "dhcp"
	defaultLeaseNetworkType    = model.NetworkBMC
	defaultInventoryRetryCount = 3
)

var (
	ErrConfig = errors.New("configuration error")
)

// Configuration holds application configuration read from a YAML or set by env variables.
//
// The configuration is built once in New and handed to component constructors,
// nothing reads the environment after that.
//
// nolint:govet // prefer readability over field alignment optimization for this case.
type Configuration struct {
	// LogLevel is the app verbose logging level.
	// one of - info, debug, trace
	LogLevel string `mapstructure:"log_level"`

	// LogDir is where process logs, the error record and metrics documents are written.
	LogDir string `mapstructure:"log_dir"`

	// MetricsListen is the address the prometheus /metrics endpoint listens on.
	MetricsListen string `mapstructure:"metrics_listen"`

	// AppKind is the process kind.
	AppKind model.AppKind `mapstructure:"app_kind"`

	Inventory  *InventoryOptions  `mapstructure:"inventory"`
	Nats       *NatsOptions       `mapstructure:"nats"`
	BMC        *BMCOptions        `mapstructure:"bmc"`
	Callback   *CallbackOptions   `mapstructure:"callback"`
	Hardening  *HardeningOptions  `mapstructure:"hardening"`
	Monitoring *MonitoringOptions `mapstructure:"monitoring"`
	Retry      *RetryOptions      `mapstructure:"retry"`
	Lease      *LeaseOptions      `mapstructure:"lease"`
}

// InventoryOptions defines configuration for the NetBox inventory client.
type InventoryOptions struct {
	EndpointURL          *url.URL
	Endpoint             string        `mapstructure:"endpoint"`
	Token                string        `mapstructure:"token"`
	Tenant               string        `mapstructure:"tenant"`
	Timeout              time.Duration `mapstructure:"timeout"`
	RetryCount           int           `mapstructure:"retry_count"`
	IPPrefixLength       int           `mapstructure:"ip_prefix_length"`
	InsecureSkipVerify   bool          `mapstructure:"insecure_skip_verify"`
	OidcIssuerEndpoint   string        `mapstructure:"oidc_issuer_endpoint"`
	OidcAudienceEndpoint string        `mapstructure:"oidc_audience_endpoint"`
	OidcClientSecret     string        `mapstructure:"oidc_client_secret"`
	OidcClientID         string        `mapstructure:"oidc_client_id"`
	OidcClientScopes     []string      `mapstructure:"oidc_client_scopes"`
}

// OAuthEnabled returns true when an OIDC issuer is configured for the inventory client.
func (o *InventoryOptions) OAuthEnabled() bool {
	return o.OidcIssuerEndpoint != ""
}

// NatsOptions defines the message queue connection parameters.
type NatsOptions struct {
	URL             string        `mapstructure:"url"`
	CredsFile       string        `mapstructure:"creds_file"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	TLSCert         string        `mapstructure:"tls_cert"`
	TLSKey          string        `mapstructure:"tls_key"`
	TLSCA           string        `mapstructure:"tls_ca"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ConsumeTimeout  time.Duration `mapstructure:"consume_timeout"`
	AckWait         time.Duration `mapstructure:"ack_wait"`
	DedupTTL        time.Duration `mapstructure:"dedup_ttl"`
	DuplicateWindow time.Duration `mapstructure:"duplicate_window"`
	Replicas        int           `mapstructure:"replicas"`
}

// BMCOptions defines the management controller credentials.
type BMCOptions struct {
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	VerifyTLS bool          `mapstructure:"verify_tls"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// CallbackOptions defines the validation callback listener.
type CallbackOptions struct {
	Listen            string `mapstructure:"listen"`
	TLSCert           string `mapstructure:"tls_cert"`
	TLSKey            string `mapstructure:"tls_key"`
	TLSCA             string `mapstructure:"tls_ca"`
	RequireClientCert bool   `mapstructure:"require_client_cert"`
}

// TLSEnabled returns true when a server certificate is configured.
func (c *CallbackOptions) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// HardeningOptions defines the configuration runner invocation.
type HardeningOptions struct {
	Playbook string        `mapstructure:"playbook"`
	Binary   string        `mapstructure:"binary"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MonitoringOptions defines the monitoring poll loop.
type MonitoringOptions struct {
	Interval     time.Duration `mapstructure:"interval"`
	Concurrency  int           `mapstructure:"concurrency"`
	MetricsDir   string        `mapstructure:"metrics_dir"`
	ErrorBackoff time.Duration `mapstructure:"error_backoff"`
}

// RetryOptions defines the redelivery policy for retryable stage failures.
type RetryOptions struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`

	// FailDevice moves the device to the error state when an event exhausts its attempts.
	FailDevice bool `mapstructure:"fail_device"`
}

// LeaseOptions defines lease ingestion.
type LeaseOptions struct {
	EventLog     string        `mapstructure:"event_log"`
	NetworkType  string        `mapstructure:"network_type"`
	Site         string        `mapstructure:"site"`
	Source       string        `mapstructure:"source"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ErrorLogPath returns the path of the dedicated error record.
func (c *Configuration) ErrorLogPath() string {
	return strings.TrimRight(c.LogDir, "/") + "/errors.log"
}

// LoadConfiguration loads application configuration
//
// Reads in the cfgFile when available and overrides from environment variables.
func (a *App) LoadConfiguration(cfgFile string) error {
	a.v.SetConfigType("yaml")
	a.v.SetEnvPrefix(model.AppName)
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	// these are initialized here so viper can read in configuration from env vars
	// once https://github.com/spf13/viper/pull/1429 is merged, this can go.
	a.Config.Inventory = &InventoryOptions{}
	a.Config.Nats = &NatsOptions{}
	a.Config.BMC = &BMCOptions{}
	a.Config.Callback = &CallbackOptions{}
	a.Config.Hardening = &HardeningOptions{}
	a.Config.Monitoring = &MonitoringOptions{}
	a.Config.Retry = &RetryOptions{}
	a.Config.Lease = &LeaseOptions{}

	if cfgFile != "" {
		fh, err := os.Open(cfgFile)
		if err != nil {
			return errors.Wrap(ErrConfig, err.Error())
		}
		defer fh.Close()

		if err = a.v.ReadConfig(fh); err != nil {
			return errors.Wrap(ErrConfig, "ReadConfig error:"+err.Error())
		}
	}

	a.setDefaults()

	if err := a.envBindVars(); err != nil {
		return errors.Wrap(ErrConfig, "env var bind error:"+err.Error())
	}

	appKind := a.Config.AppKind
	if err := a.v.Unmarshal(a.Config); err != nil {
		return errors.Wrap(ErrConfig, "Unmarshal error: "+err.Error())
	}

	// the process kind comes from the command invoked, not the configuration.
	a.Config.AppKind = appKind

	if err := a.Config.validate(); err != nil {
		return errors.Wrap(ErrConfig, err.Error())
	}

	return nil
}

func (a *App) setDefaults() {
	a.v.SetDefault("log_level", "info")
	a.v.SetDefault("log_dir", defaultLogDir)
	a.v.SetDefault("metrics_listen", defaultMetricsListen)

	a.v.SetDefault("inventory.tenant", defaultInventoryTenant)
	a.v.SetDefault("inventory.timeout", defaultInventoryTimeout)
	a.v.SetDefault("inventory.retry_count", defaultInventoryRetryCount)
	a.v.SetDefault("inventory.ip_prefix_length", defaultIPPrefixLength)

	a.v.SetDefault("nats.connect_timeout", defaultNatsConnectTimeout)
	a.v.SetDefault("nats.consume_timeout", defaultNatsConsumeTimeout)
	a.v.SetDefault("nats.ack_wait", defaultNatsAckWait)
	a.v.SetDefault("nats.dedup_ttl", defaultDedupTTL)
	a.v.SetDefault("nats.duplicate_window", defaultDuplicateWindow)
	a.v.SetDefault("nats.replicas", 1)

	a.v.SetDefault("bmc.username", defaultBMCUsername)
	a.v.SetDefault("bmc.timeout", defaultBMCTimeout)

	a.v.SetDefault("callback.listen", defaultCallbackListen)

	a.v.SetDefault("hardening.playbook", defaultPlaybook)
	a.v.SetDefault("hardening.binary", defaultAnsibleBinary)
	a.v.SetDefault("hardening.timeout", defaultHardeningTimeout)

	a.v.SetDefault("monitoring.interval", defaultMonitoringInterval)
	a.v.SetDefault("monitoring.concurrency", defaultMonitoringWorkers)
	a.v.SetDefault("monitoring.error_backoff", defaultMonitoringBackoff)

	a.v.SetDefault("retry.max_attempts", defaultRetryMaxAttempts)
	a.v.SetDefault("retry.min_delay", defaultRetryMinDelay)
	a.v.SetDefault("retry.max_delay", defaultRetryMaxDelay)

	a.v.SetDefault("lease.network_type", string(defaultLeaseNetworkType))
	a.v.SetDefault("lease.source", defaultLeaseSource)
	a.v.SetDefault("lease.poll_interval", defaultLeasePollInterval)
}

// envBindVars binds environment variables to the struct
// without a configuration file being unmarshalled,
// this is a workaround for a viper bug,
//
// This can be replaced by the solution in https://github.com/spf13/viper/pull/1429
// once that PR is merged.
func (a *App) envBindVars() error {
	envKeysMap := map[string]interface{}{}
	if err := mapstructure.Decode(a.Config, &envKeysMap); err != nil {
		return err
	}

	// Flatten nested conf map
	flat, err := flatten.Flatten(envKeysMap, "", flatten.DotStyle)
	if err != nil {
		return errors.Wrap(err, "Unable to flatten config")
	}

	for k := range flat {
		if err := a.v.BindEnv(k); err != nil {
			return errors.Wrap(ErrConfig, "env var bind error: "+err.Error())
		}
	}

	// environment variable names used by the existing deployments
	for k, env := range legacyEnvVars {
		if err := a.v.BindEnv(k, strings.ToUpper(model.AppName+"_"+strings.ReplaceAll(k, ".", "_")), env); err != nil {
			return errors.Wrap(ErrConfig, "env var bind error: "+err.Error())
		}
	}

	return nil
}

var legacyEnvVars = map[string]string{
	"inventory.endpoint": "NETBOX_URL",
	"inventory.token":    "NETBOX_TOKEN",
	"inventory.tenant":   "NETBOX_TENANT",
	"bmc.username":       "ILO_DEFAULT_USER",
	"bmc.password":       "ILO_DEFAULT_PASSWORD",
	"log_dir":            "LOG_DIR",
}

// validate checks the parameters required by the process kind,
// all missing parameters are reported at once.
//
// nolint:gocyclo // parameter validation is cyclomatic
func (c *Configuration) validate() error {
	var merr *multierror.Error

	if c.AppKind.NeedsInventory() {
		if c.Inventory.Endpoint == "" {
			merr = multierror.Append(merr, errors.New("missing parameter: inventory.endpoint"))
		} else {
			endpointURL, err := url.Parse(c.Inventory.Endpoint)
			if err != nil {
				merr = multierror.Append(merr, errors.New("inventory endpoint URL error: "+err.Error()))
			}

			c.Inventory.EndpointURL = endpointURL
		}

		if c.Inventory.Token == "" && !c.Inventory.OAuthEnabled() {
			merr = multierror.Append(merr, errors.New("missing parameter: inventory.token"))
		}

		if c.Inventory.OAuthEnabled() {
			if c.Inventory.OidcClientSecret == "" {
				merr = multierror.Append(merr, errors.New("missing parameter: inventory.oidc_client_secret"))
			}

			if c.Inventory.OidcAudienceEndpoint == "" {
				merr = multierror.Append(merr, errors.New("missing parameter: inventory.oidc_audience_endpoint"))
			}
		}

		if c.Inventory.IPPrefixLength <= 0 || c.Inventory.IPPrefixLength > 128 {
			merr = multierror.Append(merr, errors.New("inventory.ip_prefix_length out of range"))
		}
	}

	if c.AppKind.NeedsBMCCredentials() && c.BMC.Password == "" {
		merr = multierror.Append(merr, errors.New("missing parameter: bmc.password"))
	}

	if c.AppKind.NeedsQueue() && c.Nats.URL == "" {
		merr = multierror.Append(merr, errors.New("missing parameter: nats.url"))
	}

	if (c.Nats.TLSCert == "") != (c.Nats.TLSKey == "") {
		merr = multierror.Append(merr, errors.New("nats.tls_cert and nats.tls_key must be set together"))
	}

	if c.Nats.ConsumeTimeout < time.Second {
		merr = multierror.Append(merr, errors.New("nats.consume_timeout must be at least 1s"))
	}

	switch c.AppKind {
	case model.AppKindHardening:
		if c.Hardening.Playbook == "" {
			merr = multierror.Append(merr, errors.New("missing parameter: hardening.playbook"))
		}

		switch {
		case c.Hardening.Timeout <= 0:
			c.Hardening.Timeout = defaultHardeningTimeout
		case c.Hardening.Timeout > MaxHardeningTimeout:
			c.Hardening.Timeout = MaxHardeningTimeout
		}
	case model.AppKindMonitoring:
		if c.Monitoring.Interval <= 0 {
			merr = multierror.Append(merr, errors.New("monitoring.interval must be positive"))
		}

		if c.Monitoring.Concurrency <= 0 {
			c.Monitoring.Concurrency = 1
		}

		if c.Monitoring.MetricsDir == "" {
			c.Monitoring.MetricsDir = strings.TrimRight(c.LogDir, "/") + "/metrics"
		}
	case model.AppKindLeaseIngest:
		if c.Lease.EventLog == "" {
			c.Lease.EventLog = strings.TrimRight(c.LogDir, "/") + "/dhcp_events.log"
		}

		switch model.NetworkClass(c.Lease.NetworkType) {
		case model.NetworkBMC, model.NetworkManagement:
		default:
			merr = multierror.Append(merr, errors.New("lease.network_type must be one of bmc, management"))
		}
	case model.AppKindCallback:
		if (c.Callback.TLSCert == "") != (c.Callback.TLSKey == "") {
			merr = multierror.Append(merr, errors.New("callback.tls_cert and callback.tls_key must be set together"))
		}

		if c.Callback.RequireClientCert && (c.Callback.TLSCA == "" || !c.Callback.TLSEnabled()) {
			merr = multierror.Append(merr, errors.New("callback.require_client_cert requires callback.tls_ca and a server certificate"))
		}
	}

	if c.AppKind != model.AppKindClient && c.Retry.MaxAttempts < 1 {
		merr = multierror.Append(merr, errors.New("retry.max_attempts must be at least 1"))
	}

	return merr.ErrorOrNil()
}
