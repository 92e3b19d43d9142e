// Package bmc provides the out-of-band management controller client used by the pipeline stages.
package bmc

import (
	"context"
	"strings"
	"time"

	bmclibv2 "github.com/bmc-toolbox/bmclib/v2"
	"github.com/bmc-toolbox/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/bmpipe/internal/app"
	"github.com/metal-toolbox/bmpipe/internal/metrics"
	"github.com/metal-toolbox/bmpipe/internal/model"
)

const (
	// BootDevicePXE is the one time boot override used to network boot a device.
	BootDevicePXE = "pxe"

	powerOn      = "on"
	powerSoftOff = "soft"
	powerReset   = "reset"

	logoutTimeout = 30 * time.Second
	loginAttempts = 3
)

var (
	// login errors
	errBMCLogin             = errors.New("bmc login error")
	errBMCLoginTimeout      = errors.New("bmc login timeout")
	errBMCLoginUnAuthorized = errors.New("bmc login unauthorized")
	errBMCSession           = errors.New("bmc session error")

	errBMCLogout = errors.New("bmc logout error")

	// ErrBMCQuery is returned when a management controller query or action fails.
	ErrBMCQuery = errors.New("bmc query error")

	// ErrNotOpen is returned when a session is required and Open was not called.
	ErrNotOpen = errors.New("bmc session not open")
)

// IsLoginError returns true when the error was a failure to establish a controller session.
func IsLoginError(err error) bool {
	return errors.Is(err, errBMCLogin)
}

// Controller is the interface to a device management controller.
//
//go:generate mockgen -source bmc.go -destination=../fixtures/mock_bmc.go -package fixtures
type Controller interface {
	// Open creates a controller session, logging in with retries.
	Open(ctx context.Context) error
	// Close logs out of the controller session.
	Close(ctx context.Context) error

	SystemInfo(ctx context.Context) (*model.SystemInfo, error)
	PowerState(ctx context.Context) (string, error)

	// SetOneTimeBoot sets the boot device for the next boot only.
	SetOneTimeBoot(ctx context.Context, device string) error

	PowerOn(ctx context.Context) error
	// PowerOff requests a graceful shutdown.
	PowerOff(ctx context.Context) error
	ForceRestart(ctx context.Context) error

	// Telemetry reads processor, memory, power and thermal readings, it does not require Open.
	Telemetry(ctx context.Context) (*model.Telemetry, error)
}

// NewControllerFunc returns a Controller for the given controller address.
type NewControllerFunc func(host string, logger *logrus.Entry) Controller

// NewControllerFactory returns a NewControllerFunc using the given credentials.
func NewControllerFactory(options *app.BMCOptions) NewControllerFunc {
	return func(host string, logger *logrus.Entry) Controller {
		return NewController(host, options, logger)
	}
}

// PoweredOff returns true for power states reported by a powered off, or powering off host.
func PoweredOff(state string) bool {
	return strings.Contains(strings.ToLower(state), "off")
}

// bmc wraps the bmclib client and implements the Controller interface
type bmc struct {
	host    string
	options *app.BMCOptions
	vendor  string
	client  *bmclibv2.Client
	logger  *logrus.Entry
}

// NewController returns a Controller for the management controller at host.
func NewController(host string, options *app.BMCOptions, logger *logrus.Entry) Controller {
	return &bmc{
		host:    host,
		options: options,
		logger:  logger.WithField("bmc", host),
	}
}

// Open creates a BMC session
func (b *bmc) Open(ctx context.Context) error {
	if b.client == nil {
		b.client = newBmclibv2Client(b.host, b.options, b.vendor, b.logger)
	}

	// return if a session is active
	if err := b.sessionActive(ctx); err == nil {
		b.logger.Trace("bmc session active, skipped login attempt")
		return nil
	}

	// login to the bmc with retries
	if err := b.loginWithRetries(ctx, loginAttempts); err != nil {
		b.registerError("Open", err)
		return err
	}

	return nil
}

// Close logs out of the BMC
//
// The logout is attempted even when the given context is done.
func (b *bmc) Close(_ context.Context) error {
	if b.client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()

	err := b.client.Close(ctx)
	b.client = nil

	if err != nil {
		return errors.Wrap(errBMCLogout, err.Error())
	}

	return nil
}

func (b *bmc) registerError(method string, err error) {
	vendor := b.vendor
	if vendor == "" {
		vendor = "unknown"
	}

	metrics.BMCQueryErrorCount.With(map[string]string{"vendor": vendor, "method": method}).Inc()

	b.logger.WithFields(logrus.Fields{
		"method": method,
		"err":    err,
	}).Debug("bmc query error")
}

// SystemInfo implements the Controller interface.
func (b *bmc) SystemInfo(ctx context.Context) (*model.SystemInfo, error) {
	if b.client == nil {
		return nil, ErrNotOpen
	}

	inventory, err := b.client.Inventory(ctx)
	if err != nil {
		b.registerError("SystemInfo", err)

		if strings.Contains(err.Error(), "no compatible System Odata IDs identified") {
			return nil, errors.Wrap(ErrBMCQuery, "redfish_incompatible: no compatible System Odata IDs identified")
		}

		return nil, errors.Wrap(ErrBMCQuery, err.Error())
	}

	// format the device inventory vendor attribute so its consistent
	b.vendor = common.FormatVendorName(inventory.Vendor)

	return &model.SystemInfo{
		Vendor: b.vendor,
		Model:  inventory.Model,
		Serial: inventory.Serial,
	}, nil
}

// PowerState implements the Controller interface.
func (b *bmc) PowerState(ctx context.Context) (string, error) {
	if b.client == nil {
		return "", ErrNotOpen
	}

	state, err := b.client.GetPowerState(ctx)
	if err != nil {
		b.registerError("PowerState", err)
		return "", errors.Wrap(ErrBMCQuery, err.Error())
	}

	return state, nil
}

// SetOneTimeBoot implements the Controller interface.
func (b *bmc) SetOneTimeBoot(ctx context.Context, device string) error {
	if b.client == nil {
		return ErrNotOpen
	}

	// persistent: false, efiBoot: false
	if _, err := b.client.SetBootDevice(ctx, device, false, false); err != nil {
		b.registerError("SetOneTimeBoot", err)
		return errors.Wrap(ErrBMCQuery, "set boot device: "+err.Error())
	}

	return nil
}

func (b *bmc) setPowerState(ctx context.Context, method, state string) error {
	if b.client == nil {
		return ErrNotOpen
	}

	if _, err := b.client.SetPowerState(ctx, state); err != nil {
		b.registerError(method, err)
		return errors.Wrap(ErrBMCQuery, "set power state "+state+": "+err.Error())
	}

	return nil
}

// PowerOn implements the Controller interface.
func (b *bmc) PowerOn(ctx context.Context) error {
	return b.setPowerState(ctx, "PowerOn", powerOn)
}

// PowerOff implements the Controller interface.
func (b *bmc) PowerOff(ctx context.Context) error {
	return b.setPowerState(ctx, "PowerOff", powerSoftOff)
}

// ForceRestart implements the Controller interface.
func (b *bmc) ForceRestart(ctx context.Context) error {
	return b.setPowerState(ctx, "ForceRestart", powerReset)
}
