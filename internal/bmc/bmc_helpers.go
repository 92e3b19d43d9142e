package bmc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	bmclibv2 "github.com/bmc-toolbox/bmclib/v2"
	"github.com/bmc-toolbox/common"
	logrusrv2 "github.com/bombsimon/logrusr/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/jacobweinstock/registrar"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"

	"github.com/metal-toolbox/bmpipe/internal/app"
)

func newHTTPClient(options *app.BMCOptions) *http.Client {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		panic(err)
	}

	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &http.Client{
		Timeout: timeout,
		Jar:     jar,
		Transport: &http.Transport{
			// nolint:gosec // BMCs in the staging network don't have valid certs.
			TLSClientConfig:   &tls.Config{InsecureSkipVerify: !options.VerifyTLS},
			DisableKeepAlives: true,
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: timeout,
			}).DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
			IdleConnTimeout:       timeout,
		},
	}
}

// bmclib uses logr, for which the trace logs are logged with log.V(3),
// this is a hax so the logrusr lib will enable trace logging
// since any value that is less than (logrus.LogLevel - 4) >= log.V(3) is ignored
// https://github.com/bombsimon/logrusr/blob/master/logrusr.go#L64
func bmclibLogger(l *logrus.Entry) *logrus.Logger {
	logger := logrus.New()
	logger.Formatter = l.Logger.Formatter
	logger.Out = l.Logger.Out

	switch l.Logger.GetLevel() {
	case logrus.TraceLevel:
		logger.Level = 7
	case logrus.DebugLevel:
		logger.Level = 5
	}

	return logger
}

// newBmclibv2Client initializes a bmclibv2 client with the given credentials
func newBmclibv2Client(host string, options *app.BMCOptions, vendor string, l *logrus.Entry) *bmclibv2.Client {
	bmcClient := bmclibv2.NewClient(
		host,
		options.Username,
		options.Password,
		bmclibv2.WithLogger(logrusrv2.New(bmclibLogger(l))),
		bmclibv2.WithHTTPClient(newHTTPClient(options)),
		bmclibv2.WithPerProviderTimeout(options.Timeout),
	)

	// set bmclibv2 driver
	//
	// The bmclib drivers here are limited to the HTTPS means of connection,
	// that is, drivers like ipmi are excluded.
	switch vendor {
	case common.VendorDell, common.VendorHPE:
		// Set to the bmclib ProviderProtocol value
		// https://github.com/bmc-toolbox/bmclib/blob/v2/providers/redfish/redfish.go#L26
		bmcClient.Registry.Drivers = bmcClient.Registry.Using("redfish")
	default:
		// attempt both drivers when vendor is unknown
		drivers := append(registrar.Drivers{},
			bmcClient.Registry.Using("redfish")...,
		)

		drivers = append(drivers,
			bmcClient.Registry.Using("vendorapi")...,
		)

		bmcClient.Registry.Drivers = drivers
	}

	return bmcClient
}

func (b *bmc) sessionActive(ctx context.Context) error {
	if b.client == nil {
		return errors.Wrap(errBMCSession, "bmclibv2 client not initialized")
	}

	// check if we're able to query the power state
	powerStatus, err := b.client.GetPowerState(ctx)
	if err != nil {
		b.logger.WithField("err", err.Error()).Trace("session not active, checked with GetPowerState()")

		return errors.Wrap(errBMCSession, err.Error())
	}

	b.logger.WithField("powerStatus", powerStatus).Trace("session currently active, checked with GetPowerState()")

	return nil
}

// login to the BMC, re-trying tries times with exponential backoff
func (b *bmc) loginWithRetries(ctx context.Context, tries int) error {
	attempts := 1

	// nolint:gomnd // time duration definitions are clear as is.
	delay := &backoff.Backoff{
		Min:    5 * time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	if tries == 0 {
		tries = loginAttempts
	}

	loginTimeout := b.options.Timeout
	if loginTimeout <= 0 {
		loginTimeout = 30 * time.Second
	}

	// loop returns when a session was established or after retries attempts
	for {
		attemptstr := fmt.Sprintf("%d/%d", attempts, tries)

		err := b.login(ctx, loginTimeout)
		if err == nil {
			b.logger.WithField("attempt", attemptstr).Debug("bmc login successful")
			return nil
		}

		b.logger.WithFields(
			logrus.Fields{
				"attempt": attemptstr,
				"err":     err,
			}).Debug("bmc login error")

		// return if attempts match tries
		if attempts >= tries || ctx.Err() != nil {
			if strings.Contains(err.Error(), "operation timed out") || errors.Is(err, context.DeadlineExceeded) {
				err = multierror.Append(errBMCLoginTimeout, err)
			}

			if strings.Contains(err.Error(), "401: ") || strings.Contains(err.Error(), "failed to login") {
				err = multierror.Append(errBMCLoginUnAuthorized, err)
			}

			return errors.Wrapf(errBMCLogin, "attempts: %s, last error: %s", attemptstr, err.Error())
		}

		attempts++

		select {
		case <-ctx.Done():
		case <-time.After(delay.Duration()):
		}
	}
}

func (b *bmc) login(ctx context.Context, timeout time.Duration) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return b.client.Open(attemptCtx)
}
