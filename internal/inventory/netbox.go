package inventory

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coreos/go-oidc"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/metal-toolbox/bmpipe/internal/app"
	"github.com/metal-toolbox/bmpipe/internal/metrics"
	"github.com/metal-toolbox/bmpipe/internal/model"
)

const (
	pkgName = "internal/inventory"

	pathInterfaces  = "/api/dcim/interfaces/"
	pathDevices     = "/api/dcim/devices/"
	pathIPAddresses = "/api/ipam/ip-addresses/"
	pathJournal     = "/api/extras/journal-entries/"

	// interface type set on interfaces created from validation reports
	defaultInterfaceType = "other"

	pageLimit = "100"
)

// NetBox implements the Inventory interface on the NetBox REST API.
type NetBox struct {
	endpoint *url.URL
	config   *app.InventoryOptions
	client   *http.Client
	logger   *logrus.Logger
}

// NewNetBox returns a NetBox inventory client.
func NewNetBox(ctx context.Context, config *app.InventoryOptions, logger *logrus.Logger) (*NetBox, error) {
	endpoint := config.EndpointURL
	if endpoint == nil {
		var err error

		endpoint, err = url.Parse(config.Endpoint)
		if err != nil {
			return nil, errors.Wrap(ErrInventoryQuery, "endpoint: "+err.Error())
		}
	}

	client, err := newHTTPClient(ctx, config, logger)
	if err != nil {
		return nil, err
	}

	return &NetBox{
		endpoint: endpoint,
		config:   config,
		client:   client,
		logger:   logger,
	}, nil
}

// returns a retryable http client with Otel, and Oauth when enabled, wrapped in
func newHTTPClient(ctx context.Context, cfg *app.InventoryOptions, logger *logrus.Logger) (*http.Client, error) {
	// init retryable http client
	retryableClient := retryablehttp.NewClient()
	retryableClient.RetryMax = cfg.RetryCount

	// disable default debug logging on the retryable client
	if logger.Level < logrus.DebugLevel {
		retryableClient.Logger = nil
	} else {
		retryableClient.Logger = logger
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		// nolint:gosec // inventory endpoints in the lab carry self signed certificates
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	var roundTripper http.RoundTripper = transport

	if cfg.OAuthEnabled() {
		// setup oidc provider
		provider, err := oidc.NewProvider(ctx, cfg.OidcIssuerEndpoint)
		if err != nil {
			return nil, errors.Wrap(ErrInventoryQuery, "oidc provider: "+err.Error())
		}

		clientID := model.AppName
		if cfg.OidcClientID != "" {
			clientID = cfg.OidcClientID
		}

		// setup oauth configuration
		oauthConfig := clientcredentials.Config{
			ClientID:       clientID,
			ClientSecret:   cfg.OidcClientSecret,
			TokenURL:       provider.Endpoint().TokenURL,
			Scopes:         cfg.OidcClientScopes,
			EndpointParams: url.Values{"audience": []string{cfg.OidcAudienceEndpoint}},
		}

		roundTripper = &oauth2.Transport{
			Source: oauthConfig.TokenSource(ctx),
			Base:   transport,
		}
	}

	// set retryable HTTP client to be the otel http client to collect telemetry
	retryableClient.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(roundTripper)}

	httpClient := retryableClient.StandardClient()
	httpClient.Timeout = cfg.Timeout

	return httpClient, nil
}

func (n *NetBox) url(path string, query url.Values) string {
	u := *n.endpoint
	u.Path = strings.TrimRight(u.Path, "/") + path

	if query != nil {
		u.RawQuery = query.Encode()
	}

	return u.String()
}

func (n *NetBox) do(ctx context.Context, method, rawURL string, body, out any) error {
	var reader io.Reader

	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(ErrInventoryQuery, err.Error())
		}

		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return errors.Wrap(ErrInventoryQuery, err.Error())
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if !n.config.OAuthEnabled() {
		req.Header.Set("Authorization", "Token "+n.config.Token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return errors.Wrap(ErrInventoryQuery, err.Error())
	}

	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return errors.Wrap(ErrInventoryQuery, err.Error())
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrap(ErrNotFound, method+" "+req.URL.Path)
	case resp.StatusCode == http.StatusBadRequest:
		return errors.Wrap(ErrRejected, fmt.Sprintf("%s %s: %s", method, req.URL.Path, truncate(respBody)))
	case resp.StatusCode >= http.StatusMultipleChoices:
		return errors.Wrap(
			ErrInventoryQuery,
			fmt.Sprintf("%s %s: status %d: %s", method, req.URL.Path, resp.StatusCode, truncate(respBody)),
		)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.Wrap(ErrInventoryQuery, "response decode: "+err.Error())
	}

	return nil
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}

	return string(b)
}

// list returns all results of a paginated list endpoint.
func list[T any](ctx context.Context, n *NetBox, path string, query url.Values) ([]T, error) {
	if query == nil {
		query = url.Values{}
	}

	query.Set("limit", pageLimit)

	var all []T

	next := n.url(path, query)
	for next != "" {
		page := &nbList[T]{}
		if err := n.do(ctx, http.MethodGet, next, nil, page); err != nil {
			return nil, err
		}

		all = append(all, page.Results...)
		next = page.Next
	}

	return all, nil
}

func (n *NetBox) registerError(method string, span trace.Span, err error) {
	if errors.Is(err, ErrNotFound) {
		return
	}

	metrics.InventoryQueryErrorCount.With(map[string]string{"method": method}).Inc()
	span.SetAttributes(attribute.String("inventory.error", err.Error()))
}

// InterfaceByMAC implements the Inventory interface.
func (n *NetBox) InterfaceByMAC(ctx context.Context, mac string) (*model.Interface, error) {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "NetBox.InterfaceByMAC")
	defer span.End()

	normalized, err := model.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("mac", normalized))

	ifaces, err := list[nbInterface](ctx, n, pathInterfaces, url.Values{"mac_address": []string{normalized}})
	if err != nil {
		n.registerError("InterfaceByMAC", span, err)
		return nil, err
	}

	var matched []nbInterface

	for _, iface := range ifaces {
		// the inventory filter is case insensitive, match exactly on the normalized form
		if got, err := model.NormalizeMAC(iface.MAC); err == nil && got == normalized {
			matched = append(matched, iface)
		}
	}

	if len(matched) == 0 {
		return nil, errors.Wrap(ErrNotFound, "interface with MAC "+normalized)
	}

	if len(matched) > 1 {
		n.logger.WithFields(logrus.Fields{
			"mac":   normalized,
			"count": len(matched),
		}).Warn("multiple inventory interfaces hold the MAC address, using the first")
	}

	found := matched[0]

	iface := &model.Interface{
		ID:         strconv.Itoa(found.ID),
		DeviceID:   model.DeviceID(strconv.Itoa(found.Device.ID)),
		DeviceName: found.Device.Name,
		Name:       found.Name,
		MAC:        normalized,
	}

	addr, err := n.interfaceAddress(ctx, iface.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		n.registerError("InterfaceByMAC", span, err)
		return nil, err
	}

	if addr != nil {
		iface.IP = addr.Address
		iface.IPID = strconv.Itoa(addr.ID)
	}

	return iface, nil
}

func (n *NetBox) interfaceAddress(ctx context.Context, interfaceID string) (*nbIPAddress, error) {
	addrs, err := list[nbIPAddress](ctx, n, pathIPAddresses, url.Values{"interface_id": []string{interfaceID}})
	if err != nil {
		return nil, err
	}

	if len(addrs) == 0 {
		return nil, ErrNotFound
	}

	return &addrs[0], nil
}

// DeviceByID implements the Inventory interface.
func (n *NetBox) DeviceByID(ctx context.Context, id model.DeviceID) (*model.Device, error) {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "NetBox.DeviceByID")
	defer span.End()

	span.SetAttributes(attribute.String("deviceID", id.String()))

	if id == "" {
		return nil, errors.Wrap(model.ErrDeviceID, "empty")
	}

	dev := &nbDevice{}
	if err := n.do(ctx, http.MethodGet, n.url(pathDevices+url.PathEscape(id.String())+"/", nil), nil, dev); err != nil {
		n.registerError("DeviceByID", span, err)
		return nil, err
	}

	return dev.toDevice(), nil
}

// DevicesByState implements the Inventory interface.
//
// Results are limited to the configured tenant when one is set.
func (n *NetBox) DevicesByState(ctx context.Context, state model.LifecycleState) ([]*model.Device, error) {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "NetBox.DevicesByState")
	defer span.End()

	span.SetAttributes(attribute.String("state", string(state)))

	query := url.Values{"cf_lifecycle_state": []string{string(state)}}
	if n.config.Tenant != "" {
		query.Set("tenant", n.config.Tenant)
	}

	found, err := list[nbDevice](ctx, n, pathDevices, query)
	if err != nil {
		n.registerError("DevicesByState", span, err)
		return nil, err
	}

	devices := make([]*model.Device, 0, len(found))
	for idx := range found {
		devices = append(devices, found[idx].toDevice())
	}

	return devices, nil
}

// AssignIP implements the Inventory interface.
func (n *NetBox) AssignIP(ctx context.Context, iface *model.Interface, cidr string) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "NetBox.AssignIP")
	defer span.End()

	span.SetAttributes(
		attribute.String("interfaceID", iface.ID),
		attribute.String("address", cidr),
	)

	ipID := iface.IPID
	if ipID == "" {
		addr, err := n.interfaceAddress(ctx, iface.ID)
		switch {
		case err == nil:
			ipID = strconv.Itoa(addr.ID)
		case !errors.Is(err, ErrNotFound):
			n.registerError("AssignIP", span, err)
			return err
		}
	}

	var err error

	if ipID != "" {
		err = n.do(
			ctx,
			http.MethodPatch,
			n.url(pathIPAddresses+url.PathEscape(ipID)+"/", nil),
			&nbIPAddressWrite{Address: cidr, Description: "updated by " + model.AppName + " from DHCP lease"},
			nil,
		)
	} else {
		created := &nbIPAddress{}
		err = n.do(
			ctx,
			http.MethodPost,
			n.url(pathIPAddresses, nil),
			&nbIPAddressWrite{
				Address:            cidr,
				Status:             "active",
				AssignedObjectType: objectTypeInterface,
				AssignedObjectID:   objectID(iface.ID),
				Description:        "assigned by " + model.AppName + " from DHCP lease",
			},
			created,
		)

		if err == nil {
			ipID = strconv.Itoa(created.ID)
		}
	}

	if err != nil {
		n.registerError("AssignIP", span, err)
		return err
	}

	iface.IP = cidr
	iface.IPID = ipID

	return nil
}

// UpsertInterface implements the Inventory interface.
func (n *NetBox) UpsertInterface(ctx context.Context, deviceID model.DeviceID, name, mac string) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "NetBox.UpsertInterface")
	defer span.End()

	span.SetAttributes(
		attribute.String("deviceID", deviceID.String()),
		attribute.String("interface", name),
	)

	existing, err := list[nbInterface](
		ctx,
		n,
		pathInterfaces,
		url.Values{"device_id": []string{deviceID.String()}, "name": []string{name}},
	)
	if err != nil {
		n.registerError("UpsertInterface", span, err)
		return err
	}

	if len(existing) > 0 {
		// no write when the recorded address is the same
		if got, errMAC := model.NormalizeMAC(existing[0].MAC); errMAC == nil && got == mac {
			return nil
		}

		err = n.do(
			ctx,
			http.MethodPatch,
			n.url(pathInterfaces+strconv.Itoa(existing[0].ID)+"/", nil),
			&nbInterfaceWrite{Enabled: true, MAC: mac},
			nil,
		)
	} else {
		err = n.do(
			ctx,
			http.MethodPost,
			n.url(pathInterfaces, nil),
			&nbInterfaceWrite{
				Device:  objectID(deviceID.String()),
				Name:    name,
				Type:    defaultInterfaceType,
				Enabled: true,
				MAC:     mac,
			},
			nil,
		)
	}

	if err != nil {
		n.registerError("UpsertInterface", span, err)
		return err
	}

	return nil
}

// UpdateDevice implements the Inventory interface.
func (n *NetBox) UpdateDevice(ctx context.Context, id model.DeviceID, patch *model.DevicePatch) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "NetBox.UpdateDevice")
	defer span.End()

	span.SetAttributes(attribute.String("deviceID", id.String()))

	if patch == nil || patch.Empty() {
		return nil
	}

	err := n.do(
		ctx,
		http.MethodPatch,
		n.url(pathDevices+url.PathEscape(id.String())+"/", nil),
		patchBody(patch),
		nil,
	)
	if err != nil {
		n.registerError("UpdateDevice", span, err)
		return err
	}

	return nil
}

// ManagementAddress implements the Inventory interface.
//
// The device primary address is preferred, the bmc interface address is the fallback.
func (n *NetBox) ManagementAddress(ctx context.Context, device *model.Device) (string, error) {
	if device.PrimaryIP != "" {
		return device.PrimaryIP, nil
	}

	ctx, span := otel.Tracer(pkgName).Start(ctx, "NetBox.ManagementAddress")
	defer span.End()

	ifaces, err := list[nbInterface](
		ctx,
		n,
		pathInterfaces,
		url.Values{"device_id": []string{device.ID.String()}, "name": []string{model.BMCInterfaceName}},
	)
	if err != nil {
		n.registerError("ManagementAddress", span, err)
		return "", err
	}

	if len(ifaces) == 0 {
		return "", errors.Wrap(ErrNoAddress, device.Name)
	}

	addr, err := n.interfaceAddress(ctx, strconv.Itoa(ifaces[0].ID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", errors.Wrap(ErrNoAddress, device.Name)
		}

		n.registerError("ManagementAddress", span, err)

		return "", err
	}

	return model.HostAddress(addr.Address), nil
}

// AddJournalEntry implements the Inventory interface.
func (n *NetBox) AddJournalEntry(ctx context.Context, id model.DeviceID, kind model.JournalKind, message string) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "NetBox.AddJournalEntry")
	defer span.End()

	err := n.do(
		ctx,
		http.MethodPost,
		n.url(pathJournal, nil),
		&nbJournalEntry{
			AssignedObjectType: objectTypeDevice,
			AssignedObjectID:   objectID(id.String()),
			Kind:               string(kind),
			Comments:           message,
		},
		nil,
	)
	if err != nil {
		n.registerError("AddJournalEntry", span, err)
		return err
	}

	return nil
}
