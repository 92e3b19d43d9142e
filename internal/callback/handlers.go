package callback

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/bmpipe/internal/ingest"
	"github.com/metal-toolbox/bmpipe/internal/inventory"
	"github.com/metal-toolbox/bmpipe/internal/lifecycle"
	"github.com/metal-toolbox/bmpipe/internal/model"
	"github.com/metal-toolbox/bmpipe/internal/queue"
)

// HardwareFacts is the device identity reported by the validation image.
type HardwareFacts struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Serial       string `json:"serial"`
}

// Summary returns the hardware line written to the device comments.
func (h *HardwareFacts) Summary() string {
	return fmt.Sprintf("Hardware: %s %s (Serial: %s)", h.Manufacturer, h.Model, h.Serial)
}

// InterfaceFacts is a network interface reported by the validation image.
type InterfaceFacts struct {
	Name string `json:"name"`
	MAC  string `json:"mac"`
}

// ValidationReport is the validation callback request body.
type ValidationReport struct {
	DeviceID   model.DeviceID   `json:"device_id"`
	Timestamp  string           `json:"timestamp"`
	Hardware   HardwareFacts    `json:"hardware"`
	LLDP       json.RawMessage  `json:"lldp"`
	Interfaces []InterfaceFacts `json:"interfaces"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// out-of-band interfaces are managed by discovery
func outOfBand(name string) bool {
	name = strings.ToLower(name)
	return strings.Contains(name, "bmc") || strings.Contains(name, "ilo")
}

// reportTime returns the validation completed timestamp.
//
// Replays of the same report must map to the same event timestamp, the report timestamp
// is used when present, then the boot timestamp of the device.
func (s *Server) reportTime(report *ValidationReport, device *model.Device) time.Time {
	if report.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, report.Timestamp); err == nil {
			return ts.UTC()
		}
	}

	if device.PXEBootInitiatedAt != nil {
		return device.PXEBootInitiatedAt.UTC()
	}

	return s.now().UTC().Truncate(time.Second)
}

func inventoryErrorStatus(err error) int {
	if errors.Is(err, inventory.ErrNotFound) {
		return http.StatusNotFound
	}

	return http.StatusInternalServerError
}

// nolint:gocyclo // request handling is sequential and reads best in one place
func (s *Server) validationReport(c *gin.Context) {
	report := &ValidationReport{}
	if err := c.ShouldBindJSON(report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if report.DeviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device_id is required"})
		return
	}

	ctx := c.Request.Context()
	le := s.logger.WithField("deviceID", report.DeviceID)

	device, err := s.inventory.DeviceByID(ctx, report.DeviceID)
	if err != nil {
		status := inventoryErrorStatus(err)
		if status == http.StatusNotFound {
			c.JSON(status, gin.H{"error": "Device not found: " + report.DeviceID.String()})
			return
		}

		le.WithError(err).Error("device lookup failed")
		c.JSON(status, gin.H{"error": err.Error()})

		return
	}

	le = le.WithFields(logrus.Fields{
		"device":     device.Name,
		"state":      device.Lifecycle,
		"interfaces": len(report.Interfaces),
	})

	le.Info("validation report received")

	if err := lifecycle.Check(device.Lifecycle, lifecycle.Validate); err != nil {
		if errors.Is(err, lifecycle.ErrStale) {
			le.Info("device past validation, report ignored")
			s.respond(c, device, "Device already validated")

			return
		}

		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})

		return
	}

	for _, iface := range report.Interfaces {
		if iface.Name == "" || iface.MAC == "" || outOfBand(iface.Name) {
			continue
		}

		mac, err := model.NormalizeMAC(iface.MAC)
		if err != nil {
			le.WithField("interface", iface.Name).WithError(err).Warn("reported interface skipped")
			continue
		}

		if err := s.inventory.UpsertInterface(ctx, device.ID, iface.Name, mac); err != nil {
			if errors.Is(err, inventory.ErrRejected) {
				le.WithField("interface", iface.Name).WithError(err).Warn("interface update rejected")
				continue
			}

			le.WithError(err).Error("interface update failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})

			return
		}
	}

	if len(report.LLDP) > 0 && string(report.LLDP) != "null" {
		le.WithField("bytes", len(report.LLDP)).Info("LLDP data received")
	}

	patch := &model.DevicePatch{}
	if report.Hardware.Model != "" {
		summary := report.Hardware.Summary()
		patch.Comments = &summary
	}

	if _, err := s.writer.Advance(ctx, device, lifecycle.Validate, patch); err != nil {
		le.WithError(err).Error("device state update failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})

		return
	}

	completed := &model.ValidationCompleted{
		Timestamp:  s.reportTime(report, device),
		DeviceID:   device.ID,
		DeviceName: device.Name,
	}

	if err := queue.PublishEvent(ctx, s.queue, completed); err != nil {
		// the caller retries, the replay re-publishes with the same message id
		le.WithError(err).Error("validation completed publish failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})

		return
	}

	le.Info("device validated")
	s.respond(c, device, "Validation data processed")
}

func (s *Server) respond(c *gin.Context, device *model.Device, message string) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "success",
		"device_id":   device.ID,
		"device_name": device.Name,
		"message":     message,
	})
}

func (s *Server) pushLease(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	lease, err := s.ingestor.Ingest(c.Request.Context(), "http", string(body))
	if err != nil {
		if errors.Is(err, ingest.ErrMalformed) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})

		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":      "accepted",
		"mac_address": lease.MAC,
		"ip_address":  lease.IP,
	})
}
