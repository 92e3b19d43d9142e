// Package hardening invokes the configuration runner that hardens a device management controller.
package hardening

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/metal-toolbox/bmpipe/internal/app"
	"github.com/metal-toolbox/bmpipe/internal/metrics"
	"github.com/metal-toolbox/bmpipe/internal/model"
)

const (
	// output kept for logs and journal entries
	maxOutputBytes = 64 << 10

	// time given to the runner process output pipes to close after it was killed
	waitDelay = 5 * time.Second
)

var (
	// ErrTimeout is returned when the runner did not complete within the timeout.
	ErrTimeout = errors.New("configuration run timed out")
	// ErrFailed is returned when the runner exited with a failure.
	ErrFailed = errors.New("configuration run failed")
	// ErrRunnerSetup is returned when the runner could not be started.
	ErrRunnerSetup = errors.New("configuration run setup error")
)

// Credentials are passed to the runner to log into the target.
type Credentials struct {
	Username string
	Password string
}

// Result is the outcome of a completed run.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Runner runs the hardening procedure against a target address.
//
// A run that exits non zero returns the Result along with ErrFailed.
type Runner interface {
	Run(ctx context.Context, target string, creds Credentials) (*Result, error)
}

// Ansible runs an ansible playbook with an ad-hoc single host inventory.
type Ansible struct {
	binary   string
	playbook string
	timeout  time.Duration
	logger   *logrus.Logger
}

// NewAnsible returns an Ansible runner, the timeout is clamped to the maximum allowed.
func NewAnsible(options *app.HardeningOptions, logger *logrus.Logger) *Ansible {
	timeout := options.Timeout
	if timeout <= 0 || timeout > app.MaxHardeningTimeout {
		timeout = app.MaxHardeningTimeout
	}

	return &Ansible{
		binary:   options.Binary,
		playbook: options.Playbook,
		timeout:  timeout,
		logger:   logger,
	}
}

// credentials are written to an extra vars file readable by the process owner only,
// so they don't show up in the process list.
func writeVarsFile(dir string, creds Credentials) (string, error) {
	b, err := yaml.Marshal(map[string]string{
		"ansible_user":     creds.Username,
		"ansible_password": creds.Password,
	})
	if err != nil {
		return "", err
	}

	fh, err := os.CreateTemp(dir, model.AppName+"-vars-*.yml")
	if err != nil {
		return "", err
	}

	if err := fh.Chmod(0o600); err != nil {
		fh.Close()
		os.Remove(fh.Name())

		return "", err
	}

	if _, err := fh.Write(b); err != nil {
		fh.Close()
		os.Remove(fh.Name())

		return "", err
	}

	return fh.Name(), fh.Close()
}

// tail returns the last limit bytes of the output
func tail(s string, limit int) string {
	if len(s) > limit {
		return s[len(s)-limit:]
	}

	return s
}

// Run implements the Runner interface.
func (a *Ansible) Run(ctx context.Context, target string, creds Credentials) (*Result, error) {
	ip, err := model.NormalizeIP(target)
	if err != nil {
		return nil, errors.Wrap(ErrRunnerSetup, err.Error())
	}

	varsFile, err := writeVarsFile("", creds)
	if err != nil {
		return nil, errors.Wrap(ErrRunnerSetup, "vars file: "+err.Error())
	}

	defer os.Remove(varsFile)

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	// nolint:gosec // the binary and playbook are operator configuration
	cmd := exec.CommandContext(
		ctx,
		a.binary,
		a.playbook,
		"-i", ip+",",
		"-e", "@"+varsFile,
		"-v",
	)

	cmd.Dir = filepath.Dir(a.playbook)
	cmd.Env = append(os.Environ(), "ANSIBLE_HOST_KEY_CHECKING=False")
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	output := &bytes.Buffer{}
	cmd.Stdout = output
	cmd.Stderr = output

	le := a.logger.WithFields(logrus.Fields{
		"target":   ip,
		"playbook": a.playbook,
		"timeout":  a.timeout.String(),
	})

	le.Info("configuration run started")

	startTS := time.Now()
	err = cmd.Run()

	result := &Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Output:   tail(output.String(), maxOutputBytes),
		Duration: time.Since(startTS),
	}

	le = le.WithFields(logrus.Fields{
		"exitCode": result.ExitCode,
		"duration": result.Duration.String(),
	})

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		metrics.HardeningRunTimeSummary.With(map[string]string{"result": "timeout"}).Observe(result.Duration.Seconds())
		le.Warn("configuration run timed out")

		return result, errors.Wrap(ErrTimeout, a.timeout.String())
	case err != nil:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, errors.Wrap(ErrRunnerSetup, err.Error())
		}

		metrics.HardeningRunTimeSummary.With(map[string]string{"result": "failed"}).Observe(result.Duration.Seconds())
		le.WithField("output", result.Output).Warn("configuration run failed")

		return result, errors.Wrapf(ErrFailed, "exit code %d", result.ExitCode)
	}

	metrics.HardeningRunTimeSummary.With(map[string]string{"result": "succeeded"}).Observe(result.Duration.Seconds())
	le.Debug("configuration run completed")

	return result, nil
}
