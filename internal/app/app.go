package app

import (
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	runtime "github.com/banzaicloud/logrus-runtime-formatter"
	"github.com/metal-toolbox/bmpipe/internal/model"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// App holds attributes for the bmpipe application
type App struct {
	// Viper loads configuration parameters.
	v *viper.Viper
	// bmpipe configuration.
	Config *Configuration
	// TermCh is the channel to terminate the app based on a signal
	TermCh chan os.Signal
	// Logger is the app logger
	Logger *logrus.Logger

	logFile *os.File
}

// New returns returns a new instance of the bmpipe app
func New(appKind model.AppKind, cfgFile string, loglevel int) (*App, error) {
	app := &App{
		v:      viper.New(),
		Config: &Configuration{AppKind: appKind},
		Logger: logrus.New(),
		TermCh: make(chan os.Signal, 1),
	}

	if err := app.LoadConfiguration(cfgFile); err != nil {
		return nil, err
	}

	// set log level, format
	switch loglevel {
	case model.LogLevelDebug:
		app.Logger.Level = logrus.DebugLevel
	case model.LogLevelTrace:
		app.Logger.Level = logrus.TraceLevel
	default:
		app.Logger.Level = logrus.InfoLevel
	}

	app.Logger.SetFormatter(
		&runtime.Formatter{ChildFormatter: &logrus.JSONFormatter{}},
	)

	app.setLogOutput()

	// register for SIGINT, SIGTERM
	signal.Notify(app.TermCh, syscall.SIGINT, syscall.SIGTERM)

	return app, nil
}

// processes log to stdout and to a per process file under the log directory,
// the file is skipped when the directory is not writable.
func (a *App) setLogOutput() {
	if a.Config.LogDir == "" || a.Config.AppKind == model.AppKindClient {
		return
	}

	if err := os.MkdirAll(a.Config.LogDir, 0o755); err != nil {
		a.Logger.WithError(err).Warn("log directory not available, logging to stdout only")
		return
	}

	name := filepath.Join(a.Config.LogDir, string(a.Config.AppKind)+".log")

	fh, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		a.Logger.WithError(err).Warn("log file not available, logging to stdout only")
		return
	}

	a.logFile = fh
	a.Logger.SetOutput(io.MultiWriter(os.Stdout, fh))
}

// Close releases the app log file.
func (a *App) Close() error {
	signal.Stop(a.TermCh)

	if a.logFile != nil {
		return a.logFile.Close()
	}

	return nil
}
