// Package logx centralizes the op/go-logging setup shared by every meshnet
// package, generalizing the teacher's per-binary color table and backend
// setup (ExtraHash/p2p's color.go + utils.go LoggerConfig) into something
// every package can reuse via logx.Get.
package logx

import (
	"os"
	"sync"

	logging "github.com/op/go-logging"
)

var (
	once      sync.Once
	formatter logging.Formatter
)

func initBackend() {
	format := logging.MustStringFormatter(
		`%{color}%{time:15:04:05.000} %{shortfunc} ▶ %{level:.4s}%{color:reset} %{message}`,
	)
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	backendFormatter := logging.NewBackendFormatter(backend, format)
	leveled := logging.AddModuleLevel(backendFormatter)
	leveled.SetLevel(logging.INFO, "")
	logging.SetBackend(leveled)
}

// Get returns the package-scoped logger for name, e.g. "meshnet/session".
// Every meshnet package calls this once at init time, matching the
// teacher's single global `log` convention but scoped per package instead
// of per binary.
func Get(name string) *logging.Logger {
	once.Do(initBackend)
	return logging.MustGetLogger(name)
}

// SetLevel adjusts the verbosity of every meshnet logger. Host applications
// that embed the fabric call this instead of reaching into op/go-logging
// directly.
func SetLevel(level logging.Level) {
	logging.SetLevel(level, "")
}
