// SPDX-License-Identifier: AGPL-3.0-or-later
package server

import (
	"io"
	"os"
	"time"

	"github.com/taskd-org/taskd/internal/compiler"
	"github.com/taskd-org/taskd/internal/coredb"
	"github.com/taskd-org/taskd/internal/nlu"
	"github.com/taskd-org/taskd/internal/paths"
)

const (
	defaultBindAddress     = "127.0.0.1:8080"
	defaultLogMode         = "text"
	defaultShutdownTimeout = 15 * time.Second
	defaultSweepInterval   = 30 * time.Second
	defaultMaxConcurrent   = 8
)

// Config carries serve-mode runtime settings derived from CLI flags and env
// vars.
type Config struct {
	Bind            string
	Dev             bool
	Log             string
	StdOut          io.Writer
	StdErr          io.Writer
	ShutdownTimeout time.Duration

	DataDir       string
	CoreDBOptions coredb.Options
	CoreDB        *coredb.DB

	// ConstraintsPath points at the YAML constraint set; empty means no
	// constraints are enforced.
	ConstraintsPath string

	NLU      nlu.Config
	Compiler compiler.Config

	// APIToken, when set, requires Authorization: Bearer <token> on every
	// request except /healthz.
	APIToken string

	ApprovalTimeout   time.Duration
	SweepInterval     time.Duration
	MaxConcurrent     int
	MetricsEnabled    bool
	MetricsConfigured bool
}

// normalize applies defaults when values are not supplied.
func (c Config) normalize() Config {
	if c.Bind == "" {
		c.Bind = defaultBindAddress
	}
	if c.Log == "" {
		c.Log = defaultLogMode
	}
	if c.DataDir == "" {
		c.DataDir = paths.DataDir()
	}
	if c.CoreDBOptions.DataDir == "" {
		c.CoreDBOptions.DataDir = c.DataDir
	}
	if c.StdOut == nil {
		c.StdOut = os.Stdout
	}
	if c.StdErr == nil {
		c.StdErr = os.Stderr
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.APIToken == "" {
		c.APIToken = os.Getenv("TASKD_API_TOKEN")
	}
	if c.Compiler == (compiler.Config{}) {
		c.Compiler = compiler.DefaultConfig()
	}
	if !c.MetricsConfigured {
		c.MetricsEnabled = true
	}
	return c
}
