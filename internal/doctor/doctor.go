// Package doctor runs advisory checks on a toolgate configuration that go
// beyond config.Validate: worker executables, timeout interplay, exposure of
// the HTTP API and threshold ordering.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/mattjoyce/toolgate/internal/config"
)

// Result holds the outcome of a check run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor checks one loaded configuration.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	if err := config.Validate(d.cfg); err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			d.addError(r, "config", "", line)
		}
	}
	d.validateExecWorkers(r)
	d.warnNoWorkers(r)
	d.warnTimeouts(r)
	d.warnExposedAPI(r)
	d.warnThresholds(r)
	d.warnArchiveRetention(r)
	d.warnMissingEnvVars(r)
	d.warnUnroutedTypes(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateExecWorkers checks that every exec worker can actually be started.
func (d *Doctor) validateExecWorkers(r *Result) {
	for i, w := range d.cfg.Workers {
		if w.Kind != config.WorkerExec || w.Command == "" {
			continue
		}
		field := fmt.Sprintf("workers[%d].command", i)
		if strings.ContainsRune(w.Command, os.PathSeparator) {
			info, err := os.Stat(w.Command)
			switch {
			case err != nil:
				d.addError(r, "workers", field, fmt.Sprintf("worker %q: %v", w.ID, err))
			case info.IsDir():
				d.addError(r, "workers", field, fmt.Sprintf("worker %q: %s is a directory", w.ID, w.Command))
			case info.Mode().Perm()&0o111 == 0:
				d.addError(r, "workers", field, fmt.Sprintf("worker %q: %s is not executable", w.ID, w.Command))
			}
		} else if _, err := d.lookPath(w.Command); err != nil {
			d.addError(r, "workers", field, fmt.Sprintf("worker %q: %s not found in PATH", w.ID, w.Command))
		}

		if w.Dir != "" {
			if info, err := os.Stat(w.Dir); err != nil || !info.IsDir() {
				d.addError(r, "workers", fmt.Sprintf("workers[%d].dir", i),
					fmt.Sprintf("worker %q: working directory %s does not exist", w.ID, w.Dir))
			}
		}
	}
}

func (d *Doctor) warnNoWorkers(r *Result) {
	if len(d.cfg.Workers) == 0 {
		d.addWarning(r, "workers", "workers",
			"no workers configured; every submitted work item will fail with no_worker")
	}
}

// warnTimeouts flags waits that give up before the work they wait on can finish.
func (d *Doctor) warnTimeouts(r *Result) {
	disp := d.cfg.Dispatch
	if d.cfg.Protocol.InvokeTimeout > 0 && disp.WaitTimeout > d.cfg.Protocol.InvokeTimeout {
		d.addWarning(r, "timeouts", "dispatch.wait_timeout",
			fmt.Sprintf("wait_timeout %v exceeds protocol.invoke_timeout %v; waiting submits are cut short",
				disp.WaitTimeout, d.cfg.Protocol.InvokeTimeout))
	}
	for i, w := range d.cfg.Workers {
		if disp.WaitTimeout > 0 && w.Timeout > disp.WaitTimeout {
			d.addWarning(r, "timeouts", fmt.Sprintf("workers[%d].timeout", i),
				fmt.Sprintf("worker %q may run for %v but waiting callers give up after %v", w.ID, w.Timeout, disp.WaitTimeout))
		}
	}
}

// warnExposedAPI flags an unauthenticated API bound beyond loopback.
func (d *Doctor) warnExposedAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if host == "localhost" {
		return
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return
	}
	d.addWarning(r, "api", "api.listen",
		fmt.Sprintf("API has no authentication and listens on %q; anyone who can reach it can invoke capabilities", d.cfg.API.Listen))
}

func (d *Doctor) warnThresholds(r *Result) {
	th := d.cfg.Health.Thresholds
	pairs := []struct {
		name                string
		degraded, unhealthy float64
	}{
		{"error_rate", th.ErrorRateDegraded, th.ErrorRateUnhealthy},
		{"cpu", th.CPUDegraded, th.CPUUnhealthy},
		{"memory", th.MemoryDegraded, th.MemoryUnhealthy},
	}
	for _, p := range pairs {
		if p.degraded > p.unhealthy {
			d.addWarning(r, "health", "health.thresholds."+p.name,
				fmt.Sprintf("%s degraded threshold %.2f is above unhealthy threshold %.2f", p.name, p.degraded, p.unhealthy))
		}
	}
}

func (d *Doctor) warnArchiveRetention(r *Result) {
	if d.cfg.Ledger.ArchivePath != "" && d.cfg.Ledger.ArchiveRetention == 0 {
		d.addWarning(r, "ledger", "ledger.archive_retention",
			"archive retention is 0; the archive is never pruned")
	}
}

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// warnMissingEnvVars reports ${VAR} references left in worker args. Other
// fields are rejected outright by config.Validate.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	for i, w := range d.cfg.Workers {
		for j, a := range w.Args {
			for _, m := range envVarRe.FindAllStringSubmatch(a, -1) {
				d.addWarning(r, "env_vars", fmt.Sprintf("workers[%d].args[%d]", i, j),
					fmt.Sprintf("environment variable ${%s} not set", m[1]))
			}
		}
	}
}

// warnUnroutedTypes flags schedules and webhook endpoints whose work type no
// worker declares; every such item would fail with no_worker.
func (d *Doctor) warnUnroutedTypes(r *Result) {
	handled := make(map[string]bool)
	for _, w := range d.cfg.Workers {
		for _, c := range w.Capabilities {
			handled[c] = true
		}
	}
	for i, sc := range d.cfg.Schedules {
		if sc.Type != "" && !handled[sc.Type] {
			d.addWarning(r, "routing", fmt.Sprintf("schedules[%d].type", i),
				fmt.Sprintf("schedule %q submits %q but no worker handles it", sc.ID, sc.Type))
		}
	}
	for i, ep := range d.cfg.Webhooks.Endpoints {
		if ep.Type != "" && !handled[ep.Type] {
			d.addWarning(r, "routing", fmt.Sprintf("webhooks.endpoints[%d].type", i),
				fmt.Sprintf("webhook %s submits %q but no worker handles it", ep.Path, ep.Type))
		}
	}
}

// FormatHuman returns a human-readable report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}
	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
