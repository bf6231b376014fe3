// Package doctor runs pre-flight checks on a loaded groupfill configuration.
// Load already rejects malformed files; doctor looks for settings that are
// legal but likely to surprise during a run.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"strings"

	"github.com/mattjoyce/groupfill/internal/config"
	"github.com/mattjoyce/groupfill/internal/session"
	"github.com/mattjoyce/groupfill/internal/workload"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor checks a configuration against the available session transports.
type Doctor struct {
	cfg      *config.Config
	registry *session.Registry
	lookPath func(string) (string, error)
}

// New creates a Doctor from a loaded config and transport registry.
func New(cfg *config.Config, registry *session.Registry) *Doctor {
	return &Doctor{cfg: cfg, registry: registry, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateTransport(r)
	d.validateExecProgram(r)
	d.warnBatchShape(r)
	d.warnParallelism(r)
	d.warnInvokeTimeout(r)
	d.warnAPIExposure(r)
	d.warnDryTransport(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateTransport(r *Result) {
	if _, err := d.registry.Opener(d.cfg.Session); err != nil {
		d.addError(r, "session", "session.transport", err.Error())
	}
}

// validateExecProgram checks the helper can be found before any run starts.
func (d *Doctor) validateExecProgram(r *Result) {
	if d.cfg.Session.Transport != "exec" || d.cfg.Session.Exec == nil {
		return
	}
	program := d.cfg.Session.Exec.Program
	if _, err := d.lookPath(program); err != nil {
		d.addError(r, "session", "session.exec.program",
			fmt.Sprintf("helper %q not found: %v", program, err))
	}
	if d.cfg.Session.Credential.Username == "" {
		d.addWarning(r, "session", "session.credential.username",
			"no username configured; the helper must authenticate on its own")
	}
}

// warnBatchShape flags batches that will repeat members or do nothing.
func (d *Doctor) warnBatchShape(r *Result) {
	seen := make(map[string]int, len(d.cfg.Batches))
	for i, b := range d.cfg.Batches {
		field := fmt.Sprintf("batches[%d]", i)
		if first, ok := seen[b.Group]; ok {
			d.addWarning(r, "batches", field+".group",
				fmt.Sprintf("group %q is also filled by batches[%d]", b.Group, first))
		} else {
			seen[b.Group] = i
		}
		if b.Size == 0 {
			d.addWarning(r, "batches", field+".size", "batch is empty and dispatches nothing")
		}
		if b.Size > b.Universe {
			d.addWarning(r, "batches", field+".size",
				fmt.Sprintf("size %d exceeds universe %d; members will repeat", b.Size, b.Universe))
		}
	}
}

func (d *Doctor) warnParallelism(r *Result) {
	total := 0
	for _, b := range d.cfg.Batches {
		total += b.Size
	}
	if p := d.cfg.Dispatch.Parallelism; total > 0 && p > total {
		d.addWarning(r, "dispatch", "dispatch.parallelism",
			fmt.Sprintf("parallelism %d exceeds the %d items in the run", p, total))
	}
}

// warnInvokeTimeout flags exec runs where one stuck helper would hold drain open.
func (d *Doctor) warnInvokeTimeout(r *Result) {
	if d.cfg.Session.Transport == "exec" && d.cfg.Session.InvokeTimeout == 0 {
		d.addWarning(r, "session", "session.invoke_timeout",
			"no per-call timeout; a hung remote call keeps the run from finishing")
	}
}

func (d *Doctor) warnAPIExposure(r *Result) {
	if !d.cfg.API.Enabled || d.cfg.API.APIKey != "" {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address: %v", err))
		return
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		d.addWarning(r, "api", "api.api_key",
			fmt.Sprintf("status API listens on %s without an api_key", d.cfg.API.Listen))
	}
}

func (d *Doctor) warnDryTransport(r *Result) {
	if d.cfg.Session.Transport == "memory" {
		d.addWarning(r, "session", "session.transport",
			"memory transport makes no remote changes")
	}
}

// Plan summarizes what a run of cfg would do, for the human report.
func Plan(cfg *config.Config) string {
	batches := make([]workload.Batch, 0, len(cfg.Batches))
	for _, b := range cfg.Batches {
		batches = append(batches, workload.Batch{Group: b.Group, Size: b.Size, Universe: b.Universe})
	}
	return fmt.Sprintf("%d batches, %d items, transport %s, parallelism %d",
		len(batches), workload.Count(batches), cfg.Session.Transport, cfg.Dispatch.Parallelism)
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, label string, is Issue) {
	if is.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, is.Category, is.Field, is.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", label, is.Category, is.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
