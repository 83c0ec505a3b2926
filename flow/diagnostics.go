package flow

import (
	"fmt"
	"sync"

	"github.com/gomlx/flow-gomlx/ir"
	"github.com/hashicorp/hcl/v2"
	"k8s.io/klog/v2"
)

// Severity of a diagnostic.
type Severity = hcl.DiagnosticSeverity

// Severities used by the passes.
const (
	SeverityError   = hcl.DiagError
	SeverityWarning = hcl.DiagWarning
)

// Sink receives the diagnostics reported by the passes. It is the only channel passes use to
// report problems besides their returned error. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(loc ir.Location, severity Severity, message string)
}

// Collector is a Sink that accumulates diagnostics as hcl.Diagnostics.
type Collector struct {
	mu    sync.Mutex
	diags hcl.Diagnostics
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector { return &Collector{} }

// Emit implements Sink.
func (c *Collector) Emit(loc ir.Location, severity Severity, message string) {
	diag := &hcl.Diagnostic{
		Severity: severity,
		Summary:  message,
	}
	if loc.IsKnown() {
		subject := loc.Range()
		diag.Subject = &subject
	}
	c.mu.Lock()
	c.diags = append(c.diags, diag)
	c.mu.Unlock()
}

// Diagnostics returns a copy of the diagnostics collected so far.
func (c *Collector) Diagnostics() hcl.Diagnostics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(hcl.Diagnostics(nil), c.diags...)
}

// HasErrors returns whether any error diagnostic was collected.
func (c *Collector) HasErrors() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.diags.HasErrors()
}

// KlogSink logs diagnostics with klog.
type KlogSink struct{}

// Emit implements Sink.
func (KlogSink) Emit(loc ir.Location, severity Severity, message string) {
	switch severity {
	case SeverityError:
		klog.Errorf("%s: %s", loc, message)
	case SeverityWarning:
		klog.Warningf("%s: %s", loc, message)
	default:
		klog.Infof("%s: %s", loc, message)
	}
}

type teeSink []Sink

func (t teeSink) Emit(loc ir.Location, severity Severity, message string) {
	for _, s := range t {
		s.Emit(loc, severity, message)
	}
}

// Tee returns a Sink forwarding every diagnostic to all the given sinks. Nil sinks are skipped.
func Tee(sinks ...Sink) Sink {
	var t teeSink
	for _, s := range sinks {
		if s != nil {
			t = append(t, s)
		}
	}
	if len(t) == 1 {
		return t[0]
	}
	return t
}

// emitf formats and emits a diagnostic. A nil sink discards it.
func emitf(sink Sink, loc ir.Location, severity Severity, format string, args ...any) {
	if sink == nil {
		return
	}
	sink.Emit(loc, severity, fmt.Sprintf(format, args...))
}
