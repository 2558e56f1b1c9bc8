package host

import (
	"context"

	"github.com/webclinic017/wondertrader/internal/domain/schema"
	"github.com/webclinic017/wondertrader/internal/infra/writer"
)

// Parsers describes every registered adapter. It is empty before Initialize.
func (h *Host) Parsers() []schema.AdapterStatus {
	if h.registry == nil {
		return []schema.AdapterStatus{}
	}
	return h.registry.Statuses()
}

// Sessions reports the state of every monitored trading session.
func (h *Host) Sessions() map[string]string {
	if h.monitor == nil {
		return map[string]string{}
	}
	return h.monitor.States()
}

// Snapshot returns the latest tick the writer cached for stdCode.
func (h *Host) Snapshot(stdCode string) (*schema.Tick, bool) {
	if h.writer == nil {
		return nil, false
	}
	return h.writer.Snapshot(stdCode)
}

// Capabilities lists the callback slots the extension runtime filled.
func (h *Host) Capabilities() []string {
	if h.bridge == nil {
		return []string{}
	}
	return h.bridge.Capabilities()
}

// DumperEnabled reports whether buffered data is persisted through an extension dumper.
func (h *Host) DumperEnabled() bool {
	return h.writer != nil && h.writer.DumperEnabled()
}

// Flush persists and clears every writer buffer.
func (h *Host) Flush(ctx context.Context) writer.FlushReport {
	if h.writer == nil {
		return writer.FlushReport{}
	}
	return h.writer.Flush(ctx)
}
