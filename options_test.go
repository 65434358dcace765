package tablekv

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultOptionsAreValid(t *testing.T) {
	opts := DefaultOptions()
	if err := opts.Validate(); err != nil {
		t.Fatalf("DefaultOptions invalid: %v", err)
	}
	if opts.Backend != BackendLMDB || opts.WriteQueueDepth != 1024 || opts.SchemaVersion != "v1.0.0" {
		t.Errorf("unexpected defaults: %+v", opts)
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
		want   string
	}{
		{"backend", func(o *Options) { o.Backend = 9 }, "backend"},
		{"map size", func(o *Options) { o.MapSize = 0 }, "MapSize"},
		{"max tables", func(o *Options) { o.MaxTables = 0 }, "MaxTables"},
		{"max readers", func(o *Options) { o.MaxReaders = -1 }, "MaxReaders"},
		{"queue depth", func(o *Options) { o.WriteQueueDepth = 0 }, "WriteQueueDepth"},
		{"tiers", func(o *Options) { o.GateHoldTiers.Warn = time.Hour }, "GateHoldTiers"},
		{"version", func(o *Options) { o.SchemaVersion = "1.2.3" }, "SchemaVersion"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.modify(opts)
			err := opts.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestBackendString(t *testing.T) {
	if BackendLMDB.String() != "lmdb" || BackendMemory.String() != "memory" || Backend(7).String() != "unknown" {
		t.Error("unexpected backend names")
	}
}

func TestTableFlagsRoundTrip(t *testing.T) {
	for _, f := range []TableFlags{0, ReverseKey, DupSort | IntegerKey, ReverseKey | DupSort} {
		got, err := parseTableFlags(f.String())
		if err != nil || got != f {
			t.Errorf("parseTableFlags(%q) = %s, %v", f.String(), got, err)
		}
	}
	if _, err := parseTableFlags("sideways"); err == nil {
		t.Error("parseTableFlags accepted an unknown flag")
	}
	if got := (DupSort | IntegerKey).String(); got != "dup-sort|integer-key" {
		t.Errorf("String = %q", got)
	}
}
