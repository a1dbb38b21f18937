package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordCacheLookup(t *testing.T) {
	before := testutil.ToFloat64(cacheLookups.WithLabelValues("memory", "hit"))
	RecordCacheLookup("memory", true)
	RecordCacheLookup("memory", false)
	if got := testutil.ToFloat64(cacheLookups.WithLabelValues("memory", "hit")); got != before+1 {
		t.Fatalf("hits = %v, want %v", got, before+1)
	}
}

func TestRecordEventOutcome(t *testing.T) {
	RecordEvent("redis", errors.New("boom"))
	if got := testutil.ToFloat64(eventsPublished.WithLabelValues("redis", "error")); got < 1 {
		t.Fatalf("expected error outcome recorded, got %v", got)
	}
}

func TestRegistryGathers(t *testing.T) {
	RecordMutation("create", "ok")
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "prism_tasks_tasks_mutations_total" {
			found = true
		}
	}
	if !found {
		t.Fatalf("mutation counter not exported")
	}
}
