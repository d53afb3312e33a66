package ui

import (
	"testing"

	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/stage"
)

func TestRunsTitle(t *testing.T) {
	if got := runsTitle(0); got != "Runs: Idle" {
		t.Errorf("runsTitle(0) = %q", got)
	}
	if got := runsTitle(3); got != "Runs: 3 active" {
		t.Errorf("runsTitle(3) = %q", got)
	}
}

func TestServicesTitle(t *testing.T) {
	if got := servicesTitle(nil); got != "Services: Not checked" {
		t.Errorf("servicesTitle(nil) = %q", got)
	}

	healthy := &stage.Report{Services: map[string]bool{"upload": true, "quality": true}, Healthy: 2, Total: 2, AllOK: true}
	if got := servicesTitle(healthy); got != "Services: 2/2 OK" {
		t.Errorf("servicesTitle(healthy) = %q", got)
	}

	degraded := &stage.Report{Services: map[string]bool{"upload": true, "quality": false, "generation": false}, Healthy: 1, Total: 3}
	if got := servicesTitle(degraded); got != "Services: 1/3 OK (down: generation, quality)" {
		t.Errorf("servicesTitle(degraded) = %q", got)
	}
}

func TestIconEmbedded(t *testing.T) {
	if len(iconBytes) < 8 || string(iconBytes[1:4]) != "PNG" {
		t.Fatalf("icon is not a PNG (%d bytes)", len(iconBytes))
	}
}
