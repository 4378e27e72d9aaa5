package nodeagent

import (
	"context"
	"testing"

	"github.com/pilebones/go-udev/netlink"
)

func TestDRMMonitorNilSafety(t *testing.T) {
	var m *drmMonitor
	if m.Running() {
		t.Fatal("nil monitor should not report running")
	}
	m.Stop()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start on nil monitor should return nil, got %v", err)
	}
}

func TestDRMMonitorHandleEventCallsBack(t *testing.T) {
	var gotAction, gotDevice string
	m := newDRMMonitor(nil, func(_ context.Context, action, devname string) {
		gotAction, gotDevice = action, devname
	})
	if m.Running() {
		t.Fatal("unstarted monitor should not be running")
	}
	m.Stop()

	m.handleEvent(context.Background(), netlink.UEvent{
		Action: netlink.ADD,
		KObj:   "/devices/pci0000:00/0000:00:02.0/drm/renderD128",
		Env:    map[string]string{"SUBSYSTEM": "drm", "DEVNAME": "dri/renderD128"},
	})
	if gotAction != "add" || gotDevice != "dri/renderD128" {
		t.Fatalf("unexpected callback %q %q", gotAction, gotDevice)
	}
}

func TestDRMMatcher(t *testing.T) {
	matcher := drmMatcher()
	add := netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"SUBSYSTEM": "drm"}}
	if !matcher.Evaluate(add) {
		t.Fatal("expected drm add to match")
	}
	block := netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"SUBSYSTEM": "block"}}
	if matcher.Evaluate(block) {
		t.Fatal("expected block event to be ignored")
	}
	change := netlink.UEvent{Action: netlink.CHANGE, Env: map[string]string{"SUBSYSTEM": "drm"}}
	if matcher.Evaluate(change) {
		t.Fatal("expected change action to be ignored")
	}
}
