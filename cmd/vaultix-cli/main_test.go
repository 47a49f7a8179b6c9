package main

import "testing"

func TestParseMilestoneSpecs(t *testing.T) {
	specs, err := parseMilestoneSpecs("5000:design, 5000:delivery ,4000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("expected 3 milestones, got %d", len(specs))
	}
	if specs[0].Amount != "5000" || specs[0].Description != "design" {
		t.Fatalf("unexpected first milestone: %+v", specs[0])
	}
	if specs[2].Amount != "4000" || specs[2].Description != "" {
		t.Fatalf("unexpected third milestone: %+v", specs[2])
	}
}

func TestParseMilestoneSpecsRejectsBadAmounts(t *testing.T) {
	for _, raw := range []string{"", "abc", "0", "-5", "100,notanumber"} {
		if _, err := parseMilestoneSpecs(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestApplyGlobalFlags(t *testing.T) {
	args, err := applyGlobalFlags([]string{"--rpc", "http://example:1234", "--network=testnet", "escrow", "get", "1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rpcEndpoint != "http://example:1234" {
		t.Fatalf("rpc endpoint not applied: %s", rpcEndpoint)
	}
	if networkName != "testnet" {
		t.Fatalf("network not applied: %s", networkName)
	}
	if len(args) != 3 || args[0] != "escrow" {
		t.Fatalf("unexpected remaining args: %v", args)
	}
}
