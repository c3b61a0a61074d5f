package main

import (
	"testing"

	"armadaledger/backend/internal/config"
)

func TestValidateSecurityConfigRejectsShortSecret(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short"})
	if err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongSecret(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestStartAuditSchedulerRejectsBadSchedule(t *testing.T) {
	if scheduler := startAuditScheduler(nil, "not a cron expr"); scheduler != nil {
		scheduler.Stop()
		t.Fatalf("expected nil scheduler for invalid expression")
	}
}
