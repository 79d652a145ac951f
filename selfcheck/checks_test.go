package selfcheck

import (
	"context"
	"testing"

	"github.com/m417z/winbindex-go/internal/config"
)

func testConfig() *config.Config {
	cfg := config.DefaultConf()
	return &cfg
}

func TestCheckCatalogIdempotence(t *testing.T) {
	if err := CheckCatalogIdempotence(testConfig()); err != nil {
		t.Errorf("CheckCatalogIdempotence() error: %v", err)
	}
}

func TestCheckCatalogUniqueness(t *testing.T) {
	if err := CheckCatalogUniqueness(testConfig()); err != nil {
		t.Errorf("CheckCatalogUniqueness() error: %v", err)
	}
}

func TestCheckMergeMonotonicity(t *testing.T) {
	if err := CheckMergeMonotonicity(); err != nil {
		t.Errorf("CheckMergeMonotonicity() error: %v", err)
	}
}

func TestCheckDeltaPlusRoundTrip(t *testing.T) {
	if err := CheckDeltaPlusRoundTrip(context.Background(), testConfig()); err != nil {
		t.Errorf("CheckDeltaPlusRoundTrip() error: %v", err)
	}
}

func TestCheckNullDifferentialFixedPoint(t *testing.T) {
	if err := CheckNullDifferentialFixedPoint(context.Background()); err != nil {
		t.Errorf("CheckNullDifferentialFixedPoint() error: %v", err)
	}
}

func TestCheckArchiveMergeDedup(t *testing.T) {
	if err := CheckArchiveMergeDedup(context.Background()); err != nil {
		t.Errorf("CheckArchiveMergeDedup() error: %v", err)
	}
}

func TestCheckRunsAllProperties(t *testing.T) {
	results, err := Check(testConfig())
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if results.Total != 7 {
		t.Errorf("Total = %d, want 7", results.Total)
	}
	if results.Failed != 0 {
		t.Errorf("Failed = %d, want 0:\n%+v", results.Failed, results.Tests)
	}
}
