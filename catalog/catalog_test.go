package catalog

import (
	"testing"

	"github.com/go-test/deep"
	"github.com/m417z/winbindex-go/internal/config"
	"github.com/m417z/winbindex-go/model"
)

func TestResolveConsolidatesAcrossVersions(t *testing.T) {
	cfg := config.DefaultConf()
	sources := []VersionSource{
		{WindowsVersion: "21H2", PageID: "1"},
		{WindowsVersion: "22H2", PageID: "2"},
	}
	updates := map[string][]RawUpdate{
		"21H2": {{
			Heading:        "Cumulative Update for Windows 10 (KB5016616)",
			UpdateURL:      "https://support.microsoft.com/en-us/help/5016616",
			ReleaseDate:    "2022-09-13",
			ReleaseVersion: "10.0.19044.2006",
		}},
		"22H2": {
			{
				Heading:        "Cumulative Update for Windows 10 (KB5016616)",
				UpdateURL:      "https://support.microsoft.com/en-us/help/5016616",
				ReleaseDate:    "2022-09-13",
				ReleaseVersion: "10.0.19045.2006",
			},
			{
				Heading:        "Cumulative Update for Windows 10 (KB5017328)",
				UpdateURL:      "https://support.microsoft.com/en-us/help/5017328",
				ReleaseDate:    "2022-09-20",
				ReleaseVersion: "10.0.19045.2130",
			},
		},
	}

	got, err := Resolve(&cfg, sources, updates)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	want := model.Catalog{
		"21H2": {{
			KB:             "KB5016616",
			WindowsVersion: "21H2",
			UpdateURL:      "https://support.microsoft.com/en-us/help/5016616",
			ReleaseDate:    "2022-09-13",
			ReleaseVersion: "10.0.19044.2006",
			OtherVersions:  []string{"22H2"},
		}},
		"22H2": {{
			KB:             "KB5017328",
			WindowsVersion: "22H2",
			UpdateURL:      "https://support.microsoft.com/en-us/help/5017328",
			ReleaseDate:    "2022-09-20",
			ReleaseVersion: "10.0.19045.2130",
		}},
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Errorf("diff: %v", diff)
	}
}

func TestResolveDropsDenylistedKB(t *testing.T) {
	cfg := config.DefaultConf()
	sources := []VersionSource{{WindowsVersion: "21H2", PageID: "1"}}
	updates := map[string][]RawUpdate{
		"21H2": {
			{Heading: "Update (KB5016138)"},
			{Heading: "Update (KB5017328)"},
		},
	}

	got, err := Resolve(&cfg, sources, updates)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	if len(got["21H2"]) != 1 || got["21H2"][0].KB != "KB5017328" {
		t.Errorf("expected only KB5017328 to survive the denylist, got %+v", got["21H2"])
	}
}

func TestResolveRejectsDuplicateKBWithinVersion(t *testing.T) {
	cfg := config.DefaultConf()
	sources := []VersionSource{{WindowsVersion: "21H2", PageID: "1"}}
	updates := map[string][]RawUpdate{
		"21H2": {
			{Heading: "Update (KB5016616)"},
			{Heading: "Update (KB5016616)"},
		},
	}

	_, err := Resolve(&cfg, sources, updates)
	if err == nil {
		t.Fatalf("expected an error for a duplicate KB within one version")
	}
}

func TestResolveRejectsConsolidationDisagreement(t *testing.T) {
	cfg := config.DefaultConf()
	sources := []VersionSource{
		{WindowsVersion: "21H2", PageID: "1"},
		{WindowsVersion: "22H2", PageID: "2"},
	}
	updates := map[string][]RawUpdate{
		"21H2": {{
			Heading:     "Cumulative Update for Windows 10 (KB5016616)",
			UpdateURL:   "https://support.microsoft.com/en-us/help/5016616",
			ReleaseDate: "2022-09-13",
		}},
		"22H2": {{
			Heading:     "Cumulative Update for Windows 10 (KB5016616)",
			UpdateURL:   "https://support.microsoft.com/en-us/help/5016616",
			ReleaseDate: "2022-09-20",
		}},
	}

	_, err := Resolve(&cfg, sources, updates)
	if err == nil {
		t.Fatalf("expected an error for a releaseDate disagreement across versions")
	}
}

func TestResolveAllowsConsolidationDisagreementWhenExcepted(t *testing.T) {
	cfg := config.DefaultConf()
	cfg.ReleaseDateExceptions["KB5016616"] = true
	sources := []VersionSource{
		{WindowsVersion: "21H2", PageID: "1"},
		{WindowsVersion: "22H2", PageID: "2"},
	}
	updates := map[string][]RawUpdate{
		"21H2": {{
			Heading:     "Cumulative Update for Windows 10 (KB5016616)",
			UpdateURL:   "https://support.microsoft.com/en-us/help/5016616",
			ReleaseDate: "2022-09-13",
		}},
		"22H2": {{
			Heading:     "Cumulative Update for Windows 10 (KB5016616)",
			UpdateURL:   "https://support.microsoft.com/en-us/help/5016616",
			ReleaseDate: "2022-09-20",
		}},
	}

	got, err := Resolve(&cfg, sources, updates)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if len(got["21H2"]) != 1 || len(got["21H2"][0].OtherVersions) != 1 {
		t.Errorf("expected KB5016616 to fold despite the releaseDate mismatch, got %+v", got)
	}
}

func TestResolveRejectsDuplicateURLAcrossDifferentKBs(t *testing.T) {
	cfg := config.DefaultConf()
	sources := []VersionSource{{WindowsVersion: "21H2", PageID: "1"}}
	updates := map[string][]RawUpdate{
		"21H2": {
			{Heading: "Update (KB5016616)", UpdateURL: "https://support.microsoft.com/en-us/help/5016616"},
			{Heading: "Update (KB5017328)", UpdateURL: "https://support.microsoft.com/en-us/help/5016616"},
		},
	}

	_, err := Resolve(&cfg, sources, updates)
	if err == nil {
		t.Fatalf("expected an error when two distinct KBs share an updateUrl")
	}
}

func TestExtractUpdatesIgnoresNonKBLines(t *testing.T) {
	got := extractUpdates([]RawUpdate{
		{Heading: "Some unrelated heading"},
		{Heading: "Update (KB1234567)"},
	})
	if len(got) != 1 || got[0].KB != "KB1234567" {
		t.Errorf("got %+v, want a single KB1234567 entry", got)
	}
}
