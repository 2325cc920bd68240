package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultPrerequisites(t *testing.T) {
	prereqs := DefaultPrerequisites()

	if len(prereqs) == 0 {
		t.Fatal("DefaultPrerequisites should return at least one prerequisite")
	}

	found := false
	for _, prereq := range prereqs {
		if prereq.Name == "python3" {
			found = true
			if !prereq.Required {
				t.Error("python3 should be required")
			}
		}
	}
	if !found {
		t.Error("expected python3 prerequisite")
	}
}

func TestCheck_ExistingCommand(t *testing.T) {
	prereq := Prerequisite{
		Name:        "echo",
		Required:    true,
		Description: "Echo command",
	}

	result := Check(prereq)

	if !result.Found {
		t.Skip("echo command not found in PATH, skipping test")
	}
	if result.Path == "" {
		t.Error("Check should return path for found command")
	}
	if result.Error != nil {
		t.Errorf("Check should not return error for found command: %v", result.Error)
	}
}

func TestCheck_MissingCommand(t *testing.T) {
	prereq := Prerequisite{
		Name:     "definitely-not-a-real-command-xyzzy",
		Required: true,
	}

	result := Check(prereq)

	if result.Found {
		t.Error("Check should not find a nonexistent command")
	}
	if result.Error == nil {
		t.Error("Check should return an error for a missing command")
	}
}

func TestValidateRequired_Missing(t *testing.T) {
	prereqs := []Prerequisite{
		{Name: "definitely-not-a-real-command-xyzzy", Required: true, Description: "ghost", InstallURL: "https://example.com"},
		{Name: "also-missing-but-optional", Required: false},
	}

	err := ValidateRequired(prereqs)
	if err == nil {
		t.Fatal("expected an error for missing required tool")
	}
	if !strings.Contains(err.Error(), "definitely-not-a-real-command-xyzzy") {
		t.Errorf("error should name the missing tool: %v", err)
	}
	if strings.Contains(err.Error(), "also-missing-but-optional") {
		t.Error("optional tools must not fail validation")
	}
}

func TestValidateHelper(t *testing.T) {
	if err := ValidateHelper(""); err == nil {
		t.Error("empty helper path should fail")
	}

	if err := ValidateHelper(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("missing helper should fail")
	}

	dir := t.TempDir()
	if err := ValidateHelper(dir); err == nil {
		t.Error("directory as helper path should fail")
	}

	helper := filepath.Join(dir, "mpy-wrapper")
	if err := os.WriteFile(helper, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := ValidateHelper(helper); err != nil {
		t.Errorf("existing helper should validate: %v", err)
	}
}

func TestFormatCheckResults(t *testing.T) {
	results := []CheckResult{
		{Prerequisite: Prerequisite{Name: "python3", Required: true}, Found: true, Version: "Python 3.12.0"},
		{Prerequisite: Prerequisite{Name: "ghost", Required: true}, Found: false},
	}

	out := FormatCheckResults(results)

	if !strings.Contains(out, "python3") || !strings.Contains(out, "Python 3.12.0") {
		t.Errorf("output should include found tool and version: %q", out)
	}
	if !strings.Contains(out, "[REQUIRED]") {
		t.Errorf("missing required tool should be flagged: %q", out)
	}
}
