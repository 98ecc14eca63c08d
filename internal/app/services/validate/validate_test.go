package validate

import (
	"strings"
	"testing"

	"github.com/solguard/auditd/internal/app/domain/audit"
)

func TestValidateFile_Extensions(t *testing.T) {
	for _, name := range []string{"project.zip", "Token.sol", "UPPER.ZIP"} {
		if err := ValidateFile(name, 1024); err != nil {
			t.Fatalf("expected %s to be accepted: %v", name, err)
		}
	}
	for _, name := range []string{"malware.exe", "contract.rs", "archive.tar.gz", "noext"} {
		if err := ValidateFile(name, 1024); err == nil {
			t.Fatalf("expected %s to be rejected", name)
		}
	}
}

func TestValidateFile_SizeLimit(t *testing.T) {
	if err := ValidateFile("big.zip", MaxFileSize); err != nil {
		t.Fatalf("exact limit should pass: %v", err)
	}

	err := ValidateFile("big.zip", MaxFileSize+1)
	if err == nil {
		t.Fatalf("expected oversized file to be rejected")
	}
	if !strings.Contains(err.Error(), "100 MiB") {
		t.Fatalf("error should name the limit, got %q", err.Error())
	}
	if !strings.Contains(err.Error(), "100.00 MiB") {
		t.Fatalf("error should name the actual size, got %q", err.Error())
	}
}

func TestValidateAddress(t *testing.T) {
	valid := "0x" + strings.Repeat("aB3f", 10)
	if err := ValidateAddress(valid); err != nil {
		t.Fatalf("expected %s to be accepted: %v", valid, err)
	}

	for _, addr := range []string{
		"",
		"0x1234",
		strings.Repeat("a", 42),
		"0x" + strings.Repeat("g", 40),
		"0x" + strings.Repeat("a", 41),
	} {
		if err := ValidateAddress(addr); err == nil {
			t.Fatalf("expected %q to be rejected", addr)
		}
	}
}

func TestValidate_Dispatch(t *testing.T) {
	err := Validate(audit.Request{Kind: audit.FileUpload, Name: "a.sol", SizeBytes: 10})
	if err != nil {
		t.Fatalf("file dispatch: %v", err)
	}
	err = Validate(audit.Request{Kind: audit.AddressLookup, Address: "0xdeadbeef"})
	if err == nil {
		t.Fatalf("expected short address to be rejected")
	}
	if err := Validate(audit.Request{Kind: "bogus"}); err == nil {
		t.Fatalf("expected unknown kind to be rejected")
	}
}
