package envcfg

import (
	"os"
	"testing"
)

func TestResolverOverride(t *testing.T) {
	const name = "TestResolver"
	key := resolverOverridePrefix + name

	if _, ok, err := ResolverOverride(name); ok || err != nil {
		t.Fatalf("expected no override set, got ok=%v err=%v", ok, err)
	}

	os.Setenv(key, "0x1403dc3f0")
	defer os.Unsetenv(key)
	v, ok, err := ResolverOverride(name)
	if err != nil || !ok {
		t.Fatalf("expected override parsed, got ok=%v err=%v", ok, err)
	}
	if v != 0x1403dc3f0 {
		t.Fatalf("expected 0x1403dc3f0, got 0x%X", v)
	}

	os.Setenv(key, "86093181936")
	v, ok, err = ResolverOverride(name)
	if err != nil || !ok || v != 86093181936 {
		t.Fatalf("expected decimal override parsed, got v=%d ok=%v err=%v", v, ok, err)
	}

	os.Setenv(key, "not-a-number")
	if _, ok, err := ResolverOverride(name); !ok || err == nil {
		t.Fatalf("expected a parse error for an invalid override, got ok=%v err=%v", ok, err)
	}
}

func TestScanWorkersUnsetReturnsZero(t *testing.T) {
	os.Unsetenv(scanWorkersVar)
	if n := ScanWorkers(); n != 0 {
		t.Fatalf("expected 0 when unset, got %d", n)
	}
	os.Setenv(scanWorkersVar, "8")
	defer os.Unsetenv(scanWorkersVar)
	if n := ScanWorkers(); n != 8 {
		t.Fatalf("expected 8, got %d", n)
	}
}
