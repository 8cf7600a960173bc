package us

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNormalizeSymbols(t *testing.T) {
	got, err := NormalizeSymbols([]string{" msft", "AAPL", "", "aapl", "BRK.B"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"AAPL", "BRK.B", "MSFT"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("got %v, want %v", got, want)
	}

	if _, err := NormalizeSymbols([]string{strings.Repeat("X", 33)}); err == nil {
		t.Error("expected error for over-long symbol")
	}
}

func TestLoadCSVSymbols(t *testing.T) {
	path := filepath.Join(t.TempDir(), "symbols.csv")
	content := "symbol,name\nspy,SPDR\nQQQ,Invesco\n\nspy,dup\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := LoadCSVSymbols(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, ",") != "QQQ,SPY" {
		t.Errorf("got %v", got)
	}

	if _, err := LoadCSVSymbols(filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Error("expected error for missing file")
	}
}
