package timeline

import (
	"strings"
	"testing"
	"time"

	"grrshell/internal/model"

	"golang.org/x/text/encoding/charmap"
)

func TestParseBodyPosix(t *testing.T) {
	body := strings.Join([]string{
		"# comment line",
		"0|/|2|d/drwxr-xr-x|0|0|4096|1700000000|1700000001|1700000002|0",
		"0|/etc/passwd|12|-/-rw-r--r--|0|0|1234|1700000000|1700000001.5|1700000002|0\r",
		"abc|/tmp/a\\|b|13|-/-rw-r--r--|1000|1000|7|1|2|3|4",
		"broken|line",
		"",
	}, "\n")
	entries, skipped, err := ParseBody(strings.NewReader(body), model.PlatformPosix)
	if err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if skipped != 1 {
		t.Fatalf("expected one skipped line, got %d", skipped)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Path != "/" || !entries[0].IsDir() {
		t.Fatalf("unexpected root entry: %+v", entries[0])
	}
	passwd := entries[1]
	if passwd.Path != "/etc/passwd" || passwd.Size != 1234 || passwd.Inode != 12 {
		t.Fatalf("unexpected passwd entry: %+v", passwd)
	}
	if !passwd.Mtime.Equal(time.Unix(1700000001, 500000000)) {
		t.Fatalf("unexpected mtime: %v", passwd.Mtime)
	}
	if !passwd.Btime.IsZero() {
		t.Fatalf("expected zero crtime, got %v", passwd.Btime)
	}
	if entries[2].Path != "/tmp/a|b" || entries[2].MD5 != "abc" || entries[2].UID != 1000 {
		t.Fatalf("unexpected escaped entry: %+v", entries[2])
	}
}

func TestParseBodyWindowsPaths(t *testing.T) {
	body := "0|C:\\\\Users\\\\bob\\\\file.txt|5|-/-rwxrwxrwx|0|0|10|0|0|0|0\n" +
		"0|C:|5|d/drwxrwxrwx|0|0|0|0|0|0|0\n"
	entries, _, err := ParseBody(strings.NewReader(body), model.PlatformWindows)
	if err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Path != "/C:/Users/bob/file.txt" {
		t.Fatalf("unexpected windows path %q", entries[0].Path)
	}
	if entries[1].Path != "/C:" {
		t.Fatalf("unexpected drive path %q", entries[1].Path)
	}
}

func TestParseBodyFallsBackToCP1251(t *testing.T) {
	encoded, err := charmap.Windows1251.NewEncoder().String("0|/tmp/файл|1|-/-rw-r--r--|0|0|1|0|0|0|0\n")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	entries, skipped, err := ParseBody(strings.NewReader(encoded), model.PlatformPosix)
	if err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if skipped != 0 || len(entries) != 1 {
		t.Fatalf("expected one entry, got %d (skipped %d)", len(entries), skipped)
	}
	if entries[0].Path != "/tmp/файл" {
		t.Fatalf("unexpected decoded path %q", entries[0].Path)
	}
}
