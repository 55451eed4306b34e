package logger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/shaunagostinho/mspconf/internal/fc"
	"github.com/shaunagostinho/mspconf/internal/msp"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func logFiles(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "msp_*.csv"))
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(files)
	return files
}

func TestTraceRowsAndRotation(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, MaxRows: 2})
	defer l.Close()

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	results := []error{
		nil,
		fmt.Errorf("MSP_SET_MODE_RANGE: %w after 3s", fc.ErrTimedOut),
		fmt.Errorf("MSP_MODE_RANGES: %w", fc.ErrNotSupported),
		fc.ErrCLIBlocked,
		fmt.Errorf("%w: %w", fc.ErrNotConnected, fc.ErrTransportClosed),
	}
	for i, err := range results {
		l.Trace(fc.Exchange{
			Code:     msp.ModeRanges,
			Version:  msp.V2,
			Request:  i,
			Reply:    80,
			Started:  start,
			Duration: 1500 * time.Microsecond,
			Err:      err,
		})
	}
	l.Close()

	files := logFiles(t, dir)
	if len(files) != 3 {
		t.Fatalf("files %v", files)
	}

	var got []string
	for _, f := range files {
		rows := readCSV(t, f)
		if !reflect.DeepEqual(rows[0], csvHeader) {
			t.Fatalf("%s: header %q", f, rows[0])
		}
		for _, r := range rows[1:] {
			got = append(got, r[7])
		}
	}
	want := []string{"ok", "timeout", "unsupported", "cli_blocked", "closed"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("results %q", got)
	}

	row := readCSV(t, files[0])[1]
	if row[1] != "34" || row[2] != "MSP_MODE_RANGES" || row[3] != "v2" || row[5] != "80" || row[6] != "1.5" {
		t.Fatalf("row %q", row)
	}
}

func TestDisabledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Path: dir})
	l.Trace(fc.Exchange{Code: msp.Status, Started: time.Now()})
	if files := logFiles(t, dir); len(files) != 0 {
		t.Fatalf("files %v", files)
	}

	l.SetEnabled(true)
	l.Trace(fc.Exchange{Code: msp.Status, Started: time.Now()})
	l.SetEnabled(false)
	l.Trace(fc.Exchange{Code: msp.Status, Started: time.Now()})

	files := logFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("files %v", files)
	}
	if rows := readCSV(t, files[0]); len(rows) != 2 {
		t.Fatalf("rows %q", rows)
	}
}
