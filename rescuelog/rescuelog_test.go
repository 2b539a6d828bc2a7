package rescuelog

import (
	"strings"
	"testing"
)

const sampleLog = `# Mapfile. Created by GNU ddrescue version 1.27
# Command line: ddrescue /dev/sdb1 image.img image.logfile
# current_pos  current_status  current_pass
0x00000000     +     1
#      pos        size  status
0x00000000  0x00400000  +
0x00400000  0x00008000  -
0x00408000  0x000F8000  +
`

func TestParseSample(t *testing.T) {
	regions, err := Parse(strings.NewReader(sampleLog))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	want := []struct {
		pos, size uint64
		good      bool
	}{
		{0x00000000, 0x00400000, true},
		{0x00400000, 0x00008000, false},
		{0x00408000, 0x000F8000, true},
	}
	if len(regions) != len(want) {
		t.Fatalf("got %d regions, want %d", len(regions), len(want))
	}
	for i, w := range want {
		if regions[i].Position != w.pos || regions[i].Size != w.size || regions[i].Good != w.good {
			t.Errorf("region %d = %+v, want {%x %x %v}", i, regions[i], w.pos, w.size, w.good)
		}
	}
}

func TestParseGapIsError(t *testing.T) {
	const bad = "0x0 0x10 +\n0x20 0x10 +\n"
	if _, err := Parse(strings.NewReader(bad)); err == nil {
		t.Fatal("expected error for non-contiguous regions")
	}
}

func TestParseBadFieldCount(t *testing.T) {
	if _, err := Parse(strings.NewReader("0x0 0x10\n")); err == nil {
		t.Fatal("expected error for missing status field")
	}
}

func TestLoadNilFallsBackToAllGood(t *testing.T) {
	m, err := Load(nil, 4096)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !m.AllGood(0, 4096) {
		t.Error("Load(nil, ...) should yield an all-good map")
	}
}

func TestLoadValidatesImageSize(t *testing.T) {
	if _, err := Load(strings.NewReader("0x0 0x10 +\n"), 100); err == nil {
		t.Fatal("expected error when regions do not cover imageSize")
	}
}
