package printer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatBytes(t *testing.T) {
	tests := map[string]struct {
		bytes uint64
		exp   string
	}{
		"Zero should be in bytes.":                 {bytes: 0, exp: "0 B"},
		"Less than a kilobyte should be in bytes.": {bytes: 1023, exp: "1023 B"},
		"Kilobytes should have one decimal.":       {bytes: 1536, exp: "1.5 KB"},
		"A default transfer chunk.":                {bytes: 200 * 1024, exp: "200.0 KB"},
		"Megabytes.":                               {bytes: 3*1024*1024 + 512*1024, exp: "3.5 MB"},
		"Gigabytes.":                               {bytes: 16 * 1024 * 1024 * 1024, exp: "16.0 GB"},
		"Terabytes are the biggest unit.":          {bytes: 2048 * 1024 * 1024 * 1024 * 1024, exp: "2048.0 TB"},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.exp, FormatBytes(test.bytes))
		})
	}
}

func TestFormatMemoryUsage(t *testing.T) {
	tests := map[string]struct {
		total     uint64
		available uint64
		percent   float64
		exp       string
	}{
		"Used memory should be total minus available.": {
			total:     8 * 1024 * 1024 * 1024,
			available: 2 * 1024 * 1024 * 1024,
			percent:   75,
			exp:       "6.0 GB / 8.0 GB (75.0% used)",
		},
		"Available bigger than total should not underflow.": {
			total:     1024,
			available: 2048,
			exp:       "0 B / 1.0 KB (0.0% used)",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.exp, FormatMemoryUsage(test.total, test.available, test.percent))
		})
	}
}
