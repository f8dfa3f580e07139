package main

import "testing"

func TestFormatCursor(t *testing.T) {
	// Given: Pull watermarks as the status table renders them
	cases := []struct {
		name   string
		cursor int64
		want   string
	}{
		{"never pulled", 0, "never"},
		{"small revision watermark", 7, "7"},
		{"large revision watermark", 184467, "184467"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// When: Formatting the cursor
			got := formatCursor(tc.cursor)

			// Then: The raw watermark is shown, never a wall-clock time
			if got != tc.want {
				t.Errorf("formatCursor(%d) = %q, want %q", tc.cursor, got, tc.want)
			}
		})
	}
}
