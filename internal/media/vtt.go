package media

import (
	"bufio"
	"fmt"
	"io"
	"time"
)

// WriteVTT renders cues as a WebVTT document.
func WriteVTT(w io.Writer, cues []Cue) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("WEBVTT\n\n")
	for _, c := range cues {
		fmt.Fprintf(bw, "%s --> %s\n%s\n\n", vttTimestamp(c.Start), vttTimestamp(c.End), c.Text)
	}
	return bw.Flush()
}

// vttTimestamp formats d as HH:MM:SS.mmm.
func vttTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	return fmt.Sprintf("%02d:%02d:%02d.%03d", ms/3_600_000, ms/60_000%60, ms/1000%60, ms%1000)
}
