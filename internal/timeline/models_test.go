package timeline

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestPieceJSONOmitsEmptyFiller(t *testing.T) {
	media, err := json.Marshal(Piece{Kind: PieceReal, DurationMs: 1000, Source: "a.webm"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(media), `"filler"`) {
		t.Errorf("real piece carries filler: %s", media)
	}

	fill, err := json.Marshal(Piece{Kind: PieceFiller, DurationMs: 2000, Filler: FillerSpec{Kind: FillerBlankVideo, Seconds: 2}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(fill), `"filler":{`) {
		t.Errorf("filler piece lost its spec: %s", fill)
	}
}
