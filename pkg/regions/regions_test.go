package regions

import (
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/screenguard/pkg/frame"
	"github.com/cyclopcam/screenguard/pkg/graph"
	"github.com/cyclopcam/screenguard/pkg/graph/graphtest"
	"github.com/cyclopcam/screenguard/pkg/nn"
	"github.com/stretchr/testify/require"
)

func TestParseRegions(t *testing.T) {
	r, err := ParseRegions("0:0:10:20; 5:-3:7:8;")
	require.NoError(t, err)
	require.Equal(t, []nn.Rect{nn.MakeRect(0, 0, 10, 20), nn.MakeRect(5, -3, 7, 8)}, r)
	require.Equal(t, "0:0:10:20;5:-3:7:8", FormatRegions(r))

	r, err = ParseRegions("")
	require.NoError(t, err)
	require.Empty(t, r)

	_, err = ParseRegions("1:2:3")
	require.Error(t, err)
	_, err = ParseRegions("1:2:x:4")
	require.Error(t, err)
	_, err = ParseRegions("1:2:0:4")
	require.Error(t, err)
}

func TestDetectionsAreClipped(t *testing.T) {
	regions := []nn.Rect{
		nn.MakeRect(10, 10, 20, 20),  // inside
		nn.MakeRect(-5, -5, 20, 20),  // top left overhang
		nn.MakeRect(90, 40, 50, 50),  // bottom right overhang
		nn.MakeRect(101, 0, 10, 10),  // starts right of the frame
		nn.MakeRect(0, 51, 10, 10),   // starts below the frame
		nn.MakeRect(100, 10, 10, 10), // touches the right edge
	}
	dets := Detections(regions, "screen", 100, 50)
	require.Equal(t, []frame.Detection{
		{Label: "screen:regions", Confidence: 1, Box: nn.MakeRect(10, 10, 20, 20)},
		{Label: "screen:regions", Confidence: 1, Box: nn.MakeRect(0, 0, 15, 15)},
		{Label: "screen:regions", Confidence: 1, Box: nn.MakeRect(90, 40, 10, 10)},
	}, dets)
}

func TestProperties(t *testing.T) {
	s := NewStage("rg")
	props := s.Properties()
	require.Equal(t, "rg", props["prefix"])
	require.Equal(t, "true", props["active"])
	require.Equal(t, "", props["regions"])
	require.Equal(t, "regions", props["labels"])

	require.NoError(t, s.SetProperty("regions", "1:2:3:4;5:6:7:8"))
	require.Equal(t, "1:2:3:4;5:6:7:8", s.Properties()["regions"])
	require.Equal(t, []nn.Rect{nn.MakeRect(1, 2, 3, 4), nn.MakeRect(5, 6, 7, 8)}, s.Regions())
	require.NoError(t, s.SetProperty("prefix", "desk"))
	require.Equal(t, "desk", s.Properties()["prefix"])
	require.NoError(t, s.SetProperty("active", "false"))
	require.Equal(t, "false", s.Properties()["active"])

	require.Error(t, s.SetProperty("labels", "x"))
	require.Error(t, s.SetProperty("active", "maybe"))
	require.Error(t, s.SetProperty("regions", "1:2"))
	require.Equal(t, "1:2:3:4;5:6:7:8", s.Properties()["regions"])
	require.Error(t, s.SetProperty("size", "1"))
}

func runStage(t *testing.T, s *Stage, count int) []*frame.Frame {
	g := graph.NewGraph(logs.NewTestingLog(t))
	defer g.Close()

	src := graphtest.NewSource("src", count, 0)
	src.EOSAtEnd = true
	sink := graphtest.NewSink("sink")
	sink.Keep = true
	require.NoError(t, g.Add(src, s, sink))
	require.NoError(t, g.LinkStages(src, s))
	require.NoError(t, g.LinkStages(s, sink))
	require.NoError(t, g.SetState(graph.StatePlaying))
	require.True(t, sink.WaitForEOS(5*time.Second))
	require.NoError(t, g.SetState(graph.StateStopped))
	frames := sink.Frames()
	require.Len(t, frames, count)
	return frames
}

func TestStage(t *testing.T) {
	// Test frames are 4x4
	s := NewStage("rg")
	require.NoError(t, s.SetProperty("regions", "1:1:2:2;2:2:10:10;5:5:1:1"))
	for _, f := range runStage(t, s, 3) {
		require.Equal(t, []frame.Detection{
			{Label: "rg:regions", Confidence: 1, Box: nn.MakeRect(1, 1, 2, 2)},
			{Label: "rg:regions", Confidence: 1, Box: nn.MakeRect(2, 2, 2, 2)},
		}, frame.Detections(f))
		f.Release()
	}
}

func TestInactiveStagePassesFramesThrough(t *testing.T) {
	s := NewStage("rg")
	require.NoError(t, s.SetProperty("regions", "0:0:2:2"))
	s.SetActive(false)
	for _, f := range runStage(t, s, 2) {
		require.Empty(t, frame.Detections(f))
		f.Release()
	}
}
