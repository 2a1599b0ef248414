package engine

import (
	"testing"

	"github.com/robertpelloni/picard/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestQualityOf(t *testing.T) {
	tests := []struct {
		name   string
		result protocol.SearchResult
		want   Quality
	}{
		{name: "lossless", result: protocol.SearchResult{Lossless: true}, want: QualityHigh},
		{name: "lossless with low bitrate field", result: protocol.SearchResult{Lossless: true, BitrateKbps: 100}, want: QualityHigh},
		{name: "320 kbps", result: protocol.SearchResult{BitrateKbps: 320}, want: QualityHigh},
		{name: "319 kbps", result: protocol.SearchResult{BitrateKbps: 319}, want: QualityMedium},
		{name: "192 kbps", result: protocol.SearchResult{BitrateKbps: 192}, want: QualityMedium},
		{name: "191 kbps", result: protocol.SearchResult{BitrateKbps: 191}, want: QualityLow},
		{name: "unknown bitrate", result: protocol.SearchResult{}, want: QualityLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, QualityOf(tt.result))
		})
	}
}

func TestSessionResultsKeepArrivalOrder(t *testing.T) {
	s := newSession("s1", "some album")

	s.add(protocol.SearchResult{FilePath: "b.flac"})
	s.add(protocol.SearchResult{FilePath: "a.mp3"}, protocol.SearchResult{FilePath: "c.ogg"})

	got := s.Results()
	require.Len(t, got, 3)
	require.Equal(t, "b.flac", got[0].FilePath)
	require.Equal(t, "a.mp3", got[1].FilePath)
	require.Equal(t, "c.ogg", got[2].FilePath)
}

func TestSessionSortedLeavesBufferUntouched(t *testing.T) {
	s := newSession("s1", "some album")
	s.add(
		protocol.SearchResult{FilePath: "small.mp3", SizeBytes: 10},
		protocol.SearchResult{FilePath: "big.flac", SizeBytes: 100},
	)

	bySize := s.Sorted(SortBySize)
	require.Equal(t, "big.flac", bySize[0].FilePath)

	// arrival order survives so the view can be recomputed later
	got := s.Results()
	require.Equal(t, "small.mp3", got[0].FilePath)

	s.add(protocol.SearchResult{FilePath: "biggest.flac", SizeBytes: 1000})

	bySize = s.Sorted(SortBySize)
	require.Equal(t, "biggest.flac", bySize[0].FilePath)
	require.Equal(t, "big.flac", bySize[1].FilePath)
}

func TestSessionSortedByQualityIsStable(t *testing.T) {
	s := newSession("s1", "some album")
	s.add(
		protocol.SearchResult{FilePath: "first-192.mp3", BitrateKbps: 192},
		protocol.SearchResult{FilePath: "lossless.flac", Lossless: true},
		protocol.SearchResult{FilePath: "second-192.mp3", BitrateKbps: 192},
		protocol.SearchResult{FilePath: "low.mp3", BitrateKbps: 128},
		protocol.SearchResult{FilePath: "320.mp3", BitrateKbps: 320},
	)

	got := s.Sorted(SortByQuality)

	require.Equal(t, "lossless.flac", got[0].FilePath)
	require.Equal(t, "320.mp3", got[1].FilePath)
	// ties keep arrival order
	require.Equal(t, "first-192.mp3", got[2].FilePath)
	require.Equal(t, "second-192.mp3", got[3].FilePath)
	require.Equal(t, "low.mp3", got[4].FilePath)
}

func TestSessionSortedByQueueAndSpeed(t *testing.T) {
	s := newSession("s1", "some album")
	s.add(
		protocol.SearchResult{FilePath: "busy.flac", QueueLength: 12, UploadSpeed: 900},
		protocol.SearchResult{FilePath: "idle.flac", QueueLength: 0, UploadSpeed: 100},
	)

	byQueue := s.Sorted(SortByQueue)
	require.Equal(t, "idle.flac", byQueue[0].FilePath)

	bySpeed := s.Sorted(SortBySpeed)
	require.Equal(t, "busy.flac", bySpeed[0].FilePath)
}
