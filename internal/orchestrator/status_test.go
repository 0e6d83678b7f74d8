package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagepress/pagepress/internal/pipeline"
)

func TestComputeState(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deadline := 70 * time.Second

	tests := []struct {
		name   string
		wide   pipeline.Asset
		narrow pipeline.Asset
		now    time.Time
		want   pipeline.PublishState
	}{
		{
			name: "both pending within deadline",
			wide: pipeline.PendingAsset(), narrow: pipeline.PendingAsset(),
			now:  created.Add(10 * time.Second),
			want: pipeline.PublishStateProcessing,
		},
		{
			name: "one ready one pending within deadline",
			wide: pipeline.ReadyAsset("https://cdn/p.png"), narrow: pipeline.PendingAsset(),
			now:  created.Add(30 * time.Second),
			want: pipeline.PublishStateProcessing,
		},
		{
			name: "both ready",
			wide: pipeline.ReadyAsset("https://cdn/w.png"), narrow: pipeline.ReadyAsset("https://cdn/n.png"),
			now:  created.Add(5 * time.Second),
			want: pipeline.PublishStateCompleted,
		},
		{
			name: "one failed",
			wide: pipeline.ReadyAsset("https://cdn/w.png"), narrow: pipeline.FailedAsset(),
			now:  created.Add(5 * time.Second),
			want: pipeline.PublishStateFailed,
		},
		{
			name: "pending past deadline reports failed",
			wide: pipeline.PendingAsset(), narrow: pipeline.PendingAsset(),
			now:  created.Add(2 * time.Minute),
			want: pipeline.PublishStateFailed,
		},
		{
			name: "ready pair stays completed past deadline",
			wide: pipeline.ReadyAsset("https://cdn/w.png"), narrow: pipeline.ReadyAsset("https://cdn/n.png"),
			now:  created.Add(time.Hour),
			want: pipeline.PublishStateCompleted,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			page := pipeline.PageRecord{
				PreviewWide:   tc.wide,
				PreviewNarrow: tc.narrow,
				CreatedAt:     created,
			}
			require.Equal(t, tc.want, ComputeState(page, tc.now, deadline))
		})
	}
}

func TestPublishStatusSurfacesReadyURLsWhileProcessing(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	page := pipeline.PageRecord{
		PreviewWide:   pipeline.ReadyAsset("https://cdn/w.png"),
		PreviewNarrow: pipeline.PendingAsset(),
		CreatedAt:     created,
	}

	status := PublishStatusFor(page, created.Add(5*time.Second), time.Minute)
	require.True(t, status.IsProcessing)
	require.NotNil(t, status.PreviewWide)
	require.Equal(t, "https://cdn/w.png", *status.PreviewWide)
	require.Nil(t, status.PreviewMobile)
}

func TestPublishStatusFailedCollapsesToNull(t *testing.T) {
	page := pipeline.PageRecord{
		PreviewWide:   pipeline.FailedAsset(),
		PreviewNarrow: pipeline.FailedAsset(),
		CreatedAt:     time.Now().UTC(),
	}

	status := PublishStatusFor(page, time.Now().UTC(), time.Minute)
	require.False(t, status.IsProcessing)
	require.Nil(t, status.PreviewWide)
	require.Nil(t, status.PreviewMobile)
}
