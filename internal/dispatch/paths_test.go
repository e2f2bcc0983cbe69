package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathMapper_ToWorker(t *testing.T) {
	mapper := NewPathMapper(map[string][]string{
		"gpu-rig": {
			"/data/media=/mnt/media",
			"/data/media/anime=/mnt/anime",
			"/data/staging/=/mnt/staging/",
		},
	})

	tests := []struct {
		name      string
		encoderID string
		path      string
		want      string
		wantOK    bool
	}{
		{
			name:      "basic translation",
			encoderID: "gpu-rig",
			path:      "/data/media/films/heat.mkv",
			want:      "/mnt/media/films/heat.mkv",
			wantOK:    true,
		},
		{
			name:      "longest prefix wins",
			encoderID: "gpu-rig",
			path:      "/data/media/anime/ep01.mkv",
			want:      "/mnt/anime/ep01.mkv",
			wantOK:    true,
		},
		{
			name:      "exact prefix match",
			encoderID: "gpu-rig",
			path:      "/data/media",
			want:      "/mnt/media",
			wantOK:    true,
		},
		{
			name:      "trailing slash in rule is normalized",
			encoderID: "gpu-rig",
			path:      "/data/staging/job.mkv",
			want:      "/mnt/staging/job.mkv",
			wantOK:    true,
		},
		{
			name:      "component boundary respected",
			encoderID: "gpu-rig",
			path:      "/data/mediastore/heat.mkv",
			want:      "",
			wantOK:    false,
		},
		{
			name:      "unmapped path is unreachable",
			encoderID: "gpu-rig",
			path:      "/srv/other/heat.mkv",
			want:      "",
			wantOK:    false,
		},
		{
			name:      "worker without rules sees server paths",
			encoderID: "local-box",
			path:      "/data/media/films/heat.mkv",
			want:      "/data/media/films/heat.mkv",
			wantOK:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := mapper.ToWorker(tt.encoderID, tt.path)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPathMapper_ToServer(t *testing.T) {
	mapper := NewPathMapper(map[string][]string{
		"gpu-rig": {
			"/data/media=/mnt/media",
			"/data/media/anime=/mnt/media/anime-cache",
		},
	})

	tests := []struct {
		name      string
		encoderID string
		path      string
		want      string
	}{
		{
			name:      "reverse translation",
			encoderID: "gpu-rig",
			path:      "/mnt/media/films/heat.encoded.mkv",
			want:      "/data/media/films/heat.encoded.mkv",
		},
		{
			name:      "longest worker prefix wins",
			encoderID: "gpu-rig",
			path:      "/mnt/media/anime-cache/ep01.mkv",
			want:      "/data/media/anime/ep01.mkv",
		},
		{
			name:      "unmapped worker path passes through",
			encoderID: "gpu-rig",
			path:      "/tmp/scratch/ep01.mkv",
			want:      "/tmp/scratch/ep01.mkv",
		},
		{
			name:      "worker without rules passes through",
			encoderID: "local-box",
			path:      "/data/media/films/heat.mkv",
			want:      "/data/media/films/heat.mkv",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mapper.ToServer(tt.encoderID, tt.path))
		})
	}
}

func TestPathMapper_RoundTrip(t *testing.T) {
	mapper := NewPathMapper(map[string][]string{
		"gpu-rig": {"/data/media=/mnt/media"},
	})

	serverPath := "/data/media/shows/s01e01.mkv"
	workerPath, ok := mapper.ToWorker("gpu-rig", serverPath)
	require.True(t, ok)
	assert.Equal(t, serverPath, mapper.ToServer("gpu-rig", workerPath))
}

func TestPathMapper_Accessible(t *testing.T) {
	mapper := NewPathMapper(map[string][]string{
		"gpu-rig": {"/data/media=/mnt/media"},
	})

	assert.True(t, mapper.Accessible("gpu-rig", "/data/media/heat.mkv"))
	assert.False(t, mapper.Accessible("gpu-rig", "/data/downloads/heat.mkv"))
	assert.True(t, mapper.Accessible("local-box", "/data/downloads/heat.mkv"))
}

func TestPathMapper_MalformedEntriesDropped(t *testing.T) {
	mapper := NewPathMapper(map[string][]string{
		"gpu-rig": {
			"no-separator",
			"=/mnt/media",
			"/data/media=",
			"  /data/media = /mnt/media  ",
		},
	})

	// Only the whitespace-padded entry survives, trimmed.
	got, ok := mapper.ToWorker("gpu-rig", "/data/media/heat.mkv")
	require.True(t, ok)
	assert.Equal(t, "/mnt/media/heat.mkv", got)

	_, ok = mapper.ToWorker("gpu-rig", "/no-separator/file.mkv")
	assert.False(t, ok)
}

func TestPathMapper_AllEntriesMalformedMeansNoRules(t *testing.T) {
	mapper := NewPathMapper(map[string][]string{
		"gpu-rig": {"garbage", "="},
	})

	// With every entry dropped the worker has no rules at all and shares
	// the server's view.
	got, ok := mapper.ToWorker("gpu-rig", "/data/media/heat.mkv")
	assert.True(t, ok)
	assert.Equal(t, "/data/media/heat.mkv", got)
}
