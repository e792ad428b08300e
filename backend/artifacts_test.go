package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func demucsTree() fstest.MapFS {
	return fstest.MapFS{
		"htdemucs_ft/song/no_vocals.wav": {Data: []byte("instrumental")},
		"htdemucs_ft/song/vocals.wav":    {Data: []byte("vox")},
		"htdemucs_ft/song/drums.wav":     {Data: []byte("d")},
		"log.txt":                        {Data: []byte("separating")},
	}
}

func TestDiscoverArtifacts(t *testing.T) {
	found, err := DiscoverArtifacts(demucsTree(), []string{"**/no_vocals.{wav,mp3}", "**/vocals.{wav,mp3}"})
	require.NoError(t, err)
	assert.Equal(t, []string{"htdemucs_ft/song/no_vocals.wav", "htdemucs_ft/song/vocals.wav"}, found)
}

func TestDiscoverArtifacts_Dedupes(t *testing.T) {
	found, err := DiscoverArtifacts(demucsTree(), []string{"**/*vocals.wav", "**/vocals.wav"})
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestDiscoverArtifacts_Missing(t *testing.T) {
	found, err := DiscoverArtifacts(demucsTree(), []string{"**/no_vocals.wav", "**/bass.wav"})
	assert.ErrorIs(t, err, ErrOutputNotFound)
	assert.ErrorContains(t, err, "**/bass.wav")
	assert.Equal(t, []string{"htdemucs_ft/song/no_vocals.wav"}, found, "matches before the failing pattern are kept")
}

func TestDiscoverArtifacts_BadPattern(t *testing.T) {
	_, err := DiscoverArtifacts(demucsTree(), []string{"[unclosed"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrOutputNotFound)
}

func TestDiscoverInDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a", "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "b", "out.mp3"), []byte("x"), 0o644))

	found, err := DiscoverInDir(dir, []string{"**/*.mp3"})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a", "b", "out.mp3")}, found)
}

func TestListDir(t *testing.T) {
	lines := ListDir(demucsTree())
	assert.Contains(t, lines, "htdemucs_ft/")
	assert.Contains(t, lines, "htdemucs_ft/song/no_vocals.wav (12 B)")
	assert.Contains(t, lines, "log.txt (10 B)")

	assert.Equal(t, []string{"(empty directory)"}, ListDir(fstest.MapFS{}))
}

func TestListDir_Truncated(t *testing.T) {
	fsys := fstest.MapFS{}
	for i := 0; i < maxListing+10; i++ {
		fsys[filepath.ToSlash(filepath.Join("many", string(rune('a'+i%26))+string(rune('a'+i/26))))] = &fstest.MapFile{}
	}
	lines := ListDir(fsys)
	assert.Len(t, lines, maxListing+1)
	assert.Equal(t, "...", lines[len(lines)-1])
}

func TestLargestFile(t *testing.T) {
	fsys := fstest.MapFS{
		"video.f137.mp4":      {Data: make([]byte, 10)},
		"video.mp4":           {Data: make([]byte, 100)},
		"video.mp4.part":      {Data: make([]byte, 500)},
		"video.f140.m4a.ytdl": {Data: make([]byte, 900)},
	}
	name, err := LargestFile(fsys, "*")
	require.NoError(t, err)
	assert.Equal(t, "video.mp4", name)

	_, err = LargestFile(fstest.MapFS{"a.part": {}}, "*")
	assert.ErrorIs(t, err, ErrOutputNotFound)
}

func TestPublishFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "song_instrumental.mp3")
	require.NoError(t, os.WriteFile(src, []byte("audio"), 0o644))
	outDir := filepath.Join(t.TempDir(), "nested", "out")

	dst, err := publishFile(src, outDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "song_instrumental.mp3"), dst)
	assert.NoFileExists(t, src)

	src2 := filepath.Join(t.TempDir(), "song_instrumental.mp3")
	require.NoError(t, os.WriteFile(src2, []byte("again"), 0o644))
	dst2, err := publishFile(src2, outDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "song_instrumental (1).mp3"), dst2)
}

func TestPublishFile_ConcurrentSameName(t *testing.T) {
	const n = 16
	outDir := t.TempDir()
	srcs := make([]string, n)
	for i := range srcs {
		srcs[i] = filepath.Join(t.TempDir(), "song_vocals.wav")
		require.NoError(t, os.WriteFile(srcs[i], []byte(fmt.Sprintf("take %d", i)), 0o644))
	}

	dsts := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range srcs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dsts[i], errs[i] = publishFile(srcs[i], outDir)
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := range dsts {
		require.NoError(t, errs[i])
		assert.False(t, seen[dsts[i]], "duplicate destination %s", dsts[i])
		seen[dsts[i]] = true
		data, err := os.ReadFile(dsts[i])
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("take %d", i), string(data))
	}
	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Len(t, entries, n)
}

func TestPublishArtifacts_LeavesOutsidePaths(t *testing.T) {
	jobTemp := t.TempDir()
	outDir := t.TempDir()
	inside := filepath.Join(jobTemp, "stage", "out.wav")
	require.NoError(t, os.MkdirAll(filepath.Dir(inside), 0o755))
	require.NoError(t, os.WriteFile(inside, []byte("x"), 0o644))

	got, err := publishArtifacts([]string{"/music/original.mp3", inside}, jobTemp, outDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"/music/original.mp3", filepath.Join(outDir, "out.wav")}, got)
}
