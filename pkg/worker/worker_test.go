package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Futs/kuroibara/core/pkg/agent"
	"github.com/Futs/kuroibara/core/pkg/isolation"
	"github.com/Futs/kuroibara/core/pkg/jobs"
	"github.com/Futs/kuroibara/core/pkg/progress"
	"github.com/Futs/kuroibara/core/pkg/ratelimit"
	"github.com/Futs/kuroibara/core/pkg/registry"
)

type fakeDownloadProvider struct {
	pagesCalls     int
	downloadedURLs []string
}

func (f *fakeDownloadProvider) Search(ctx context.Context, query string, page, limit int) ([]agent.SearchResult, int, bool, error) {
	return nil, 0, false, nil
}
func (f *fakeDownloadProvider) MangaDetails(ctx context.Context, id string) (map[string]interface{}, error) {
	return nil, nil
}
func (f *fakeDownloadProvider) Chapters(ctx context.Context, id string, page, limit int) ([]map[string]interface{}, int, bool, error) {
	chapters := []map[string]interface{}{
		{"id": "ch1"},
		{"id": "ch2"},
	}
	return chapters, len(chapters), false, nil
}
func (f *fakeDownloadProvider) Pages(ctx context.Context, mangaID, chapterID string) ([]string, error) {
	f.pagesCalls++
	return []string{"http://example.test/" + chapterID + "/1.jpg"}, nil
}
func (f *fakeDownloadProvider) DownloadPage(ctx context.Context, url, referer string) ([]byte, error) {
	f.downloadedURLs = append(f.downloadedURLs, url)
	return []byte("page-bytes"), nil
}
func (f *fakeDownloadProvider) DownloadCover(ctx context.Context, mangaID string) ([]byte, error) {
	return []byte("cover-bytes"), nil
}
func (f *fakeDownloadProvider) HealthCheck(ctx context.Context, timeout time.Duration) (bool, float64, error) {
	return true, 1, nil
}

func newDownloadTestSetup(t *testing.T, provider *fakeDownloadProvider) (*DownloadWorker, *progress.Tracker) {
	t.Helper()
	reg := registry.New(zap.NewNop())
	desc := agent.Descriptor{Name: "mangadex", Capabilities: []agent.Capability{agent.CapDownloadPage}}
	limiter := ratelimit.New(desc.Name, ratelimit.DefaultConfig())
	iso := isolation.New(desc.Name, isolation.DefaultConfig())
	reg.Register(agent.New(desc, provider, limiter, iso, zap.NewNop()))

	tracker := progress.NewTracker(zap.NewNop(), 100)
	return NewDownloadWorker(zap.NewNop(), tracker, reg), tracker
}

// Review fix: downloadManga must actually walk every chapter's pages instead
// of discarding the fetched chapter list.
func TestDownloadManga_DownloadsEveryChapterAndPage(t *testing.T) {
	provider := &fakeDownloadProvider{}
	w, tracker := newDownloadTestSetup(t, provider)

	var opID string
	tracker.AddEventHandler(func(ev *progress.Event) {
		if ev.EventType == progress.EventStarted {
			opID = ev.OperationID
		}
	})

	handler := w.Handler(jobs.TypeDownloadManga)
	job := &jobs.Job{
		Type:     jobs.TypeDownloadManga,
		Metadata: map[string]interface{}{"provider_name": "mangadex", "manga_id": "manga-1"},
	}

	err := handler(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, 2, provider.pagesCalls)
	assert.Len(t, provider.downloadedURLs, 2)

	require.NotEmpty(t, opID)
	op := tracker.GetOperation(opID)
	require.NotNil(t, op)
	assert.Equal(t, progress.StatusCompleted, op.Status)
	assert.Equal(t, float64(100), op.Progress)
}
