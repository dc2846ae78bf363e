package main

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pricewatch/scrapehub/internal/domain/dispatch"
	"github.com/pricewatch/scrapehub/internal/domain/model"
)

func TestParseSubmitJobFlagsCollectsRepeatedURLs(t *testing.T) {
	opts, err := parseSubmitJobFlags([]string{
		"-domain", "shop.example.com",
		"-url", "https://shop.example.com/a",
		"-url", "https://shop.example.com/b",
	})
	require.NoError(t, err)
	require.Equal(t, "shop.example.com", opts.Domain)
	require.Equal(t, []string{"https://shop.example.com/a", "https://shop.example.com/b"}, opts.URLs)
}

func TestParseSubmitJobFlagsRequiresDomain(t *testing.T) {
	_, err := parseSubmitJobFlags([]string{"-url", "https://shop.example.com/a"})
	require.ErrorContains(t, err, "--domain is required")
}

func TestParseSubmitJobFlagsRequiresURL(t *testing.T) {
	_, err := parseSubmitJobFlags([]string{"-domain", "shop.example.com"})
	require.ErrorContains(t, err, "at least one --url is required")
}

func TestParseGetJobFlagsRejectsInvalidID(t *testing.T) {
	_, err := parseGetJobFlags([]string{"-id", "not-a-uuid"})
	require.ErrorContains(t, err, "--id must be a valid UUID")
}

func TestParseGetJobFlagsRejectsInvalidQuery(t *testing.T) {
	_, err := parseGetJobFlags([]string{
		"-id", "1b4e28ba-2fa1-11d2-883f-0016d3cca427",
		"-query", "][",
	})
	require.ErrorContains(t, err, "invalid --query expression")
}

func TestParseGetJobFlagsAcceptsQuery(t *testing.T) {
	opts, err := parseGetJobFlags([]string{
		"-id", "1b4e28ba-2fa1-11d2-883f-0016d3cca427",
		"-query", "status",
	})
	require.NoError(t, err)
	require.Equal(t, "status", opts.Query)
}

func TestParseMigrateFlagsRejectsNonPositiveTimeout(t *testing.T) {
	_, err := parseMigrateFlags([]string{"-timeout", "0s"})
	require.ErrorContains(t, err, "--timeout must be greater than zero")
}

func TestPrintJobDocumentAppliesQuery(t *testing.T) {
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)

	defer func() {
		os.Stdout = oldStdout
	}()

	os.Stdout = w

	job := &model.Job{
		ID:     "1b4e28ba-2fa1-11d2-883f-0016d3cca427",
		Domain: "shop.example.com",
		URLs:   []string{"https://shop.example.com/a"},
		Status: model.JobStatusQueued,
	}
	err = printJobDocument(job, "status")
	require.NoError(t, err)

	require.NoError(t, w.Close())
	os.Stdout = oldStdout

	output, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	outStr := string(output)
	require.Contains(t, outStr, `"QUEUED"`)
	require.NotContains(t, outStr, "shop.example.com")
}

func TestRenderQueueTableMarksMissingMetadata(t *testing.T) {
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)

	defer func() {
		os.Stdout = oldStdout
	}()

	os.Stdout = w

	rows := []queueRow{
		{
			Name: "scrape-jobs-shop.example.com",
			Meta: &dispatch.QueueMeta{
				Name: "scrape-jobs-shop.example.com",
				Policy: dispatch.RetryPolicy{
					MaxAttempts: 5,
					MinBackoff:  time.Second,
					MaxBackoff:  time.Minute,
				},
				CreatedAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
			},
			Depth:   3,
			Pending: 1,
		},
		{Name: "scrape-jobs-orphan.example.com"},
	}
	err = renderQueueTable(rows)
	require.NoError(t, err)

	require.NoError(t, w.Close())
	os.Stdout = oldStdout

	output, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	outStr := string(output)
	require.Contains(t, outStr, "MAX ATTEMPTS")
	require.Contains(t, outStr, "scrape-jobs-shop.example.com")
	require.Contains(t, outStr, "2026-03-14T09:30:00Z")
	require.Contains(t, outStr, "scrape-jobs-orphan.example.com")
	require.Contains(t, outStr, "-")
	require.Contains(t, outStr, "Total queues: 2")
}

func TestPrintJobStatsIncludesTotal(t *testing.T) {
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)

	defer func() {
		os.Stdout = oldStdout
	}()

	os.Stdout = w

	err = printJobStats(&model.JobStats{Queued: 2, Running: 1, Completed: 3, Failed: 0})
	require.NoError(t, err)

	require.NoError(t, w.Close())
	os.Stdout = oldStdout

	output, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	outStr := string(output)
	require.Contains(t, outStr, "Queued")
	require.Contains(t, outStr, "Total")
	require.Contains(t, outStr, "6")
}

func TestConfirmActionSkipsPromptWithYes(t *testing.T) {
	err := confirmAction(sweepConfirmOptions{yes: true, target: "database"}, "run a sweep pass")
	require.NoError(t, err)
}

func TestParseSeedJobsFlagsRejectsNonPositiveTimeout(t *testing.T) {
	_, err := parseSeedJobsFlags([]string{"-timeout", "0s"})
	require.ErrorContains(t, err, "--timeout must be greater than zero")
}

func TestParseSeedJobsFlagsDefaults(t *testing.T) {
	opts, err := parseSeedJobsFlags(nil)
	require.NoError(t, err)
	require.Equal(t, defaultSeedTimeout, opts.Timeout)
	require.False(t, opts.Yes)
}
