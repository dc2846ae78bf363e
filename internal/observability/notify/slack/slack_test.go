package slack

import (
	"strings"
	"testing"
	"time"

	"github.com/pricewatch/scrapehub/internal/observability/notify"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error when webhook url missing")
	}
}

func TestFormatMessageIncludesFields(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
		Channel:    "#scrape-alerts",
		Username:   "bot",
		Timeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.JobFailurePayload{
		JobID:      "123",
		Domain:     "shop.example.com",
		Queue:      "scrape:shop.example.com",
		Stage:      notify.StageDispatch,
		Attempts:   7,
		Error:      "boom",
		ErrorClass: "test_error",
	})

	if msg["username"] != "bot" {
		t.Fatalf("expected username to be preserved, got %v", msg["username"])
	}
	if msg["channel"] != "#scrape-alerts" {
		t.Fatalf("expected channel to be set, got %v", msg["channel"])
	}

	text, ok := msg["text"].(string)
	if !ok {
		t.Fatalf("expected text field")
	}
	if !containsAll(
		text,
		[]string{"Job failure alert", "123", "shop.example.com", "scrape:shop.example.com", "dispatch", "7", "boom", "test_error"},
	) {
		t.Fatalf("message text missing fields: %s", text)
	}
}

func TestFormatMessageJobLink(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL:   "https://hooks.slack.com/services/test",
		JobURLPrefix: "https://scrapehub.local/jobs",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.JobFailurePayload{
		JobID: "job-123",
	})

	text, ok := msg["text"].(string)
	if !ok {
		t.Fatalf("expected text field")
	}

	expected := "<https://scrapehub.local/jobs/job-123|job-123>"
	if !strings.Contains(text, expected) {
		t.Fatalf("expected job link %q in text: %s", expected, text)
	}
}

func TestFormatMessageEscapesDomain(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.JobFailurePayload{
		JobID:  "job-123",
		Domain: "shop & <evil>",
	})

	text, ok := msg["text"].(string)
	if !ok {
		t.Fatalf("expected text field")
	}

	if !strings.Contains(text, "shop &amp; &lt;evil&gt;") {
		t.Fatalf("expected escaped domain, got: %s", text)
	}
}

func TestFormatJobValuePermutations(t *testing.T) {
	tcs := []struct {
		name   string
		jobID  string
		domain string
		prefix string
		want   string
	}{
		{
			name:   "id with link",
			jobID:  "job-1",
			prefix: "https://scrapehub.local/jobs",
			want:   "<https://scrapehub.local/jobs/job-1|job-1>",
		},
		{
			name:   "domain only",
			domain: "shop.example.com",
			prefix: "https://scrapehub.local/jobs",
			want:   "shop.example.com",
		},
		{
			name:   "id and domain with link",
			jobID:  "job-2",
			domain: "shop.example.com",
			prefix: "https://scrapehub.local/jobs",
			want:   "<https://scrapehub.local/jobs/job-2|shop.example.com> (job-2)",
		},
		{
			name:   "id and domain without link",
			jobID:  "job-3",
			domain: "shop.example.com",
			prefix: "not a url",
			want:   "shop.example.com (job-3)",
		},
		{
			name:   "empty inputs",
			want:   "",
			domain: "",
			prefix: "https://scrapehub.local/jobs",
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			client, err := NewClient(Config{
				WebhookURL:   "https://hooks.slack.com/services/test",
				JobURLPrefix: tc.prefix,
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := client.formatJobValue(tc.jobID, tc.domain)
			if got != tc.want {
				t.Fatalf("formatJobValue(%q,%q) = %q, want %q", tc.jobID, tc.domain, got, tc.want)
			}
		})
	}
}

func containsAll(text string, substrs []string) bool {
	for _, s := range substrs {
		if !strings.Contains(text, s) {
			return false
		}
	}
	return true
}
