package domain

import "time"

// Mode selects where the orchestrator takes its URLs from.
type Mode string

const (
	ModeSitemap Mode = "sitemap"
	ModeCrawl   Mode = "crawl"
)

// PageStatus is the terminal state of one processed URL.
type PageStatus string

const (
	StatusSucceeded PageStatus = "succeeded"
	StatusFailed    PageStatus = "failed"
	StatusSkipped   PageStatus = "skipped"
)

// PageRecord is what the run ledger stores per URL.
type PageRecord struct {
	RunID      string
	URL        string
	Path       string
	Status     PageStatus
	FailReason string
	CrawledAt  time.Time
}

// RunRecord summarises one finished run for the ledger.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	Mode       Mode      `json:"mode"`
	BaseURL    string    `json:"base_url"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Progress is a point-in-time view of a running crawl, served by the status API.
type Progress struct {
	RunID      string    `json:"run_id"`
	Mode       Mode      `json:"mode"`
	CurrentURL string    `json:"current_url,omitempty"`
	Processed  int       `json:"processed"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Queued     int       `json:"queued"`
	Visited    int       `json:"visited"`
	StartedAt  time.Time `json:"started_at"`
	Done       bool      `json:"done"`
}
