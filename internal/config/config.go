// Package config holds the in-process configuration surface for anacsync.
// Values and defaults mirror the Python original's Config/CrawlerConfig/
// HttpConfig/DownloaderConfig/SortingConfig field-for-field so that a
// config.json exported by one implementation is structurally readable by the
// other. YAML parsing and interactive persistence are explicitly out of
// scope (spec.md §1) — this package only reads a JSON file, once, at
// startup, via Load.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Crawler holds pagination and politeness parameters for the Crawler.
type Crawler struct {
	PageStart          int  `json:"page_start"`
	EmptyPageStopAfter int  `json:"empty_page_stop_after"`
	DelayMsMin         int  `json:"delay_ms_min"`
	DelayMsMax         int  `json:"delay_ms_max"`
	MaxConcurrency     int  `json:"max_concurrency"`
	RespectRobots      bool `json:"respect_robots"`
}

// HTTP holds shared transport timeouts and headers.
type HTTP struct {
	TimeoutConnectS int               `json:"timeout_connect_s"`
	TimeoutReadS    int               `json:"timeout_read_s"`
	HTTP2           bool              `json:"http2"`
	Headers         map[string]string `json:"headers"`
}

// Downloader holds Fetch Engine cascade parameters.
type Downloader struct {
	RetriesPerStrategy               int     `json:"retries_per_strategy"`
	SwitchAfterSecondsWithoutProgress int     `json:"switch_after_seconds_without_progress"`
	Strategies                       []string `json:"strategies"`
	DynamicChunksMB                  []int64  `json:"dynamic_chunks_mb"`
	SparseSegmentMB                  int64    `json:"sparse_segment_mb"`
	SnailChunksKB                    int64    `json:"snail_chunks_kb"`
	OverlapBytes                     int64    `json:"overlap_bytes"`
	EnableCurl                       bool     `json:"enable_curl"`
	CurlPath                         string   `json:"curl_path"`
	RateLimitRPS                    float64  `json:"rate_limit_rps"`
}

// SortingRule is one {if, move_to, default?} rule in evaluation order.
type SortingRule struct {
	If      string  `json:"if"`
	MoveTo  string  `json:"move_to"`
	Default *string `json:"default,omitempty"`
}

// Sorting holds the ordered ruleset for the Sorter.
type Sorting struct {
	Rules []SortingRule `json:"rules"`
}

// Config is the full configuration surface.
type Config struct {
	RootDir  string `json:"root_dir"`
	BaseURL  string `json:"base_url"`
	StateDir string `json:"state_dir"`

	Crawler    Crawler    `json:"crawler"`
	HTTP       HTTP       `json:"http"`
	Downloader Downloader `json:"downloader"`
	Sorting    Sorting    `json:"sorting"`
}

// chromeHeaders reproduces the realistic it-IT Chrome 120 header set from the
// original Python HttpConfig default factory, so crawl traffic doesn't look
// like a bare Go http.Client to the origin.
func chromeHeaders() map[string]string {
	return map[string]string{
		"User-Agent":                "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7",
		"Accept-Language":           "it-IT,it;q=0.9,en-US;q=0.8,en;q=0.7",
		"Accept-Encoding":           "gzip, deflate, br",
		"Cache-Control":             "no-cache",
		"Pragma":                    "no-cache",
		"Sec-Ch-Ua":                 `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`,
		"Sec-Ch-Ua-Mobile":          "?0",
		"Sec-Ch-Ua-Platform":        `"Linux"`,
		"Sec-Fetch-Dest":            "document",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-Site":            "none",
		"Sec-Fetch-User":            "?1",
		"Upgrade-Insecure-Requests": "1",
	}
}

// Default returns the default configuration, matching
// original_source/anacsync/config.py's field defaults exactly.
func Default() Config {
	home, _ := os.UserHomeDir()
	stateDir := filepath.Join(home, ".anacsync")
	return Config{
		RootDir:  "/database/JSON",
		BaseURL:  "https://dati.anticorruzione.it/opendata",
		StateDir: stateDir,
		Crawler: Crawler{
			PageStart:          1,
			EmptyPageStopAfter: 2,
			DelayMsMin:         300,
			DelayMsMax:         700,
			MaxConcurrency:     1,
			RespectRobots:      false,
		},
		HTTP: HTTP{
			TimeoutConnectS: 10,
			TimeoutReadS:    60,
			HTTP2:           false,
			Headers:         chromeHeaders(),
		},
		Downloader: Downloader{
			RetriesPerStrategy:                3,
			SwitchAfterSecondsWithoutProgress: 300,
			Strategies:                        []string{"s1_dynamic", "s2_sparse", "s3_curl", "s4_shortconn", "s5_tailfirst"},
			DynamicChunksMB:                   []int64{2, 6, 12},
			SparseSegmentMB:                   4,
			SnailChunksKB:                     1024,
			OverlapBytes:                      32768,
			EnableCurl:                        true,
			CurlPath:                          "curl",
			RateLimitRPS:                      1.0,
		},
		Sorting: Sorting{Rules: nil},
	}
}

// DefaultWithExampleRules returns Default() with the same example sorting
// ruleset as the original's get_default_config().
func DefaultWithExampleRules() Config {
	c := Default()
	c.Sorting.Rules = []SortingRule{
		{If: `slug matches '^ocds-appalti-ordinari'`, MoveTo: "/database/JSON/aggiudicazioni_json"},
		{If: `filename matches 'subappalti_.*\.json'`, MoveTo: "/database/JSON/subappalti_json"},
		{If: `slug contains 'stazioni-appaltanti'`, MoveTo: "/database/JSON/stazioni-appaltanti_json"},
		{If: "true", MoveTo: "/database/JSON/_unsorted"},
	}
	return c
}

// Load reads a JSON configuration file over Default(), leaving any field the
// file omits at its default value. A missing path is not an error: the
// caller gets Default() back.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// EnsureStateDirs creates the state directory and its catalog/local/plans/
// downloads subdirectories, matching load_config's side effect in the
// original.
func EnsureStateDirs(stateDir string) error {
	for _, sub := range []string{"catalog", "local", "plans", "downloads"} {
		if err := os.MkdirAll(filepath.Join(stateDir, sub), 0o755); err != nil {
			return err
		}
	}
	return nil
}
