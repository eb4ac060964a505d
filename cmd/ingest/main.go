// Command ingest reads a JSON file of raw feedback signals and posts
// them to a running Darwin API server's POST /ingest endpoint, printing
// the resulting BatchResult.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

func main() {
	var (
		apiURL  = flag.String("api", "http://localhost:8080", "Darwin API base URL")
		file    = flag.String("file", "", "path to a JSON file containing an array of signals")
		timeout = flag.Duration("timeout", 30*time.Second, "request timeout")
	)
	flag.Parse()

	log := slog.Default()

	if *file == "" {
		log.Error("ingest: -file is required")
		os.Exit(1)
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		log.Error("ingest: read signal file failed", "file", *file, "err", err)
		os.Exit(1)
	}

	var signals []json.RawMessage
	if err := json.Unmarshal(data, &signals); err != nil {
		log.Error("ingest: signal file is not a JSON array", "file", *file, "err", err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: *timeout}
	req, err := http.NewRequest(http.MethodPost, *apiURL+"/ingest", bytes.NewReader(data))
	if err != nil {
		log.Error("ingest: build request failed", "err", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		log.Error("ingest: request failed", "api", *apiURL, "err", err)
		os.Exit(2)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		log.Error("ingest: api returned error", "status", resp.StatusCode, "body", string(body))
		os.Exit(3)
	}

	fmt.Println(string(body))
}
