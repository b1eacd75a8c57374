// Package discovery finds agent CLI conversation transcripts on disk and
// imports them as resumable session records. The CLI writes one JSONL
// file per conversation under a per-project directory; we never write to
// those files, only read them.
package discovery

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentdeck/agentdeck/log"
)

// transcript lines can carry large tool outputs
const maxTranscriptLine = 1024 * 1024

// DiscoveredSession summarizes one transcript file
type DiscoveredSession struct {
	// ExternalID is the conversation token usable with --resume. A file
	// can carry several tokens when the CLI rewrote its identity mid-way;
	// the last one seen is the one that resumes.
	ExternalID     string    `json:"externalId"`
	TranscriptPath string    `json:"transcriptPath"`
	WorkingDir     string    `json:"workingDir"`
	CreatedAt      time.Time `json:"createdAt"`
	ModifiedAt     time.Time `json:"modifiedAt"`
	MessageCount   int       `json:"messageCount"`
	Version        string    `json:"version,omitempty"`
}

// transcriptLine is the subset of a transcript entry we care about
type transcriptLine struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// Scanner reads transcripts under a root directory
type Scanner struct {
	root string
}

// NewScanner creates a scanner over the given transcripts root
func NewScanner(root string) *Scanner {
	return &Scanner{root: root}
}

// Root returns the transcripts root directory
func (s *Scanner) Root() string {
	return s.root
}

// DiscoverAll scans every project directory under the root and returns
// one entry per transcript that carries at least one conversation token,
// most recently modified first.
func (s *Scanner) DiscoverAll() ([]DiscoveredSession, error) {
	projects, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var found []DiscoveredSession
	for _, project := range projects {
		if !project.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, project.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("skipping unreadable project directory")
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			ds, err := s.scanFile(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("skipping unreadable transcript")
				continue
			}
			if ds != nil {
				found = append(found, *ds)
			}
		}
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].ModifiedAt.After(found[j].ModifiedAt)
	})
	return found, nil
}

// DiscoverLatestPerProject returns only the most recently modified
// transcript for each working directory
func (s *Scanner) DiscoverLatestPerProject() ([]DiscoveredSession, error) {
	all, err := s.DiscoverAll()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var latest []DiscoveredSession
	for _, ds := range all {
		if seen[ds.WorkingDir] {
			continue
		}
		seen[ds.WorkingDir] = true
		latest = append(latest, ds)
	}
	return latest, nil
}

// Lookup scans the root for the transcript carrying the given token
func (s *Scanner) Lookup(externalID string) (*DiscoveredSession, error) {
	all, err := s.DiscoverAll()
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ExternalID == externalID {
			return &all[i], nil
		}
	}
	return nil, nil
}

// scanFile reads one transcript. Malformed lines are skipped; a file
// with no token-bearing lines yields nil. The first valid line fixes the
// creation time and working directory, the last token seen wins.
func (s *Scanner) scanFile(path string) (*DiscoveredSession, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	ds := &DiscoveredSession{
		TranscriptPath: path,
		ModifiedAt:     info.ModTime(),
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxTranscriptLine)

	first := true
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var line transcriptLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			continue
		}
		if line.SessionID == "" {
			continue
		}

		if first {
			first = false
			ds.WorkingDir = line.Cwd
			if ts, err := time.Parse(time.RFC3339, line.Timestamp); err == nil {
				ds.CreatedAt = ts
			} else {
				ds.CreatedAt = info.ModTime()
			}
		}
		if line.Cwd != "" && ds.WorkingDir == "" {
			ds.WorkingDir = line.Cwd
		}
		if line.Version != "" {
			ds.Version = line.Version
		}

		ds.ExternalID = line.SessionID
		ds.MessageCount++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if ds.MessageCount == 0 {
		return nil, nil
	}
	return ds, nil
}
