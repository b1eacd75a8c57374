package discovery

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentdeck/agentdeck/log"
)

// rescanDebounce coalesces the burst of write events the CLI produces
// while streaming a conversation to disk
const rescanDebounce = 500 * time.Millisecond

// Watcher watches the transcripts root and invokes a callback when the
// set of discoverable sessions may have changed
type Watcher struct {
	scanner  *Scanner
	onChange func()

	fsw    *fsnotify.Watcher
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher over the scanner's root. onChange fires
// after a quiet period follows filesystem activity.
func NewWatcher(scanner *Scanner, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		scanner:  scanner,
		onChange: onChange,
		fsw:      fsw,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins watching. A missing root is not an error; the CLI may
// simply never have run on this machine.
func (w *Watcher) Start() error {
	root := w.scanner.Root()
	if err := w.fsw.Add(root); err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("root", root).Msg("transcripts root does not exist, discovery watcher idle")
			return nil
		}
		return err
	}

	entries, err := os.ReadDir(root)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				if werr := w.fsw.Add(filepath.Join(root, entry.Name())); werr != nil {
					log.Warn().Err(werr).Str("dir", entry.Name()).Msg("failed to watch project directory")
				}
			}
		}
	}

	w.wg.Add(1)
	go w.loop()

	log.Info().Str("root", root).Msg("discovery watcher started")
	return nil
}

// Stop halts watching and waits for the event loop to exit
func (w *Watcher) Stop() {
	w.cancel()
	_ = w.fsw.Close()
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}

			// new project directories must themselves be watched
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if werr := w.fsw.Add(event.Name); werr != nil {
						log.Warn().Err(werr).Str("dir", event.Name).Msg("failed to watch new project directory")
					}
				}
			}

			if debounce == nil {
				debounce = time.NewTimer(rescanDebounce)
				fire = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(rescanDebounce)
			}

		case <-fire:
			debounce = nil
			fire = nil
			w.onChange()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("discovery watcher error")
		}
	}
}

// relevant filters events down to transcript files and directories
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op.Has(fsnotify.Chmod) {
		return false
	}
	if strings.HasSuffix(event.Name, ".jsonl") {
		return true
	}
	info, err := os.Stat(event.Name)
	return err == nil && info.IsDir()
}
